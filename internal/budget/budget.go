// Package budget provides token estimation and history trimming for prompt
// assembly. Generation backends use different tokenizers, so estimates use a
// conservative character heuristic: 1 token ≈ 4 characters of English prose.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead approximates the per-message framing most chat APIs add.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default prompt budget in tokens. It fits
	// 8k-context models while leaving room for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s. Any non-empty string counts
// as at least one token.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessage returns the estimated cost of a single message: framing
// overhead plus role and content.
func EstimateMessage(m *schema.Message) int {
	if m == nil {
		return 0
	}
	return messageOverhead + Estimate(string(m.Role)) + Estimate(m.Content)
}

// EstimateMessages returns the estimated total token count for msgs.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// TrimHistory drops the oldest history messages until fixed plus history
// fits within maxTokens. A user message at the front is dropped together
// with the assistant reply that follows it, so exchanges leave the window
// as a pair. fixed is never trimmed.
//
// It returns the retained suffix of history and the number of messages
// dropped. When fixed alone exceeds the budget the whole history is dropped;
// callers decide whether that is an error.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) ([]*schema.Message, int) {
	used := EstimateMessages(fixed) + EstimateMessages(history)
	dropped := 0
	for len(history) > 0 && used > maxTokens {
		n := 1
		if len(history) > 1 && history[0].Role == schema.User && history[1].Role == schema.Assistant {
			n = 2
		}
		used -= EstimateMessages(history[:n])
		history = history[n:]
		dropped += n
	}
	return history, dropped
}
