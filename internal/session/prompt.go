package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragstream-go/internal/budget"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// Prompt is an assembled, budget-checked message list ready for the engine.
type Prompt struct {
	Messages        []*schema.Message
	EstimatedTokens int
	// DroppedTurns counts history turns left out to fit the budget.
	DroppedTurns int
	// DroppedSources counts retrieved sources left out, lowest-ranked first.
	DroppedSources int
	// Sources are the retrieved results actually included, in rank order.
	Sources []rag.Result
}

// FormatContext renders ranked sources as the body of the context message.
func FormatContext(sources []rag.Result) string {
	var b strings.Builder
	b.WriteString("Answer the user's question using the context below. ")
	b.WriteString("If the context does not contain enough information, say so.\n\nContext:")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n\n[%d] Source: %s\n%s", i+1, s.Source, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// AssemblePrompt builds the message list for the session: the system
// preamble, then the retrieved context, then the turns oldest to newest.
//
// When the estimate exceeds maxTokens, history before the most recent user
// turn is dropped oldest pair first; if that is not enough, sources are
// dropped lowest-ranked first. The preamble and the most recent user turn
// (with anything after it) are never dropped; if they alone exceed the
// budget the result is ErrContextBudget.
func (m *Manager) AssemblePrompt(ctx context.Context, sessionID, preamble string, sources []rag.Result, maxTokens int) (Prompt, error) {
	if err := ctx.Err(); err != nil {
		return Prompt{}, err
	}
	if maxTokens <= 0 {
		return Prompt{}, fmt.Errorf("session: max context tokens must be positive, got %d: %w", maxTokens, rag.ErrConfig)
	}
	turns, err := m.Turns(sessionID)
	if err != nil {
		return Prompt{}, err
	}

	pin := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			pin = i
			break
		}
	}
	history := toMessages(turns[:pin])
	pinned := toMessages(turns[pin:])

	var head []*schema.Message
	if preamble != "" {
		head = append(head, schema.SystemMessage(preamble))
	}

	kept := sources
	for {
		fixed := append([]*schema.Message(nil), head...)
		if len(kept) > 0 {
			fixed = append(fixed, schema.SystemMessage(FormatContext(kept)))
		}
		fixed = append(fixed, pinned...)

		remaining, _ := budget.TrimHistory(fixed, history, maxTokens)
		msgs := make([]*schema.Message, 0, len(fixed)+len(remaining))
		msgs = append(msgs, fixed[:len(fixed)-len(pinned)]...)
		msgs = append(msgs, remaining...)
		msgs = append(msgs, pinned...)

		if est := budget.EstimateMessages(msgs); est <= maxTokens {
			return Prompt{
				Messages:        msgs,
				EstimatedTokens: est,
				DroppedTurns:    pin - len(remaining),
				DroppedSources:  len(sources) - len(kept),
				Sources:         append([]rag.Result(nil), kept...),
			}, nil
		}
		if len(kept) == 0 {
			return Prompt{}, fmt.Errorf("session: preamble and current turn need %d tokens, budget is %d: %w",
				budget.EstimateMessages(append(head, pinned...)), maxTokens, rag.ErrContextBudget)
		}
		// History is exhausted before any source goes.
		history = nil
		kept = kept[:len(kept)-1]
	}
}

func toMessages(turns []Turn) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	return msgs
}
