package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// Engine adapts an eino chat model to rag.Generator.
type Engine struct {
	chat    model.BaseChatModel
	backend Backend
	model   string
}

var _ rag.Generator = (*Engine)(nil)

// NewEngine wraps m. name is the model identifier reported to clients.
func NewEngine(m model.BaseChatModel, backend Backend, name string) *Engine {
	return &Engine{chat: m, backend: backend, model: name}
}

// Model returns the model identifier.
func (e *Engine) Model() string { return e.model }

// Backend returns the backend serving the engine.
func (e *Engine) Backend() Backend { return e.backend }

// Kind returns whether the engine is local or remote.
func (e *Engine) Kind() Kind { return e.backend.Kind() }

// Chat returns the underlying eino chat model.
func (e *Engine) Chat() model.BaseChatModel { return e.chat }

// Generate opens a streamed completion. Failure to open wraps
// rag.ErrEngineUnavailable.
func (e *Engine) Generate(ctx context.Context, msgs []*schema.Message) (rag.TextStream, error) {
	sr, err := e.chat.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w: %w", e.backend, rag.ErrEngineUnavailable, err)
	}
	return &textStream{sr: sr}, nil
}

// PingMessages is the minimal prompt used to probe an engine that has no
// token-free health check.
func PingMessages() []*schema.Message {
	return []*schema.Message{schema.UserMessage("Reply with the single word: pong")}
}

// textStream turns a stream of message deltas into text increments,
// skipping deltas that carry no content.
type textStream struct {
	sr   *schema.StreamReader[*schema.Message]
	once sync.Once
}

func (s *textStream) Recv() (string, error) {
	for {
		msg, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if msg != nil && msg.Content != "" {
			return msg.Content, nil
		}
	}
}

func (s *textStream) Close() { s.once.Do(s.sr.Close) }
