// Package chat coordinates one chat request end to end: optional retrieval,
// prompt assembly, and streamed generation. Each request runs as its own
// cancellable task that emits Events on a channel the consumer drains.
// Retrieval failures degrade the request to contextless generation instead
// of failing it; engine faults end the stream with one terminal error event
// that carries the partial output.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/54b3r/ragstream-go/internal/budget"
	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/metrics"
	"github.com/54b3r/ragstream-go/internal/rag"
	"github.com/54b3r/ragstream-go/internal/session"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTopK              = 5
	DefaultScoreThreshold    = 0.2
	DefaultRetrievalTimeout  = 5 * time.Second
	DefaultGenerationTimeout = 2 * time.Minute
	DefaultSystemPreamble    = "You are a helpful assistant. Answer using the provided context when it is relevant and say so when it does not contain the answer."
)

// Retriever is the retrieval collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float32) ([]rag.Result, error)
}

// Config tunes a Coordinator.
type Config struct {
	TopK              int
	ScoreThreshold    float32
	MaxContextTokens  int
	SystemPreamble    string
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

// Coordinator runs chat requests. It is safe for concurrent use; requests
// share nothing but the collaborators.
type Coordinator struct {
	retriever Retriever
	sessions  *session.Manager
	engine    rag.Generator
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Pipeline
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the base logger. Without it the logger carried by each
// request context is used.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics reports request outcomes to m.
func WithMetrics(m *metrics.Pipeline) Option { return func(c *Coordinator) { c.metrics = m } }

// New constructs a Coordinator. retriever may be nil, in which case every
// request is served without retrieved context.
func New(retriever Retriever, sessions *session.Manager, engine rag.Generator, cfg Config, opts ...Option) (*Coordinator, error) {
	if sessions == nil || engine == nil {
		return nil, fmt.Errorf("chat: sessions and engine are required: %w", rag.ErrConfig)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.SystemPreamble == "" {
		cfg.SystemPreamble = DefaultSystemPreamble
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	c := &Coordinator{retriever: retriever, sessions: sessions, engine: engine, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Model returns the identifier of the generation engine.
func (c *Coordinator) Model() string { return c.engine.Model() }

// HistoryTurn is a prior message supplied by a stateless client.
type HistoryTurn struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

// Request is one user message to answer.
type Request struct {
	// SessionID selects the conversation; empty starts a new one.
	SessionID string
	// Message is the new user message.
	Message string
	// ClientMessageID deduplicates retried submissions of the same message.
	ClientMessageID string
	// UseRetrieval enables the retrieval step.
	UseRetrieval bool
	// History seeds a session that has no turns yet.
	History []HistoryTurn
	// TopK overrides the configured number of sources when positive.
	TopK int
}

// Run is a request in flight.
type Run struct {
	sessionID string
	events    chan Event
	cancel    context.CancelFunc
	state     atomic.Int32
	done      chan struct{}
	result    Result
}

// SessionID returns the session the request belongs to.
func (r *Run) SessionID() string { return r.sessionID }

// Events returns the event channel. It is closed after the terminal event,
// or without one when the run is cancelled.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel stops the run. No event is delivered once cancellation is observed.
func (r *Run) Cancel() { r.cancel() }

// State returns the current lifecycle state.
func (r *Run) State() State { return State(r.state.Load()) }

// Wait blocks until the run reaches a terminal state and returns its outcome.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// Stream starts req and returns immediately. Sources are attached to the
// terminal event. Invalid requests fail synchronously with rag.ErrConfig.
func (c *Coordinator) Stream(ctx context.Context, req Request) (*Run, error) {
	return c.start(ctx, req, false)
}

// Response is the non-streaming answer to a request.
type Response struct {
	SessionID      string        `json:"session_id"`
	Text           string        `json:"response"`
	Sources        []Source      `json:"sources"`
	Model          string        `json:"model_used"`
	Latency        time.Duration `json:"-"`
	Degraded       bool          `json:"degraded,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
}

// Complete runs req to completion. Sources ride on the first event. On an
// engine failure the partial response is returned together with the error.
func (c *Coordinator) Complete(ctx context.Context, req Request) (*Response, error) {
	run, err := c.start(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer run.Cancel()

	resp := &Response{SessionID: run.SessionID(), Model: c.engine.Model(), Sources: []Source{}}
	var text strings.Builder
	var final Event
	for ev := range run.Events() {
		if ev.Sources != nil {
			resp.Sources = ev.Sources
		}
		text.WriteString(ev.Chunk)
		if ev.Done {
			final = ev
		}
	}
	res := run.Wait()
	resp.Text = text.String()
	resp.Latency = res.Latency
	resp.Degraded = final.Degraded
	resp.DegradedReason = final.DegradedReason

	switch res.State {
	case StateCompleted:
		return resp, nil
	case StateCancelled:
		return nil, fmt.Errorf("chat: %w", context.Cause(ctx))
	default:
		return resp, res.Err
	}
}

func (c *Coordinator) start(ctx context.Context, req Request, sourcesFirst bool) (*Run, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("chat: message must not be empty: %w", rag.ErrConfig)
	}
	if req.SessionID == "" {
		req.SessionID = c.sessions.Create().ID
	}
	log := c.log
	if log == nil {
		log = logging.FromContext(ctx)
	}
	if _, err := c.sessions.Get(req.SessionID); errors.Is(err, rag.ErrSessionNotFound) {
		// Sessions from an earlier process exist only in the journal; a
		// miss there simply starts the session fresh.
		if _, err := c.sessions.Restore(ctx, req.SessionID); err != nil &&
			!errors.Is(err, rag.ErrSessionNotFound) && !errors.Is(err, rag.ErrConfig) {
			log.Warn("chat: restore session from journal",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := c.seed(ctx, req); err != nil {
		return nil, err
	}
	user, appended, err := c.sessions.Append(ctx, req.SessionID, session.RoleUser, req.Message, req.ClientMessageID)
	if err != nil {
		return nil, fmt.Errorf("chat: append user turn: %w", err)
	}
	var replay *session.Turn
	if !appended {
		// A retried message is answered from history, never generated twice.
		reply, ok := c.sessions.Reply(req.SessionID, user.Seq)
		if !ok {
			return nil, fmt.Errorf("chat: message %q has no recorded answer yet: %w", req.ClientMessageID, rag.ErrDuplicateMessage)
		}
		replay = &reply
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		sessionID: req.SessionID,
		events:    make(chan Event),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t := &task{
		c:            c,
		run:          r,
		req:          req,
		sourcesFirst: sourcesFirst,
		replay:       replay,
		log: log.With(
			slog.String("session_id", req.SessionID),
			slog.String("model", c.engine.Model()),
		),
		started: time.Now(),
	}
	go t.execute(runCtx)
	return r, nil
}

// seed loads client-supplied history into a session that has none.
func (c *Coordinator) seed(ctx context.Context, req Request) error {
	if len(req.History) == 0 {
		return nil
	}
	if turns, err := c.sessions.Turns(req.SessionID); err == nil && len(turns) > 0 {
		return nil
	}
	for _, h := range req.History {
		if _, _, err := c.sessions.Append(ctx, req.SessionID, h.Role, h.Content, ""); err != nil {
			return fmt.Errorf("chat: seed history: %w", err)
		}
	}
	return nil
}

// task is the state owned by one running request.
type task struct {
	c            *Coordinator
	run          *Run
	req          Request
	sourcesFirst bool
	replay       *session.Turn
	log          *slog.Logger
	started      time.Time

	sources        []rag.Result
	sourcesSent    bool
	degraded       bool
	degradedReason string
}

func (t *task) setState(s State) {
	t.run.state.Store(int32(s))
	t.log.Debug("chat: state", slog.String("state", s.String()))
}

func (t *task) execute(ctx context.Context) {
	defer close(t.run.done)
	defer close(t.run.events)
	defer t.run.cancel()

	text, err := t.generate(ctx)

	res := &t.run.result
	res.SessionID = t.req.SessionID
	res.State = t.run.State()
	res.Text = text
	res.Sources = t.sources
	res.Model = t.c.engine.Model()
	res.Degraded = t.degraded
	res.DegradedReason = t.degradedReason
	res.Err = err
	res.Latency = time.Since(t.started)

	t.c.metrics.StreamFinished(res.State.String(), t.degraded)
	attrs := []any{
		slog.String("state", res.State.String()),
		slog.Bool("degraded", t.degraded),
		slog.Int("chars", len(text)),
		slog.Duration("latency", res.Latency),
	}
	switch res.State {
	case StateFailed:
		t.log.Warn("chat: request failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		t.log.Info("chat: request finished", attrs...)
	}
}

// generate drives the state machine and returns the text produced. It
// leaves the run in a terminal state.
func (t *task) generate(ctx context.Context) (string, error) {
	if t.replay != nil {
		return t.replayAnswer(ctx)
	}
	if t.req.UseRetrieval && t.c.retriever != nil {
		t.setState(StateRetrieving)
		t.retrieve(ctx)
		if ctx.Err() != nil {
			return t.stopped(ctx, "")
		}
	}

	t.setState(StateGenerating)
	prompt, err := t.c.sessions.AssemblePrompt(ctx, t.req.SessionID, t.c.cfg.SystemPreamble, t.sources, t.c.cfg.MaxContextTokens)
	if err != nil {
		if ctx.Err() != nil {
			return t.stopped(ctx, "")
		}
		return "", t.fail(ctx, "", fmt.Errorf("chat: assemble prompt: %w", err))
	}
	t.sources = prompt.Sources
	if prompt.DroppedTurns > 0 || prompt.DroppedSources > 0 {
		t.log.Debug("chat: prompt trimmed",
			slog.Int("dropped_turns", prompt.DroppedTurns),
			slog.Int("dropped_sources", prompt.DroppedSources),
		)
	}

	genCtx, cancel := context.WithTimeout(ctx, t.c.cfg.GenerationTimeout)
	defer cancel()

	stream, err := t.c.engine.Generate(genCtx, prompt.Messages)
	if err != nil {
		if ctx.Err() != nil {
			return t.stopped(ctx, "")
		}
		if !errors.Is(err, rag.ErrEngineUnavailable) {
			err = fmt.Errorf("%w: %w", rag.ErrEngineUnavailable, err)
		}
		return "", t.fail(ctx, "", fmt.Errorf("chat: %w", err))
	}
	defer stream.Close()

	t.setState(StateStreaming)
	increments := pump(genCtx, stream)

	var text strings.Builder
	for {
		var inc increment
		select {
		case <-ctx.Done():
			return t.stopped(ctx, text.String())
		case <-genCtx.Done():
			if ctx.Err() != nil {
				return t.stopped(ctx, text.String())
			}
			return t.timeout(ctx, text.String())
		case inc = <-increments:
		}

		switch {
		case inc.err == nil:
			text.WriteString(inc.text)
			if !t.emit(ctx, Event{Chunk: inc.text, Model: t.c.engine.Model()}) {
				return t.stopped(ctx, text.String())
			}
		case errors.Is(inc.err, io.EOF):
			return t.complete(ctx, text.String())
		case ctx.Err() != nil:
			return t.stopped(ctx, text.String())
		case genCtx.Err() != nil:
			return t.timeout(ctx, text.String())
		default:
			return text.String(), t.fail(ctx, text.String(), fmt.Errorf("chat: %w: %w", rag.ErrStreamInterrupted, inc.err))
		}
	}
}

// retrieve fills t.sources, or marks the request degraded.
func (t *task) retrieve(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, t.c.cfg.RetrievalTimeout)
	defer cancel()

	topK := t.req.TopK
	if topK <= 0 {
		topK = t.c.cfg.TopK
	}
	results, err := t.c.retriever.Retrieve(rctx, t.req.Message, topK, t.c.cfg.ScoreThreshold)
	if err == nil {
		t.sources = results
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, rag.ErrRetrievalTimeout) {
		err = fmt.Errorf("%w: %w", rag.ErrRetrievalTimeout, err)
	}
	t.degraded = true
	t.degradedReason = err.Error()
	t.log.Warn("chat: retrieval failed, continuing without context", slog.String("error", err.Error()))
}

// complete records the assistant turn and emits the terminal event.
func (t *task) complete(ctx context.Context, text string) (string, error) {
	if _, _, err := t.c.sessions.Append(context.WithoutCancel(ctx), t.req.SessionID, session.RoleAssistant, text, ""); err != nil {
		t.log.Error("chat: append assistant turn", slog.String("error", err.Error()))
	}
	t.setState(StateCompleted)
	t.emit(ctx, t.terminal(nil, ""))
	return text, nil
}

// replayAnswer streams the assistant turn already recorded for a retried
// message. Nothing is appended to the session.
func (t *task) replayAnswer(ctx context.Context) (string, error) {
	text := t.replay.Content
	t.setState(StateStreaming)
	if !t.emit(ctx, Event{Chunk: text, Model: t.c.engine.Model()}) {
		return t.stopped(ctx, "")
	}
	t.setState(StateCompleted)
	t.emit(ctx, t.terminal(nil, ""))
	return text, nil
}

// stopped ends the run once ctx is done. A deadline inherited from the
// caller is a generation timeout and keeps the partial output; anything else
// is a cancellation. No event can be delivered either way.
func (t *task) stopped(ctx context.Context, partial string) (string, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.setState(StateFailed)
		return partial, fmt.Errorf("chat: %w: %w", rag.ErrGenerationTimeout, ctx.Err())
	}
	t.setState(StateCancelled)
	return partial, ctx.Err()
}

// timeout ends the request after the generation deadline, keeping the
// partial output.
func (t *task) timeout(ctx context.Context, partial string) (string, error) {
	err := fmt.Errorf("chat: %w after %s", rag.ErrGenerationTimeout, t.c.cfg.GenerationTimeout)
	return partial, t.fail(ctx, partial, err)
}

// fail moves to FAILED and emits the terminal error event.
func (t *task) fail(ctx context.Context, partial string, err error) error {
	t.setState(StateFailed)
	t.emit(ctx, t.terminal(err, partial))
	return err
}

func (t *task) terminal(err error, partial string) Event {
	return Event{
		Done:           true,
		Err:            err,
		Partial:        partial,
		Degraded:       t.degraded,
		DegradedReason: t.degradedReason,
		Model:          t.c.engine.Model(),
	}
}

// emit delivers ev unless the run has been cancelled. The first event in
// sources-first mode, or the terminal event otherwise, carries the sources.
func (t *task) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	if !t.sourcesSent && (t.sourcesFirst || ev.Done) {
		ev.Sources = Sources(t.sources)
		t.sourcesSent = true
	}
	select {
	case t.run.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type increment struct {
	text string
	err  error
}

// pump moves increments from the engine onto a channel so the coordinator
// can wait on the engine and on cancellation at the same time. It exits
// once the stream ends or ctx is done; closing the stream unblocks Recv.
func pump(ctx context.Context, s rag.TextStream) <-chan increment {
	out := make(chan increment)
	go func() {
		for {
			text, err := s.Recv()
			select {
			case out <- increment{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
