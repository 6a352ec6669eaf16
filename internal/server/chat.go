package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/provider"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// decodeChatRequest parses and validates a chat body. On failure it writes
// the 400 response and returns false.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, r, "invalid request body", http.StatusBadRequest)
		return chat.Request{}, false
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSONError(w, r, "message is required", http.StatusBadRequest)
		return chat.Request{}, false
	}
	for _, h := range body.History {
		if !h.Role.Valid() {
			writeJSONError(w, r, fmt.Sprintf("history role %q must be user or assistant", h.Role), http.StatusBadRequest)
			return chat.Request{}, false
		}
	}
	useRetrieval := true
	if body.UseRetrieval != nil {
		useRetrieval = *body.UseRetrieval
	}
	return chat.Request{
		SessionID:       body.SessionID,
		Message:         body.Message,
		ClientMessageID: body.ClientMessageID,
		UseRetrieval:    useRetrieval,
		History:         body.History,
		TopK:            body.TopK,
	}, true
}

// handleChat handles POST /api/chat. It runs the request to completion and
// returns the answer with its sources as one JSON document.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	log := logging.FromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.chat.Complete(ctx, req)
	elapsed := time.Since(start)
	s.metrics.observeChat("json", chatOutcome(err), elapsed)

	if err != nil {
		log.Warn("chat failed", slog.Any("error", err), slog.Duration("duration", elapsed))
		if resp == nil {
			writeJSONError(w, r, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, r, statusFor(err), chatResponse{Response: resp, ProcessingTime: elapsed.Seconds(), Error: err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, chatResponse{Response: resp, ProcessingTime: elapsed.Seconds()})
}

// handleChatStream handles POST /api/chat/stream. Events are delivered as
// Server-Sent Events whose data line is the JSON-encoded event; the stream
// always ends with a done event unless the client goes away first.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	log := logging.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, r, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	start := time.Now()
	run, err := s.chat.Stream(ctx, req)
	if err != nil {
		s.metrics.observeChat("stream", chatOutcome(err), time.Since(start))
		writeJSONError(w, r, err.Error(), statusFor(err))
		return
	}
	defer run.Cancel()

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", run.SessionID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var done, gone bool
	for ev := range run.Events() {
		if err := writeEvent(w, ev); err != nil {
			log.Info("chat stream: client went away", slog.Any("error", err))
			run.Cancel()
			gone = true
			break
		}
		done = done || ev.Done
		flusher.Flush()
	}

	res := run.Wait()
	if !done && !gone && res.State == chat.StateFailed {
		// The request deadline stopped the run before it could emit its
		// terminal event.
		_ = writeEvent(w, chat.Event{
			Done:           true,
			Err:            res.Err,
			Partial:        res.Text,
			Degraded:       res.Degraded,
			DegradedReason: res.DegradedReason,
			Model:          res.Model,
		})
		flusher.Flush()
	}
	outcome := chatOutcome(res.Err)
	if res.State == chat.StateCancelled {
		outcome = outcomeCanceled
	}
	s.metrics.observeChat("stream", outcome, time.Since(start))
	log.Debug("chat stream finished",
		slog.String("session_id", res.SessionID),
		slog.String("state", res.State.String()),
		slog.Bool("degraded", res.Degraded),
	)
}

// writeEvent emits ev as a single SSE data frame. JSON never contains a raw
// newline, so one data line always suffices.
func writeEvent(w http.ResponseWriter, ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// chatOutcome maps a chat error onto the metrics outcome label.
func chatOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	case errors.Is(err, rag.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeError
	}
}

// modelsResponse is the JSON body of GET /api/chat/models.
type modelsResponse struct {
	Current string               `json:"current"`
	Models  []provider.ModelInfo `json:"models"`
}

// handleModels handles GET /api/chat/models. The active model is always
// reported; the backend catalog is added when a lister is configured.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := modelsResponse{Current: s.chat.Model(), Models: []provider.ModelInfo{}}
	if s.cfg.Models != nil {
		models, err := s.cfg.Models.ListModels(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Warn("list models failed", slog.Any("error", err))
			writeJSONError(w, r, err.Error(), http.StatusBadGateway)
			return
		}
		resp.Models = models
	}
	writeJSON(w, r, http.StatusOK, resp)
}
