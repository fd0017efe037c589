package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/browser"
	"github.com/xkilldash9x/copilot-relay/internal/capture"
	"github.com/xkilldash9x/copilot-relay/internal/cdp"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.client.Ready() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelList{
		Object: "list",
		Data: []Model{{
			ID:      s.cfg.Model,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "copilot-relay",
		}},
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			"request body is not valid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	prompt, err := extractPrompt(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	ctx := r.Context()
	if startsNewConversation(req.Messages) {
		s.logger.Info("New conversation requested; reinitializing page session.")
		if err := s.client.ReinitializePageSession(ctx); err != nil {
			s.writeRelayError(w, fmt.Errorf("resetting conversation: %w", err))
			return
		}
	}

	stream, err := s.client.SendMessage(ctx, prompt)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		s.streamCompletion(w, r, completionID, stream)
		return
	}
	s.aggregateCompletion(w, completionID, stream)
}

// aggregateCompletion drains the whole response before answering.
func (s *Server) aggregateCompletion(w http.ResponseWriter, id string, stream ResponseStream) {
	var sb strings.Builder
	for chunk := range stream.Chunks() {
		sb.WriteString(chunk)
	}
	if err := stream.Err(); err != nil {
		s.writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.cfg.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: sb.String()},
			FinishReason: "stop",
		}},
	})
}

// streamCompletion relays chunks as server-sent events in the OpenAI chunk
// format, flushing after each event.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id string, stream ResponseStream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		stream.Cancel()
		for range stream.Chunks() {
		}
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	writeEvent := func(chunk ChatCompletionChunk) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	// Role announcement, mirroring upstream behavior.
	writeEvent(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: s.cfg.Model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: "assistant"}}},
	})

	for chunk := range stream.Chunks() {
		writeEvent(ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: s.cfg.Model,
			Choices: []ChunkChoice{{Delta: ChunkDelta{Content: chunk}}},
		})
	}

	if err := stream.Err(); err != nil && !errors.Is(err, r.Context().Err()) {
		// The SSE stream is already committed, so no status code can carry
		// the failure. Emit a terminal error frame and close without the
		// finish event or [DONE] so the client cannot mistake the partial
		// text for a completed response.
		s.logger.Error("Streamed completion ended abnormally.", zap.Error(err))
		if payload, merr := json.Marshal(APIError{Error: APIErrorDetail{
			Message: err.Error(),
			Type:    "upstream_error",
		}}); merr == nil {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		return
	}

	finish := "stop"
	writeEvent(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: s.cfg.Model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &finish}},
	})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeRelayError maps relay failures onto HTTP statuses: page trouble is a
// bad gateway, a dead browser connection is service unavailability.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	s.logger.Error("Chat turn failed.", zap.Error(err))
	switch {
	case errors.Is(err, cdp.ErrConnectionClosed):
		writeError(w, http.StatusServiceUnavailable, "upstream_error", err.Error())
	case errors.Is(err, capture.ErrCaptureFailed),
		errors.Is(err, browser.ErrSelectorNotFound),
		errors.Is(err, browser.ErrInvalidState),
		errors.Is(err, cdp.ErrTimeout):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}
