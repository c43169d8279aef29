package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
)

const keepaliveInterval = 12 * time.Second

// SSEStream writes the chat-completions SSE wire format. Every write
// goes through the ended guard so nothing follows the terminator, and
// the keepalive ticker stops exactly when the stream ends.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  arbor.ILogger

	id      string
	model   string
	mode    string // keepalive mode: comment or content
	created int64

	ticker *time.Ticker
	ended  bool
}

// NewSSEStream sends the SSE headers and starts the keepalive ticker.
func NewSSEStream(w http.ResponseWriter, model, keepaliveMode string, logger arbor.ILogger) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, models.NewGatewayError(models.ErrCodeInternalError, "response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEStream{
		w:       w,
		flusher: flusher,
		logger:  logger,
		id:      common.NewCompletionID(),
		model:   model,
		mode:    keepaliveMode,
		created: time.Now().Unix(),
		ticker:  time.NewTicker(keepaliveInterval),
	}, nil
}

// Tick exposes the keepalive ticker channel for the caller's select.
func (s *SSEStream) Tick() <-chan time.Time {
	if s.ended {
		return nil
	}
	return s.ticker.C
}

// Keepalive emits one heartbeat: an SSE comment line, or an empty delta
// chunk when the configured mode is content.
func (s *SSEStream) Keepalive() {
	if s.ended {
		return
	}
	if s.mode == "content" {
		s.writeChunk(models.ChunkDelta{}, nil)
		return
	}
	fmt.Fprint(s.w, ":keepalive\n\n")
	s.flusher.Flush()
}

// Finish emits the single content chunk, the terminal chunk and the
// DONE marker, then ends the stream.
func (s *SSEStream) Finish(content string) {
	if s.ended {
		return
	}
	s.writeChunk(models.ChunkDelta{Role: "assistant", Content: content}, nil)
	s.writeChunk(models.ChunkDelta{}, &models.FinishReasonStop)
	s.terminate()
}

// Fail emits one error frame followed by the DONE marker.
func (s *SSEStream) Fail(err error) {
	if s.ended {
		return
	}
	payload, merr := json.Marshal(models.NewErrorResponse(err))
	if merr != nil {
		s.logger.Error().Err(merr).Msg("Cannot marshal stream error frame")
		s.end()
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.terminate()
}

// ClientGone ends the stream without writing; the peer is not reading.
func (s *SSEStream) ClientGone() {
	s.end()
}

// Close releases the ticker. Safe to call after any terminal path.
func (s *SSEStream) Close() {
	s.end()
}

func (s *SSEStream) writeChunk(delta models.ChunkDelta, finish *string) {
	chunk := models.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Error().Err(err).Msg("Cannot marshal stream chunk")
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

func (s *SSEStream) terminate() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	s.end()
}

func (s *SSEStream) end() {
	if s.ended {
		return
	}
	s.ended = true
	s.ticker.Stop()
}
