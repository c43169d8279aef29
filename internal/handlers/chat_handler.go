package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/pool"
	"github.com/ternarybob/browsergate/internal/worker"
)

// ChatHandler serves POST /v1/chat/completions: parse, admission checks,
// queue submit, then the non-stream body or SSE stream.
type ChatHandler struct {
	cfg    *common.Config
	pool   *pool.Pool
	queue  *pool.Queue
	logger arbor.ILogger
}

// NewChatHandler creates the chat completions handler.
func NewChatHandler(cfg *common.Config, p *pool.Pool, q *pool.Queue, logger arbor.ILogger) *ChatHandler {
	return &ChatHandler{
		cfg:    cfg,
		pool:   p,
		queue:  q,
		logger: logger,
	}
}

// ChatCompletionsHandler handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteGatewayError(w, models.NewGatewayError(models.ErrCodeNoMessages, "request body is not a valid chat completion request"))
		return
	}

	if len(req.Messages) == 0 {
		WriteGatewayError(w, models.NewGatewayError(models.ErrCodeNoMessages, "messages must not be empty"))
		return
	}

	prompt, imageRefs := flattenMessages(req.Messages)
	if prompt == "" && len(imageRefs) == 0 {
		WriteGatewayError(w, models.NewGatewayError(models.ErrCodeNoUserMessages, "no user message with content found"))
		return
	}

	if len(imageRefs) > h.cfg.Queue.MaxImages() {
		WriteGatewayError(w, models.NewGatewayError(models.ErrCodeTooManyImages,
			fmt.Sprintf("request carries %d images, limit is %d", len(imageRefs), h.cfg.Queue.MaxImages())))
		return
	}

	if err := h.checkCandidates(req.Model, len(imageRefs) > 0); err != nil {
		WriteGatewayError(w, err)
		return
	}

	imagePaths, err := materializeImages(r.Context(), h.cfg.TempDir(), imageRefs)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}
	defer removeFiles(imagePaths)

	task := &models.Task{
		ID:         common.NewTaskID(),
		Model:      req.Model,
		Prompt:     prompt,
		ImagePaths: imagePaths,
		Stream:     req.Stream,
		CreatedAt:  time.Now(),
	}

	h.logger.Info().
		Str("task", task.ID).
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Int("images", len(imagePaths)).
		Msg("Chat completion admitted")

	done, err := h.queue.Submit(task, prompt, imagePaths, req.Model, nil)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	if req.Stream {
		h.respondStream(w, r, task, done)
		return
	}
	h.respondOnce(w, r, task, done)
}

// respondOnce blocks for the outcome of a non-streaming task. A client
// disconnect cancels the task; nothing is written in that case.
func (h *ChatHandler) respondOnce(w http.ResponseWriter, r *http.Request, task *models.Task, done <-chan pool.Outcome) {
	select {
	case <-r.Context().Done():
		task.Cancel()
		h.logger.Debug().Str("task", task.ID).Msg("Client disconnected before completion")
		return
	case out := <-done:
		if out.Err != nil {
			h.logger.Warn().Str("task", task.ID).Err(out.Err).Msg("Chat completion failed")
			WriteGatewayError(w, out.Err)
			return
		}
		WriteJSON(w, http.StatusOK, buildCompletion(task.Model, out.Result))
	}
}

// respondStream drives the SSE transport until the task terminates.
func (h *ChatHandler) respondStream(w http.ResponseWriter, r *http.Request, task *models.Task, done <-chan pool.Outcome) {
	stream, err := NewSSEStream(w, task.Model, h.cfg.Server.Keepalive.Mode, h.logger)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}
	defer stream.Close()

	for {
		select {
		case <-r.Context().Done():
			task.Cancel()
			stream.ClientGone()
			h.logger.Debug().Str("task", task.ID).Msg("Client disconnected mid-stream")
			return
		case <-stream.Tick():
			stream.Keepalive()
		case out := <-done:
			if out.Err != nil {
				h.logger.Warn().Str("task", task.ID).Err(out.Err).Msg("Streaming completion failed")
				stream.Fail(out.Err)
				return
			}
			stream.Finish(renderContent(out.Result))
			return
		}
	}
}

// checkCandidates applies the model and image admission rules against
// the current worker set. A model no configured worker knows is a client
// error; a model whose workers exist but have not come up yet is a
// service-side 503.
func (h *ChatHandler) checkCandidates(modelKey string, hasImages bool) error {
	var supporting []*worker.Worker
	knownModel := false
	for _, w := range h.pool.Workers() {
		if !w.Supports(modelKey) {
			continue
		}
		knownModel = true
		if w.Initialized() {
			supporting = append(supporting, w)
		}
	}
	if !knownModel {
		return models.NewGatewayError(models.ErrCodeInvalidModel, fmt.Sprintf("model %q is not available", modelKey))
	}
	if len(supporting) == 0 {
		return models.NewGatewayError(models.ErrCodeBrowserNotInitialized,
			fmt.Sprintf("no worker serving model %q has been initialized yet", modelKey))
	}

	allForbid, allRequire := true, true
	for _, w := range supporting {
		switch w.ImagePolicy(modelKey) {
		case models.ImagePolicyForbidden:
			allRequire = false
		case models.ImagePolicyRequired:
			allForbid = false
		default:
			allForbid, allRequire = false, false
		}
	}

	if hasImages && allForbid {
		return models.NewGatewayError(models.ErrCodeImageForbidden, fmt.Sprintf("model %q does not accept images", modelKey))
	}
	if !hasImages && allRequire {
		return models.NewGatewayError(models.ErrCodeImageRequired, fmt.Sprintf("model %q requires at least one image", modelKey))
	}
	return nil
}

// flattenMessages derives the prompt from the last user turn carrying
// text; earlier user texts are conversation history, not the request.
// Image references aggregate across every user turn in order of
// appearance.
func flattenMessages(messages []models.ChatMessage) (string, []string) {
	var prompt string
	var images []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if text := m.Content.Text(); text != "" {
			prompt = text
		}
		images = append(images, m.Content.ImageURLs()...)
	}
	return prompt, images
}

// buildCompletion shapes the non-streaming response body.
func buildCompletion(model string, result *models.GenerationResult) models.ChatCompletion {
	return models.ChatCompletion{
		ID:      common.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index: 0,
			Message: models.AssistantMessage{
				Role:    "assistant",
				Content: renderContent(result),
			},
			FinishReason: &models.FinishReasonStop,
		}},
	}
}

// renderContent turns a generation result into the OpenAI content
// string: text, markdown image links for data URIs, or both.
func renderContent(result *models.GenerationResult) string {
	content := result.Text
	for _, uri := range result.Images {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("![generated](%s)", uri)
	}
	return content
}

func removeFiles(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
