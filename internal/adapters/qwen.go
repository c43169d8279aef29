package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
)

const (
	qwenType       = "qwen"
	qwenDefaultURL = "https://chat.qwen.ai"

	qwenInputSel     = "textarea#chat-input"
	qwenSendSel      = "button#send-message-button"
	qwenFileSel      = "input[type='file']"
	qwenMessageSel   = "div.message-content-assistant"
	qwenRecaptchaSel = "iframe[src*='recaptcha']"
	qwenLoginSel     = "div.login-modal button.close"

	qwenResponseMatch = "/api/chat/completions"
)

// QwenAdapter drives the Qwen chat web UI.
type QwenAdapter struct {
	logger    arbor.ILogger
	converter *md.Converter
}

// NewQwenAdapter creates the Qwen adapter.
func NewQwenAdapter(logger arbor.ILogger) *QwenAdapter {
	return &QwenAdapter{
		logger:    logger,
		converter: md.NewConverter("", true, nil),
	}
}

func (a *QwenAdapter) Type() string {
	return qwenType
}

func (a *QwenAdapter) DisplayName() string {
	return "Qwen Chat"
}

func (a *QwenAdapter) Models() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "qwen3-max", UpstreamID: "qwen3-max", Type: models.ModalityText, ImagePolicy: models.ImagePolicyForbidden},
		{ID: "qwen3-vl-plus", UpstreamID: "qwen3-vl-plus", Type: models.ModalityText, ImagePolicy: models.ImagePolicyOptional},
	}
}

// TargetURL honors a base_url override from backend.adapter.qwen.
func (a *QwenAdapter) TargetURL(cfg *common.Config, workerCfg *common.WorkerConfig) string {
	opts := cfg.AdapterOptions(qwenType)
	if base, ok := opts["base_url"].(string); ok && base != "" {
		return base
	}
	return qwenDefaultURL
}

// NavigationHandlers dismisses the login nag that Qwen raises after
// session refreshes. It types nothing, but closing the modal is page
// input, so it holds the page-auth lock.
func (a *QwenAdapter) NavigationHandlers() []interfaces.NavigationHandler {
	return []interfaces.NavigationHandler{
		func(ctx context.Context, sub *interfaces.AdapterContext, url string) error {
			if !ElementVisible(sub.Page, qwenLoginSel) {
				return nil
			}
			if err := sub.PageAuth.Lock(ctx); err != nil {
				return err
			}
			defer sub.PageAuth.Unlock()

			a.logger.Debug().Str("url", url).Msg("Dismissing Qwen login modal")
			return chromedp.Run(sub.Page, chromedp.Click(qwenLoginSel, chromedp.ByQuery))
		},
	}
}

// Generate runs one prompt round trip: fresh conversation, model select,
// optional uploads, human-typed prompt, submit, await the upstream
// completion, extract the rendered answer as Markdown.
func (a *QwenAdapter) Generate(ctx context.Context, sub *interfaces.AdapterContext, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	upstreamID, _, ok := sub.Registry.ResolveModel(qwenType, modelKey)
	if !ok {
		return nil, models.NewGatewayError(models.ErrCodeInvalidModel, fmt.Sprintf("model %q is not served by %s", modelKey, qwenType))
	}

	gctx, cancel := context.WithTimeout(sub.Page, GenerateTimeout)
	defer cancel()

	target := a.TargetURL(sub.Config, nil)
	if err := Navigate(gctx, target); err != nil {
		return nil, err
	}

	if ElementVisible(gctx, qwenRecaptchaSel) {
		return nil, errors.New("recaptcha validation failed")
	}
	if sub.Cancelled() {
		return nil, context.Canceled
	}

	if err := a.selectModel(gctx, upstreamID); err != nil {
		return nil, err
	}

	if len(imagePaths) > 0 {
		if err := UploadImages(gctx, qwenFileSel, imagePaths); err != nil {
			return nil, err
		}
	}

	watcher, err := WatchResponse(gctx, qwenResponseMatch)
	if err != nil {
		return nil, err
	}

	if err := TypeHuman(gctx, qwenInputSel, prompt); err != nil {
		return nil, err
	}
	if sub.Cancelled() {
		return nil, context.Canceled
	}

	if err := chromedp.Run(gctx, chromedp.Click(qwenSendSel, chromedp.ByQuery)); err != nil {
		return nil, PageError(err)
	}

	if _, err := watcher.Wait(GenerateTimeout); err != nil {
		return nil, err
	}

	// Give the UI a beat to render the final tokens.
	select {
	case <-time.After(time.Second):
	case <-gctx.Done():
		return nil, PageError(gctx.Err())
	}

	text, err := a.extractAnswer(gctx)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, models.NewGatewayError(models.ErrCodeGenerationFailed, "upstream produced an empty answer")
	}

	return &models.GenerationResult{Text: text}, nil
}

// selectModel opens the model picker and chooses the upstream model. A
// missing picker means the account is pinned to a single model; that is
// not an error.
func (a *QwenAdapter) selectModel(ctx context.Context, upstreamID string) error {
	pickerSel := "button.model-selector"
	if !ElementVisible(ctx, pickerSel) {
		return nil
	}

	entrySel := fmt.Sprintf("div.model-option[data-model='%s']", upstreamID)
	err := chromedp.Run(ctx,
		chromedp.Click(pickerSel, chromedp.ByQuery),
		chromedp.WaitVisible(entrySel, chromedp.ByQuery),
		chromedp.Click(entrySel, chromedp.ByQuery),
	)
	if err != nil {
		return PageError(err)
	}
	return nil
}

// extractAnswer pulls the last assistant message from the conversation
// and converts its HTML to Markdown.
func (a *QwenAdapter) extractAnswer(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(
		`(() => { const all = document.querySelectorAll(%q); return all.length ? all[all.length-1].outerHTML : ""; })()`,
		qwenMessageSel), &html))
	if err != nil {
		return "", PageError(err)
	}
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse answer HTML: %w", err)
	}

	// Strip UI chrome (copy buttons, token counters) before conversion.
	doc.Find("button, .message-actions, .token-usage").Remove()

	cleaned, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize answer HTML: %w", err)
	}

	text, err := a.converter.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to convert answer to markdown: %w", err)
	}
	return strings.TrimSpace(text), nil
}
