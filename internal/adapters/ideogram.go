package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
)

const (
	ideogramType       = "ideogram"
	ideogramDefaultURL = "https://ideogram.ai"

	ideogramPromptSel    = "textarea[placeholder*='Describe']"
	ideogramGenerateSel  = "button[data-testid='generate-button']"
	ideogramFileSel      = "input[type='file']"
	ideogramImageSel     = "div.generation-grid img"
	ideogramCaptchaSel   = "iframe[src*='recaptcha']"
	ideogramCookieSel    = "button[data-testid='cookie-accept']"
	ideogramResponseHint = "/api/gallery/sample"
)

// IdeogramAdapter drives the Ideogram image generation web UI. It also
// serves as the idle monitor target for merge workers.
type IdeogramAdapter struct {
	logger arbor.ILogger
}

// NewIdeogramAdapter creates the Ideogram adapter.
func NewIdeogramAdapter(logger arbor.ILogger) *IdeogramAdapter {
	return &IdeogramAdapter{logger: logger}
}

func (a *IdeogramAdapter) Type() string {
	return ideogramType
}

func (a *IdeogramAdapter) DisplayName() string {
	return "Ideogram"
}

func (a *IdeogramAdapter) Models() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "ideogram-v2", UpstreamID: "V_2", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyOptional},
		{ID: "ideogram-v2-turbo", UpstreamID: "V_2_TURBO", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyForbidden},
		{ID: "ideogram-remix", UpstreamID: "V_2_REMIX", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyRequired},
	}
}

func (a *IdeogramAdapter) TargetURL(cfg *common.Config, workerCfg *common.WorkerConfig) string {
	opts := cfg.AdapterOptions(ideogramType)
	if base, ok := opts["base_url"].(string); ok && base != "" {
		return base
	}
	return ideogramDefaultURL
}

// NavigationHandlers accepts the cookie banner so it never covers the
// prompt box mid-task.
func (a *IdeogramAdapter) NavigationHandlers() []interfaces.NavigationHandler {
	return []interfaces.NavigationHandler{
		func(ctx context.Context, sub *interfaces.AdapterContext, url string) error {
			if !ElementVisible(sub.Page, ideogramCookieSel) {
				return nil
			}
			if err := sub.PageAuth.Lock(ctx); err != nil {
				return err
			}
			defer sub.PageAuth.Unlock()

			a.logger.Debug().Str("url", url).Msg("Accepting Ideogram cookie banner")
			return chromedp.Run(sub.Page, chromedp.Click(ideogramCookieSel, chromedp.ByQuery))
		},
	}
}

// Generate submits the prompt and returns the first finished sample as a
// data URI. Remix models require a reference image upload first.
func (a *IdeogramAdapter) Generate(ctx context.Context, sub *interfaces.AdapterContext, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	upstreamID, desc, ok := sub.Registry.ResolveModel(ideogramType, modelKey)
	if !ok {
		return nil, models.NewGatewayError(models.ErrCodeInvalidModel, fmt.Sprintf("model %q is not served by %s", modelKey, ideogramType))
	}

	gctx, cancel := context.WithTimeout(sub.Page, GenerateTimeout)
	defer cancel()

	if err := Navigate(gctx, a.TargetURL(sub.Config, nil)); err != nil {
		return nil, err
	}

	if ElementVisible(gctx, ideogramCaptchaSel) {
		return nil, errors.New("recaptcha validation failed")
	}
	if sub.Cancelled() {
		return nil, context.Canceled
	}

	if desc.ImagePolicy == models.ImagePolicyRequired || len(imagePaths) > 0 {
		if err := UploadImages(gctx, ideogramFileSel, imagePaths); err != nil {
			return nil, err
		}
	}

	watcher, err := WatchResponse(gctx, ideogramResponseHint)
	if err != nil {
		return nil, err
	}

	if err := TypeHuman(gctx, ideogramPromptSel, a.decoratePrompt(prompt, upstreamID)); err != nil {
		return nil, err
	}
	if sub.Cancelled() {
		return nil, context.Canceled
	}

	if err := chromedp.Run(gctx, chromedp.Click(ideogramGenerateSel, chromedp.ByQuery)); err != nil {
		return nil, PageError(err)
	}

	if _, err := watcher.Wait(GenerateTimeout); err != nil {
		return nil, err
	}

	uri, err := a.captureImage(gctx)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, models.NewGatewayError(models.ErrCodeGenerationFailed, "upstream produced no image")
	}

	return &models.GenerationResult{Images: []string{uri}}, nil
}

// decoratePrompt appends the model hint Ideogram reads from the prompt
// box when no explicit picker is available.
func (a *IdeogramAdapter) decoratePrompt(prompt, upstreamID string) string {
	if upstreamID == "V_2" {
		return prompt
	}
	return prompt + " --model " + strings.ToLower(strings.TrimPrefix(upstreamID, "V_2_"))
}

// captureImage waits for the newest finished sample and downloads it into
// a data URI via the page itself, so the bytes travel through the
// instance's proxy and session.
func (a *IdeogramAdapter) captureImage(ctx context.Context) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	if err := chromedp.Run(dctx, chromedp.WaitVisible(ideogramImageSel, chromedp.ByQuery)); err != nil {
		return "", PageError(err)
	}

	var uri string
	script := fmt.Sprintf(`(async () => {
		const imgs = document.querySelectorAll(%q);
		if (!imgs.length) return "";
		const src = imgs[imgs.length - 1].src;
		if (src.startsWith("data:")) return src;
		const resp = await fetch(src);
		const blob = await resp.blob();
		return await new Promise((resolve) => {
			const reader = new FileReader();
			reader.onloadend = () => resolve(reader.result);
			reader.readAsDataURL(blob);
		});
	})()`, ideogramImageSel)

	err := chromedp.Run(dctx, chromedp.Evaluate(script, &uri,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return "", PageError(err)
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-dctx.Done():
	}

	return uri, nil
}
