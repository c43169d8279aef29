package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/browser"
	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/failover"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/registry"
)

// Kind distinguishes the worker variants. The single/merge distinction is
// behavioral, not structural: routing switches on the tag.
type Kind string

const (
	KindSingle Kind = "single"
	KindMerge  Kind = "merge"
)

const entryURLBudget = 30 * time.Second

// Worker is one browser tab bound to one adapter type, or an aggregated
// merge worker spanning several. It owns its page's lifecycle; the pool
// guarantees at most one in-flight task per worker.
type Worker struct {
	Name    string
	Kind    Kind
	Types   []string // member adapter types in configured order
	Monitor string   // merge-only idle parking adapter type

	cfg       *common.Config
	workerCfg *common.WorkerConfig
	registry  *registry.Registry
	instance  *browser.Instance
	logger    arbor.ILogger

	mu          sync.Mutex
	pageCtx     context.Context
	pageCancel  context.CancelFunc
	initialized bool
	entryType   string
	entryURL    string

	busy     atomic.Int64
	pageAuth *PageAuthFlag
}

// New builds a worker from configuration. Every member adapter type must
// already be registered.
func New(cfg *common.Config, workerCfg *common.WorkerConfig, inst *browser.Instance, reg *registry.Registry, logger arbor.ILogger) (*Worker, error) {
	kind := KindSingle
	if workerCfg.IsMerge() {
		kind = KindMerge
	}

	types := workerCfg.Types()
	for _, t := range types {
		if !reg.HasAdapter(t) {
			return nil, fmt.Errorf("worker %q references unknown adapter type %q", workerCfg.Name, t)
		}
	}
	if workerCfg.MergeMonitor != "" && !reg.HasAdapter(workerCfg.MergeMonitor) {
		return nil, fmt.Errorf("worker %q references unknown monitor adapter %q", workerCfg.Name, workerCfg.MergeMonitor)
	}

	return &Worker{
		Name:      workerCfg.Name,
		Kind:      kind,
		Types:     types,
		Monitor:   workerCfg.MergeMonitor,
		cfg:       cfg,
		workerCfg: workerCfg,
		registry:  reg,
		instance:  inst,
		logger:    logger,
		pageAuth:  NewPageAuthFlag(),
	}, nil
}

// Init brings the worker's page up: a tab from the instance, the entry
// URL resolved (merge workers walk members in order, 30 s each), and the
// merged navigation-handler chain installed. Idempotent. loginMode skips
// the handler chain so manual logins are never interfered with.
func (w *Worker) Init(ctx context.Context, loginMode bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	pageCtx, pageCancel, err := w.instance.NewTab(ctx)
	if err != nil {
		return fmt.Errorf("worker %s failed to obtain a tab: %w", w.Name, err)
	}
	w.pageCtx = pageCtx
	w.pageCancel = pageCancel

	if err := w.resolveEntry(); err != nil {
		w.pageCancel()
		w.pageCtx, w.pageCancel = nil, nil
		return err
	}

	if !loginMode {
		w.installNavigationChain()
	}

	w.initialized = true
	w.logger.Info().
		Str("worker", w.Name).
		Str("kind", string(w.Kind)).
		Str("entry_type", w.entryType).
		Str("entry_url", w.entryURL).
		Bool("login_mode", loginMode).
		Msg("Worker initialized")

	return nil
}

// resolveEntry navigates to the first member whose target URL loads
// within the per-URL budget. Must be called with the mutex held.
func (w *Worker) resolveEntry() error {
	var lastErr error
	for _, adapterType := range w.Types {
		target, err := w.registry.TargetURL(adapterType, w.cfg, w.workerCfg)
		if err != nil {
			lastErr = err
			continue
		}

		nctx, cancel := context.WithTimeout(w.pageCtx, entryURLBudget)
		err = chromedp.Run(nctx, chromedp.Navigate(target))
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("worker %s failed to reach %s: %w", w.Name, target, err)
			w.logger.Warn().
				Str("worker", w.Name).
				Str("adapter", adapterType).
				Str("url", target).
				Err(err).
				Msg("Entry URL unreachable, trying next member")
			continue
		}

		w.entryType = adapterType
		w.entryURL = target
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("worker %s has no members", w.Name)
	}
	return lastErr
}

// installNavigationChain composes every member's handlers, in member
// order, into a single page-navigation listener. Must be called with the
// mutex held.
func (w *Worker) installNavigationChain() {
	var chain []struct {
		adapterType string
		handler     interfaces.NavigationHandler
	}
	for _, adapterType := range w.Types {
		for _, h := range w.registry.NavigationHandlers(adapterType) {
			chain = append(chain, struct {
				adapterType string
				handler     interfaces.NavigationHandler
			}{adapterType, h})
		}
	}
	if len(chain) == 0 {
		return
	}

	pageCtx := w.pageCtx
	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		nav, ok := ev.(*page.EventFrameNavigated)
		if !ok || nav.Frame.ParentID != "" {
			return
		}
		navURL := nav.Frame.URL

		common.SafeGo(w.logger, "navigationChain:"+w.Name, func() {
			for _, entry := range chain {
				sub := w.adapterContext(entry.adapterType, nil)
				if err := entry.handler(pageCtx, sub, navURL); err != nil {
					w.logger.Warn().
						Str("worker", w.Name).
						Str("adapter", entry.adapterType).
						Str("url", navURL).
						Err(err).
						Msg("Navigation handler failed")
				}
			}
		})
	})
}

// adapterContext builds the read-only view handed to adapters.
func (w *Worker) adapterContext(adapterType string, task *models.Task) *interfaces.AdapterContext {
	return &interfaces.AdapterContext{
		Page:        w.pageCtx,
		Config:      w.cfg,
		Options:     w.cfg.AdapterOptions(adapterType),
		Proxy:       w.instance.Proxy,
		UserDataDir: w.instance.UserDataDir,
		Registry:    w.registry,
		Task:        task,
		PageAuth:    w.pageAuth,
	}
}

// supportingTypes returns the member types that know the model key, in
// configured order.
func (w *Worker) supportingTypes(modelKey string) []string {
	var out []string
	for _, t := range w.Types {
		if w.registry.SupportsModel(t, modelKey) {
			out = append(out, t)
		}
	}
	return out
}

// Supports reports whether any member serves the model key, honoring the
// adapterType/model qualifier.
func (w *Worker) Supports(modelKey string) bool {
	return len(w.supportingTypes(modelKey)) > 0
}

// ImagePolicy aggregates member policies for a model: any optional member
// wins, then any required member, else forbidden. The scheduler may pick
// a more permissive member, so the aggregate leans permissive.
func (w *Worker) ImagePolicy(modelKey string) models.ImagePolicy {
	hasRequired := false
	for _, t := range w.supportingTypes(modelKey) {
		policy, ok := w.registry.ImagePolicy(t, modelKey)
		if !ok {
			continue
		}
		switch policy {
		case models.ImagePolicyOptional:
			return models.ImagePolicyOptional
		case models.ImagePolicyRequired:
			hasRequired = true
		}
	}
	if hasRequired {
		return models.ImagePolicyRequired
	}
	return models.ImagePolicyForbidden
}

// ModelType returns the modality of the first supporting member.
func (w *Worker) ModelType(modelKey string) models.Modality {
	for _, t := range w.supportingTypes(modelKey) {
		if modality, ok := w.registry.ModelType(t, modelKey); ok {
			return modality
		}
	}
	return models.ModalityText
}

// Generate runs one task on this worker's page. Merge workers with
// failover enabled walk every supporting member through the failover
// executor; otherwise only the first supporting member is attempted. The
// page-auth flag is held for the duration so navigation handlers cannot
// race the task's input.
func (w *Worker) Generate(ctx context.Context, task *models.Task, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		return nil, models.NewGatewayError(models.ErrCodeBrowserNotInitialized, "worker has not been initialized")
	}

	supporting := w.supportingTypes(modelKey)
	if len(supporting) == 0 {
		return nil, models.NewGatewayError(models.ErrCodeInvalidModel, fmt.Sprintf("model %q is not served by worker %s", modelKey, w.Name))
	}

	if err := w.pageAuth.Lock(ctx); err != nil {
		return nil, err
	}
	defer w.pageAuth.Unlock()

	attempt := func(ctx context.Context, candidate failover.Candidate) (*models.GenerationResult, error) {
		adapter, ok := w.registry.Adapter(candidate.Name)
		if !ok {
			return nil, models.NewGatewayError(models.ErrCodeInternalError, fmt.Sprintf("adapter %q vanished", candidate.Name))
		}

		w.logger.Info().
			Str("worker", w.Name).
			Str("adapter", candidate.Name).
			Str("model", candidate.ModelKey).
			Int("images", len(imagePaths)).
			Msg("Dispatching generate to adapter")

		sub := w.adapterContext(candidate.Name, task)
		return adapter.Generate(ctx, sub, prompt, imagePaths, candidate.ModelKey, meta)
	}

	failoverCfg := w.cfg.Backend.Pool.Failover
	if w.Kind == KindMerge && failoverCfg.IsEnabled() && len(supporting) > 1 {
		candidates := make([]failover.Candidate, 0, len(supporting))
		for _, t := range supporting {
			candidates = append(candidates, failover.Candidate{Name: t, ModelKey: modelKey})
		}
		return failover.Execute(ctx, candidates, attempt, failoverCfg.Retries(), func(c failover.Candidate, err error, attemptIdx int) {
			w.logger.Warn().
				Str("worker", w.Name).
				Str("adapter", c.Name).
				Int("attempt", attemptIdx+1).
				Err(err).
				Msg("Adapter attempt failed, trying next member")
		})
	}

	return attempt(ctx, failover.Candidate{Name: supporting[0], ModelKey: modelKey})
}

// NavigateToMonitor parks an idle merge worker on its monitor adapter's
// URL. A worker already on the monitor host, busy, or without a monitor
// is left alone. The page-auth flag is held across the navigation so a
// task dispatched concurrently never has its page yanked; when the flag
// is contended the parking round is simply skipped.
func (w *Worker) NavigateToMonitor(ctx context.Context) error {
	if w.Kind != KindMerge || w.Monitor == "" {
		return nil
	}
	if w.BusyCount() > 0 {
		return nil
	}

	w.mu.Lock()
	pageCtx := w.pageCtx
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		return nil
	}

	if !w.pageAuth.TryLock() {
		return nil
	}
	defer w.pageAuth.Unlock()

	if w.BusyCount() > 0 { // re-check: a task may have reserved us meanwhile
		return nil
	}

	target, err := w.registry.TargetURL(w.Monitor, w.cfg, w.workerCfg)
	if err != nil {
		return err
	}

	var current string
	if err := chromedp.Run(pageCtx, chromedp.Location(&current)); err != nil {
		return err
	}
	if sameHost(current, target) {
		return nil
	}

	w.logger.Debug().
		Str("worker", w.Name).
		Str("monitor", w.Monitor).
		Str("url", target).
		Msg("Parking idle worker on monitor")

	nctx, cancel := context.WithTimeout(pageCtx, entryURLBudget)
	defer cancel()
	return chromedp.Run(nctx, chromedp.Navigate(target))
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Host != "" && ua.Host == ub.Host
}

// GetCookies returns the page context's cookies, optionally filtered by
// domain suffix.
func (w *Worker) GetCookies(domain string) ([]*network.Cookie, error) {
	w.mu.Lock()
	pageCtx := w.pageCtx
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		return nil, models.NewGatewayError(models.ErrCodeBrowserNotInitialized, "worker has not been initialized")
	}

	var cookies []*network.Cookie
	err := chromedp.Run(pageCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cs, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		cookies = cs
		return nil
	}))
	if err != nil {
		return nil, err
	}

	if domain == "" {
		return cookies, nil
	}

	var filtered []*network.Cookie
	for _, c := range cookies {
		if matchCookieDomain(c.Domain, domain) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// matchCookieDomain follows the usual domain-match rule: an exact match,
// or a dot-prefixed cookie domain covering the requested host.
func matchCookieDomain(cookieDomain, domain string) bool {
	cd := strings.TrimPrefix(cookieDomain, ".")
	return cd == domain || strings.HasSuffix(domain, "."+cd)
}

// Initialized reports whether Init has completed.
func (w *Worker) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

// BusyCount returns the number of in-flight generate operations (0 or 1
// under the pool's single-task guarantee).
func (w *Worker) BusyCount() int {
	return int(w.busy.Load())
}

// TryReserve marks the worker busy iff it is idle. The queue reserves
// under its dispatch lock before handing the worker to a task, so two
// tasks can never start on the same page.
func (w *Worker) TryReserve() bool {
	return w.busy.CompareAndSwap(0, 1)
}

// Release clears the busy mark.
func (w *Worker) Release() {
	w.busy.Store(0)
}

// PageAuth exposes the cooperative lock for status reporting.
func (w *Worker) PageAuth() *PageAuthFlag {
	return w.pageAuth
}

// Close tears down the worker's tab. The instance owns the browser.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pageCancel != nil {
		w.pageCancel()
	}
	w.initialized = false
}
