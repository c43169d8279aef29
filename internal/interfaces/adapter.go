package interfaces

import (
	"context"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
)

// PageAuthLock is the cooperative mutex guarding page input. Navigation
// handlers must hold it before typing or clicking so they never race the
// foreground task. Acquisition polls until the flag clears.
type PageAuthLock interface {
	Lock(ctx context.Context) error
	Unlock()
}

// ModelResolver resolves a model key against one adapter type. Satisfied
// by the registry; adapters use it to translate public ids to upstream
// identifiers.
type ModelResolver interface {
	ResolveModel(adapterType, modelKey string) (string, *models.ModelDescriptor, bool)
}

// AdapterContext carries everything an adapter may read while driving its
// page. Adapters treat it as read-only.
type AdapterContext struct {
	// Page is the chromedp tab context owned by the calling worker.
	Page context.Context

	Config      *common.Config
	Options     map[string]interface{} // backend.adapter.<type> section
	Proxy       *common.ProxyConfig
	UserDataDir string

	// Registry resolves model keys for this adapter's type.
	Registry ModelResolver

	// Task carries the cancellation flag; nil when a navigation handler
	// fires outside a generate call.
	Task *models.Task

	PageAuth PageAuthLock
}

// Cancelled reports whether the current task has been cancelled. Adapters
// consult this between suspension points; they are not required to
// short-circuit mid-upload.
func (c *AdapterContext) Cancelled() bool {
	return c.Task != nil && c.Task.Cancelled()
}

// NavigationHandler reacts to a page navigation event (login expiry,
// cookie refresh, banner dismissal). Handlers registered by any member of
// a merge worker fire on every navigation of that worker's page.
type NavigationHandler func(ctx context.Context, sub *AdapterContext, url string) error

// Adapter drives one external web service. Implementations own their DOM
// protocol; the engine only sees this contract.
type Adapter interface {
	// Type is the configuration key addressing this adapter.
	Type() string

	// DisplayName is the human-readable service name.
	DisplayName() string

	// Models lists the descriptors this adapter registers at startup.
	Models() []models.ModelDescriptor

	// TargetURL computes the entry URL from global and worker config.
	TargetURL(cfg *common.Config, workerCfg *common.WorkerConfig) string

	// NavigationHandlers returns the ordered handler chain installed on
	// the worker's page-navigation listener.
	NavigationHandlers() []NavigationHandler

	// Generate drives the page through one prompt/response round trip.
	// Image attachments are path-based. The returned result carries text,
	// image data URIs, or both.
	Generate(ctx context.Context, sub *AdapterContext, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error)
}
