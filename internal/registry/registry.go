package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
)

// Registry holds the fixed set of adapter drivers and their model
// descriptors. Adapters are registered at startup; the registry is
// immutable afterwards and safe for concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]interfaces.Adapter
	order    []string // registration order, used for plain-id resolution
	models   map[string]map[string]*models.ModelDescriptor
	sealed   bool
	logger   arbor.ILogger
}

// New creates an empty adapter registry.
func New(logger arbor.ILogger) *Registry {
	return &Registry{
		adapters: make(map[string]interfaces.Adapter),
		models:   make(map[string]map[string]*models.ModelDescriptor),
		logger:   logger,
	}
}

// Register adds an adapter and its model descriptors. Duplicate types and
// registration after Seal are startup errors.
func (r *Registry) Register(adapter interfaces.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed, adapter %q registered too late", adapter.Type())
	}

	adapterType := adapter.Type()
	if adapterType == "" {
		return fmt.Errorf("adapter type must not be empty")
	}
	if _, exists := r.adapters[adapterType]; exists {
		return fmt.Errorf("adapter %q already registered", adapterType)
	}

	byID := make(map[string]*models.ModelDescriptor)
	for _, desc := range adapter.Models() {
		d := desc
		if _, dup := byID[d.ID]; dup {
			return fmt.Errorf("adapter %q registers model %q twice", adapterType, d.ID)
		}
		byID[d.ID] = &d
	}

	r.adapters[adapterType] = adapter
	r.models[adapterType] = byID
	r.order = append(r.order, adapterType)

	r.logger.Info().
		Str("adapter", adapterType).
		Str("display_name", adapter.DisplayName()).
		Int("models", len(byID)).
		Msg("Adapter registered")

	return nil
}

// Seal freezes the registry. Called once startup registration is done.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Adapter returns the adapter for a type.
func (r *Registry) Adapter(adapterType string) (interfaces.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterType]
	return a, ok
}

// HasAdapter reports whether an adapter type is registered.
func (r *Registry) HasAdapter(adapterType string) bool {
	_, ok := r.Adapter(adapterType)
	return ok
}

// Types returns the registered adapter types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// normalizeKey resolves a model key against an adapter type, honoring the
// qualified adapterType/model form. A qualifier naming a different
// registered adapter binds the lookup elsewhere, so it never matches here.
func (r *Registry) normalizeKey(adapterType, modelKey string) (string, bool) {
	if idx := strings.Index(modelKey, "/"); idx > 0 {
		qualifier := modelKey[:idx]
		if qualifier == adapterType {
			return modelKey[idx+1:], true
		}
		if _, known := r.adapters[qualifier]; known {
			return "", false
		}
	}
	return modelKey, true
}

// ResolveModel resolves a model key against one adapter type, returning
// the upstream identifier and descriptor. The empty result distinguishes
// "adapter does not know this model"; unknown adapter types are reported
// separately via HasAdapter.
func (r *Registry) ResolveModel(adapterType, modelKey string) (string, *models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID, ok := r.models[adapterType]
	if !ok {
		return "", nil, false
	}

	id, ok := r.normalizeKey(adapterType, modelKey)
	if !ok {
		return "", nil, false
	}

	desc, ok := byID[id]
	if !ok {
		return "", nil, false
	}
	return desc.UpstreamID, desc, true
}

// SupportsModel reports whether an adapter type knows a model key.
func (r *Registry) SupportsModel(adapterType, modelKey string) bool {
	_, _, ok := r.ResolveModel(adapterType, modelKey)
	return ok
}

// ImagePolicy returns the image policy for a model under one adapter type.
func (r *Registry) ImagePolicy(adapterType, modelKey string) (models.ImagePolicy, bool) {
	_, desc, ok := r.ResolveModel(adapterType, modelKey)
	if !ok {
		return models.ImagePolicyForbidden, false
	}
	return desc.ImagePolicy, true
}

// ModelType returns the modality for a model under one adapter type.
func (r *Registry) ModelType(adapterType, modelKey string) (models.Modality, bool) {
	_, desc, ok := r.ResolveModel(adapterType, modelKey)
	if !ok {
		return models.ModalityText, false
	}
	return desc.Type, true
}

// ListModels returns the descriptors registered by one adapter type, in
// the adapter's declared order.
func (r *Registry) ListModels(adapterType string) []models.ModelDescriptor {
	r.mu.RLock()
	adapter, ok := r.adapters[adapterType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return adapter.Models()
}

// TargetURL computes the entry URL for an adapter type.
func (r *Registry) TargetURL(adapterType string, cfg *common.Config, workerCfg *common.WorkerConfig) (string, error) {
	adapter, ok := r.Adapter(adapterType)
	if !ok {
		return "", fmt.Errorf("unknown adapter type %q", adapterType)
	}
	url := adapter.TargetURL(cfg, workerCfg)
	if url == "" {
		return "", fmt.Errorf("adapter %q resolved an empty target URL", adapterType)
	}
	return url, nil
}

// NavigationHandlers returns the ordered handler chain for one adapter.
func (r *Registry) NavigationHandlers(adapterType string) []interfaces.NavigationHandler {
	adapter, ok := r.Adapter(adapterType)
	if !ok {
		return nil
	}
	return adapter.NavigationHandlers()
}
