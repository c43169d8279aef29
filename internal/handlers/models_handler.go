package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/registry"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	cfg      *common.Config
	registry *registry.Registry
	logger   arbor.ILogger
}

// NewModelsHandler creates the model listing handler.
func NewModelsHandler(cfg *common.Config, reg *registry.Registry, logger arbor.ILogger) *ModelsHandler {
	return &ModelsHandler{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
	}
}

// ListModelsHandler handles GET /v1/models. Every model appears under
// its bare id and once qualified as adapterType/id, so clients can pin a
// specific backend when ids collide. An id shared by several adapters
// still yields a single bare entry.
func (h *ModelsHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	created := time.Now().Unix()
	list := models.ModelList{Object: "list"}
	seen := make(map[string]bool)
	for _, adapterType := range h.registry.Types() {
		for _, desc := range h.registry.ListModels(adapterType) {
			if !seen[desc.ID] {
				seen[desc.ID] = true
				list.Data = append(list.Data, models.ModelInfo{
					ID:      desc.ID,
					Object:  "model",
					Created: created,
					OwnedBy: "internal_server",
				})
			}
			list.Data = append(list.Data, models.ModelInfo{
				ID:      adapterType + "/" + desc.ID,
				Object:  "model",
				Created: created,
				OwnedBy: adapterType,
			})
		}
	}

	WriteJSON(w, http.StatusOK, list)
}
