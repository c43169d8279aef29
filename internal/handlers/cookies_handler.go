package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/pool"
)

// CookieRecord is one browser cookie in the /v1/cookies response.
type CookieRecord struct {
	Worker   string  `json:"worker"`
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// CookiesHandler serves GET /v1/cookies for session export.
type CookiesHandler struct {
	cfg    *common.Config
	pool   *pool.Pool
	logger arbor.ILogger
}

// NewCookiesHandler creates the cookie export handler.
func NewCookiesHandler(cfg *common.Config, p *pool.Pool, logger arbor.ILogger) *CookiesHandler {
	return &CookiesHandler{
		cfg:    cfg,
		pool:   p,
		logger: logger,
	}
}

// GetCookiesHandler handles GET /v1/cookies[?domain=], aggregating the
// cookie jars of every initialized worker.
func (h *CookiesHandler) GetCookiesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	domain := r.URL.Query().Get("domain")
	records := []CookieRecord{}
	for _, wk := range h.pool.Workers() {
		if !wk.Initialized() {
			continue
		}
		cookies, err := wk.GetCookies(domain)
		if err != nil {
			h.logger.Warn().Str("worker", wk.Name).Err(err).Msg("Cannot read worker cookies")
			continue
		}
		for _, c := range cookies {
			records = append(records, CookieRecord{
				Worker:   wk.Name,
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cookies": records,
		"count":   len(records),
	})
}
