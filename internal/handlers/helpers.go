package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteGatewayError writes the OpenAI-shaped error body for any error,
// normalizing non-gateway errors to INTERNAL_ERROR.
func WriteGatewayError(w http.ResponseWriter, err error) error {
	gwErr := models.AsGatewayError(err)
	return WriteJSON(w, gwErr.HTTPStatus(), models.NewErrorResponse(gwErr))
}

// BearerToken extracts the Authorization bearer token, falling back to
// the token query parameter for clients that cannot set headers
// (WebSocket upgrades from browsers).
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RequireBearer checks the request against the configured API key.
// Returns true when authorized, false otherwise (and writes a 401).
func RequireBearer(w http.ResponseWriter, r *http.Request, cfg *common.Config) bool {
	if BearerToken(r) != cfg.Server.Auth {
		WriteGatewayError(w, models.NewGatewayError(models.ErrCodeUnauthorized, "invalid or missing API key"))
		return false
	}
	return true
}

// QueryInt reads an integer query parameter with a default and an upper cap.
func QueryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
