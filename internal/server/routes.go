package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// OpenAI-compatible API
	mux.HandleFunc("/v1/chat/completions", s.handlers.Chat.ChatCompletionsHandler) // POST
	mux.HandleFunc("/v1/models", s.handlers.Models.ListModelsHandler)              // GET
	mux.HandleFunc("/v1/cookies", s.handlers.Cookies.GetCookiesHandler)            // GET - session export

	// Admin surface
	mux.HandleFunc("/admin/status", s.handlers.Admin.StatusHandler) // GET
	mux.HandleFunc("/admin/logs", s.handlers.Admin.LogsHandler)     // GET, DELETE
	mux.HandleFunc("/admin/logs/ws", s.handlers.LogsWS.StreamLogsHandler)

	// 404 for everything else
	mux.HandleFunc("/", s.notFoundHandler)

	return mux
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}
