package handlers

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/pool"
)

// WorkerStatus is the per-worker block of /admin/status.
type WorkerStatus struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Types       []string `json:"types"`
	Initialized bool     `json:"initialized"`
	Busy        int      `json:"busy"`
	PageAuth    bool     `json:"page_auth_held"`
}

// LogEntry is one parsed line of the in-memory log buffer.
type LogEntry struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// AdminHandler serves /admin/status and /admin/logs.
type AdminHandler struct {
	cfg       *common.Config
	pool      *pool.Pool
	queue     *pool.Queue
	logger    arbor.ILogger
	startedAt time.Time

	mu        sync.Mutex
	watermark string // highest memory-writer key cleared via DELETE
}

// NewAdminHandler creates the admin surface handler.
func NewAdminHandler(cfg *common.Config, p *pool.Pool, q *pool.Queue, logger arbor.ILogger) *AdminHandler {
	return &AdminHandler{
		cfg:       cfg,
		pool:      p,
		queue:     q,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// StatusHandler handles GET /admin/status.
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	workers := make([]WorkerStatus, 0, h.pool.WorkerCount())
	initialized := 0
	for _, wk := range h.pool.Workers() {
		if wk.Initialized() {
			initialized++
		}
		workers = append(workers, WorkerStatus{
			Name:        wk.Name,
			Kind:        string(wk.Kind),
			Types:       wk.Types,
			Initialized: wk.Initialized(),
			Busy:        wk.BusyCount(),
			PageAuth:    wk.PageAuth().Held(),
		})
	}

	queued, inflight := h.queue.Depth()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"pool": map[string]interface{}{
			"strategy":    h.cfg.Backend.Pool.Strategy,
			"workers":     h.pool.WorkerCount(),
			"initialized": initialized,
			"queued":      queued,
			"inflight":    inflight,
		},
		"workers": workers,
	})
}

// LogsHandler handles GET and DELETE on /admin/logs. GET returns the
// recent in-memory buffer; DELETE moves the watermark so earlier
// entries stop appearing, which is as close to clearing as the shared
// buffer allows.
func (h *AdminHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getLogs(w, r)
	case http.MethodDelete:
		h.clearLogs(w)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandler) getLogs(w http.ResponseWriter, r *http.Request) {
	limit := QueryInt(r, "lines", 100, 500)

	entries, keys := h.bufferedEntries(limit)
	logs := make([]LogEntry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := parseLogLine(entries[key]); ok {
			entry.Index = len(logs)
			logs = append(logs, entry)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func (h *AdminHandler) clearLogs(w http.ResponseWriter) {
	_, keys := h.bufferedEntries(0)

	h.mu.Lock()
	if len(keys) > 0 {
		h.watermark = keys[len(keys)-1]
	}
	h.mu.Unlock()

	h.logger.Info().Msg("Admin log buffer cleared")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "logs cleared"})
}

// bufferedEntries reads the arbor memory writer and returns entries
// above the cleared watermark with their keys sorted oldest first.
// limit 0 means everything.
func (h *AdminHandler) bufferedEntries(limit int) (map[string]string, []string) {
	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	if memWriter == nil {
		return nil, nil
	}

	fetch := limit
	if fetch <= 0 {
		fetch = 500
	}
	entries, err := memWriter.GetEntriesWithLimit(fetch)
	if err != nil {
		h.logger.Error().Err(err).Msg("Cannot read log buffer")
		return nil, nil
	}

	h.mu.Lock()
	watermark := h.watermark
	h.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for key := range entries {
		if watermark != "" && key <= watermark {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return entries, keys
}

// parseLogLine splits the memory writer's "LEVEL | DATE TIME | MESSAGE"
// format.
func parseLogLine(line string) (LogEntry, bool) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return LogEntry{}, false
	}

	level := "INF"
	switch strings.TrimSpace(parts[0]) {
	case "ERR", "ERROR", "FATAL", "PANIC":
		level = "ERR"
	case "WRN", "WARN":
		level = "WRN"
	case "DBG", "DEBUG":
		level = "DBG"
	}

	dateTime := strings.TrimSpace(parts[1])
	timeParts := strings.Fields(dateTime)
	timestamp := time.Now().Format("15:04:05")
	if len(timeParts) >= 1 {
		timestamp = timeParts[len(timeParts)-1]
	}

	return LogEntry{
		Timestamp: timestamp,
		Level:     level,
		Message:   strings.TrimSpace(parts[2]),
	}, true
}
