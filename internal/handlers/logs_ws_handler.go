package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token check happens before the upgrade
	},
}

const logPollInterval = 2 * time.Second

// LogsWSHandler streams new log-buffer entries over a WebSocket. The
// admin UI keeps one connection open instead of polling GET /admin/logs.
type LogsWSHandler struct {
	cfg    *common.Config
	logger arbor.ILogger
}

// NewLogsWSHandler creates the live log stream handler.
func NewLogsWSHandler(cfg *common.Config, logger arbor.ILogger) *LogsWSHandler {
	return &LogsWSHandler{
		cfg:    cfg,
		logger: logger,
	}
}

// StreamLogsHandler handles GET /admin/logs/ws. The bearer token rides
// the token query parameter because browsers cannot set headers on
// WebSocket upgrades.
func (h *LogsWSHandler) StreamLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireBearer(w, r, h.cfg) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Log stream client connected")

	// Reader goroutine notices the peer closing.
	done := make(chan struct{})
	common.SafeGo(h.logger, "logsws:reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	lastKey := ""
	for {
		select {
		case <-done:
			h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Log stream client disconnected")
			return
		case <-ticker.C:
			batch, newest := h.entriesSince(lastKey)
			if len(batch) == 0 {
				continue
			}
			lastKey = newest
			if err := conn.WriteJSON(map[string]interface{}{
				"type": "logs",
				"logs": batch,
			}); err != nil {
				return
			}
		}
	}
}

// entriesSince returns parsed buffer entries with keys above since,
// oldest first, plus the newest key seen.
func (h *LogsWSHandler) entriesSince(since string) ([]LogEntry, string) {
	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	if memWriter == nil {
		return nil, since
	}
	entries, err := memWriter.GetEntriesWithLimit(200)
	if err != nil {
		return nil, since
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		if since != "" && key <= since {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, since
	}
	sort.Strings(keys)

	logs := make([]LogEntry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := parseLogLine(entries[key]); ok {
			entry.Index = len(logs)
			logs = append(logs, entry)
		}
	}
	return logs, keys[len(keys)-1]
}
