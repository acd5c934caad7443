package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/khayzz13/keystone/host/processes"
)

const (
	// catchupEntries is how many buffered lines a new stream starts with.
	catchupEntries = 50
	// keepaliveInterval paces SSE comments that detect dead clients.
	keepaliveInterval = 30 * time.Second
)

// handleWorkerLogs streams a peer's log buffer as Server-Sent Events:
// catch-up entries first, then live lines as they arrive.
// GET /api/workers/{name}/logs
func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "logs" || parts[0] == "" {
		http.Error(w, "Invalid logs URL format", http.StatusBadRequest)
		return
	}
	name := parts[0]

	peer, ok := s.fleet.Get(name)
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Cache-Control")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Response writer does not support flushing")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Starting log stream", "worker", name)

	// The buffer callback is only a wakeup; entries are always drained
	// through EntriesSince so ordering survives concurrent writes.
	notify := make(chan struct{}, 1)
	cbID := peer.Logs.AddCallback(func(processes.LogEntry) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer peer.Logs.RemoveCallback(cbID)

	var lastID int64
	for _, entry := range peer.Logs.Latest(catchupEntries) {
		if err := writeSSEEvent(w, flusher, "log", entry); err != nil {
			return
		}
		lastID = entry.ID
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			for _, entry := range peer.Logs.EntriesSince(lastID) {
				if err := writeSSEEvent(w, flusher, "log", entry); err != nil {
					return
				}
				lastID = entry.ID
			}

		case <-ticker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}

		case <-r.Context().Done():
			s.logger.Info("Log stream client disconnected", "worker", name)
			return
		}
	}
}

// writeSSEEvent writes one Server-Sent Event with a JSON payload.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeSSEComment writes a comment line clients ignore; it keeps idle
// connections from being reaped and detects dead ones.
func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
