package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aurora-ops/aurora-gateway/internal/bus"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

const streamHeartbeat = 15 * time.Second

// handleStream fans one incident's live updates out to a console
// client over text/event-stream. All connections for the same
// incident share one upstream watcher; each connection gets a
// handshake event, the currently held version, and then an update
// event per accepted snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident id required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the current version so an update
	// landing in between is not lost; duplicates are harmless since
	// the console discards versions it already holds.
	sub := s.events.Subscribe(bus.ChanSnapshotApplied, 16)
	defer sub.Cancel()

	watcher, release := s.registry.Acquire(id)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev models.StreamEvent) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(models.StreamEvent{Type: models.StreamEventConnected}) {
		return
	}

	// lastSent keeps the outgoing event sequence monotonic even when
	// the bus replays a version the handshake already delivered.
	var lastSent int64
	if v := watcher.Version(); v > 0 {
		if !writeEvent(models.StreamEvent{Type: models.StreamEventUpdate, Version: v}) {
			return
		}
		lastSent = v
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			applied, ok := ev.Payload.(bus.SnapshotApplied)
			if !ok || applied.IncidentID != id || applied.Version <= lastSent {
				continue
			}
			if !writeEvent(models.StreamEvent{Type: models.StreamEventUpdate, Version: applied.Version}) {
				return
			}
			lastSent = applied.Version
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
