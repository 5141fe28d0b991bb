package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/aurora-ops/aurora-gateway/internal/backend"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

const incidentListCacheKey = "incidents:list"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeUpstreamError reshapes a backend failure for the console:
// upstream HTTP errors keep their status, timeouts become 504, and
// anything else is a 502.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *backend.APIError
	var netErr net.Error

	switch {
	case errors.As(err, &apiErr):
		s.logger.Error("upstream error", "path", r.URL.Path, "status", apiErr.Status,
			"requestID", RequestID(r.Context()), "error", apiErr.Message)
		writeError(w, apiErr.Status, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		s.logger.Error("upstream timeout", "path", r.URL.Path,
			"requestID", RequestID(r.Context()))
		writeError(w, http.StatusGatewayTimeout, "upstream timed out")
	default:
		s.logger.Error("upstream unreachable", "path", r.URL.Path,
			"requestID", RequestID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "upstream unreachable")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIncidents serves the incident list. With the refresher
// enabled, the held (flicker-stable) list is served; otherwise the
// upstream list is fetched through the response cache, and a stale
// cached copy beats an upstream failure.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.refresher != nil {
		list := s.refresher.Incidents()
		if list == nil {
			// Nothing held yet; pull once before giving up.
			if err := s.refresher.Refresh(r.Context()); err != nil {
				s.writeUpstreamError(w, r, err)
				return
			}
			list = s.refresher.Incidents()
		}
		if list == nil {
			list = []models.Incident{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": list})
		return
	}

	if s.respCache != nil {
		if cached, fresh, ok := s.respCache.Get(r.Context(), incidentListCacheKey); ok && fresh {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write(cached)
			return
		}
	}

	list, err := s.upstream.ListIncidents(r.Context())
	if err != nil {
		if s.respCache != nil {
			if cached, _, ok := s.respCache.Get(r.Context(), incidentListCacheKey); ok {
				s.logger.Warn("serving stale incident list, upstream failed",
					"requestID", RequestID(r.Context()), "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "stale")
				_, _ = w.Write(cached)
				return
			}
		}
		s.writeUpstreamError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Incident{}
	}

	body, err := json.Marshal(map[string]any{"data": list})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.respCache != nil {
		s.respCache.Set(r.Context(), incidentListCacheKey, body, s.cacheTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleVisualization proxies the per-incident snapshot. A 404
// upstream is a valid empty state and comes back as {"data": null}
// with 200, so the console renders "no visualization yet" instead of
// an error banner.
func (s *Server) handleVisualization(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident id required")
		return
	}

	snap, err := s.upstream.FetchSnapshot(r.Context(), id)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": snap})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	watched := s.registry.Stats()

	stats := map[string]any{
		"watched_incidents": len(watched),
		"watched_versions":  watched,
	}
	if s.refresher != nil {
		stats["incidents_held"] = len(s.refresher.Incidents())
	}
	if s.archive != nil {
		if n, err := s.archive.Count(r.Context()); err == nil {
			stats["archived_snapshots"] = n
		}
	}
	writeJSON(w, http.StatusOK, stats)
}
