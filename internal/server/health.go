package server

import (
	"context"
	"net/http"
	"time"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp   ComponentStatus = "up"
	ComponentStatusDown ComponentStatus = "down"
)

// ComponentHealth represents the health of a single dependency
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// Readiness is the /ready response body.
type Readiness struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// handleHealth is the lightweight status check used by the upload page.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

// handleLive provides a liveness check (is the process running?)
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func checkComponent(ctx context.Context, okMsg string, check func(context.Context) error) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := check(ctx); err != nil {
		return ComponentHealth{
			Status:    ComponentStatusDown,
			Message:   err.Error(),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return ComponentHealth{
		Status:    ComponentStatusUp,
		Message:   okMsg,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// handleReady answers 200 only when the database and the bucket respond.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := Readiness{
		Status:    "ready",
		Timestamp: s.now().UTC(),
		Components: map[string]ComponentHealth{
			"database": checkComponent(r.Context(), "database healthy", s.repo.Ping),
			"storage":  checkComponent(r.Context(), "bucket reachable", s.store.Ping),
		},
	}

	status := http.StatusOK
	for _, c := range ready.Components {
		if c.Status != ComponentStatusUp {
			ready.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, ready)
}
