package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"odwatch/internal/vote"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady reports ready once a dataset has been loaded and the vote
// store, if any, answers a ping. A failed reload shows up in the dataset
// check without taking the instance out of rotation, and a disabled poll
// does not block readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})

	ds := s.datasets.Status()
	if ds.LoadedAt != nil {
		checks["dataset"] = string(ds.State)
	} else {
		checks["dataset"] = fmt.Sprintf("not_ready: %s", ds.State)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	switch {
	case s.poll.Snapshot().State == vote.StateDisabled:
		checks["vote_store"] = "disabled"
	case s.voteStore == nil:
		checks["vote_store"] = "not_configured"
	default:
		if err := s.voteStore.Ping(ctx); err != nil {
			checks["vote_store"] = fmt.Sprintf("failed: %v", err)
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["vote_store"] = "ok"
		}
	}

	renders := s.renders.Stats()
	checks["render_cache"] = map[string]interface{}{
		"entries": renders.Size,
		"hits":    renders.Hits,
		"misses":  renders.Misses,
	}
	checks["rate_limiter"] = map[string]interface{}{
		"active_clients": s.limiter.ActiveClients(),
		"rejected":       s.limiter.Rejected(),
	}

	render.Status(r, httpStatus)
	render.JSON(w, r, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}
