package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const checkTimeout = 2 * time.Second

// Check tests one dependency the engine cannot trade without.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks  []Check
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler that runs checks on every request.
func NewHealthHandler(logger *slog.Logger, checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks, started: time.Now(), logger: logger}
}

// HealthCheck reports each dependency and answers 503 when any is down, so
// a load balancer or supervisor can act on it.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := c.Run(ctx); err != nil {
				state = "down: " + err.Error()
				h.logger.WarnContext(ctx, "health check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
			mu.Lock()
			results[c.Name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	status, code := "ok", http.StatusOK
	for _, state := range results {
		if state != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"checks":         results,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
