package api

import (
	"context"
	"net/http"
	"time"

	"github.com/seantiz/anvil/internal/services"
)

const healthCheckTimeout = 5 * time.Second

// Health states reported by /healthz.
const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

// HealthChecker checks every backing service runs may depend on.
type HealthChecker interface {
	CheckAll(ctx context.Context) services.Result
}

type healthResponse struct {
	Status   string            `json:"status"`
	Store    string            `json:"store"`
	Message  string            `json:"message,omitempty"`
	Services []services.Status `json:"services,omitempty"`
}

// handleHealthz reports 503 when the store or a required service is down.
// Failing optional services only degrade the status.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: healthOK, Store: healthOK}
	code := http.StatusOK

	if p, ok := s.store.(services.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("store ping failed", "error", err)
			resp.Store = err.Error()
			resp.Status = healthUnavailable
			code = http.StatusServiceUnavailable
		}
	}

	if s.health != nil {
		res := s.health.CheckAll(ctx)
		recordServiceHealth(res.Services)
		resp.Message = res.Message
		resp.Services = res.Services
		switch {
		case !res.Valid:
			resp.Status = healthUnavailable
			code = http.StatusServiceUnavailable
		case resp.Status == healthOK && degraded(res.Services):
			resp.Status = healthDegraded
		}
	}

	s.writeJSON(w, code, resp)
}

func degraded(statuses []services.Status) bool {
	for _, st := range statuses {
		if !st.Healthy {
			return true
		}
	}
	return false
}
