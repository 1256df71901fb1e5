// Package services checks that the backing services a workflow depends on
// are configured and reachable before a run starts.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// checkTimeout bounds each individual service check.
const checkTimeout = 5 * time.Second

// Service is a backing dependency of one or more steps.
type Service struct {
	Name string
	// Optional services are reported but never fail validation.
	Optional bool
	// RequiredBy lists the step ids or action names that need the service.
	// Empty means every workflow needs it.
	RequiredBy []string
	// Check returns nil when the service is configured and reachable.
	Check func(ctx context.Context) error
}

// Status is the outcome of checking one service.
type Status struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of ValidateForSteps. Valid is false only when a
// non-optional service failed its check.
type Result struct {
	Valid    bool     `json:"valid"`
	Message  string   `json:"message"`
	Services []Status `json:"services"`
}

// Pinger is satisfied by stores and clients exposing a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger into a service check.
func PingCheck(p Pinger) func(ctx context.Context) error {
	return p.Ping
}

// Validator holds the registered services.
type Validator struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   *slog.Logger
}

// NewValidator creates an empty validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{services: make(map[string]Service), logger: logger}
}

// Register adds or replaces a service.
func (v *Validator) Register(s Service) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.services[s.Name] = s
}

// ValidateForSteps checks every service needed by any of ids, which may be
// step ids or action names.
func (v *Validator) ValidateForSteps(ctx context.Context, ids []string) Result {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	v.mu.RLock()
	var needed []Service
	for _, s := range v.services {
		if appliesTo(s, wanted) {
			needed = append(needed, s)
		}
	}
	v.mu.RUnlock()
	return v.validate(ctx, needed)
}

// CheckAll checks every registered service, whichever steps need it.
func (v *Validator) CheckAll(ctx context.Context) Result {
	v.mu.RLock()
	all := make([]Service, 0, len(v.services))
	for _, s := range v.services {
		all = append(all, s)
	}
	v.mu.RUnlock()
	return v.validate(ctx, all)
}

func (v *Validator) validate(ctx context.Context, needed []Service) Result {
	sort.Slice(needed, func(i, j int) bool { return needed[i].Name < needed[j].Name })

	statuses := make([]Status, len(needed))
	var wg sync.WaitGroup
	for i, s := range needed {
		wg.Go(func() {
			statuses[i] = check(ctx, s)
		})
	}
	wg.Wait()

	result := Result{Valid: true, Services: statuses}
	var failed, degraded []string
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Optional {
			degraded = append(degraded, fmt.Sprintf("%s (%s)", st.Name, st.Error))
			continue
		}
		failed = append(failed, fmt.Sprintf("%s (%s)", st.Name, st.Error))
	}
	switch {
	case len(failed) > 0:
		result.Valid = false
		result.Message = "required services unavailable: " + strings.Join(failed, ", ")
	case len(degraded) > 0:
		result.Message = "optional services unavailable: " + strings.Join(degraded, ", ")
		v.logger.Warn("optional services unavailable", "services", degraded)
	default:
		result.Message = fmt.Sprintf("%d services available", len(statuses))
	}
	return result
}

func appliesTo(s Service, wanted map[string]bool) bool {
	if len(s.RequiredBy) == 0 {
		return true
	}
	for _, id := range s.RequiredBy {
		if wanted[id] {
			return true
		}
	}
	return false
}

func check(ctx context.Context, s Service) Status {
	st := Status{Name: s.Name, Optional: s.Optional}
	if s.Check == nil {
		st.Error = "not configured"
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := s.Check(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
