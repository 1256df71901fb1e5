package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestValidator() *Validator {
	return NewValidator(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func ok(context.Context) error { return nil }

func down(context.Context) error { return errors.New("connection refused") }

func TestValidateForStepsAllHealthy(t *testing.T) {
	v := newTestValidator()
	v.Register(Service{Name: "store", Check: ok})
	v.Register(Service{Name: "search-api", RequiredBy: []string{"discover"}, Check: ok})

	res := v.ValidateForSteps(context.Background(), []string{"discover"})
	if !res.Valid {
		t.Fatalf("Valid = false: %s", res.Message)
	}
	if len(res.Services) != 2 {
		t.Errorf("checked %d services, want 2", len(res.Services))
	}
}

func TestValidateForStepsSkipsUnrelatedServices(t *testing.T) {
	v := newTestValidator()
	v.Register(Service{Name: "embedder", RequiredBy: []string{"embed"}, Check: down})

	res := v.ValidateForSteps(context.Background(), []string{"discover", "scrape"})
	if !res.Valid {
		t.Errorf("Valid = false, want true when the failing service is not needed: %s", res.Message)
	}
	if len(res.Services) != 0 {
		t.Errorf("Services = %v, want none", res.Services)
	}
}

func TestValidateForStepsRequiredFailure(t *testing.T) {
	v := newTestValidator()
	v.Register(Service{Name: "store", Check: ok})
	v.Register(Service{Name: "redis", Check: down})

	res := v.ValidateForSteps(context.Background(), nil)
	if res.Valid {
		t.Fatal("Valid = true, want false")
	}
	if !strings.Contains(res.Message, "redis") || !strings.Contains(res.Message, "connection refused") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestValidateForStepsOptionalFailureIsSoft(t *testing.T) {
	v := newTestValidator()
	v.Register(Service{Name: "webhook", Optional: true, Check: down})
	v.Register(Service{Name: "unconfigured", Optional: true})

	res := v.ValidateForSteps(context.Background(), nil)
	if !res.Valid {
		t.Fatalf("Valid = false, want true for optional failures: %s", res.Message)
	}
	if !strings.Contains(res.Message, "optional") {
		t.Errorf("Message = %q, want optional services mentioned", res.Message)
	}
	for _, st := range res.Services {
		if st.Healthy {
			t.Errorf("service %s reported healthy", st.Name)
		}
	}
	// Statuses are sorted by name.
	if res.Services[0].Name != "unconfigured" || res.Services[0].Error != "not configured" {
		t.Errorf("Services[0] = %+v, want unconfigured service", res.Services[0])
	}
}

func TestCheckAllIncludesStepScopedServices(t *testing.T) {
	v := newTestValidator()
	v.Register(Service{Name: "store", Check: ok})
	v.Register(Service{Name: "embedder", RequiredBy: []string{"embed"}, Check: down})

	res := v.CheckAll(context.Background())
	if res.Valid {
		t.Fatal("Valid = true, want false")
	}
	if len(res.Services) != 2 || res.Services[0].Name != "embedder" || res.Services[1].Name != "store" {
		t.Errorf("Services = %+v, want embedder and store in name order", res.Services)
	}
}
