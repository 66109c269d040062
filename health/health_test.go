package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewComponentChecker(name, func(context.Context) (Status, string, error) {
		return status, string(status), nil
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(fixed(string(rune('a'+i)), s))
			}

			report := r.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("fast", StatusHealthy))
	r.Register(NewComponentChecker("stuck", func(ctx context.Context) (Status, string, error) {
		time.Sleep(200 * time.Millisecond)
		return StatusHealthy, "late", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Checks["stuck"].Message)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("broker", StatusUnhealthy))
	r.Unregister("broker")

	assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusHealthy))

		rec := httptest.NewRecorder()
		Handler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "broker")
	})

	t.Run("unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		Handler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
