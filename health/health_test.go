package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type backlogFunc func(ctx context.Context) (map[string]int, error)

func (f backlogFunc) Backlog(ctx context.Context) (map[string]int, error) { return f(ctx) }

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("reports the worst status", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
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
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, []string{"fast", "slow"}, report.Names())
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))
		r.Unregister("broker")
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		ok := NewPingChecker("broker", pingerFunc(func(context.Context) error { return nil })).Check(ctx)
		assert.Equal(t, StatusHealthy, ok.Status)

		bad := NewPingChecker("postgres", pingerFunc(func(context.Context) error { return errors.New("refused") })).Check(ctx)
		assert.Equal(t, StatusUnhealthy, bad.Status)
		assert.Equal(t, "refused", bad.Error)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		checker := NewRedisChecker(client)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		mr.Close()
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
	})

	t.Run("backlog", func(t *testing.T) {
		backlog := map[string]int{"artifact-1": 3, "artifact-2": 1}
		src := backlogFunc(func(context.Context) (map[string]int, error) { return backlog, nil })

		res := NewBacklogChecker(src, 10).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 4, res.Details["pending"])
		assert.Equal(t, "artifact-1", res.Details["deepestPartition"])

		res = NewBacklogChecker(src, 3).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)

		failing := backlogFunc(func(context.Context) (map[string]int, error) { return nil, errors.New("db down") })
		assert.Equal(t, StatusUnhealthy, NewBacklogChecker(failing, 3).Check(ctx).Status)
	})
}

func TestHandlers(t *testing.T) {
	t.Run("json report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		ReadinessHandler(r)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
