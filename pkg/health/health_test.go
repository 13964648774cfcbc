package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func newHealth(t *testing.T) *Health {
	t.Helper()
	h, err := New(Options{})
	require.NoError(t, err)
	return h
}

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, handler http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body statusBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := newHealth(t)
	h.Add(Liveness, Check{Name: "goroutines", Func: passing})
	h.Add(Liveness, Check{Name: "db", Func: failing("connection refused")})

	code, body := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "checks start healthy")
	assert.Equal(t, "ok", body.Status)

	db := h.snapshot(Liveness)[1]
	runN(db, 2)
	code, _ = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below failure threshold")

	runN(db, 1)
	code, body = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, body.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := newHealth(t)
	h.Add(Readiness, Check{Name: "redis", Func: failing("i/o timeout"), FailureThreshold: 1})
	h.Add(Liveness, Check{Name: "live", Func: failing("ignored"), FailureThreshold: 1})

	code, body := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "service is not ready", body.Checks["_readiness"])

	h.SetReady(true)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	for _, p := range h.snapshot("") {
		runN(p, 1)
	}
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"redis": "i/o timeout"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Len(t, body.Checks, 2)
}

func TestCheckRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := newHealth(t)
	h.Add(Readiness, Check{
		Name:             "pg",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Func: func(context.Context) error {
			if fail.Load() {
				return errors.New("down")
			}
			return nil
		},
	})
	h.SetReady(true)
	p := h.snapshot(Readiness)[0]

	assert.True(t, p.run(context.Background()), "flip to unhealthy")
	assert.False(t, h.IsReady())
	assert.EqualError(t, p.err(), "down")

	fail.Store(false)
	assert.False(t, p.run(context.Background()))
	assert.False(t, h.IsReady(), "one success is below the threshold")
	assert.True(t, p.run(context.Background()))
	assert.True(t, h.IsReady())
	assert.NoError(t, p.err())
}

func TestCheckTimeout(t *testing.T) {
	h := newHealth(t)
	h.Add(Readiness, Check{
		Name:             "slow",
		Timeout:          10 * time.Millisecond,
		FailureThreshold: 1,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	p := h.snapshot(Readiness)[0]
	runN(p, 1)
	assert.ErrorIs(t, p.err(), context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	h := newHealth(t)
	h.Add(Liveness, Check{Name: "tick", Func: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	time.Sleep(20 * time.Millisecond)
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestConcurrentAccess(t *testing.T) {
	h := newHealth(t)
	h.Add(Readiness, Check{Name: "flaky", Func: failing("x"), FailureThreshold: 1})
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = h.IsReady()
				w := httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, PingCheck("postgres", fakePinger{})(ctx))
	assert.ErrorContains(t, PingCheck("postgres", fakePinger{err: errors.New("refused")})(ctx), "ping postgres")

	assert.NoError(t, GoroutineCountCheck(100000)(ctx))
	assert.Error(t, GoroutineCountCheck(0)(ctx))
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(ctx))
}
