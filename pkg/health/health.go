// Package health runs liveness and readiness probes in the background and
// serves their last results on /livez and /readyz.
//
// A check flips to unhealthy only after FailureThreshold consecutive failures
// and back after SuccessThreshold consecutive successes, so one slow database
// ping does not take the pod out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// CheckFunc returns nil while the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind is the probe a check contributes to.
type Kind string

const (
	Liveness  Kind = "liveness"
	Readiness Kind = "readiness"
)

// Check describes one probe.
type Check struct {
	Name    string
	Timeout time.Duration
	Func    CheckFunc
	// Zero thresholds default to 3 failures and 1 success.
	FailureThreshold int
	SuccessThreshold int
}

type probe struct {
	Check
	kind Kind

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the probe goroutine.
	fails int
	oks   int
}

func (p *probe) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// run executes the check once. It reports whether health flipped.
func (p *probe) run(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(cctx)
	p.lastErr.Store(&err)

	was := p.healthy.Load()
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.FailureThreshold {
			p.healthy.Store(false)
		}
	} else {
		p.fails = 0
		p.oks++
		if p.oks >= p.SuccessThreshold {
			p.healthy.Store(true)
		}
	}
	return was != p.healthy.Load()
}

// Options configures a Health.
type Options struct {
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// Health owns the registered probes. It starts not ready; call SetReady once
// startup has finished and SetReady(false) when draining.
type Health struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New creates a Health. The optional MeterProvider exports a
// health.check.status gauge per check.
func New(opts Options) (*Health, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}
	h := &Health{lg: opts.Logger}

	meter := opts.MeterProvider.Meter("github.com/xenking/tableside/pkg/health")
	gauge, err := meter.Int64ObservableGauge("health.check.status",
		metric.WithDescription("1 while the check is healthy, 0 otherwise"),
	)
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, p := range h.snapshot("") {
			var v int64
			if p.healthy.Load() {
				v = 1
			}
			o.ObserveInt64(gauge, v, metric.WithAttributes(
				attribute.String("check", p.Name),
				attribute.String("kind", string(p.kind)),
			))
		}
		return nil
	}, gauge); err != nil {
		return nil, err
	}
	return h, nil
}

// Add registers a check. Checks start healthy. Add must be called before
// Start.
func (h *Health) Add(kind Kind, c Check) {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	p := &probe{Check: c, kind: kind}
	p.healthy.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// Start runs every check immediately and then each interval, one goroutine
// per check, until Stop or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append([]*probe(nil), h.probes...)
	h.mu.Unlock()

	for _, p := range probes {
		go h.loop(ctx, p, interval)
	}
}

func (h *Health) loop(ctx context.Context, p *probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.run(ctx) {
			if p.healthy.Load() {
				h.lg.Info("Check recovered", zap.String("check", p.Name), zap.String("kind", string(p.kind)))
			} else {
				h.lg.Warn("Check failing",
					zap.String("check", p.Name),
					zap.String("kind", string(p.kind)),
					zap.Error(p.err()),
				)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the probe goroutines. It is idempotent.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady sets the manual readiness gate.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the gate and every readiness check.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(Readiness))) == 0
}

// snapshot returns the probes of kind, or all of them for an empty kind.
func (h *Health) snapshot(kind Kind) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*probe
	for _, p := range h.probes {
		if kind == "" || p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(Liveness)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	f := failures(h.snapshot(Readiness))
	if !h.ready.Load() {
		f["_readiness"] = "service is not ready"
	}
	writeStatus(w, f)
}

func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if p.healthy.Load() {
			continue
		}
		if err := p.err(); err != nil {
			out[p.Name] = err.Error()
		} else {
			out[p.Name] = "check is unhealthy"
		}
	}
	return out
}

// writeStatus writes {"status":"ok"} or
// {"status":"unhealthy","checks":{name:error}} with a 503.
func writeStatus(w http.ResponseWriter, failed map[string]string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	status := http.StatusOK
	if len(failed) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failed[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
