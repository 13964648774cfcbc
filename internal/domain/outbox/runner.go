package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Interval is the period of the background replay.
	Interval time.Duration
	Logger   *zap.Logger
	// OnResult observes every replay pass, e.g. to surface rejections and
	// permanent failures to the user.
	OnResult func(ReplayResult)
}

// Runner replays a queue on a single goroutine. A pass starts when the device
// goes online, on every tick while online, on Kick, and when the head entry's
// backoff expires.
type Runner struct {
	q        *Queue
	sender   Sender
	interval time.Duration
	lg       *zap.Logger
	onResult func(ReplayResult)

	online atomic.Bool
	kick   chan struct{}
}

// NewRunner creates a Runner. It starts offline.
func NewRunner(q *Queue, sender Sender, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		q:        q,
		sender:   sender,
		interval: opts.Interval,
		lg:       opts.Logger,
		onResult: opts.OnResult,
		kick:     make(chan struct{}, 1),
	}
}

// SetOnline records connectivity. Going online triggers an immediate replay.
func (r *Runner) SetOnline(online bool) {
	if was := r.online.Swap(online); !was && online {
		r.lg.Info("Online, replaying outbox")
		r.Kick()
	}
}

// Online reports the last recorded connectivity.
func (r *Runner) Online() bool { return r.online.Load() }

// Kick requests a replay pass without blocking.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run processes replay triggers until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		case <-retry.C:
		}
		if !r.online.Load() {
			continue
		}

		res, err := r.q.Replay(ctx, r.sender)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.lg.Error("Replay outbox", zap.Error(err))
			continue
		}
		if len(res.Sent) > 0 || len(res.Rejected) > 0 {
			r.lg.Info("Replayed outbox",
				zap.Int("sent", len(res.Sent)),
				zap.Int("rejected", len(res.Rejected)),
				zap.Int("remaining", res.Remaining),
			)
		}
		if res.Blocked != nil {
			r.lg.Warn("Outbox blocked", zap.Error(res.Blocked))
		}
		if !res.NextAttemptAt.IsZero() {
			retry.Reset(time.Until(res.NextAttemptAt))
		}
		if r.onResult != nil {
			r.onResult(res)
		}
	}
}
