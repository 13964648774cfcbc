package display

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/domain/order"
)

// Stream is an open realtime connection.
type Stream interface {
	// Recv blocks until the next event. Any error ends the stream.
	Recv(ctx context.Context) (order.Event, error)
	Close() error
}

// Source opens realtime streams for a tenant.
type Source interface {
	Subscribe(ctx context.Context, tenantID string) (Stream, error)
}

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// ReconcileInterval is the period of full reconciliation while
	// connected.
	ReconcileInterval time.Duration
	// Backoff paces reconnects. Defaults to an exponential backoff capped at
	// 30s.
	Backoff *backoff.ExponentialBackOff
	Logger  *zap.Logger
	// OnChange is called after the view changed.
	OnChange func()
}

// Subscriber keeps a View up to date from a Source and a Fetcher.
type Subscriber struct {
	view     *View
	source   Source
	fetcher  Fetcher
	interval time.Duration
	backoff  *backoff.ExponentialBackOff
	lg       *zap.Logger
	onChange func()
}

// NewSubscriber creates a Subscriber for view.
func NewSubscriber(view *View, source Source, fetcher Fetcher, opts SubscriberOptions) *Subscriber {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		opts.Backoff = b
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	return &Subscriber{
		view:     view,
		source:   source,
		fetcher:  fetcher,
		interval: opts.ReconcileInterval,
		backoff:  opts.Backoff,
		lg:       opts.Logger,
		onChange: opts.OnChange,
	}
}

// Run connects, applies events and reconciles until ctx is cancelled. After
// every (re)connect the view is reconciled, since events sent while
// disconnected are not replayed.
func (s *Subscriber) Run(ctx context.Context) error {
	s.backoff.Reset()
	for {
		stream, err := s.source.Subscribe(ctx, s.view.TenantID())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Offline: the view still gets periodic reconciliation attempts
			// so staleness stays observable.
			s.reconcile(ctx)
			wait := s.backoff.NextBackOff()
			s.lg.Warn("Realtime connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		s.backoff.Reset()
		s.lg.Info("Realtime connected", zap.String("tenant_id", s.view.TenantID()))

		err = s.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		s.lg.Warn("Realtime stream ended", zap.Error(err))
	}
}

func (s *Subscriber) consume(ctx context.Context, stream Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan order.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			e, err := stream.Recv(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.reconcile(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case e := <-events:
			if s.view.Apply(e) {
				s.onChange()
			}
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Subscriber) reconcile(ctx context.Context) {
	diff, err := s.view.Reconcile(ctx, s.fetcher)
	if err != nil {
		if ctx.Err() == nil {
			s.lg.Warn("Reconcile failed",
				zap.Error(err),
				zap.Duration("staleness", s.view.Staleness()),
			)
		}
		return
	}
	if !diff.Empty() {
		s.lg.Debug("Reconciled",
			zap.Int("added", len(diff.Added)),
			zap.Int("updated", len(diff.Updated)),
			zap.Int("removed", len(diff.Removed)),
		)
		s.onChange()
	}
}
