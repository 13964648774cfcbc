package client

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pinger probes server reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OnlineSetter receives connectivity changes, e.g. an outbox.Runner.
type OnlineSetter interface {
	SetOnline(online bool)
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Monitor probes the server periodically and reports connectivity to its
// targets. Every probe result is reported; targets act on transitions.
type Monitor struct {
	pinger   Pinger
	targets  []OnlineSetter
	interval time.Duration
	timeout  time.Duration
	lg       *zap.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(p Pinger, opts MonitorOptions, targets ...OnlineSetter) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		pinger:   p,
		targets:  targets,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		lg:       opts.Logger,
	}
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	online := false
	for {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.pinger.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		if now := err == nil; now != online {
			online = now
			if online {
				m.lg.Info("Server reachable")
			} else {
				m.lg.Warn("Server unreachable", zap.Error(err))
			}
		}
		for _, t := range m.targets {
			t.SetOnline(online)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
