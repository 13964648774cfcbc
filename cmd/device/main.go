// Command device runs a table, kitchen or cashier session against the order
// API. Cart and outbox live in a local SQLite file, so orders taken while the
// server is unreachable are delivered once it is back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/client"
	"github.com/xenking/tableside/internal/device"
	"github.com/xenking/tableside/internal/domain/cart"
	"github.com/xenking/tableside/internal/domain/display"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/domain/outbox"
	"github.com/xenking/tableside/internal/storage/sqlite"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lg, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Error("Device stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{cfg.LogFile}
	zcfg.ErrorOutputPaths = []string{cfg.LogFile}
	lg, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return lg.With(zap.String("device_id", cfg.DeviceID), zap.String("role", cfg.Role)), nil
}

func run(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	store, err := sqlite.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cl, err := client.New(cfg.ServerURL, cfg.APIKey, client.Options{DeviceID: cfg.DeviceID})
	if err != nil {
		return err
	}

	policy := outbox.DefaultPolicy()
	policy.MaxAttempts = cfg.Sync.MaxAttempts
	queue, err := outbox.Open(ctx, store, cfg.DeviceID, outbox.Options{
		Policy: policy,
		Logger: lg.Named("outbox"),
	})
	if err != nil {
		return err
	}
	sessionCart, err := cart.Open(ctx, store, cfg.DeviceID+"/"+cfg.TableID)
	if err != nil {
		return err
	}

	con := newConsole(os.Stdin, os.Stdout, cl, queue, store, cfg.TenantID)

	// Both hooks run on the runner goroutine once the session exists.
	var session *device.Session
	sender := client.NewSender(cl, lg.Named("sender"))
	sender.OnSubmitted = func(e outbox.Entry, resp *api.SubmitOrderResponse) {
		if err := session.Submitted(ctx, e.ID); err != nil {
			lg.Warn("Release cart", zap.String("entry_id", e.ID), zap.Error(err))
		}
		con.onSubmitted(e, resp)
	}
	runner := outbox.NewRunner(queue, sender, outbox.RunnerOptions{
		Interval: cfg.Sync.ReplayInterval,
		Logger:   lg.Named("runner"),
		OnResult: func(res outbox.ReplayResult) {
			if err := session.Settle(ctx, res); err != nil {
				lg.Warn("Return rejected order to cart", zap.Error(err))
			}
			con.onReplay(res)
		},
	})

	session, err = device.NewSession(device.Config{
		TableID: cfg.TableID,
		Role:    order.Role(cfg.Role),
		Cart:    sessionCart,
		Queue:   queue,
		Kicker:  runner,
		Logger:  lg.Named("session"),
	})
	if err != nil {
		return err
	}
	if err := session.Recover(ctx); err != nil {
		return err
	}
	con.session = session

	view := display.NewView(cfg.TenantID, viewOptions(session.Role(), cfg.TableID))
	con.view = view
	sub := display.NewSubscriber(view, client.NewSource(cl, cfg.Sync.ReadTimeout), cl, display.SubscriberOptions{
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		Logger:            lg.Named("display"),
	})
	monitor := client.NewMonitor(cl, client.MonitorOptions{
		Interval: cfg.Sync.PingInterval,
		Logger:   lg.Named("monitor"),
	}, runner, con)

	lg.Info("Device started",
		zap.String("server", cfg.ServerURL),
		zap.String("table_id", cfg.TableID),
		zap.Int("queued", queue.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sub.Run(gctx) })
	// The console returns errQuit on "quit", which stops the other loops.
	g.Go(func() error { return con.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && ctx.Err() == nil {
		return err
	}
	return nil
}

// viewOptions scopes the display to what the role works on.
func viewOptions(role order.Role, tableID string) display.ViewOptions {
	switch role {
	case order.RoleKitchen:
		return display.ViewOptions{
			Filter: display.KitchenFilter,
			Query:  order.ListFilter{Statuses: []order.Status{order.StatusPending, order.StatusPreparing}},
		}
	case order.RoleCashier:
		return display.ViewOptions{
			Filter: display.CashierFilter,
			Query:  order.ListFilter{Statuses: []order.Status{order.StatusPending, order.StatusPreparing, order.StatusReady}},
		}
	default:
		return display.ViewOptions{
			Filter: display.TableFilter(tableID),
			Query:  order.ListFilter{TableID: tableID},
		}
	}
}
