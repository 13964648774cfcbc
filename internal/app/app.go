package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/handler"
	"github.com/xenking/tableside/internal/realtime"
	"github.com/xenking/tableside/internal/storage/postgres"
	"github.com/xenking/tableside/pkg/health"
	"github.com/xenking/tableside/pkg/httpmiddleware"
)

// Telemetry provides instrumentation providers, e.g. *app.Telemetry of
// go-faster/sdk.
type Telemetry interface {
	MeterProvider() metric.MeterProvider
	TracerProvider() trace.TracerProvider
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the API server.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	orderStore := postgres.NewOrderStore(pool)
	catalog := postgres.NewMenuCatalog(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	filter := order.NewKeyFilter(cfg.KeyFilter.Capacity, cfg.KeyFilter.FalsePositiveRate)
	warmed, err := filter.Warm(ctx, orderStore, time.Now().Add(-cfg.KeyFilter.WarmWindow))
	if err != nil {
		return errors.Wrap(err, "warm key filter")
	}
	lg.Info("Idempotency key filter warmed", zap.Int("keys", warmed))

	// Realtime fan-out. With Redis every replica publishes to Redis and the
	// bridge feeds the local hub; without it the hub is the publisher.
	hub, err := realtime.NewHub(realtime.HubOptions{
		Buffer:        cfg.Realtime.Buffer,
		Logger:        lg.Named("realtime"),
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create hub")
	}
	var (
		publisher order.Publisher = hub
		rdb       *redis.Client
		bridge    *realtime.RedisBridge
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		bridge = realtime.NewRedisBridge(rdb, hub, lg.Named("redis"))
		publisher = bridge
	}

	orderService, err := order.NewService(catalog, orderStore, publisher, order.ServiceOptions{
		Filter:         filter,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	// Health check service.
	healthSvc, err := health.New(health.Options{
		Logger:        lg.Named("health"),
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create health")
	}
	healthSvc.Add(health.Readiness, health.Check{Name: "postgres", Timeout: 5 * time.Second, Func: health.PingCheck("postgres", pool)})
	healthSvc.Add(health.Readiness, health.Check{Name: "realtime", Func: hub.Check, FailureThreshold: 1})
	if rdb != nil {
		healthSvc.Add(health.Readiness, health.Check{Name: "redis", Timeout: 2 * time.Second, Func: health.RedisCheck(rdb)})
	}
	healthSvc.Add(health.Liveness, health.Check{Name: "goroutines", Func: health.GoroutineCountCheck(50000)})
	healthSvc.Add(health.Liveness, health.Check{Name: "gc_pause", Func: health.GCMaxPauseCheck(time.Second)})
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// HTTP handlers.
	h := handler.NewHandler(
		handler.Config{
			PingInterval: cfg.Realtime.PingInterval,
			WriteTimeout: cfg.Realtime.WriteTimeout,
		},
		orderService,
		catalog,
		hub,
	)
	router := handler.NewRouter(h, handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper)))
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)

	// No WriteTimeout: realtime connections outlive it and set per-write
	// deadlines instead.
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(router,
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins:     cfg.CORS.Origins,
					AllowCredentials: cfg.CORS.AllowCredentials,
					MaxAge:           86400,
				}),
				httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
					Max:    cfg.RateLimit.Max,
					Window: cfg.RateLimit.Window,
				}),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.LogRequests(),
			),
			"tableside-api",
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/livez" && r.URL.Path != "/readyz"
			}),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && gctx.Err() == nil {
				return errors.Wrap(err, "redis bridge")
			}
			return nil
		})
	}
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	healthSvc.SetReady(true)

	// Graceful shutdown: stop advertising readiness, tell realtime clients to
	// resubscribe elsewhere, then drain HTTP.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
