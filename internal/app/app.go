// Package app wires the discount API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/discount"
	"github.com/xenking/party-discounts/internal/handler"
	"github.com/xenking/party-discounts/internal/shopify"
	"github.com/xenking/party-discounts/internal/storage/postgres"
	"github.com/xenking/party-discounts/pkg/health"
	"github.com/xenking/party-discounts/pkg/httpmiddleware"
)

const serviceName = "party-discounts"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.DatabaseURL, lg); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	commerce := shopify.New(cfg.ShopifyClient(),
		shopify.WithTelemetry(m.TracerProvider(), m.MeterProvider()),
	)
	engine, err := discount.NewEngine(
		postgres.NewDiscountStore(pool),
		postgres.NewPartyDirectory(pool),
		commerce,
		engineCfg,
		discount.WithTracerProvider(m.TracerProvider()),
		discount.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create engine")
	}

	h := handler.New(handler.Config{WebhookSecret: cfg.Shopify.WebhookSecret}, engine)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Intent creation makes several sequential platform calls.
		WriteTimeout:   4 * cfg.Shopify.Timeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        newRouter(ctx, lg, m, healthSvc, h, cfg.RateLimit),
	}
	healthSvc.SetReady(true)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newRouter mounts probes, the webhook and the rate limited REST API. The
// middleware runs inside the router so the matched route is known after the
// handler returns.
func newRouter(
	ctx context.Context,
	lg *zap.Logger,
	tel httpmiddleware.Telemetry,
	healthSvc *health.Health,
	h *handler.Handler,
	rl RateLimitConfig,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument(serviceName, handler.RoutePattern, tel),
		httpmiddleware.LogRequests(handler.RoutePattern),
	)

	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.RegisterWebhooks(r)
	r.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    rl.Max,
			Window: rl.Window,
		}))
		h.RegisterAPI(r)
	})
	return r
}
