package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"escrowflow/auth"
	"escrowflow/backend"
	"escrowflow/config"
	"escrowflow/escrow"
	"escrowflow/metrics"
	"escrowflow/outbox"
	"escrowflow/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("ESCROW_JWT_SECRET is required")
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "escrowd", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	stores, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.Store, err)
	}
	defer stores.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authSvc := auth.NewService(stores.Principals, cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL)
	if id := strings.TrimSpace(cfg.OperatorID); id != "" {
		if err := authSvc.EnsureOperator(ctx, id, cfg.OperatorPassword); err != nil {
			log.Fatalf("bootstrap operator %q: %v", id, err)
		}
		logger.Info("operator principal ready", "id", id)
	}

	srv := &server{
		orders:           escrow.NewService(stores.Orders, escrow.WithLogger(logger), escrow.WithRecorder(m)),
		ledger:           stores.Ledger,
		auth:             authSvc,
		metrics:          m,
		logger:           logger,
		now:              time.Now,
		sweepConcurrency: cfg.SweepConcurrency,
	}

	if cfg.SweepInterval > 0 {
		go srv.sweepEvery(ctx, cfg.SweepInterval)
	}
	if stores.Pool != nil && cfg.OutboxInterval > 0 {
		relay := outbox.NewRelay(stores.Pool, outbox.LogPublisher{Logger: logger},
			outbox.WithLogger(logger), outbox.WithObserver(m.AddOutboxPublished))
		go func() { _ = relay.Run(ctx, cfg.OutboxInterval) }()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("escrowd listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

// sweepEvery refunds expired orders on a fixed interval until ctx ends.
func (s *server) sweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.orders.SweepExpired(ctx, s.now(), s.sweepConcurrency)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			s.metrics.AddSweepRefunds(len(res.Refunded))
			if len(res.Refunded) > 0 {
				s.logger.Info("expiry sweep refunded orders", "count", len(res.Refunded))
			}
		}
	}
}
