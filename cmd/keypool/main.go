// Package main запускает HTTP-сервер сервиса выдачи лицензионных ключей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/keypool-system/internal/config"
	"github.com/mmeshcher/keypool-system/internal/events"
	"github.com/mmeshcher/keypool-system/internal/handler"
	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/metrics"
	"github.com/mmeshcher/keypool-system/internal/middleware"
	"github.com/mmeshcher/keypool-system/internal/payment"
	"github.com/mmeshcher/keypool-system/internal/ratelimit"
	"github.com/mmeshcher/keypool-system/internal/repository"
	"github.com/mmeshcher/keypool-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		sugar.Fatalw("catalog error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithCatalog(catalog),
		service.WithPublisher(events.NewLoggingPublisher(logger)),
	}

	var (
		keys        service.KeyStore
		orders      service.OrderStore
		healthCheck func(ctx context.Context) error
	)
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		keys, orders, healthCheck = repo, repo, repo.Ping
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		keys, orders = inventory.NewStore(), repository.NewMemoryOrderRepository()
	}

	if cfg.PaymentGatewayAddress != "" {
		opts = append(opts, service.WithGateway(payment.NewClient(cfg.PaymentGatewayAddress)))
	}

	var consumer *events.KafkaConsumer
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			sugar.Fatalw("kafka publisher error", "error", err.Error())
		}
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))

		consumer, err = events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaPaymentsTopic)
		if err != nil {
			sugar.Fatalw("kafka consumer error", "error", err.Error())
		}
		defer consumer.Close()
	}

	svc := service.NewService(keys, orders, opts...)
	defer svc.Close()

	var paymentWorker *events.PaymentWorker
	if consumer != nil {
		paymentWorker = events.NewPaymentWorker(logger, consumer, svc, cfg.PollInterval)
	}

	var limiter ratelimit.Limiter
	if cfg.OrderRateLimit > 0 {
		limiter = ratelimit.NewLocalLimiter(cfg.OrderRateLimit, cfg.OrderRateWindow)
		if cfg.RedisURL != "" {
			rl, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.OrderRateLimit, cfg.OrderRateWindow)
			if err != nil {
				sugar.Warnw("redis rate limiter unavailable, using local limiter", "error", err.Error())
			} else {
				defer rl.Close()
				limiter = rl
			}
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware,
		handler.WithMetrics(m),
		handler.WithRateLimit(limiter, cfg.OrderRateWindow),
		handler.WithWebhookToken(cfg.WebhookToken),
		handler.WithCORSOrigins(cfg.CORSOrigins),
		handler.WithHealthCheck(healthCheck),
	)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Повторная выдача по заказам, ожидающим пополнения пула
	g.Go(func() error {
		return svc.RunRestockWorker(ctx, cfg.SweepInterval)
	})

	// Опрос платёжного шлюза
	g.Go(func() error {
		return svc.RunPaymentPolling(ctx, cfg.PollInterval)
	})

	if paymentWorker != nil {
		g.Go(func() error {
			return paymentWorker.Run(ctx)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting keypool server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
