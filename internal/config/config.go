// Package config содержит логику чтения конфигурации сервиса выдачи ключей.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PaymentGatewayAddress string `env:"PAYMENT_GATEWAY_ADDRESS"`
	JWTSecret             string `env:"JWT_SECRET"`
	WebhookToken          string `env:"WEBHOOK_TOKEN"`
	CatalogPath           string `env:"CATALOG_PATH"`

	RedisURL        string        `env:"REDIS_URL"`
	OrderRateLimit  int           `env:"ORDER_RATE_LIMIT"`
	OrderRateWindow time.Duration `env:"ORDER_RATE_WINDOW"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID       string   `env:"KAFKA_GROUP_ID"`
	KafkaPaymentsTopic string   `env:"KAFKA_PAYMENTS_TOPIC"`
	KafkaEventsTopic   string   `env:"KAFKA_EVENTS_TOPIC"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	PollInterval  time.Duration `env:"POLL_INTERVAL"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	var kafkaBrokers string

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.PaymentGatewayAddress, "p", "", "payment gateway address")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret for signing access tokens")
	flag.StringVar(&cfg.CatalogPath, "c", "", "path to product catalog YAML")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for rate limiting")
	flag.StringVar(&kafkaBrokers, "k", "", "comma separated kafka brokers")
	flag.IntVar(&cfg.OrderRateLimit, "order-rate-limit", 10, "orders per user per window")
	flag.DurationVar(&cfg.OrderRateWindow, "order-rate-window", time.Minute, "order rate limit window")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", time.Second, "payment gateway poll interval")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 30*time.Second, "out-of-stock backlog sweep interval")

	flag.Parse()

	cfg.KafkaBrokers = splitList(kafkaBrokers)
	cfg.KafkaGroupID = "keypool"
	cfg.KafkaPaymentsTopic = "payments"
	cfg.KafkaEventsTopic = "keypool.events"

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OrderRateLimit < 0 {
		return nil, fmt.Errorf("order rate limit must not be negative: %d", cfg.OrderRateLimit)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
