package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Every backing service is optional: an empty address falls back to the
// in-memory implementation or disables that sink, so the binary runs locally
// without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`

	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"oku:"`

	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaPingTopic  string   `envconfig:"KAFKA_PING_TOPIC" default:"driver-locations"`
	KafkaEventTopic string   `envconfig:"KAFKA_EVENT_TOPIC" default:"booking-events"`

	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_EXCHANGE" default:"oku.bookings"`

	NotifyWebhookURL   string `envconfig:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string `envconfig:"NOTIFY_WEBHOOK_TOKEN"`

	JWTSecret string `envconfig:"JWT_SECRET"`

	StripeAPIKey    string `envconfig:"STRIPE_API_KEY"`
	FareAmountCents int64  `envconfig:"FARE_AMOUNT_CENTS" default:"1500"`
	FareCurrency    string `envconfig:"FARE_CURRENCY" default:"myr"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	PingRetention    time.Duration `envconfig:"PING_RETENTION" default:"1h"`
	ETAFallbackKmh   float64       `envconfig:"ETA_FALLBACK_KMH" default:"30"`
	MatcherTopN      int           `envconfig:"MATCHER_TOP_N" default:"8"`
	SubscriberBuffer int           `envconfig:"SUBSCRIBER_BUFFER" default:"64"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ConsumerConfig drives the location-stream consumer.
type ConsumerConfig struct {
	KafkaBrokers   []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaPingTopic string   `envconfig:"KAFKA_PING_TOPIC" default:"driver-locations"`
	KafkaGroup     string   `envconfig:"KAFKA_GROUP" default:"oku-location-consumer"`

	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"oku:"`

	MongoURL string `envconfig:"MONGO_URL"`
	MongoDB  string `envconfig:"MONGO_DB" default:"oku"`

	PingRetention time.Duration `envconfig:"PING_RETENTION" default:"1h"`
	WriteAttempts int           `envconfig:"CONSUMER_WRITE_ATTEMPTS" default:"5"`
	RetryDelay    time.Duration `envconfig:"CONSUMER_RETRY_DELAY" default:"200ms"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9102"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadDotEnv reads a .env file into the environment when one exists. Values
// already set in the environment win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.PingRetention <= 0 {
		errs = append(errs, fmt.Errorf("PING_RETENTION must be > 0"))
	}
	if c.ETAFallbackKmh <= 0 {
		errs = append(errs, fmt.Errorf("ETA_FALLBACK_KMH must be > 0"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_BUFFER must be > 0"))
	}
	if c.StripeAPIKey != "" && c.FareAmountCents <= 0 {
		errs = append(errs, fmt.Errorf("FARE_AMOUNT_CENTS must be > 0 when STRIPE_API_KEY is set"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

func (c ConsumerConfig) Validate() error {
	var errs []error
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	if c.WriteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_WRITE_ATTEMPTS must be > 0"))
	}
	if c.PingRetention <= 0 {
		errs = append(errs, fmt.Errorf("PING_RETENTION must be > 0"))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
