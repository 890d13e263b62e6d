package config

import (
	"errors"
	"fmt"
	"time"

	pkgconfig "github.com/AlexeiFed/waxhands-sub007/pkg/config"
)

// Gateway modes.
const (
	GatewayRobokassa = "robokassa"
	GatewayMock      = "mock"
)

// Config holds all configuration for the billing service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billing"`

	// HTTP server
	HTTPPort int `env:"BILLING_HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost          string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort          int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser          string `env:"POSTGRES_USER" envDefault:"waxhands"`
	PostgresPass          string `env:"POSTGRES_PASSWORD" envDefault:"waxhands_secret"`
	PostgresDB            string `env:"BILLING_DB_NAME" envDefault:"billing_db"`
	PostgresSSL           string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	DBMaxConns            int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns            int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int    `env:"DB_MAX_CONN_LIFETIME_MINS" envDefault:"30"`
	DBMaxConnIdleTimeMins int    `env:"DB_MAX_CONN_IDLE_TIME_MINS" envDefault:"5"`
	SlowQueryThresholdMs  int    `env:"SLOW_QUERY_THRESHOLD_MS" envDefault:"250"`

	// Redis caches operation keys and holds the reconciliation lock.
	RedisEnabled  bool          `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	OpKeyCacheTTL time.Duration `env:"OPKEY_CACHE_TTL" envDefault:"720h"`

	// Kafka carries parent notifications to the chat service.
	KafkaEnabled       bool     `env:"KAFKA_ENABLED" envDefault:"true"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	NotificationsTopic string   `env:"NOTIFICATIONS_TOPIC" envDefault:"waxhands.notifications"`
	NotifyQueueSize    int      `env:"NOTIFY_QUEUE_SIZE" envDefault:"1024"`
	NotifyWorkers      int      `env:"NOTIFY_WORKERS" envDefault:"2"`
	NotifyMaxAttempts  int      `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"5"`

	// Robokassa
	GatewayMode        string        `env:"GATEWAY_MODE" envDefault:"robokassa"`
	MerchantLogin      string        `env:"ROBOKASSA_MERCHANT_LOGIN"`
	Password1          string        `env:"ROBOKASSA_PASSWORD_1"`
	Password2          string        `env:"ROBOKASSA_PASSWORD_2"`
	Password3          string        `env:"ROBOKASSA_PASSWORD_3"`
	HashAlgorithm      string        `env:"ROBOKASSA_HASH_ALGORITHM" envDefault:"md5"`
	RobokassaTest      bool          `env:"ROBOKASSA_IS_TEST" envDefault:"false"`
	RobokassaCulture   string        `env:"ROBOKASSA_CULTURE" envDefault:"ru"`
	RobokassaPayURL    string        `env:"ROBOKASSA_PAYMENT_URL"`
	RobokassaStateURL  string        `env:"ROBOKASSA_STATE_URL"`
	RobokassaRefundURL string        `env:"ROBOKASSA_REFUND_URL"`
	RobokassaTimeout   time.Duration `env:"ROBOKASSA_TIMEOUT" envDefault:"15s"`

	// Reconciliation
	ReconcileEnabled      bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	ReconcileInterval     time.Duration `env:"RECONCILE_INTERVAL" envDefault:"2m"`
	ReconcileGrace        time.Duration `env:"RECONCILE_GRACE" envDefault:"5m"`
	ReconcileBatchSize    int           `env:"RECONCILE_BATCH_SIZE" envDefault:"200"`
	ReconcileConcurrency  int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
	ReconcileRateLimit    float64       `env:"RECONCILE_RATE_LIMIT" envDefault:"5"`
	ReconcileCycleTimeout time.Duration `env:"RECONCILE_CYCLE_TIMEOUT" envDefault:"1m"`

	// Refund policy and receipt line
	RefundCutoff        time.Duration `env:"REFUND_CUTOFF" envDefault:"72h"`
	RefundItemName      string        `env:"REFUND_ITEM_NAME" envDefault:"Wax hand workshop"`
	RefundTax           string        `env:"REFUND_TAX" envDefault:"none"`
	RefundPaymentMethod string        `env:"REFUND_PAYMENT_METHOD" envDefault:"full_payment"`
	RefundPaymentObject string        `env:"REFUND_PAYMENT_OBJECT" envDefault:"service"`

	// Auth
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// Browser redirects after payment
	FrontendSuccessURL string `env:"FRONTEND_SUCCESS_URL"`
	FrontendFailURL    string `env:"FRONTEND_FAIL_URL"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"0.1"`
}

// Load reads configuration from environment variables, after a .env file
// when one is present.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg, ".env"); err != nil {
		return nil, fmt.Errorf("load billing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load billing config: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error

	switch c.GatewayMode {
	case GatewayRobokassa:
		if c.MerchantLogin == "" {
			errs = append(errs, errors.New("ROBOKASSA_MERCHANT_LOGIN is required"))
		}
		if c.Password1 == "" || c.Password2 == "" {
			errs = append(errs, errors.New("ROBOKASSA_PASSWORD_1 and ROBOKASSA_PASSWORD_2 are required"))
		}
	case GatewayMock:
		if c.Environment == "production" {
			errs = append(errs, errors.New("GATEWAY_MODE=mock is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_MODE %q", c.GatewayMode))
	}

	if c.RefundCutoff < 0 {
		errs = append(errs, errors.New("REFUND_CUTOFF must not be negative"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// SigningSecrets returns the Result and payment link passwords. In mock mode
// missing passwords get fixed development values.
func (c *Config) SigningSecrets() (p1, p2 string) {
	p1, p2 = c.Password1, c.Password2
	if c.GatewayMode == GatewayMock {
		if p1 == "" {
			p1 = "mock-password-1"
		}
		if p2 == "" {
			p2 = "mock-password-2"
		}
	}
	return p1, p2
}
