package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	rediscache "github.com/AlexeiFed/waxhands-sub007/internal/cache/redis"
	"github.com/AlexeiFed/waxhands-sub007/internal/config"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway/mock"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway/robokassa"
	handler "github.com/AlexeiFed/waxhands-sub007/internal/handler/http"
	"github.com/AlexeiFed/waxhands-sub007/internal/notify"
	"github.com/AlexeiFed/waxhands-sub007/internal/reconcile"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository/postgres"
	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	"github.com/AlexeiFed/waxhands-sub007/pkg/database"
	"github.com/AlexeiFed/waxhands-sub007/pkg/health"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httpclient"
	pkgkafka "github.com/AlexeiFed/waxhands-sub007/pkg/kafka"
	"github.com/AlexeiFed/waxhands-sub007/pkg/middleware"
	"github.com/AlexeiFed/waxhands-sub007/pkg/tracing"
)

// App wires together all dependencies and runs the billing service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	notifier       *notify.Async
	poller         *reconcile.Poller
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, &database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	prometheus.MustRegister(database.NewPoolStatsCollector(pool, cfg.ServiceName))

	if err := database.RunMigrations(ctx, pool, postgres.Migrations(), logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	if cfg.SlowQueryThresholdMs > 0 {
		database.SlowQueryThreshold = time.Duration(cfg.SlowQueryThresholdMs) * time.Millisecond
	}

	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	// Redis is optional: without it operation keys live only on the invoice
	// row and reconciliation runs without the cross-instance lock.
	var (
		redisClient *redis.Client
		opKeyCache  service.OpKeyCache
		locker      reconcile.Locker
	)
	if cfg.RedisEnabled {
		redisClient, err = database.NewRedisClient(ctx, database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, continuing without op key cache and reconcile lock",
				slog.String("error", err.Error()),
			)
		} else {
			opKeyCache = rediscache.NewOpKeyCache(redisClient, cfg.OpKeyCacheTTL)
			locker = rediscache.NewLocker(redisClient)
			healthHandler.RegisterOptional("redis", func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			})
			logger.Info("connected to Redis", slog.String("addr", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)))
		}
	}

	// Notifications go to the chat service through Kafka.
	var (
		producer *pkgkafka.Producer
		async    *notify.Async
		notifier notify.Dispatcher = notify.Noop{}
	)
	if cfg.KafkaEnabled {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		if err := pingKafkaWithRetry(ctx, producer, logger); err != nil {
			logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
		}
		healthHandler.RegisterOptional("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})

		asyncCfg := notify.DefaultAsyncConfig()
		asyncCfg.QueueSize = cfg.NotifyQueueSize
		asyncCfg.Workers = cfg.NotifyWorkers
		asyncCfg.MaxAttempts = cfg.NotifyMaxAttempts
		async = notify.NewAsync(notify.NewKafka(producer, cfg.NotificationsTopic, logger), asyncCfg, logger)
		notifier = async
	}

	p1, p2 := cfg.SigningSecrets()
	verifier, err := signature.NewVerifier(signature.Algorithm(cfg.HashAlgorithm), signature.Secrets{
		Password1: p1,
		Password2: p2,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init signature verifier: %w", err)
	}

	gw, err := newGateway(cfg, verifier, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// Build the dependency graph.
	invoices := postgres.NewInvoiceRepository(pool)
	events := postgres.NewGatewayEventRepository(pool)

	refundCfg := service.RefundConfig{
		Cutoff:        cfg.RefundCutoff,
		ItemName:      cfg.RefundItemName,
		Tax:           cfg.RefundTax,
		PaymentMethod: cfg.RefundPaymentMethod,
		PaymentObject: cfg.RefundPaymentObject,
	}
	paymentService := service.NewPaymentService(invoices, events, gw, verifier, notifier, opKeyCache, logger)
	refundService := service.NewRefundService(invoices, gw, notifier, opKeyCache, refundCfg, logger)

	var (
		poller     *reconcile.Poller
		reconciler handler.Reconciler
	)
	if cfg.ReconcileEnabled {
		poller = reconcile.New(invoices, paymentService, refundService, locker, reconcile.Config{
			Interval:     cfg.ReconcileInterval,
			Grace:        cfg.ReconcileGrace,
			BatchSize:    cfg.ReconcileBatchSize,
			Concurrency:  cfg.ReconcileConcurrency,
			RateLimit:    cfg.ReconcileRateLimit,
			CycleTimeout: cfg.ReconcileCycleTimeout,
		}, logger)
		reconciler = poller
	}

	router := handler.NewRouter(handler.RouterDeps{
		ServiceName:    cfg.ServiceName,
		Payments:       paymentService,
		Refunds:        refundService,
		Reconciler:     reconciler,
		Health:         healthHandler,
		TokenValidator: middleware.NewJWTValidator(cfg.JWTSecret),
		Redirects: handler.RedirectConfig{
			SuccessURL: cfg.FrontendSuccessURL,
			FailURL:    cfg.FrontendFailURL,
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		notifier:       async,
		poller:         poller,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// newGateway returns the Robokassa client, or the in-memory gateway in mock mode.
func newGateway(cfg *config.Config, verifier *signature.Verifier, logger *slog.Logger) (gateway.Gateway, error) {
	if cfg.GatewayMode == config.GatewayMock {
		logger.Warn("using the in-memory payment gateway; no real payments will be taken")
		return mock.NewGateway(), nil
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.RobokassaTimeout
	doer := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpCfg),
		httpclient.DefaultCircuitBreakerConfig("robokassa"),
		logger,
	)

	client, err := robokassa.New(robokassa.Config{
		MerchantLogin: cfg.MerchantLogin,
		Password3:     cfg.Password3,
		PaymentURL:    cfg.RobokassaPayURL,
		StateURL:      cfg.RobokassaStateURL,
		RefundURL:     cfg.RobokassaRefundURL,
		IsTest:        cfg.RobokassaTest,
		Culture:       cfg.RobokassaCulture,
		Timeout:       cfg.RobokassaTimeout,
	}, verifier, doer, logger)
	if err != nil {
		return nil, fmt.Errorf("init robokassa client: %w", err)
	}
	return client, nil
}

// Run starts the HTTP server and the reconciliation poller, then blocks until
// the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.poller != nil {
		a.poller.Start(ctx)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Reconciliation poller (finish the running cycle)
// 3. Notification queue (deliver what was accepted)
// 4. Tracer
// 5. Kafka producer, Redis and PostgreSQL
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.poller != nil {
		a.poller.Stop()
	}

	if a.notifier != nil {
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer notifyCancel()
		if err := a.notifier.Close(notifyCtx); err != nil {
			a.logger.Error("notification queue drain error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// pingKafkaWithRetry pings the producer up to three times with jittered
// exponential backoff.
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	const attempts = 3
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = producer.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		base := time.Duration(1<<uint(attempt)) * time.Second
		wait := base + time.Duration(float64(base)*0.25*(2*rand.Float64()-1)) // #nosec G404 -- retry jitter
		logger.Warn("kafka producer ping failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka ping: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("kafka producer ping failed after %d attempts: %w", attempts, lastErr)
}
