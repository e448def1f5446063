package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caretide/caretide/audit"
	"github.com/caretide/caretide/billing"
	"github.com/caretide/caretide/db"
	"github.com/caretide/caretide/external"
	"github.com/caretide/caretide/lock"
	"github.com/caretide/caretide/notification"
	"github.com/caretide/caretide/subscription"
	"github.com/caretide/caretide/usage"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if len(raw) == 0 {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       env != "production",
	}); err != nil {
		log.Fatalf("Cannot initialize sentry: %v\n", err)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "billingd",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		log.Fatalf("Cannot initialize zapsentry: %v\n", err)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	// Initialize backend connections
	dbConn, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	notifier, err := notification.NewAMQPNotifier(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer notifier.Close()

	subscriptionManager, err := subscription.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	billingManager, err := billing.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize BillingManager",
			zap.Error(err),
		)
	}

	usageManager, err := usage.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager",
			zap.Error(err),
		)
	}

	auditManager, err := audit.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize AuditManager",
			zap.Error(err),
		)
	}

	lockManager, err := lock.NewManager(logger, rdb)
	if err != nil {
		logger.Fatal("Cannot initialize LockManager",
			zap.Error(err),
		)
	}

	gateway, err := external.NewStripeGateway(logger, stripeClient)
	if err != nil {
		logger.Fatal("Cannot initialize StripeGateway",
			zap.Error(err),
		)
	}

	retry, err := billing.NewRetryCoordinator(billing.RetryCoordinatorOptions{
		Gateway:     gateway,
		Logger:      logger,
		MaxAttempts: 3,
		RetryDelay:  envDuration("BILLING_RETRY_DELAY", 6*time.Hour),
	})
	if err != nil {
		logger.Fatal("Cannot initialize RetryCoordinator",
			zap.Error(err),
		)
	}

	processor, err := billing.NewProcessor(billing.ProcessorOptions{
		SubscriptionManager: subscriptionManager,
		BillingManager:      billingManager,
		UsageManager:        usageManager,
		Retry:               retry,
		Locker:              lockManager,
		Audit:               auditManager,
		Notifier:            notifier,
		Logger:              logger,
		RetryCooldown:       envDuration("BILLING_SUSPEND_COOLDOWN", 6*time.Hour),
	})
	if err != nil {
		logger.Fatal("Cannot initialize billing Processor",
			zap.Error(err),
		)
	}

	scheduler, err := billing.NewScheduler(billing.SchedulerOptions{
		Processor:       processor,
		Logger:          logger,
		Interval:        envDuration("BILLING_INTERVAL", time.Hour),
		FailureCooldown: envDuration("BILLING_FAILURE_COOLDOWN", 5*time.Minute),
	})
	if err != nil {
		logger.Fatal("Cannot initialize billing Scheduler",
			zap.Error(err),
		)
	}

	billingRouter, err := billing.NewService(billing.ServiceOptions{
		Scheduler: scheduler,
		Processor: processor,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Billing Service Router",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	go scheduler.Run(ctx)

	rootRouter := chi.NewRouter()
	rootRouter.Mount("/billing", billingRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42070",
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start admin API",
				zap.Error(err),
			)
		}
	}()

	logger.Info("Billing cycle daemon started")

	<-c
	cancel()
	srv.Shutdown(context.Background())
}
