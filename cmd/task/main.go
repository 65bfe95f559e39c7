package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/tally/billing"
	"github.com/zllovesuki/tally/broker"
	"github.com/zllovesuki/tally/db"
	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	env := os.Getenv("ENV")
	production := "production" == env
	if production {
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

	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       !production,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "task",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	gateway, err := external.NewStripeGateway(external.StripeOptions{
		Client:        external.NewStripeClient(os.Getenv("STRIPE_KEY")),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe gateway",
			zap.Error(err),
		)
	}

	dbConn, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Message Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	paymentManager, err := payment.NewManager(logger, dbConn)
	if err != nil {
		logger.Fatal("Cannot initialize PaymentManager",
			zap.Error(err),
		)
	}

	task, err := billing.NewTask(billing.TaskOptions{
		PaymentManager: paymentManager,
		Gateway:        gateway,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize payment repair Task",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := amqpBroker.ReceiveBillingEvents(ctx, "task")
	if err != nil {
		logger.Fatal("Cannot subscribe to billing events",
			zap.Error(err),
		)
	}

	// audit trail of everything the billing pipeline emits
	go func() {
		for ev := range events {
			logger.Info("Billing event received",
				zap.String("Kind", string(ev.Kind)),
				zap.String("WorkspaceID", ev.WorkspaceID),
				zap.String("ExternalID", ev.ExternalID),
				zap.String("Status", ev.Status),
				zap.Time("OccurredAt", ev.OccurredAt),
			)
		}
	}()

	go task.Run(ctx)

	logger.Info("Task worker started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	cancel()
}
