package main // Entry point package

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/config"
	"github.com/iliyamo/venue-ticketing/internal/database"
	"github.com/iliyamo/venue-ticketing/internal/fulfillment"
	"github.com/iliyamo/venue-ticketing/internal/handler"
	"github.com/iliyamo/venue-ticketing/internal/ledger"
	"github.com/iliyamo/venue-ticketing/internal/logger"
	"github.com/iliyamo/venue-ticketing/internal/metrics"
	"github.com/iliyamo/venue-ticketing/internal/middleware"
	"github.com/iliyamo/venue-ticketing/internal/notify"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/retention"
	"github.com/iliyamo/venue-ticketing/internal/retry"
	"github.com/iliyamo/venue-ticketing/internal/router"
	"github.com/iliyamo/venue-ticketing/internal/signature"
	"github.com/iliyamo/venue-ticketing/internal/verification"
	"github.com/iliyamo/venue-ticketing/internal/webhook"
)

// ticketSecretEnv names the ticket signing secret.  It is read on every
// sign and verify.
const ticketSecretEnv = "TICKET_SIGNING_SECRET"

func main() {
	_ = godotenv.Load() // .env is optional
	cfg := config.Load()

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		zl.Warn("redis unavailable: replay cache, source guard and rate limiting disabled")
	} else {
		defer rdb.Close()
	}

	metrics.Register()

	// Repositories
	inventoryRepo := repository.NewInventoryRepo(db)
	orderRepo := repository.NewOrderRepo(db)
	ticketRepo := repository.NewTicketRepo(db)
	outboxRepo := repository.NewOutboxRepo(db)
	idemRepo := repository.NewIdempotencyRepo(db)
	eventRepo := repository.NewPaymentEventRepo(db)
	failureRepo := repository.NewPaymentFailureRepo(db, outboxRepo)

	// Pipeline
	pc := cfg.Pipeline
	codec := signature.NewCodec(signature.EnvSecret(ticketSecretEnv), cfg.AcceptLegacySignatures)
	if _, err := signature.EnvSecret(ticketSecretEnv).Secret(context.Background()); err != nil {
		zl.Warn("ticket signing secret not set: issuance will escalate and verification will fail closed")
	}
	ldg := ledger.New(idemRepo, ledger.NewRedisCache(rdb), zl.Named("ledger"), ledger.Options{
		Retention: pc.Retention,
		Lease:     pc.Lease,
	})
	svc := fulfillment.NewService(
		fulfillment.NewSQLStore(db, inventoryRepo, orderRepo, ticketRepo, outboxRepo),
		codec, zl.Named("fulfillment"),
	)
	ctrl := retry.NewController(retry.Policy{
		Attempts:       pc.RetryAttempts,
		Base:           pc.RetryBase,
		Cap:            pc.RetryCap,
		AttemptTimeout: pc.RetryAttemptTimeout,
	}, fulfillment.IsTerminal, retry.NewStoreEscalator(failureRepo, cfg.OperatorEmail), zl.Named("retry"))

	var guard *middleware.SourceGuard
	if rdb != nil {
		guard = middleware.NewSourceGuard(rdb, cfg.Suspicious, zl.Named("guard"))
	}
	deps := webhook.Deps{
		Auth:      webhook.NewAuthenticator(cfg.WebhookSecret, pc.WebhookTolerance),
		Ledger:    ldg,
		Fulfiller: svc,
		Runner:    ctrl,
		Events:    eventRepo,
		Log:       zl.Named("webhook"),
	}
	if guard != nil {
		deps.Failures = guard
	}
	gate := webhook.NewGate(deps, webhook.Config{
		ResponseBudget:    pc.ResponseBudget,
		ProcessingTimeout: pc.ProcessingTimeout,
		InFlightWait:      pc.InFlightWait,
	})

	verifier := verification.NewVerifier(codec, ticketRepo, zl.Named("verification"))

	// Background workers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := notify.NewAMQPPublisher(cfg.BrokerURL, notify.QueueName)
	defer publisher.Close()
	go notify.NewRelay(outboxRepo, publisher, cfg.OutboxPollInterval, zl.Named("relay")).Run(ctx)
	go notify.NewConsumer(cfg.BrokerURL, notify.QueueName, notify.NewLogMailer("logs"), zl.Named("mailer")).Run(ctx)
	go retention.NewPurger(idemRepo, eventRepo, outboxRepo, pc.Retention, zl.Named("retention")).Run(ctx, time.Hour)
	go webhook.NewRecovery(gate, idemRepo, eventRepo, pc.Lease, zl.Named("recovery")).Run(ctx, pc.Lease)

	// HTTP
	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e, db)
	webhookHandler := handler.NewWebhookHandler(gate)
	if guard != nil {
		router.RegisterWebhooks(e, webhookHandler, guard.Middleware())
	} else {
		router.RegisterWebhooks(e, webhookHandler)
	}
	var limiter *middleware.RateLimiter
	if rdb != nil {
		rl := config.LoadRateLimitConfig()
		limiter = middleware.NewRateLimiter(middleware.NewRedisBucket(rdb, rl), rl, zl.Named("ratelimit"))
	}
	router.RegisterTickets(e,
		handler.NewTicketHandler(verifier, ticketRepo, cfg.ManualEntryPINHash, zl.Named("scanner")),
		cfg.StaffJWTSecret,
		limiter,
	)
	router.RegisterAdmin(e, handler.NewFailureHandler(failureRepo), cfg.StaffJWTSecret)

	addr := ":" + cfg.Port
	go func() {
		zl.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	// In-flight webhook processing finishes or hits its own deadline.
	gate.Wait()
}
