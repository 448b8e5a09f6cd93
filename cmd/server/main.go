package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"faregate/cmd/server/config"
	"faregate/internal/account"
	"faregate/internal/bus"
	accountsdb "faregate/internal/db/accounts"
	journeysdb "faregate/internal/db/journeys"
	paymentsdb "faregate/internal/db/payments"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/holdstore"
	"faregate/internal/httpapi"
	"faregate/internal/idempotency"
	"faregate/internal/intent"
	"faregate/internal/inventory"
	"faregate/internal/journey"
	"faregate/internal/notify"
	"faregate/internal/observability"
	"faregate/internal/otp"
	"faregate/internal/payment"
	"faregate/internal/realtime"
	"faregate/internal/reliability"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisClient, err := buildRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()

	databaseURL, err := config.GetDatabaseURL()
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db: %v", err)
		}
	}()

	accounts, err := accountsdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	trips, err := tripsdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	payments, err := paymentsdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	journeys, err := journeysdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	amqpCfg, err := config.LoadAMQP()
	if err != nil {
		return err
	}
	broker, err := bus.DialAMQP(bus.AMQPConfig{
		URL:      amqpCfg.URL,
		Exchange: amqpCfg.Exchange,
		Prefetch: amqpCfg.Prefetch,
		Logf:     log.Printf,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Printf("close broker: %v", err)
		}
	}()

	pubCfg, err := config.LoadPublish()
	if err != nil {
		return err
	}
	pub := reliability.NewPublisher(
		broker,
		reliability.NewRateLimiter(pubCfg.RateLimitInterval, pubCfg.RateLimitBurst),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  pubCfg.BreakerMaxFailures,
			ResetTimeout: pubCfg.BreakerResetTimeout,
		}),
		reliability.RetryPolicy{
			MaxAttempts: pubCfg.RetryMaxAttempts,
			BaseDelay:   pubCfg.RetryBaseDelay,
			MaxDelay:    pubCfg.RetryMaxDelay,
		},
		metrics,
	)

	// The participants and orchestrator are wired through late-bound
	// callbacks: the stores fire expiry/abandonment hooks into components
	// constructed after them.
	var accountPart *account.Participant
	var inventoryPart *inventory.Participant
	var orch *payment.Orchestrator

	balanceHolds := holdstore.NewStore(redisClient, "balance",
		holdstore.WithAnomalyHook(metrics.Anomaly),
		holdstore.WithExpiredFunc(func(ctx context.Context, resourceID, paymentID string, amount int64) {
			accountPart.OnHoldExpired(ctx, resourceID, paymentID, amount)
		}),
	)
	seatLocks := holdstore.NewStore(redisClient, "seats",
		holdstore.WithAnomalyHook(metrics.Anomaly),
		holdstore.WithExpiredFunc(func(ctx context.Context, resourceID, paymentID string, amount int64) {
			inventoryPart.OnLockExpired(ctx, resourceID, paymentID, amount)
		}),
	)
	intents := intent.NewStore(redisClient,
		intent.WithAbandonedFunc(func(ctx context.Context, it intent.Intent) {
			orch.OnAbandoned(ctx, it)
		}),
	)
	idem := idempotency.NewCache(redisClient, idempotency.DefaultTTL)

	hub := realtime.NewHub()
	go hub.Run()

	accountPart = account.NewParticipant(accounts, balanceHolds, pub, account.WithHoldTTL(sagaCfg.HoldTTL))
	inventoryPart = inventory.NewParticipant(trips, seatLocks, pub, inventory.WithLockTTL(sagaCfg.HoldTTL))
	orch = payment.NewOrchestrator(intents, payments, pub,
		payment.WithBroadcaster(hub),
		payment.WithMetrics(metrics),
	)
	notifyCfg, err := config.LoadNotify()
	if err != nil {
		return err
	}
	var messages notify.Sender = notify.LogSender{}
	if notifyCfg.URL != "" {
		messages = notify.RetrySender{
			Base: notify.HTTPSender{
				URL:    notifyCfg.URL,
				Client: &http.Client{Timeout: notifyCfg.Timeout},
			},
			Retry: reliability.RetryPolicy{
				MaxAttempts: pubCfg.RetryMaxAttempts,
				BaseDelay:   pubCfg.RetryBaseDelay,
				MaxDelay:    pubCfg.RetryMaxDelay,
			},
		}
	}
	otpSvc := otp.NewService(redisClient, pub,
		otp.WithTTL(sagaCfg.OTPTTL),
		otp.WithSender(codeSender{messages: messages}),
	)
	notifier := notify.NewNotifier(messages)
	paySvc := payment.NewService(intents, payments, trips, idem, pub, payment.WithIntentTTL(sagaCfg.IntentTTL))
	journeySvc := journey.NewService(journeys, accounts, balanceHolds, journey.Config{})

	supervise(ctx, "account-consumer", func(ctx context.Context) error {
		return accountPart.Register(ctx, broker)
	})
	supervise(ctx, "inventory-consumer", func(ctx context.Context) error {
		return inventoryPart.Register(ctx, broker)
	})
	supervise(ctx, "orchestrator-consumer", func(ctx context.Context) error {
		return orch.Register(ctx, broker)
	})
	supervise(ctx, "otp-consumer", func(ctx context.Context) error {
		return otpSvc.Register(ctx, broker)
	})
	supervise(ctx, "notify-consumer", func(ctx context.Context) error {
		return notifier.Register(ctx, broker)
	})

	go runSweeps(ctx, sagaCfg.SweepInterval, balanceHolds, seatLocks, intents, otpSvc, journeySvc)

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	api := httpapi.NewServer(paySvc, otpSvc, accounts, trips, journeySvc, balanceHolds,
		httpapi.WithHub(hub),
		httpapi.WithMetrics(metrics),
		httpapi.WithRateLimit(reliability.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst)),
	)
	srv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API server listening on %s", httpCfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		metrics.MarkShutdown(0)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// codeSender delivers OTP codes to the rider through the same channel as the
// other notifications.
type codeSender struct {
	messages notify.Sender
}

func (s codeSender) SendCode(ctx context.Context, email, paymentID, code string) error {
	body := fmt.Sprintf("Your verification code for payment %s is %s. It expires shortly.", paymentID, code)
	return s.messages.Send(ctx, email, "Confirm your payment", body)
}

// supervise runs a consumer loop in its own goroutine, restarting it with a
// short delay when the broker connection drops. Exits with ctx.
func supervise(ctx context.Context, name string, fn func(context.Context) error) {
	go func() {
		for {
			err := fn(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Printf("%s stopped: %v, restarting", name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()
}

// runSweeps periodically reconciles expired holds, abandoned intents, expired
// OTP codes and stale journeys.
func runSweeps(ctx context.Context, interval time.Duration, balanceHolds, seatLocks *holdstore.Store, intents *intent.Store, otpSvc *otp.Service, journeySvc *journey.Service) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := balanceHolds.Sweep(ctx); err != nil {
				log.Printf("balance hold sweep: %v", err)
			}
			if _, err := seatLocks.Sweep(ctx); err != nil {
				log.Printf("seat lock sweep: %v", err)
			}
			if _, err := otpSvc.SweepExpired(ctx); err != nil {
				log.Printf("otp sweep: %v", err)
			}
			if _, err := intents.SweepAbandoned(ctx); err != nil {
				log.Printf("intent sweep: %v", err)
			}
			if _, err := journeySvc.CloseStale(ctx); err != nil {
				log.Printf("journey sweep: %v", err)
			}
		}
	}
}
