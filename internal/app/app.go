package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/goredisstore"
	"github.com/alexedwards/scs/v2"
	"github.com/exaring/otelpgx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/metinatakli/premium-billing/internal/billing"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/entitlement"
	"github.com/metinatakli/premium-billing/internal/mailer"
	"github.com/metinatakli/premium-billing/internal/payment"
	"github.com/metinatakli/premium-billing/internal/repository"
	"github.com/metinatakli/premium-billing/internal/signing"
	appvalidator "github.com/metinatakli/premium-billing/internal/validator"
	"github.com/metinatakli/premium-billing/internal/vcs"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/riandyrn/otelchi"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

const serviceName = "premium-billing-api"

var (
	version = vcs.Version()
)

// BillingService is everything the HTTP layer needs from the billing core.
type BillingService interface {
	CreateCheckout(ctx context.Context, userID int, planRef string, paymentType domain.PaymentType) (*billing.CheckoutResult, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
	InitiateMobilePayment(ctx context.Context, userID int, amount decimal.Decimal, phoneNumber, description string) (*billing.MobileInitiation, error)
	HandleMobileCallback(ctx context.Context, raw []byte) (*billing.CallbackResult, error)
	QueryStatus(ctx context.Context, transactionID string, ownerUserID int) (*domain.Payment, error)
}

type Application struct {
	config         Config
	logger         *slog.Logger
	validator      *validator.Validate
	sessionManager *scs.SessionManager
	billing        BillingService
}

func NewApp(
	cfg Config,
	logger *slog.Logger,
	validator *validator.Validate,
	sessionManager *scs.SessionManager,
	billing BillingService) *Application {

	return &Application{
		config:         cfg,
		logger:         logger,
		validator:      validator,
		sessionManager: sessionManager,
		billing:        billing,
	}
}

func Run() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.DisplayVersion {
		fmt.Printf("Version:\t%s\n", version)
		return nil
	}

	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	shutdownTelemetry, err := app.InitTelemetry()
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	logger := app.logger

	stripe.Key = cfg.Stripe.SecretKey

	db, err := NewDatabasePool(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := NewRedisClient(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	signer, err := signing.NewSigner(cfg.Telebirr.PrivateKey, cfg.Telebirr.PublicKey)
	if err != nil {
		return err
	}

	userRepo := repository.NewPostgresUserRepository(db)

	entitlements := entitlement.NewManager(userRepo, logger, entitlement.WithMailer(
		mailer.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.Sender),
	))

	card, mobile := newPaymentProviders(cfg, signer)
	if cfg.UseMockProviders {
		logger.Warn("using mock payment providers")
	}

	billingService := billing.NewService(
		billing.Config{
			PremiumDays:    cfg.PremiumDays,
			CardCurrency:   cfg.Stripe.Currency,
			MobileCurrency: cfg.Telebirr.Currency,
		},
		logger,
		billing.Deps{
			Payments:     repository.NewPostgresPaymentRepository(db),
			Users:        userRepo,
			Events:       repository.NewPostgresProcessorEventRepository(db),
			Card:         card,
			Mobile:       mobile,
			Entitlements: entitlements,
		},
	)

	app = NewApp(cfg, logger, appvalidator.NewValidator(), NewSessionManager(redisClient), billingService)

	return app.run()
}

func newPaymentProviders(cfg Config, signer *signing.Signer) (domain.CardProvider, domain.MobileMoneyProvider) {
	if cfg.UseMockProviders {
		return payment.NewMockCardProvider(cfg.Stripe.WebhookSecret), payment.NewMockMobileProvider(signer)
	}

	card := payment.NewStripePaymentProvider(payment.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
	})

	mobile := payment.NewTelebirrPaymentProvider(payment.TelebirrConfig{
		BaseURL:        cfg.Telebirr.BaseURL,
		CheckoutURL:    cfg.Telebirr.CheckoutURL,
		AppID:          cfg.Telebirr.AppID,
		MerchantID:     cfg.Telebirr.MerchantID,
		ShortCode:      cfg.Telebirr.ShortCode,
		NotifyURL:      cfg.Telebirr.NotifyURL,
		TradeType:      cfg.Telebirr.TradeType,
		TimeoutExpress: cfg.Telebirr.TimeoutExpress,
		Timeout:        cfg.Telebirr.Timeout,
	}, signer)

	return card, mobile
}

func NewSessionManager(client *redis.Client) *scs.SessionManager {
	sessionManager := scs.New()

	sessionManager.Store = goredisstore.New(client)
	sessionManager.IdleTimeout = 20 * time.Minute
	sessionManager.Cookie.Name = "session_id"

	return sessionManager
}

func NewRedisClient(cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.URL,
		MaxIdleConns:    cfg.Redis.MaxIdleConns,
		MaxActiveConns:  cfg.Redis.MaxOpenConns,
		ConnMaxIdleTime: cfg.Redis.MaxIdleTime,
	})

	err := errors.Join(redisotel.InstrumentTracing(rdb), redisotel.InstrumentMetrics(rdb))
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("instrument redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = rdb.Ping(ctx).Err()
	if err != nil {
		rdb.Close()
		return nil, err
	}

	return rdb, nil
}

func NewDatabasePool(cfg Config) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return nil, err
	}

	config.MaxConnIdleTime = cfg.DB.MaxIdleTime
	config.MaxConns = int32(cfg.DB.MaxOpenConns)
	config.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = db.Ping(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (app *Application) run() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", app.config.Port),
		Handler:      app.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     slog.NewLogLogger(app.logger.Handler(), slog.LevelDebug),
	}

	shutdownError := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		app.logger.Info("shutting down server", "signal", s.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		shutdownError <- srv.Shutdown(ctx)
	}()

	app.logger.Info("starting server", "addr", srv.Addr, "env", app.config.Env, "version", version)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdownError
	if err != nil {
		return err
	}

	app.logger.Info("stopped server", "addr", srv.Addr)

	return nil
}

func (app *Application) Routes() http.Handler {
	r := chi.NewRouter()

	r.NotFound(app.notFoundResponse)
	r.MethodNotAllowed(app.methodNotAllowedResponse)

	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))
	r.Use(middleware.RequestID)
	r.Use(app.logRequest)
	r.Use(app.recoverPanic)

	r.Get("/healthcheck", app.GetHealth)

	// provider notifications authenticate by signature, not by session
	r.Post("/webhook", app.StripeWebhookHandler)
	r.Post("/payments/mobile/callback", app.MobileCallbackHandler)

	r.Group(func(r chi.Router) {
		r.Use(app.sessionManager.LoadAndSave)
		r.Use(app.requireAuthentication)

		r.Post("/checkout/session", app.CreateCheckoutSessionHandler)
		r.Post("/payments/mobile", app.InitiateMobilePaymentHandler)
		r.Get("/payments/mobile/{transactionId}/status", app.MobilePaymentStatusHandler)
	})

	return r
}
