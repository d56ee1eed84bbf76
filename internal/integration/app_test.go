package integration_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metinatakli/premium-billing/internal/app"
	"github.com/metinatakli/premium-billing/internal/billing"
	"github.com/metinatakli/premium-billing/internal/entitlement"
	"github.com/metinatakli/premium-billing/internal/mailer"
	"github.com/metinatakli/premium-billing/internal/payment"
	"github.com/metinatakli/premium-billing/internal/repository"
	"github.com/metinatakli/premium-billing/internal/signing"
	appvalidator "github.com/metinatakli/premium-billing/internal/validator"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type TestApp struct {
	App            *app.Application
	DB             *pgxpool.Pool
	RedisClient    *redis.Client
	SessionManager *scs.SessionManager
	Mailer         *mailer.MockMailer

	Payments *repository.PostgresPaymentRepository
	Users    *repository.PostgresUserRepository
	Events   *repository.PostgresProcessorEventRepository

	CardProvider   *payment.MockCardProvider
	MobileProvider *payment.MockMobileProvider
	// Signer holds one key pair standing in for both the merchant and the
	// mobile-money provider, so tests can sign callbacks the service accepts.
	Signer *signing.Signer
}

func newTestApp(cfg app.Config) (*TestApp, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	validator := appvalidator.NewValidator()
	mockMailer := mailer.NewMockMailer()

	privateKey, publicKey, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	signer, err := signing.NewSigner(privateKey, publicKey)
	if err != nil {
		return nil, err
	}

	db, err := app.NewDatabasePool(cfg)
	if err != nil {
		return nil, err
	}

	redisClient, err := app.NewRedisClient(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessionManager := app.NewSessionManager(redisClient)

	paymentRepo := repository.NewPostgresPaymentRepository(db)
	userRepo := repository.NewPostgresUserRepository(db)
	eventRepo := repository.NewPostgresProcessorEventRepository(db)

	cardProvider := payment.NewMockCardProvider(cfg.Stripe.WebhookSecret)
	mobileProvider := payment.NewMockMobileProvider(signer)

	billingService := billing.NewService(
		billing.Config{
			PremiumDays:    cfg.PremiumDays,
			CardCurrency:   cfg.Stripe.Currency,
			MobileCurrency: cfg.Telebirr.Currency,
		},
		logger,
		billing.Deps{
			Payments:     paymentRepo,
			Users:        userRepo,
			Events:       eventRepo,
			Card:         cardProvider,
			Mobile:       mobileProvider,
			Entitlements: entitlement.NewManager(userRepo, logger, entitlement.WithMailer(mockMailer)),
		},
	)

	application := app.NewApp(
		cfg,
		logger,
		validator,
		sessionManager,
		billingService,
	)

	return &TestApp{
		App:            application,
		DB:             db,
		RedisClient:    redisClient,
		SessionManager: sessionManager,
		Mailer:         mockMailer,
		Payments:       paymentRepo,
		Users:          userRepo,
		Events:         eventRepo,
		CardProvider:   cardProvider,
		MobileProvider: mobileProvider,
		Signer:         signer,
	}, nil
}

func (a *TestApp) Close() {
	a.RedisClient.Close()
	a.DB.Close()
}

// authenticatedUserCookies stores a session for userID in Redis and returns
// the cookie a signed-in browser would send.
func (a *TestApp) authenticatedUserCookies(t testing.TB, userID int) []http.Cookie {
	t.Helper()

	ctx, err := a.SessionManager.Load(context.Background(), "")
	require.NoError(t, err)

	a.SessionManager.Put(ctx, app.SessionKeyUserId.String(), userID)

	token, _, err := a.SessionManager.Commit(ctx)
	require.NoError(t, err)

	return []http.Cookie{{Name: a.SessionManager.Cookie.Name, Value: token}}
}

func generateKeyPair() (string, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	return string(privatePEM), string(publicPEM), nil
}
