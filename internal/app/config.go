package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	Env      string
	DB       DBConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	Stripe   StripeConfig
	Telebirr TelebirrConfig

	PremiumDays int
	// UseMockProviders swaps both payment rails for local fakes. Refused in prod.
	UseMockProviders bool
	OtelCollectorUrl string

	DisplayVersion bool
}

type DBConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleTime  time.Duration
}

type RedisConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
}

type TelebirrConfig struct {
	BaseURL        string
	CheckoutURL    string
	AppID          string
	MerchantID     string
	ShortCode      string
	NotifyURL      string
	TradeType      string
	TimeoutExpress string
	PrivateKey     string
	PublicKey      string
	Currency       string
	Timeout        time.Duration
}

// ParseConfig reads the command line. Every flag defaults to its environment
// variable so that a .env file or the container environment can configure the
// server without arguments.
func ParseConfig(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("api", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "port", envInt("PORT", 3000), "server port")
	fs.StringVar(&cfg.Env, "env", envString("ENV", "dev"), "Environment (dev|staging|prod)")

	fs.StringVar(&cfg.DB.DSN, "db-dsn", envString("DB_DSN", ""), "PostgreSQL DSN")
	fs.IntVar(&cfg.DB.MaxOpenConns, "db-max-open-conns", envInt("DB_MAX_OPEN_CONNS", 25), "PostgreSQL max open connections")
	fs.DurationVar(&cfg.DB.MaxIdleTime, "db-max-idle-time", envDuration("DB_MAX_IDLE_TIME", 15*time.Minute), "PostgreSQL max idle time for connections")

	fs.StringVar(&cfg.Redis.URL, "redis-url", envString("REDIS_URL", ""), "Redis URL")
	fs.IntVar(&cfg.Redis.MaxOpenConns, "redis-max-open-conns", envInt("REDIS_MAX_OPEN_CONNS", 25), "Redis max open connections")
	fs.IntVar(&cfg.Redis.MaxIdleConns, "redis-max-idle-conns", envInt("REDIS_MAX_IDLE_CONNS", 10), "Redis max idle connections")
	fs.DurationVar(&cfg.Redis.MaxIdleTime, "redis-max-idle-time", envDuration("REDIS_MAX_IDLE_TIME", 2*time.Minute), "Redis max idle time for connections")

	fs.StringVar(&cfg.SMTP.Host, "smtp-host", envString("SMTP_HOST", "sandbox.smtp.mailtrap.io"), "SMTP host")
	fs.IntVar(&cfg.SMTP.Port, "smtp-port", envInt("SMTP_PORT", 2525), "SMTP port")
	fs.StringVar(&cfg.SMTP.Username, "smtp-username", envString("SMTP_USERNAME", ""), "SMTP username")
	fs.StringVar(&cfg.SMTP.Password, "smtp-password", envString("SMTP_PASSWORD", ""), "SMTP password")
	fs.StringVar(&cfg.SMTP.Sender, "smtp-sender", envString("SMTP_SENDER", "Premium <no-reply@example.com>"), "SMTP sender")

	fs.StringVar(&cfg.Stripe.SecretKey, "stripe-key", envString("STRIPE_SECRET_KEY", ""), "Stripe secret key")
	fs.StringVar(&cfg.Stripe.WebhookSecret, "stripe-webhook-secret", envString("STRIPE_WEBHOOK_SECRET", ""), "Stripe webhook secret")
	fs.StringVar(&cfg.Stripe.SuccessURL, "stripe-success-url", envString("STRIPE_SUCCESS_URL", "https://example.com/success.html"), "Stripe payment success page")
	fs.StringVar(&cfg.Stripe.CancelURL, "stripe-cancel-url", envString("STRIPE_CANCEL_URL", "https://example.com/cancel.html"), "Stripe payment cancel page")
	fs.StringVar(&cfg.Stripe.Currency, "stripe-currency", envString("STRIPE_CURRENCY", "usd"), "Currency of card payments")

	fs.StringVar(&cfg.Telebirr.BaseURL, "telebirr-base-url", envString("TELEBIRR_BASE_URL", ""), "Telebirr API base URL")
	fs.StringVar(&cfg.Telebirr.CheckoutURL, "telebirr-checkout-url", envString("TELEBIRR_CHECKOUT_URL", ""), "Telebirr hosted checkout URL")
	fs.StringVar(&cfg.Telebirr.AppID, "telebirr-app-id", envString("TELEBIRR_APP_ID", ""), "Telebirr app id")
	fs.StringVar(&cfg.Telebirr.MerchantID, "telebirr-merchant-id", envString("TELEBIRR_MERCHANT_ID", ""), "Telebirr merchant id")
	fs.StringVar(&cfg.Telebirr.ShortCode, "telebirr-short-code", envString("TELEBIRR_SHORT_CODE", ""), "Telebirr merchant short code")
	fs.StringVar(&cfg.Telebirr.NotifyURL, "telebirr-notify-url", envString("TELEBIRR_NOTIFY_URL", ""), "Public URL of the mobile callback endpoint")
	fs.StringVar(&cfg.Telebirr.TradeType, "telebirr-trade-type", envString("TELEBIRR_TRADE_TYPE", "Checkout"), "Telebirr trade type")
	fs.StringVar(&cfg.Telebirr.TimeoutExpress, "telebirr-timeout-express", envString("TELEBIRR_TIMEOUT_EXPRESS", "120m"), "Telebirr order expiry")
	fs.StringVar(&cfg.Telebirr.PrivateKey, "telebirr-private-key", envString("TELEBIRR_PRIVATE_KEY", ""), "Merchant RSA private key (PEM or base64)")
	fs.StringVar(&cfg.Telebirr.PublicKey, "telebirr-public-key", envString("TELEBIRR_PUBLIC_KEY", ""), "Telebirr RSA public key (PEM or base64)")
	fs.StringVar(&cfg.Telebirr.Currency, "telebirr-currency", envString("TELEBIRR_CURRENCY", "ETB"), "Currency of mobile-money payments")
	fs.DurationVar(&cfg.Telebirr.Timeout, "telebirr-timeout", envDuration("TELEBIRR_TIMEOUT", 15*time.Second), "Telebirr request timeout")

	fs.IntVar(&cfg.PremiumDays, "premium-days", envInt("PREMIUM_DAYS", 30), "Days of premium granted per payment")
	fs.BoolVar(&cfg.UseMockProviders, "mock-providers", envBool("MOCK_PROVIDERS", false), "Use local fake payment providers")
	fs.StringVar(&cfg.OtelCollectorUrl, "otel-collector-url", envString("OTEL_COLLECTOR_URL", ""), "OpenTelemetry collector gRPC endpoint")

	fs.BoolVar(&cfg.DisplayVersion, "version", false, "Display version and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every problem at once. Outside prod missing credentials are
// tolerated because each rail fails closed on its own.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}

	switch c.Env {
	case "dev", "staging", "prod":
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Env))
	}

	if c.PremiumDays <= 0 {
		errs = append(errs, errors.New("premium days must be positive"))
	}

	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db-dsn is required"))
	}

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis-url is required"))
	}

	if c.Env != "prod" {
		return errors.Join(errs...)
	}

	if c.UseMockProviders {
		errs = append(errs, errors.New("mock providers cannot be used in prod"))
	}

	required := []struct {
		flag  string
		value string
	}{
		{"stripe-key", c.Stripe.SecretKey},
		{"stripe-webhook-secret", c.Stripe.WebhookSecret},
		{"telebirr-base-url", c.Telebirr.BaseURL},
		{"telebirr-app-id", c.Telebirr.AppID},
		{"telebirr-merchant-id", c.Telebirr.MerchantID},
		{"telebirr-short-code", c.Telebirr.ShortCode},
		{"telebirr-notify-url", c.Telebirr.NotifyURL},
		{"telebirr-private-key", c.Telebirr.PrivateKey},
		{"telebirr-public-key", c.Telebirr.PublicKey},
	}

	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required in prod", r.flag))
		}
	}

	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(envString(key, ""))
	if err != nil {
		return def
	}

	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(envString(key, ""))
	if err != nil {
		return def
	}

	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(envString(key, ""))
	if err != nil {
		return def
	}

	return v
}
