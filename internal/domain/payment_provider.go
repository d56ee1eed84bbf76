package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

type CheckoutRequest struct {
	PaymentID  string
	User       *User
	CustomerID string
	PriceRef   string
	Type       PaymentType
}

// CardProvider is the hosted-checkout card processor.
type CardProvider interface {
	CreateCustomer(ctx context.Context, user *User) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripe.CheckoutSession, error)
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
	GetSubscriptionCustomer(ctx context.Context, subscriptionID string) (string, error)
}

type MobilePaymentRequest struct {
	OutTradeNo  string
	Amount      decimal.Decimal
	PhoneNumber string
	Subject     string
}

type MobilePaymentResponse struct {
	// SignedFields are the exact fields that were signed and posted.
	SignedFields   map[string]any
	TransactionNo  string
	RedirectURL    string
	ProviderStatus string
}

type MobileQueryStatus string

const (
	MobileQueryPending   MobileQueryStatus = "pending"
	MobileQueryCompleted MobileQueryStatus = "completed"
	MobileQueryFailed    MobileQueryStatus = "failed"
)

type MobileQueryResult struct {
	Status        MobileQueryStatus
	RawStatus     string
	TransactionNo string
	Amount        decimal.Decimal
	Message       string
}

// MobileMoneyProvider is the signed-API mobile-money processor.
type MobileMoneyProvider interface {
	// Configured reports ErrConfiguration when credentials or keys are missing.
	Configured() error
	Initiate(ctx context.Context, req MobilePaymentRequest) (*MobilePaymentResponse, error)
	Query(ctx context.Context, outTradeNo string) (*MobileQueryResult, error)
	VerifyCallback(fields map[string]any, signature string) error
}
