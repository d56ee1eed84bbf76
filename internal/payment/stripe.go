package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

const stripeProviderName = "stripe"

// Metadata keys attached to every checkout session and the objects it spawns.
const (
	MetadataPaymentID = "payment_id"
	MetadataUserID    = "user_id"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type StripePaymentProvider struct {
	cfg StripeConfig
}

// NewStripePaymentProvider expects stripe.Key to be set by the caller.
func NewStripePaymentProvider(cfg StripeConfig) *StripePaymentProvider {
	return &StripePaymentProvider{
		cfg: cfg,
	}
}

func (s *StripePaymentProvider) CreateCustomer(ctx context.Context, user *domain.User) (string, error) {
	if s.cfg.SecretKey == "" {
		return "", fmt.Errorf("stripe secret key: %w", domain.ErrConfiguration)
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(strings.TrimSpace(user.FirstName + " " + user.LastName)),
		Metadata: map[string]string{
			MetadataUserID: strconv.Itoa(user.ID),
		},
	}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}

	return c.ID, nil
}

func (s *StripePaymentProvider) CreateCheckoutSession(
	ctx context.Context,
	req domain.CheckoutRequest) (*stripe.CheckoutSession, error) {

	if s.cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key: %w", domain.ErrConfiguration)
	}

	metadata := map[string]string{
		MetadataPaymentID: req.PaymentID,
		MetadataUserID:    strconv.Itoa(req.User.ID),
	}

	params := &stripe.CheckoutSessionParams{
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		Metadata:          metadata,
		ClientReferenceID: stripe.String(strconv.Itoa(req.User.ID)),
	}
	params.Context = ctx

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(req.User.Email)
	}

	switch req.Type {
	case domain.PaymentTypeSubscription:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		}
	default:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		}
	}

	cs, err := session.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	return cs, nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw payload
// before anything in it is trusted.
func (s *StripePaymentProvider) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if s.cfg.WebhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("stripe webhook secret: %w", domain.ErrConfiguration)
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	return event, nil
}

func (s *StripePaymentProvider) GetSubscriptionCustomer(ctx context.Context, subscriptionID string) (string, error) {
	if s.cfg.SecretKey == "" {
		return "", fmt.Errorf("stripe secret key: %w", domain.ErrConfiguration)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return "", mapStripeError(err)
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("subscription %s has no customer: %w", subscriptionID, domain.ErrRecordNotFound)
	}

	return sub.Customer.ID, nil
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", domain.ErrTransientProvider, err)
	}

	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.Type == stripe.ErrorTypeAPI {
		return fmt.Errorf("%w: %s", domain.ErrTransientProvider, stripeErr.Msg)
	}

	return &domain.ProviderError{
		Provider: stripeProviderName,
		Code:     string(stripeErr.Code),
		Message:  stripeErr.Msg,
	}
}
