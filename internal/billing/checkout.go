package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/shopspring/decimal"
)

type CheckoutResult struct {
	PaymentID   string
	SessionID   string
	RedirectURL string
}

// CreateCheckout opens a hosted card checkout for the user and records the
// pending payment that its webhooks will later finalize.
func (s *Service) CreateCheckout(
	ctx context.Context,
	userID int,
	planRef string,
	paymentType domain.PaymentType) (*CheckoutResult, error) {

	validationErr := domain.NewValidationError()
	if strings.TrimSpace(planRef) == "" {
		validationErr.Add("planRef", "is required")
	}
	if !paymentType.Valid() {
		validationErr.Add("paymentType", "must be one of ONE_TIME, SUBSCRIPTION")
	}
	if !validationErr.Valid() {
		return nil, validationErr
	}

	user, err := s.users.GetById(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	customerID, err := s.resolveCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	paymentID := uuid.NewString()

	session, err := s.card.CreateCheckoutSession(ctx, domain.CheckoutRequest{
		PaymentID:  paymentID,
		User:       user,
		CustomerID: customerID,
		PriceRef:   planRef,
		Type:       paymentType,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	payment := &domain.Payment{
		ID:          paymentID,
		UserID:      user.ID,
		Amount:      decimal.Zero,
		Currency:    s.cfg.CardCurrency,
		Method:      domain.PaymentMethodCard,
		Type:        paymentType,
		Status:      domain.PaymentStatusPending,
		ExternalRef: session.ID,
		Metadata: []domain.AuditEvent{
			domain.NewAuditEvent(domain.AuditCreated, map[string]any{
				"planRef":    planRef,
				"type":       paymentType,
				"sessionId":  session.ID,
				"customerId": customerID,
			}),
		},
	}

	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("record checkout payment: %w", err)
	}

	s.logger.Info("checkout session created",
		"paymentId", paymentID,
		"userId", user.ID,
		"sessionId", session.ID,
		"type", paymentType,
	)

	return &CheckoutResult{
		PaymentID:   paymentID,
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

// resolveCustomer returns the user's card-processor customer, creating one when
// needed. A concurrent checkout may persist its customer first; that one wins.
func (s *Service) resolveCustomer(ctx context.Context, user *domain.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	created, err := s.card.CreateCustomer(ctx, user)
	if err != nil {
		return "", fmt.Errorf("create customer for user %d: %w", user.ID, err)
	}

	stored, err := s.users.SetStripeCustomerID(ctx, user.ID, created)
	if err != nil {
		return "", fmt.Errorf("persist customer for user %d: %w", user.ID, err)
	}

	if stored != created {
		s.logger.Warn("customer already persisted by a concurrent checkout",
			"userId", user.ID,
			"discardedCustomerId", created,
			"customerId", stored,
		)
	}

	return stored, nil
}
