package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

const stripeProvider = "stripe"

const (
	eventCheckoutSessionCompleted    = "checkout.session.completed"
	eventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	eventInvoicePaymentFailed        = "invoice.payment_failed"
	eventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	eventPaymentIntentSucceeded      = "payment_intent.succeeded"

	metadataPaymentID = "payment_id"
)

type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
}

// HandleStripeWebhook verifies a card-processor notification, records it and
// applies it to the ledger. Events that were already processed are reported
// as duplicates without touching anything.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := s.card.ConstructEvent(payload, signature)
	if err != nil {
		return nil, err
	}

	result := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	created, stored, err := s.events.Record(ctx, &domain.ProcessorEvent{
		Provider:  stripeProvider,
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", event.ID, err)
	}

	if !created && stored.ProcessedAt != nil {
		s.logger.Info("duplicate webhook delivery", "eventId", event.ID, "eventType", event.Type)
		result.Duplicate = true
		return result, nil
	}

	ignored, handleErr := s.dispatchStripeEvent(ctx, event)
	result.Ignored = ignored

	if err := s.events.MarkProcessed(ctx, stored.ID, handleErr); err != nil {
		s.logger.Error("failed to mark webhook event processed", "eventId", event.ID, "error", err)
	}

	if handleErr != nil {
		return nil, fmt.Errorf("handle %s event %s: %w", event.Type, event.ID, handleErr)
	}

	return result, nil
}

func (s *Service) dispatchStripeEvent(ctx context.Context, event stripe.Event) (bool, error) {
	if event.Data == nil {
		return false, fmt.Errorf("%w: event has no data", domain.ErrValidation)
	}

	switch string(event.Type) {
	case eventCheckoutSessionCompleted:
		return false, s.handleCheckoutCompleted(ctx, event)
	case eventInvoicePaymentSucceeded, eventInvoicePaymentFailed:
		return false, s.handleInvoice(ctx, event)
	case eventCustomerSubscriptionDeleted:
		return false, s.handleSubscriptionDeleted(ctx, event)
	case eventPaymentIntentSucceeded:
		return false, s.handlePaymentIntentSucceeded(ctx, event)
	default:
		s.logger.Debug("ignoring webhook event", "eventId", event.ID, "eventType", event.Type)
		return true, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: decode checkout session: %v", domain.ErrValidation, err)
	}

	payment, err := s.findCheckoutPayment(ctx, &session)
	if err != nil {
		return err
	}

	received := map[string]any{
		"eventId":       event.ID,
		"eventType":     event.Type,
		"sessionId":     session.ID,
		"paymentStatus": session.PaymentStatus,
		"amountTotal":   session.AmountTotal,
		"currency":      session.Currency,
	}
	s.appendAudit(ctx, payment.ID, domain.AuditWebhookReceived, received)

	// delayed payment methods complete the session before the money moves
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		s.logger.Info("checkout completed without payment, waiting", "paymentId", payment.ID, "sessionId", session.ID)
		return nil
	}

	var subscriptionID string
	providerRef := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
		providerRef = subscriptionID
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		providerRef = session.PaymentIntent.ID
	}

	amount := minorUnits(session.AmountTotal)

	updated, _, err := s.finalize(ctx, payment, domain.Finalization{
		Status:      domain.PaymentStatusCompleted,
		Amount:      &amount,
		Currency:    string(session.Currency),
		ProviderRef: providerRef,
		Event:       domain.NewAuditEvent(domain.AuditFinalized, received),
	})
	if err != nil {
		return err
	}
	if !updated.EntitlementOwed() {
		return nil
	}

	if updated.Type == domain.PaymentTypeSubscription {
		return s.applyEntitlement(ctx, updated, "grant", func(email string) (*domain.User, error) {
			if subscriptionID != "" {
				if _, err := s.entitlements.AttachSubscription(ctx, email, subscriptionID); err != nil {
					return nil, err
				}
			}
			return s.entitlements.Grant(ctx, email, s.cfg.PremiumDays, updated.ID)
		})
	}

	return s.applyEntitlement(ctx, updated, "extend", func(email string) (*domain.User, error) {
		return s.entitlements.Extend(ctx, email, s.cfg.PremiumDays, updated.ID)
	})
}

func (s *Service) findCheckoutPayment(ctx context.Context, session *stripe.CheckoutSession) (*domain.Payment, error) {
	payment, err := s.payments.GetByExternalRef(ctx, domain.PaymentMethodCard, session.ID)
	if err == nil {
		return payment, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("find payment for session %s: %w", session.ID, err)
	}

	paymentID := session.Metadata[metadataPaymentID]
	if paymentID == "" {
		return nil, fmt.Errorf("payment for session %s: %w", session.ID, domain.ErrRecordNotFound)
	}

	payment, err = s.payments.GetById(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment %s for session %s: %w", paymentID, session.ID, err)
	}

	return payment, nil
}

func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("%w: decode payment intent: %v", domain.ErrValidation, err)
	}

	payment, err := s.findIntentPayment(ctx, &intent)
	if err != nil {
		if isNotFound(err) {
			// intents created by invoices carry no payment id; the invoice event covers them
			s.logger.Debug("no payment for payment intent", "paymentIntentId", intent.ID)
			return nil
		}
		return err
	}

	received := map[string]any{
		"eventId":         event.ID,
		"eventType":       event.Type,
		"paymentIntentId": intent.ID,
		"amountReceived":  intent.AmountReceived,
		"currency":        intent.Currency,
	}
	s.appendAudit(ctx, payment.ID, domain.AuditWebhookReceived, received)

	paid := intent.AmountReceived
	if paid == 0 {
		paid = intent.Amount
	}
	amount := minorUnits(paid)

	updated, _, err := s.finalize(ctx, payment, domain.Finalization{
		Status:      domain.PaymentStatusCompleted,
		Amount:      &amount,
		Currency:    string(intent.Currency),
		ProviderRef: intent.ID,
		Event:       domain.NewAuditEvent(domain.AuditFinalized, received),
	})
	if err != nil {
		return err
	}
	if !updated.EntitlementOwed() {
		return nil
	}

	if updated.Type == domain.PaymentTypeSubscription {
		return s.applyEntitlement(ctx, updated, "grant", func(email string) (*domain.User, error) {
			return s.entitlements.Grant(ctx, email, s.cfg.PremiumDays, updated.ID)
		})
	}

	return s.applyEntitlement(ctx, updated, "extend", func(email string) (*domain.User, error) {
		return s.entitlements.Extend(ctx, email, s.cfg.PremiumDays, updated.ID)
	})
}

func (s *Service) findIntentPayment(ctx context.Context, intent *stripe.PaymentIntent) (*domain.Payment, error) {
	if paymentID := intent.Metadata[metadataPaymentID]; paymentID != "" {
		payment, err := s.payments.GetById(ctx, paymentID)
		if err == nil {
			return payment, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("payment %s for intent %s: %w", paymentID, intent.ID, err)
		}
	}

	payment, err := s.payments.GetByExternalRef(ctx, domain.PaymentMethodCard, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("payment for intent %s: %w", intent.ID, err)
	}

	return payment, nil
}

// stripeRef decodes an expandable field that is either an id or an object.
type stripeRef struct {
	ID string
}

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}

	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	r.ID = object.ID

	return nil
}

// stripeInvoice holds the invoice fields billing needs. The subscription moved
// under parent.subscription_details in newer API versions; both are read.
type stripeInvoice struct {
	ID           string    `json:"id"`
	Customer     stripeRef `json:"customer"`
	Subscription stripeRef `json:"subscription"`
	AmountDue    int64     `json:"amount_due"`
	AmountPaid   int64     `json:"amount_paid"`
	Currency     string    `json:"currency"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription.ID != "" {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}

	return inv.Subscription.ID
}

func (s *Service) handleInvoice(ctx context.Context, event stripe.Event) error {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: decode invoice: %v", domain.ErrValidation, err)
	}
	if invoice.ID == "" {
		return fmt.Errorf("%w: invoice has no id", domain.ErrValidation)
	}

	subscriptionID := invoice.subscriptionID()

	user, err := s.resolveInvoiceUser(ctx, &invoice, subscriptionID)
	if err != nil {
		return err
	}

	payment, err := s.ensureInvoicePayment(ctx, &invoice, user, subscriptionID)
	if err != nil {
		return err
	}

	succeeded := string(event.Type) == eventInvoicePaymentSucceeded

	received := map[string]any{
		"eventId":        event.ID,
		"eventType":      event.Type,
		"invoiceId":      invoice.ID,
		"subscriptionId": subscriptionID,
		"amountPaid":     invoice.AmountPaid,
		"amountDue":      invoice.AmountDue,
		"currency":       invoice.Currency,
	}
	s.appendAudit(ctx, payment.ID, domain.AuditWebhookReceived, received)

	if !succeeded {
		_, _, err := s.finalize(ctx, payment, domain.Finalization{
			Status:        domain.PaymentStatusFailed,
			ProviderRef:   subscriptionID,
			FailureReason: domain.FailureInvoicePaymentFailed,
			Event:         domain.NewAuditEvent(domain.AuditFinalized, received),
		})
		return err
	}

	amount := minorUnits(invoice.AmountPaid)

	updated, _, err := s.finalize(ctx, payment, domain.Finalization{
		Status:      domain.PaymentStatusCompleted,
		Amount:      &amount,
		Currency:    invoice.Currency,
		ProviderRef: subscriptionID,
		Event:       domain.NewAuditEvent(domain.AuditFinalized, received),
	})
	if err != nil {
		return err
	}
	if !updated.EntitlementOwed() {
		return nil
	}

	return s.applyEntitlement(ctx, updated, "grant", func(email string) (*domain.User, error) {
		if subscriptionID != "" && user.ProviderSubscriptionRef == nil {
			if _, err := s.entitlements.AttachSubscription(ctx, email, subscriptionID); err != nil {
				return nil, err
			}
		}
		return s.entitlements.Grant(ctx, email, s.cfg.PremiumDays, updated.ID)
	})
}

func (s *Service) resolveInvoiceUser(
	ctx context.Context,
	invoice *stripeInvoice,
	subscriptionID string) (*domain.User, error) {

	customerID := invoice.Customer.ID
	if customerID == "" && subscriptionID != "" {
		id, err := s.card.GetSubscriptionCustomer(ctx, subscriptionID)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("customer of subscription %s: %w", subscriptionID, err)
		}
		customerID = id
	}

	if customerID != "" {
		user, err := s.users.GetByStripeCustomerID(ctx, customerID)
		if err == nil {
			return user, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("user for customer %s: %w", customerID, err)
		}
	}

	if subscriptionID == "" {
		return nil, fmt.Errorf("user for invoice %s: %w", invoice.ID, domain.ErrRecordNotFound)
	}

	user, err := s.users.GetBySubscriptionRef(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("user for subscription %s: %w", subscriptionID, err)
	}

	return user, nil
}

// ensureInvoicePayment returns the ledger row of an invoice, creating it when
// the invoice is seen for the first time.
func (s *Service) ensureInvoicePayment(
	ctx context.Context,
	invoice *stripeInvoice,
	user *domain.User,
	subscriptionID string) (*domain.Payment, error) {

	payment, err := s.payments.GetByExternalRef(ctx, domain.PaymentMethodCard, invoice.ID)
	if err == nil {
		return payment, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("find payment for invoice %s: %w", invoice.ID, err)
	}

	payment = &domain.Payment{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Amount:      minorUnits(invoice.AmountDue),
		Currency:    invoice.Currency,
		Method:      domain.PaymentMethodCard,
		Type:        domain.PaymentTypeSubscription,
		Status:      domain.PaymentStatusPending,
		ExternalRef: invoice.ID,
		Metadata: []domain.AuditEvent{
			domain.NewAuditEvent(domain.AuditCreated, map[string]any{
				"invoiceId":      invoice.ID,
				"subscriptionId": subscriptionID,
				"customerId":     invoice.Customer.ID,
			}),
		},
	}

	err = s.payments.Create(ctx, payment)
	if errors.Is(err, domain.ErrDuplicateRecord) {
		// a concurrent delivery of the same invoice created it first
		return s.payments.GetByExternalRef(ctx, domain.PaymentMethodCard, invoice.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("record payment for invoice %s: %w", invoice.ID, err)
	}

	return payment, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("%w: decode subscription: %v", domain.ErrValidation, err)
	}

	user, err := s.users.GetBySubscriptionRef(ctx, subscription.ID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("user for subscription %s: %w", subscription.ID, err)
	}

	if user == nil && subscription.Customer != nil && subscription.Customer.ID != "" {
		user, err = s.users.GetByStripeCustomerID(ctx, subscription.Customer.ID)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("user for customer %s: %w", subscription.Customer.ID, err)
		}

		// the customer has moved on to another subscription
		if user != nil && user.ProviderSubscriptionRef != nil && *user.ProviderSubscriptionRef != subscription.ID {
			s.logger.Info("ignoring deletion of a replaced subscription",
				"subscriptionId", subscription.ID,
				"userId", user.ID,
			)
			return nil
		}
	}

	if user == nil {
		s.logger.Warn("no user for deleted subscription", "subscriptionId", subscription.ID)
		return nil
	}

	updated, err := s.entitlements.Revoke(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("revoke subscription %s: %w", subscription.ID, err)
	}

	s.logger.Info("subscription revoked",
		"subscriptionId", subscription.ID,
		"userId", updated.ID,
		"role", updated.Role,
	)

	return nil
}

// minorUnits converts a processor amount in the currency's minor unit.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
