// Package billing reconciles both payment rails into the payment ledger and
// applies entitlement changes for the payments it finalizes.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/metinatakli/premium-billing/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/metinatakli/premium-billing/internal/billing"

// Entitlements is the only way billing touches a user's premium window.
// Grant and Extend return domain.ErrEntitlementApplied when paymentID already
// granted premium.
type Entitlements interface {
	Grant(ctx context.Context, email string, days int, paymentID string) (*domain.User, error)
	Extend(ctx context.Context, email string, days int, paymentID string) (*domain.User, error)
	AttachSubscription(ctx context.Context, email, subscriptionRef string) (*domain.User, error)
	Revoke(ctx context.Context, email string) (*domain.User, error)
}

type Config struct {
	PremiumDays    int
	CardCurrency   string
	MobileCurrency string
}

func (c Config) withDefaults() Config {
	if c.PremiumDays <= 0 {
		c.PremiumDays = 30
	}
	if c.CardCurrency == "" {
		c.CardCurrency = "usd"
	}
	if c.MobileCurrency == "" {
		c.MobileCurrency = "ETB"
	}

	return c
}

type Deps struct {
	Payments     domain.PaymentRepository
	Users        domain.UserRepository
	Events       domain.ProcessorEventRepository
	Card         domain.CardProvider
	Mobile       domain.MobileMoneyProvider
	Entitlements Entitlements
}

type Service struct {
	cfg          Config
	logger       *slog.Logger
	payments     domain.PaymentRepository
	users        domain.UserRepository
	events       domain.ProcessorEventRepository
	card         domain.CardProvider
	mobile       domain.MobileMoneyProvider
	entitlements Entitlements
	metrics      *metrics
}

func NewService(cfg Config, logger *slog.Logger, deps Deps) *Service {
	return &Service{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		payments:     deps.Payments,
		users:        deps.Users,
		events:       deps.Events,
		card:         deps.Card,
		mobile:       deps.Mobile,
		entitlements: deps.Entitlements,
		metrics:      newMetrics(logger),
	}
}

type metrics struct {
	finalized  metric.Int64Counter
	duplicates metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter(meterName)

	finalized, err := meter.Int64Counter(
		"payments_finalized_total",
		metric.WithDescription("Payments moved to a terminal status"),
	)
	if err != nil {
		logger.Warn("failed to create payments_finalized_total counter", "error", err)
	}

	duplicates, err := meter.Int64Counter(
		"payments_duplicate_total",
		metric.WithDescription("Notifications that hit an already finalized payment"),
	)
	if err != nil {
		logger.Warn("failed to create payments_duplicate_total counter", "error", err)
	}

	return &metrics{finalized: finalized, duplicates: duplicates}
}

func (m *metrics) recordFinalized(ctx context.Context, method domain.PaymentMethod, status domain.PaymentStatus) {
	if m.finalized == nil {
		return
	}

	m.finalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", string(method)),
		attribute.String("status", string(status)),
	))
}

func (m *metrics) recordDuplicate(ctx context.Context, method domain.PaymentMethod) {
	if m.duplicates == nil {
		return
	}

	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
}

// finalize runs the ledger transition and keeps metrics in step with it.
func (s *Service) finalize(
	ctx context.Context,
	payment *domain.Payment,
	f domain.Finalization) (*domain.Payment, bool, error) {

	updated, transitioned, err := s.payments.Finalize(ctx, payment.ID, f)
	if err != nil {
		return nil, false, fmt.Errorf("finalize payment %s: %w", payment.ID, err)
	}

	if transitioned {
		s.metrics.recordFinalized(ctx, updated.Method, updated.Status)
		s.logger.Info("payment finalized",
			"paymentId", updated.ID,
			"method", updated.Method,
			"status", updated.Status,
			"failureReason", f.FailureReason,
		)
	} else {
		s.metrics.recordDuplicate(ctx, updated.Method)
	}

	return updated, transitioned, nil
}

// appendAudit never fails the caller; the trail is best effort outside of a
// transition, where it is written in the same transaction.
func (s *Service) appendAudit(ctx context.Context, paymentID string, kind domain.AuditKind, data any) {
	err := s.payments.AppendAudit(ctx, paymentID, domain.NewAuditEvent(kind, data))
	if err != nil {
		s.logger.Error("failed to append audit event", "paymentId", paymentID, "kind", kind, "error", err)
	}
}

// applyEntitlement runs fn against the payment owner's email. fn must tie its
// write to the payment so that it lands at most once; a write that was already
// made for the payment counts as success.
func (s *Service) applyEntitlement(
	ctx context.Context,
	payment *domain.Payment,
	action string,
	fn func(email string) (*domain.User, error)) error {

	user, err := s.users.GetById(ctx, payment.UserID)
	if err != nil {
		return fmt.Errorf("load owner of payment %s: %w", payment.ID, err)
	}

	updated, err := fn(user.Email)
	if errors.Is(err, domain.ErrEntitlementApplied) {
		s.logger.Info("entitlement already applied", "paymentId", payment.ID, "userId", user.ID, "action", action)
		return nil
	}
	if err != nil {
		s.logger.Error("entitlement update failed after payment was finalized",
			"paymentId", payment.ID,
			"userId", user.ID,
			"action", action,
			"error", err,
		)
		return fmt.Errorf("%s entitlement for payment %s: %w", action, payment.ID, err)
	}

	s.logger.Info("entitlement updated",
		"paymentId", payment.ID,
		"userId", updated.ID,
		"action", action,
		"premiumExpires", updated.PremiumExpires,
		"role", updated.Role,
	)

	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrRecordNotFound)
}
