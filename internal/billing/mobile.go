package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/validator"
	"github.com/shopspring/decimal"
)

const defaultMobileSubject = "Premium membership"

type MobileInitiation struct {
	PaymentID     string
	TransactionID string
	ProviderRef   string
	RedirectURL   string
}

// InitiateMobilePayment records a pending mobile-money payment and asks the
// provider to collect it from the given phone number.
func (s *Service) InitiateMobilePayment(
	ctx context.Context,
	userID int,
	amount decimal.Decimal,
	phoneNumber string,
	description string) (*MobileInitiation, error) {

	validationErr := domain.NewValidationError()
	if !amount.IsPositive() {
		validationErr.Add("amount", "must be greater than 0")
	}
	phone, ok := validator.NormalizeEthiopianPhone(phoneNumber)
	if !ok {
		validationErr.Add("phoneNumber", "must be a valid Ethiopian mobile number (e.g. 251912345678)")
	}
	if !validationErr.Valid() {
		return nil, validationErr
	}

	if err := s.mobile.Configured(); err != nil {
		return nil, err
	}

	subject := strings.TrimSpace(description)
	if subject == "" {
		subject = defaultMobileSubject
	}

	outTradeNo := strings.ReplaceAll(uuid.NewString(), "-", "")
	amount = amount.Round(2)

	payment := &domain.Payment{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Currency:    s.cfg.MobileCurrency,
		Method:      domain.PaymentMethodMobileMoney,
		Type:        domain.PaymentTypeOneTime,
		Status:      domain.PaymentStatusPending,
		ExternalRef: outTradeNo,
		Metadata: []domain.AuditEvent{
			domain.NewAuditEvent(domain.AuditCreated, map[string]any{
				"outTradeNo":  outTradeNo,
				"amount":      amount.StringFixed(2),
				"phoneNumber": phone,
				"subject":     subject,
			}),
		},
	}

	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("record mobile payment: %w", err)
	}

	res, err := s.mobile.Initiate(ctx, domain.MobilePaymentRequest{
		OutTradeNo:  outTradeNo,
		Amount:      amount,
		PhoneNumber: phone,
		Subject:     subject,
	})
	if err != nil {
		return nil, s.failInitiation(ctx, payment, err)
	}

	s.appendAudit(ctx, payment.ID, domain.AuditProviderRequest, res.SignedFields)
	s.appendAudit(ctx, payment.ID, domain.AuditProviderResponse, map[string]any{
		"transactionNo": res.TransactionNo,
		"status":        res.ProviderStatus,
		"redirectUrl":   res.RedirectURL,
	})

	if res.TransactionNo != "" {
		err = s.payments.SetProviderRef(ctx, payment.ID, res.TransactionNo)
		if err != nil {
			s.logger.Error("failed to store provider reference",
				"paymentId", payment.ID,
				"transactionNo", res.TransactionNo,
				"error", err,
			)
		}
	}

	s.logger.Info("mobile payment initiated",
		"paymentId", payment.ID,
		"userId", userID,
		"outTradeNo", outTradeNo,
		"transactionNo", res.TransactionNo,
	)

	return &MobileInitiation{
		PaymentID:     payment.ID,
		TransactionID: outTradeNo,
		ProviderRef:   res.TransactionNo,
		RedirectURL:   res.RedirectURL,
	}, nil
}

// failInitiation settles the ledger row after a failed provider call. Requests
// that may have reached the provider leave the payment pending.
func (s *Service) failInitiation(ctx context.Context, payment *domain.Payment, cause error) error {
	var providerErr *domain.ProviderError

	var reason string
	switch {
	case errors.As(cause, &providerErr):
		reason = domain.FailureProviderRejected
	case errors.Is(cause, domain.ErrProviderUnreachable):
		reason = domain.FailureProviderUnreachable
	default:
		s.appendAudit(ctx, payment.ID, domain.AuditProviderResponse, map[string]any{"error": cause.Error()})
		s.logger.Warn("mobile payment initiation outcome unknown", "paymentId", payment.ID, "error", cause)
		return fmt.Errorf("initiate mobile payment %s: %w", payment.ID, cause)
	}

	_, _, err := s.finalize(ctx, payment, domain.Finalization{
		Status:        domain.PaymentStatusFailed,
		FailureReason: reason,
		Event:         domain.NewAuditEvent(domain.AuditProviderResponse, map[string]any{"error": cause.Error()}),
	})
	if err != nil {
		s.logger.Error("failed to mark mobile payment failed", "paymentId", payment.ID, "error", err)
	}

	return fmt.Errorf("initiate mobile payment %s: %w", payment.ID, cause)
}
