package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/signing"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	// OutcomeDuplicate means the payment was already terminal.
	OutcomeDuplicate Outcome = "duplicate"
)

type CallbackResult struct {
	Payment *domain.Payment
	Outcome Outcome
}

type mobileCallback struct {
	TransactionID         string
	MerchantTransactionID string
	Status                string
	Amount                decimal.Decimal
	Signature             string
	Fields                map[string]any
}

// HandleMobileCallback applies a signed mobile-money notification. The payload
// is authenticated before anything is looked up, and the provider is queried
// before a payment is completed.
//
// An amount that disagrees with the ledger fails the payment and is reported
// as ErrAmountMismatch together with the failed payment.
func (s *Service) HandleMobileCallback(ctx context.Context, raw []byte) (*CallbackResult, error) {
	callback, err := parseMobileCallback(raw)
	if err != nil {
		return nil, err
	}

	if callback.Signature == "" {
		return nil, fmt.Errorf("callback for %s is unsigned: %w", callback.TransactionID, domain.ErrAuthentication)
	}

	err = s.mobile.VerifyCallback(callback.Fields, callback.Signature)
	if err != nil {
		s.logger.Warn("rejected mobile callback", "transactionId", callback.TransactionID, "error", err)
		return nil, err
	}

	payment, err := s.findCallbackPayment(ctx, callback)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, payment.ID, domain.AuditCallbackReceived, map[string]any{
		"payload":    callback.Fields,
		"verifiedAt": time.Now().UTC(),
	})

	if payment.Status.IsTerminal() {
		return s.duplicateDelivery(ctx, payment, "callback", callback.Status)
	}

	if !callback.Amount.Equal(payment.Amount) {
		return s.failAmountMismatch(ctx, payment, "callback", callback.Amount, map[string]any{
			"transactionId": callback.TransactionID,
			"status":        callback.Status,
		})
	}

	return s.reconcile(ctx, payment, "callback", callback.TransactionID, true)
}

// parseMobileCallback decodes the payload keeping every field, known or not,
// exactly as received so that the signature can be checked over all of them.
func parseMobileCallback(raw []byte) (*mobileCallback, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: callback body must be a JSON object", domain.ErrValidation)
	}

	callback := &mobileCallback{Fields: fields}
	validationErr := domain.NewValidationError()

	callback.TransactionID = stringField(fields, "transactionId")
	if callback.TransactionID == "" {
		validationErr.Add("transactionId", "is required")
	}

	callback.Status = stringField(fields, "status")
	if callback.Status == "" {
		validationErr.Add("status", "is required")
	}

	amount, ok := decimalField(fields, "amount")
	if !ok {
		validationErr.Add("amount", "must be a number")
	} else if !amount.IsPositive() {
		validationErr.Add("amount", "must be greater than 0")
	}
	callback.Amount = amount

	if !validationErr.Valid() {
		return nil, validationErr
	}

	callback.MerchantTransactionID = stringField(fields, "merchantTransactionId")
	callback.Signature = stringField(fields, signing.SignatureField)

	return callback, nil
}

func stringField(fields map[string]any, key string) string {
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}

	return strings.TrimSpace(value)
}

func decimalField(fields map[string]any, key string) (decimal.Decimal, bool) {
	var text string

	switch value := fields[key].(type) {
	case json.Number:
		text = value.String()
	case string:
		text = strings.TrimSpace(value)
	default:
		return decimal.Zero, false
	}

	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}

	return amount, true
}

func (s *Service) findCallbackPayment(ctx context.Context, callback *mobileCallback) (*domain.Payment, error) {
	payment, err := s.payments.GetByExternalRef(ctx, domain.PaymentMethodMobileMoney, callback.TransactionID)
	if err == nil || !isNotFound(err) {
		return payment, err
	}

	reference := callback.TransactionID
	if callback.MerchantTransactionID != "" {
		reference = callback.MerchantTransactionID

		payment, err = s.payments.GetByExternalRef(ctx, domain.PaymentMethodMobileMoney, reference)
		if err == nil || !isNotFound(err) {
			return payment, err
		}
	}

	payment, err = s.payments.FindByAuditReference(ctx, domain.PaymentMethodMobileMoney, reference)
	if err != nil {
		return nil, fmt.Errorf("payment for transaction %s: %w", callback.TransactionID, err)
	}

	return payment, nil
}

// duplicateDelivery acknowledges a notification for a payment that is already
// terminal. The ledger records the attempt and nothing else changes, except
// that a COMPLETED payment whose premium never landed gets it now.
func (s *Service) duplicateDelivery(
	ctx context.Context,
	payment *domain.Payment,
	source string,
	reportedStatus string) (*CallbackResult, error) {

	s.appendAudit(ctx, payment.ID, domain.AuditDuplicateDelivery, map[string]any{
		"source":         source,
		"reportedStatus": reportedStatus,
		"currentStatus":  payment.Status,
	})
	s.metrics.recordDuplicate(ctx, payment.Method)

	s.logger.Info("notification for finalized payment", "paymentId", payment.ID, "source", source, "status", payment.Status)

	if err := s.extendOwed(ctx, payment); err != nil {
		return nil, err
	}

	return &CallbackResult{Payment: payment, Outcome: OutcomeDuplicate}, nil
}

func (s *Service) failAmountMismatch(
	ctx context.Context,
	payment *domain.Payment,
	source string,
	reported decimal.Decimal,
	evidence map[string]any) (*CallbackResult, error) {

	data := map[string]any{
		"source":         source,
		"expectedAmount": payment.Amount.StringFixed(2),
		"reportedAmount": reported.String(),
	}
	for k, v := range evidence {
		data[k] = v
	}

	updated, transitioned, err := s.finalize(ctx, payment, domain.Finalization{
		Status:        domain.PaymentStatusFailed,
		FailureReason: domain.FailureAmountMismatch,
		Event:         domain.NewAuditEvent(domain.AuditVerificationResult, data),
	})
	if err != nil {
		return nil, err
	}
	if !transitioned {
		if err := s.extendOwed(ctx, updated); err != nil {
			return nil, err
		}
		return &CallbackResult{Payment: updated, Outcome: OutcomeDuplicate}, nil
	}

	s.logger.Warn("payment failed on amount mismatch",
		"paymentId", payment.ID,
		"expected", payment.Amount,
		"reported", reported,
	)

	return &CallbackResult{Payment: updated, Outcome: OutcomeFailed},
		fmt.Errorf("payment %s: %w", payment.ID, domain.ErrAmountMismatch)
}

// reconcile asks the provider for the payment's status and applies a terminal
// answer through the ledger's compare-and-swap transition.
func (s *Service) reconcile(
	ctx context.Context,
	payment *domain.Payment,
	source string,
	transactionID string,
	auditPending bool) (*CallbackResult, error) {

	result, err := s.mobile.Query(ctx, payment.ExternalRef)
	if err != nil {
		var providerErr *domain.ProviderError
		if !errors.As(err, &providerErr) {
			s.logger.Warn("mobile payment verification unavailable", "paymentId", payment.ID, "error", err)
			return nil, fmt.Errorf("verify payment %s: %w", payment.ID, err)
		}

		return s.finish(ctx, payment, domain.Finalization{
			Status:        domain.PaymentStatusFailed,
			FailureReason: domain.FailureVerificationFailed,
			Event: domain.NewAuditEvent(domain.AuditVerificationResult, map[string]any{
				"source":     source,
				"error":      providerErr.Error(),
				"code":       providerErr.Code,
				"verifiedAt": time.Now().UTC(),
			}),
		})
	}

	verification := map[string]any{
		"source":        source,
		"status":        result.Status,
		"rawStatus":     result.RawStatus,
		"transactionNo": result.TransactionNo,
		"message":       result.Message,
		"verifiedAt":    time.Now().UTC(),
	}
	if !result.Amount.IsZero() {
		verification["amount"] = result.Amount.String()
	}

	switch result.Status {
	case domain.MobileQueryCompleted:
		if !result.Amount.IsZero() && !result.Amount.Equal(payment.Amount) {
			return s.failAmountMismatch(ctx, payment, source, result.Amount, map[string]any{
				"rawStatus":     result.RawStatus,
				"transactionNo": result.TransactionNo,
			})
		}

		return s.finish(ctx, payment, domain.Finalization{
			Status:      domain.PaymentStatusCompleted,
			ProviderRef: firstNonEmpty(result.TransactionNo, transactionID),
			Event:       domain.NewAuditEvent(domain.AuditVerificationResult, verification),
		})

	case domain.MobileQueryFailed:
		return s.finish(ctx, payment, domain.Finalization{
			Status:        domain.PaymentStatusFailed,
			ProviderRef:   result.TransactionNo,
			FailureReason: domain.FailureVerificationFailed,
			Event:         domain.NewAuditEvent(domain.AuditVerificationResult, verification),
		})

	default:
		if auditPending {
			s.appendAudit(ctx, payment.ID, domain.AuditVerificationResult, verification)
		}
		return &CallbackResult{Payment: payment, Outcome: OutcomePending}, nil
	}
}

// finish applies a terminal transition and, once the payment is COMPLETED,
// extends the owner's premium window if that is still owed.
func (s *Service) finish(ctx context.Context, payment *domain.Payment, f domain.Finalization) (*CallbackResult, error) {
	updated, transitioned, err := s.finalize(ctx, payment, f)
	if err != nil {
		return nil, err
	}

	if err := s.extendOwed(ctx, updated); err != nil {
		return nil, err
	}

	switch {
	case !transitioned:
		return &CallbackResult{Payment: updated, Outcome: OutcomeDuplicate}, nil
	case updated.Status != domain.PaymentStatusCompleted:
		return &CallbackResult{Payment: updated, Outcome: OutcomeFailed}, nil
	default:
		return &CallbackResult{Payment: updated, Outcome: OutcomeCompleted}, nil
	}
}

// extendOwed extends premium for a COMPLETED payment that has not granted it
// yet. The write and the payment's applied marker commit together, so a
// failure here leaves the grant owed for the next delivery.
func (s *Service) extendOwed(ctx context.Context, payment *domain.Payment) error {
	if !payment.EntitlementOwed() {
		return nil
	}

	return s.applyEntitlement(ctx, payment, "extend", func(email string) (*domain.User, error) {
		return s.entitlements.Extend(ctx, email, s.cfg.PremiumDays, payment.ID)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
