package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metinatakli/premium-billing/internal/domain"
)

// QueryStatus returns the caller's mobile-money payment, asking the provider
// once when it is still pending. Terminal payments are returned as stored.
func (s *Service) QueryStatus(ctx context.Context, transactionID string, ownerUserID int) (*domain.Payment, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, domain.ErrRecordNotFound
	}

	payment, err := s.payments.GetByExternalRef(ctx, domain.PaymentMethodMobileMoney, transactionID)
	if err != nil {
		return nil, fmt.Errorf("payment for transaction %s: %w", transactionID, err)
	}

	// someone else's payment is indistinguishable from a missing one
	if payment.UserID != ownerUserID {
		return nil, fmt.Errorf("payment for transaction %s: %w", transactionID, domain.ErrRecordNotFound)
	}

	if payment.Status.IsTerminal() {
		if err := s.extendOwed(ctx, payment); err != nil {
			s.logger.Warn("owed entitlement still pending", "paymentId", payment.ID, "error", err)
		}
		return payment, nil
	}

	result, err := s.reconcile(ctx, payment, "poll", transactionID, false)
	if err != nil && !(errors.Is(err, domain.ErrAmountMismatch) && result != nil) {
		return nil, err
	}

	return result.Payment, nil
}
