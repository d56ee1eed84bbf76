package mocks

import (
	"context"

	"github.com/metinatakli/premium-billing/internal/billing"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockBillingService struct {
	mock.Mock
}

func (m *MockBillingService) CreateCheckout(
	ctx context.Context,
	userID int,
	planRef string,
	paymentType domain.PaymentType) (*billing.CheckoutResult, error) {

	args := m.Called(ctx, userID, planRef, paymentType)
	result, _ := args.Get(0).(*billing.CheckoutResult)
	return result, args.Error(1)
}

func (m *MockBillingService) HandleStripeWebhook(
	ctx context.Context,
	payload []byte,
	signature string) (*billing.WebhookResult, error) {

	args := m.Called(ctx, payload, signature)
	result, _ := args.Get(0).(*billing.WebhookResult)
	return result, args.Error(1)
}

func (m *MockBillingService) InitiateMobilePayment(
	ctx context.Context,
	userID int,
	amount decimal.Decimal,
	phoneNumber string,
	description string) (*billing.MobileInitiation, error) {

	args := m.Called(ctx, userID, amount, phoneNumber, description)
	result, _ := args.Get(0).(*billing.MobileInitiation)
	return result, args.Error(1)
}

func (m *MockBillingService) HandleMobileCallback(ctx context.Context, raw []byte) (*billing.CallbackResult, error) {
	args := m.Called(ctx, raw)
	result, _ := args.Get(0).(*billing.CallbackResult)
	return result, args.Error(1)
}

func (m *MockBillingService) QueryStatus(ctx context.Context, transactionID string, ownerUserID int) (*domain.Payment, error) {
	args := m.Called(ctx, transactionID, ownerUserID)
	payment, _ := args.Get(0).(*domain.Payment)
	return payment, args.Error(1)
}
