package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/signing"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// MockCardProvider opens fake checkout sessions locally while still verifying
// webhooks with a real shared secret.
type MockCardProvider struct {
	webhookSecret string

	mu            sync.Mutex
	subscriptions map[string]string
}

func NewMockCardProvider(webhookSecret string) *MockCardProvider {
	return &MockCardProvider{
		webhookSecret: webhookSecret,
		subscriptions: make(map[string]string),
	}
}

// SetSubscriptionCustomer registers the customer returned for a subscription.
func (m *MockCardProvider) SetSubscriptionCustomer(subscriptionID, customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions[subscriptionID] = customerID
}

func (m *MockCardProvider) CreateCustomer(ctx context.Context, user *domain.User) (string, error) {
	return "cus_" + compactUUID(), nil
}

func (m *MockCardProvider) CreateCheckoutSession(
	ctx context.Context,
	req domain.CheckoutRequest) (*stripe.CheckoutSession, error) {

	id := "cs_test_" + compactUUID()

	return &stripe.CheckoutSession{
		ID:       id,
		URL:      "https://checkout.stripe.test/c/pay/" + id,
		Metadata: map[string]string{MetadataPaymentID: req.PaymentID},
	}, nil
}

func (m *MockCardProvider) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		m.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	return event, nil
}

func (m *MockCardProvider) GetSubscriptionCustomer(ctx context.Context, subscriptionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	customerID, ok := m.subscriptions[subscriptionID]
	if !ok {
		return "", domain.ErrRecordNotFound
	}

	return customerID, nil
}

// MockMobileProvider accepts every initiation and answers queries from a
// scripted table. Callback signatures are checked with a real signer.
type MockMobileProvider struct {
	signer *signing.Signer

	mu          sync.Mutex
	results     map[string]domain.MobileQueryResult
	queryErrs   map[string]error
	queries     map[string]int
	initiateErr error
}

func NewMockMobileProvider(signer *signing.Signer) *MockMobileProvider {
	return &MockMobileProvider{
		signer:    signer,
		results:   make(map[string]domain.MobileQueryResult),
		queryErrs: make(map[string]error),
		queries:   make(map[string]int),
	}
}

// SetQueryResult scripts the answer returned by Query for outTradeNo.
func (m *MockMobileProvider) SetQueryResult(outTradeNo string, result domain.MobileQueryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[outTradeNo] = result
	delete(m.queryErrs, outTradeNo)
}

// SetQueryError makes Query fail for outTradeNo until a result is scripted.
func (m *MockMobileProvider) SetQueryError(outTradeNo string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryErrs[outTradeNo] = err
	delete(m.results, outTradeNo)
}

// SetInitiateError makes every following Initiate call fail with err.
func (m *MockMobileProvider) SetInitiateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initiateErr = err
}

// QueryCount reports how many times Query was called for outTradeNo.
func (m *MockMobileProvider) QueryCount(outTradeNo string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queries[outTradeNo]
}

func (m *MockMobileProvider) Configured() error {
	if !m.signer.CanSign() || !m.signer.CanVerify() {
		return signing.ErrMissingKey
	}

	return nil
}

func (m *MockMobileProvider) Initiate(
	ctx context.Context,
	req domain.MobilePaymentRequest) (*domain.MobilePaymentResponse, error) {

	if !m.signer.CanSign() {
		return nil, signing.ErrMissingKey
	}

	m.mu.Lock()
	initiateErr := m.initiateErr
	m.mu.Unlock()

	if initiateErr != nil {
		return nil, initiateErr
	}

	fields := map[string]any{
		"outTradeNo":  req.OutTradeNo,
		"totalAmount": req.Amount.StringFixed(2),
		"userId":      req.PhoneNumber,
		"subject":     req.Subject,
	}

	transactionNo := "TB" + strings.ToUpper(compactUUID()[:16])

	return &domain.MobilePaymentResponse{
		SignedFields:   fields,
		TransactionNo:  transactionNo,
		RedirectURL:    "https://telebirr.test/pay?outTradeNo=" + req.OutTradeNo,
		ProviderStatus: "WAIT_PAY",
	}, nil
}

func (m *MockMobileProvider) Query(ctx context.Context, outTradeNo string) (*domain.MobileQueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries[outTradeNo]++

	if err, ok := m.queryErrs[outTradeNo]; ok {
		return nil, err
	}

	result, ok := m.results[outTradeNo]
	if !ok {
		return &domain.MobileQueryResult{Status: domain.MobileQueryPending, RawStatus: "WAIT_PAY"}, nil
	}

	return &result, nil
}

func (m *MockMobileProvider) VerifyCallback(fields map[string]any, signature string) error {
	return m.signer.Verify(fields, signature)
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
