package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/metinatakli/premium-billing/api"
	"github.com/metinatakli/premium-billing/internal/billing"
	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type CheckoutSessionTestSuite struct {
	suite.Suite
	app     *Application
	billing *mocks.MockBillingService
}

func (s *CheckoutSessionTestSuite) SetupTest() {
	s.billing = new(mocks.MockBillingService)

	s.app = newTestApplication(func(a *Application) {
		a.billing = s.billing
	})
}

func TestCheckoutSessionSuite(t *testing.T) {
	suite.Run(t, new(CheckoutSessionTestSuite))
}

func (s *CheckoutSessionTestSuite) TestCreateCheckoutSessionHandler() {
	validBody := map[string]any{"planRef": "premium-monthly", "paymentType": "SUBSCRIPTION"}

	tests := []struct {
		name           string
		body           any
		setupMocks     func()
		wantStatus     int
		wantErrMessage string
		wantResponse   *api.CheckoutSessionResponse
	}{
		{
			name:           "should fail with badly formed JSON",
			body:           `{"planRef": `,
			wantStatus:     http.StatusBadRequest,
			wantErrMessage: "body contains badly-formed JSON",
		},
		{
			name:           "should fail with unknown fields",
			body:           map[string]any{"planRef": "premium-monthly", "paymentType": "ONE_TIME", "coupon": "FREE"},
			wantStatus:     http.StatusBadRequest,
			wantErrMessage: `body contains unknown key "coupon"`,
		},
		{
			name:           "should fail when plan is missing",
			body:           map[string]any{"paymentType": "ONE_TIME"},
			wantStatus:     http.StatusUnprocessableEntity,
			wantErrMessage: "is required",
		},
		{
			name:           "should fail with an unknown payment type",
			body:           map[string]any{"planRef": "premium-monthly", "paymentType": "LIFETIME"},
			wantStatus:     http.StatusUnprocessableEntity,
			wantErrMessage: "must be one of ONE_TIME, SUBSCRIPTION",
		},
		{
			name: "should report field errors raised by the billing service",
			body: validBody,
			setupMocks: func() {
				validationErr := domain.NewValidationError()
				validationErr.Add("planRef", "is not a known plan")

				s.billing.On("CreateCheckout", mock.Anything, 1, "premium-monthly", domain.PaymentTypeSubscription).
					Return(nil, validationErr).Once()
			},
			wantStatus:     http.StatusUnprocessableEntity,
			wantErrMessage: "is not a known plan",
		},
		{
			name: "should fail when the card rail is not configured",
			body: validBody,
			setupMocks: func() {
				s.billing.On("CreateCheckout", mock.Anything, 1, "premium-monthly", domain.PaymentTypeSubscription).
					Return(nil, fmt.Errorf("stripe secret key: %w", domain.ErrConfiguration)).Once()
			},
			wantStatus:     http.StatusServiceUnavailable,
			wantErrMessage: ErrProviderNotConfigured,
		},
		{
			name: "should fail when the provider rejects the session",
			body: validBody,
			setupMocks: func() {
				s.billing.On("CreateCheckout", mock.Anything, 1, "premium-monthly", domain.PaymentTypeSubscription).
					Return(nil, fmt.Errorf("create session: %w", &domain.ProviderError{Provider: "stripe", Message: "No such price"})).Once()
			},
			wantStatus:     http.StatusBadGateway,
			wantErrMessage: "The payment provider rejected the request: No such price",
		},
		{
			name: "should fail with an internal error",
			body: validBody,
			setupMocks: func() {
				s.billing.On("CreateCheckout", mock.Anything, 1, "premium-monthly", domain.PaymentTypeSubscription).
					Return(nil, errors.New("connection refused")).Once()
			},
			wantStatus:     http.StatusInternalServerError,
			wantErrMessage: ErrInternalServer,
		},
		{
			name: "should successfully create checkout session",
			body: map[string]any{"planRef": "premium-once", "paymentType": "ONE_TIME"},
			setupMocks: func() {
				s.billing.On("CreateCheckout", mock.Anything, 1, "premium-once", domain.PaymentTypeOneTime).
					Return(&billing.CheckoutResult{
						PaymentID:   "pay-1",
						SessionID:   "cs_test_1",
						RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1",
					}, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantResponse: &api.CheckoutSessionResponse{
				RedirectUrl: "https://checkout.stripe.com/c/pay/cs_test_1",
				PaymentId:   "pay-1",
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()

			defer s.billing.AssertExpectations(s.T())

			w, r := executeRequest(s.T(), http.MethodPost, "/checkout/session", tt.body)
			r = setupTestSession(s.T(), s.app, r, 1)

			if tt.setupMocks != nil {
				tt.setupMocks()
			}

			handler := http.Handler(http.HandlerFunc(s.app.CreateCheckoutSessionHandler))
			handler = s.app.requireAuthentication(handler)
			handler.ServeHTTP(w, r)

			s.Equal(tt.wantStatus, w.Code)

			if tt.wantResponse != nil {
				var response api.CheckoutSessionResponse
				err := json.NewDecoder(w.Body).Decode(&response)
				s.Require().NoError(err, "Failed to decode response")

				s.Equal(*tt.wantResponse, response)
			}

			checkErrorResponse(s.T(), w, struct {
				wantStatus     int
				wantErrMessage string
			}{
				wantStatus:     tt.wantStatus,
				wantErrMessage: tt.wantErrMessage,
			})
		})
	}
}

func (s *CheckoutSessionTestSuite) TestCreateCheckoutSessionRequiresAuthentication() {
	w, r := executeRequest(s.T(), http.MethodPost, "/checkout/session", map[string]any{"planRef": "p"})

	// a loaded session without a user id
	ctx, err := s.app.sessionManager.Load(r.Context(), "")
	s.Require().NoError(err)
	r = r.WithContext(ctx)

	s.app.requireAuthentication(http.HandlerFunc(s.app.CreateCheckoutSessionHandler)).ServeHTTP(w, r)

	s.Equal(http.StatusUnauthorized, w.Code)
	s.billing.AssertNotCalled(s.T(), "CreateCheckout")
}

type StripeWebhookTestSuite struct {
	suite.Suite
	app     *Application
	billing *mocks.MockBillingService
}

func (s *StripeWebhookTestSuite) SetupTest() {
	s.billing = new(mocks.MockBillingService)

	s.app = newTestApplication(func(a *Application) {
		a.billing = s.billing
	})
}

func TestStripeWebhookSuite(t *testing.T) {
	suite.Run(t, new(StripeWebhookTestSuite))
}

func (s *StripeWebhookTestSuite) TestStripeWebhookHandler() {
	const (
		payload   = `{"id":"evt_1","type":"checkout.session.completed"}`
		signature = "t=1700000000,v1=deadbeef"
	)

	tests := []struct {
		name           string
		body           any
		setupMocks     func()
		wantStatus     int
		wantErrMessage string
		wantResponse   *api.WebhookResponse
	}{
		{
			name:           "should fail with an empty body",
			body:           nil,
			wantStatus:     http.StatusBadRequest,
			wantErrMessage: "body must not be empty",
		},
		{
			name: "should reject a forged signature",
			body: payload,
			setupMocks: func() {
				s.billing.On("HandleStripeWebhook", mock.Anything, []byte(payload), signature).
					Return(nil, fmt.Errorf("construct event: %w", domain.ErrAuthentication)).Once()
			},
			wantStatus:     http.StatusBadRequest,
			wantErrMessage: "invalid webhook signature",
		},
		{
			name: "should ask for redelivery when the payment is unknown",
			body: payload,
			setupMocks: func() {
				s.billing.On("HandleStripeWebhook", mock.Anything, []byte(payload), signature).
					Return(nil, fmt.Errorf("handle event: %w", domain.ErrRecordNotFound)).Once()
			},
			wantStatus:     http.StatusNotFound,
			wantErrMessage: ErrNotFound,
		},
		{
			name: "should fail when handling the event fails",
			body: payload,
			setupMocks: func() {
				s.billing.On("HandleStripeWebhook", mock.Anything, []byte(payload), signature).
					Return(nil, errors.New("deadlock detected")).Once()
			},
			wantStatus:     http.StatusInternalServerError,
			wantErrMessage: ErrInternalServer,
		},
		{
			name: "should acknowledge a processed event",
			body: payload,
			setupMocks: func() {
				s.billing.On("HandleStripeWebhook", mock.Anything, []byte(payload), signature).
					Return(&billing.WebhookResult{EventID: "evt_1", EventType: "checkout.session.completed"}, nil).Once()
			},
			wantStatus:   http.StatusOK,
			wantResponse: &api.WebhookResponse{Received: true},
		},
		{
			name: "should acknowledge a duplicate event",
			body: payload,
			setupMocks: func() {
				s.billing.On("HandleStripeWebhook", mock.Anything, []byte(payload), signature).
					Return(&billing.WebhookResult{EventID: "evt_1", Duplicate: true}, nil).Once()
			},
			wantStatus:   http.StatusOK,
			wantResponse: &api.WebhookResponse{Received: true, Duplicate: true},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()

			defer s.billing.AssertExpectations(s.T())

			if tt.setupMocks != nil {
				tt.setupMocks()
			}

			w, r := executeRequest(s.T(), http.MethodPost, "/webhook", tt.body)
			r.Header.Set(stripeSignatureHeader, signature)

			s.app.StripeWebhookHandler(w, r)

			s.Equal(tt.wantStatus, w.Code)

			if tt.wantResponse != nil {
				var response api.WebhookResponse
				err := json.NewDecoder(w.Body).Decode(&response)
				s.Require().NoError(err, "Failed to decode response")

				s.Equal(*tt.wantResponse, response)
			}

			checkErrorResponse(s.T(), w, struct {
				wantStatus     int
				wantErrMessage string
			}{
				wantStatus:     tt.wantStatus,
				wantErrMessage: tt.wantErrMessage,
			})
		})
	}
}
