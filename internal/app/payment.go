package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/metinatakli/premium-billing/api"
	"github.com/metinatakli/premium-billing/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

func (app *Application) CreateCheckoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	logger := app.contextGetLogger(r)

	var input api.CreateCheckoutSessionRequest

	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	err = app.validator.Struct(input)
	if err != nil {
		app.failedValidationResponse(w, r, err)
		return
	}

	userId := app.contextGetUserId(r)

	result, err := app.billing.CreateCheckout(r.Context(), userId, input.PlanRef, toDomainPaymentType(input.PaymentType))
	if err != nil {
		app.billingErrorResponse(w, r, err)
		return
	}

	logger.Info("checkout session created", "payment_id", result.PaymentID, "session_id", result.SessionID)

	resp := api.CheckoutSessionResponse{
		RedirectUrl: result.RedirectURL,
		PaymentId:   result.PaymentID,
	}

	err = app.writeJSON(w, http.StatusOK, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// StripeWebhookHandler answers 2xx only once an event is applied or known to
// be a duplicate, so that Stripe redelivers anything that failed.
func (app *Application) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	logger := app.contextGetLogger(r)

	payload, err := app.readBody(w, r, maxWebhookBytes)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	result, err := app.billing.HandleStripeWebhook(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			logger.Warn("webhook signature verification failed", "error", err)
			app.badRequestResponse(w, r, errors.New("invalid webhook signature"))
			return
		}

		app.billingErrorResponse(w, r, err)
		return
	}

	logger.Info("webhook processed",
		"event_id", result.EventID,
		"event_type", result.EventType,
		"duplicate", result.Duplicate,
		"ignored", result.Ignored,
	)

	resp := api.WebhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
	}

	err = app.writeJSON(w, http.StatusOK, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

func toDomainPaymentType(t api.PaymentType) domain.PaymentType {
	if t == api.Subscription {
		return domain.PaymentTypeSubscription
	}

	return domain.PaymentTypeOneTime
}

func toAPIPayment(p *domain.Payment) api.Payment {
	metadata := make([]api.AuditEvent, 0, len(p.Metadata))
	for _, event := range p.Metadata {
		metadata = append(metadata, api.AuditEvent{
			Kind:      string(event.Kind),
			Data:      event.Data,
			CreatedAt: event.CreatedAt,
		})
	}

	return api.Payment{
		Id:            p.ID,
		Status:        api.PaymentStatus(strings.ToUpper(string(p.Status))),
		Amount:        p.Amount,
		Currency:      p.Currency,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		Metadata:      metadata,
	}
}
