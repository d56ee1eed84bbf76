package app

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/metinatakli/premium-billing/api"
	"github.com/metinatakli/premium-billing/internal/billing"
	"github.com/metinatakli/premium-billing/internal/domain"
)

func (app *Application) InitiateMobilePaymentHandler(w http.ResponseWriter, r *http.Request) {
	logger := app.contextGetLogger(r)

	var input api.InitiateMobilePaymentRequest

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

	initiation, err := app.billing.InitiateMobilePayment(r.Context(), userId, input.Amount, input.PhoneNumber, input.Description)
	if err != nil {
		app.billingErrorResponse(w, r, err)
		return
	}

	logger.Info("mobile payment initiated", "payment_id", initiation.PaymentID, "transaction_id", initiation.TransactionID)

	resp := api.MobilePaymentResponse{
		PaymentId:     initiation.PaymentID,
		TransactionId: initiation.TransactionID,
		RedirectUrl:   initiation.RedirectURL,
	}

	err = app.writeJSON(w, http.StatusCreated, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// MobileCallbackHandler acknowledges every callback that was applied, including
// redeliveries and amount mismatches; the provider only needs to retry when
// nothing was recorded.
func (app *Application) MobileCallbackHandler(w http.ResponseWriter, r *http.Request) {
	logger := app.contextGetLogger(r)

	raw, err := app.readBody(w, r, maxJSONBytes)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	result, err := app.billing.HandleMobileCallback(r.Context(), raw)
	if err != nil && !(errors.Is(err, domain.ErrAmountMismatch) && result != nil) {
		app.billingErrorResponse(w, r, err)
		return
	}

	status := http.StatusOK
	resp := api.CallbackResponse{Success: true}

	switch {
	case err != nil:
		logger.Warn("callback amount does not match the payment", "payment_id", result.Payment.ID, "error", err)
		resp.Success = false
		resp.Message = "amount mismatch, payment marked as failed"
	case result.Outcome == billing.OutcomeCompleted:
		resp.Message = "payment completed"
	case result.Outcome == billing.OutcomeFailed:
		resp.Message = "payment failed"
	case result.Outcome == billing.OutcomeDuplicate:
		resp.Message = "payment already finalized"
	default:
		status = http.StatusAccepted
		resp.Message = "payment is pending verification"
	}

	logger.Info("mobile callback processed", "payment_id", result.Payment.ID, "outcome", result.Outcome)

	err = app.writeJSON(w, status, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

func (app *Application) MobilePaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	transactionId := chi.URLParam(r, "transactionId")
	userId := app.contextGetUserId(r)

	payment, err := app.billing.QueryStatus(r.Context(), transactionId, userId)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			app.notFoundResponseWithErr(w, r, errors.New("there is no mobile payment with the given transaction id"))
			return
		}

		app.billingErrorResponse(w, r, err)
		return
	}

	resp := api.PaymentStatusResponse{
		Success: true,
		Payment: toAPIPayment(payment),
	}

	err = app.writeJSON(w, http.StatusOK, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
