package app

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/metinatakli/premium-billing/api"
	"github.com/metinatakli/premium-billing/internal/domain"
	appvalidator "github.com/metinatakli/premium-billing/internal/validator"
)

const (
	ErrInternalServer        = "The server encountered a problem and could not process your request"
	ErrNotFound              = "The requested resource not found"
	ErrMethodNotAllowed      = "The method is not supported for this resource"
	ErrUnauthorized          = "You must be authenticated to access this resource"
	ErrInvalidSignature      = "The request signature could not be verified"
	ErrFailedValidation      = "One or more fields are invalid"
	ErrProviderUnavailable   = "The payment provider is temporarily unavailable, please try again later"
	ErrProviderNotConfigured = "Payments through this provider are currently disabled"
)

func (app *Application) logError(r *http.Request, err error) {
	app.contextGetLogger(r).Error(err.Error())
}

// The errorResponse() method is a generic helper for sending JSON-formatted error
// messages to the client with a given status code.
func (app *Application) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	resp := api.ErrorResponse{
		Message:   message,
		RequestId: middleware.GetReqID(r.Context()),
		Timestamp: time.Now(),
	}

	err := app.writeJSON(w, status, resp, nil)
	if err != nil {
		app.logError(r, err)
		w.WriteHeader(500)
	}
}

func (app *Application) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logError(r, err)

	app.errorResponse(w, r, http.StatusInternalServerError, ErrInternalServer)
}

func (app *Application) notFoundResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusNotFound, ErrNotFound)
}

func (app *Application) notFoundResponseWithErr(w http.ResponseWriter, r *http.Request, err error) {
	app.errorResponse(w, r, http.StatusNotFound, err.Error())
}

func (app *Application) methodNotAllowedResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
}

func (app *Application) badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.errorResponse(w, r, http.StatusBadRequest, err.Error())
}

func (app *Application) unauthorizedAccessResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusUnauthorized, ErrUnauthorized)
}

func (app *Application) invalidSignatureResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.contextGetLogger(r).Warn("rejected unsigned or forged request", "error", err)

	app.errorResponse(w, r, http.StatusUnauthorized, ErrInvalidSignature)
}

func (app *Application) serviceUnavailableResponse(w http.ResponseWriter, r *http.Request, err error, message string) {
	app.contextGetLogger(r).Warn("payment provider unavailable", "error", err)

	w.Header().Set("Retry-After", "5")
	app.errorResponse(w, r, http.StatusServiceUnavailable, message)
}

func (app *Application) providerErrorResponse(w http.ResponseWriter, r *http.Request, providerErr *domain.ProviderError) {
	app.contextGetLogger(r).Warn("payment provider rejected the request",
		"provider", providerErr.Provider,
		"code", providerErr.Code,
		"error", providerErr.Message,
	)

	message := fmt.Sprintf("The payment provider rejected the request: %s", providerErr.Message)
	app.errorResponse(w, r, http.StatusBadGateway, message)
}

// failedValidationResponse accepts both validator errors from request bodies
// and the domain's own field errors.
func (app *Application) failedValidationResponse(w http.ResponseWriter, r *http.Request, err error) {
	resp := api.ValidationErrorResponse{
		Message:          ErrFailedValidation,
		RequestId:        middleware.GetReqID(r.Context()),
		Timestamp:        time.Now(),
		ValidationErrors: []api.ValidationError{},
	}

	var (
		fieldErrs  validator.ValidationErrors
		payloadErr *domain.ValidationError
	)

	switch {
	case errors.As(err, &fieldErrs):
		for _, fieldErr := range fieldErrs {
			resp.ValidationErrors = append(resp.ValidationErrors, api.ValidationError{
				Field: fieldErr.Field(),
				Issue: appvalidator.ValidationMessage(fieldErr),
			})
		}
	case errors.As(err, &payloadErr):
		fields := make([]string, 0, len(payloadErr.Fields))
		for field := range payloadErr.Fields {
			fields = append(fields, field)
		}
		slices.Sort(fields)

		for _, field := range fields {
			resp.ValidationErrors = append(resp.ValidationErrors, api.ValidationError{
				Field: field,
				Issue: payloadErr.Fields[field],
			})
		}
	default:
		app.badRequestResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusUnprocessableEntity, resp, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// billingErrorResponse maps errors coming out of the billing service onto
// status codes.
func (app *Application) billingErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		payloadErr  *domain.ValidationError
		providerErr *domain.ProviderError
	)

	switch {
	case errors.As(err, &payloadErr):
		app.failedValidationResponse(w, r, err)
	case errors.Is(err, domain.ErrValidation):
		app.badRequestResponse(w, r, err)
	case errors.Is(err, domain.ErrAuthentication):
		app.invalidSignatureResponse(w, r, err)
	case errors.Is(err, domain.ErrRecordNotFound):
		app.notFoundResponse(w, r)
	case errors.Is(err, domain.ErrConfiguration):
		app.serviceUnavailableResponse(w, r, err, ErrProviderNotConfigured)
	case errors.Is(err, domain.ErrTransientProvider):
		app.serviceUnavailableResponse(w, r, err, ErrProviderUnavailable)
	case errors.As(err, &providerErr):
		app.providerErrorResponse(w, r, providerErr)
	default:
		app.serverErrorResponse(w, r, err)
	}
}
