// Package api holds the JSON request and response bodies of the HTTP surface.
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentType string

const (
	OneTime      PaymentType = "ONE_TIME"
	Subscription PaymentType = "SUBSCRIPTION"
)

type PaymentStatus string

const (
	Pending   PaymentStatus = "PENDING"
	Completed PaymentStatus = "COMPLETED"
	Failed    PaymentStatus = "FAILED"
)

type ErrorResponse struct {
	Message   string    `json:"message"`
	RequestId string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ValidationError struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

type ValidationErrorResponse struct {
	Message          string            `json:"message"`
	RequestId        string            `json:"requestId,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	ValidationErrors []ValidationError `json:"validationErrors"`
}

type SystemInfo struct {
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

type HealthcheckResponse struct {
	Status     string     `json:"status"`
	SystemInfo SystemInfo `json:"systemInfo"`
}

type CreateCheckoutSessionRequest struct {
	PlanRef     string      `json:"planRef" validate:"required,max=255"`
	PaymentType PaymentType `json:"paymentType" validate:"payment_type"`
}

type CheckoutSessionResponse struct {
	RedirectUrl string `json:"redirectUrl"`
	PaymentId   string `json:"paymentId"`
}

type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type InitiateMobilePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	PhoneNumber string          `json:"phoneNumber" validate:"required,et_phone"`
	Description string          `json:"description" validate:"max=255"`
}

type MobilePaymentResponse struct {
	PaymentId     string `json:"paymentId"`
	TransactionId string `json:"transactionId"`
	RedirectUrl   string `json:"redirectUrl"`
}

type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type AuditEvent struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Payment struct {
	Id            string          `json:"id"`
	Status        PaymentStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FailureReason *string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Metadata      []AuditEvent    `json:"metadata"`
}

type PaymentStatusResponse struct {
	Success bool    `json:"success"`
	Payment Payment `json:"payment"`
}
