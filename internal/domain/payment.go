package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type PaymentMethod string

const (
	PaymentMethodCard        PaymentMethod = "card"
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
)

type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
)

func (t PaymentType) Valid() bool {
	return t == PaymentTypeOneTime || t == PaymentTypeSubscription
}

// Failure reasons recorded on FAILED payments.
const (
	FailureAmountMismatch       = "amount_mismatch"
	FailureProviderRejected     = "provider_rejected"
	FailureProviderUnreachable  = "provider_unreachable"
	FailureVerificationFailed   = "provider_verification_failed"
	FailureInvoicePaymentFailed = "invoice_payment_failed"
)

type AuditKind string

const (
	AuditCreated            AuditKind = "created"
	AuditProviderRequest    AuditKind = "provider_request"
	AuditProviderResponse   AuditKind = "provider_response"
	AuditCallbackReceived   AuditKind = "callback_received"
	AuditWebhookReceived    AuditKind = "webhook_received"
	AuditVerificationResult AuditKind = "verification_result"
	AuditFinalized          AuditKind = "finalized"
	AuditDuplicateDelivery  AuditKind = "duplicate_delivery"
)

// AuditEvent is one append-only entry of a payment's provenance trail.
type AuditEvent struct {
	Kind      AuditKind       `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewAuditEvent marshals data into an audit entry. Unmarshalable data is recorded
// as its error text so that the trail is never silently dropped.
func NewAuditEvent(kind AuditKind, data any) AuditEvent {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshalError": err.Error()})
	}

	return AuditEvent{
		Kind:      kind,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}
}

type Payment struct {
	ID            string
	UserID        int
	Amount        decimal.Decimal
	Currency      string
	Method        PaymentMethod
	Type          PaymentType
	Status        PaymentStatus
	ExternalRef   string
	ProviderRef   *string
	FailureReason *string
	Metadata      []AuditEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// EntitlementAppliedAt is set in the same transaction that grants or
	// extends premium for a COMPLETED payment. Nil on a COMPLETED payment
	// means the grant is still owed.
	EntitlementAppliedAt *time.Time
}

// EntitlementOwed reports whether p is COMPLETED but premium was never applied.
func (p *Payment) EntitlementOwed() bool {
	return p.Status == PaymentStatusCompleted && p.EntitlementAppliedAt == nil
}

// Finalization carries everything a terminal transition may write. Amount and
// Currency are only applied by the transition itself, never afterwards.
type Finalization struct {
	Status        PaymentStatus
	Amount        *decimal.Decimal
	Currency      string
	ProviderRef   string
	FailureReason string
	Event         AuditEvent
}

type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	GetById(ctx context.Context, id string) (*Payment, error)
	GetByExternalRef(ctx context.Context, method PaymentMethod, ref string) (*Payment, error)
	FindByAuditReference(ctx context.Context, method PaymentMethod, ref string) (*Payment, error)
	AppendAudit(ctx context.Context, paymentID string, event AuditEvent) error
	SetProviderRef(ctx context.Context, paymentID, providerRef string) error

	// Finalize moves a pending payment to a terminal status. It reports false
	// (and the current row) when the payment was already terminal.
	Finalize(ctx context.Context, paymentID string, f Finalization) (*Payment, bool, error)
}
