package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metinatakli/premium-billing/internal/domain"
)

const paymentColumns = `
	id::text, user_id, amount, currency, method, type, status,
	external_ref, provider_ref, failure_reason, created_at, updated_at,
	entitlement_applied_at`

type PostgresPaymentRepository struct {
	db *pgxpool.Pool
}

func NewPostgresPaymentRepository(db *pgxpool.Pool) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{
		db: db,
	}
}

// Create inserts the payment together with the audit events it already carries.
func (p *PostgresPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	return runInTx(ctx, p.db, func(tx pgx.Tx) error {
		query := `
			INSERT INTO payments (
				id,
				user_id,
				amount,
				currency,
				method,
				type,
				status,
				external_ref,
				provider_ref,
				failure_reason
			)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(
			ctx,
			query,
			payment.ID,
			payment.UserID,
			payment.Amount,
			payment.Currency,
			payment.Method,
			payment.Type,
			payment.Status,
			payment.ExternalRef,
			payment.ProviderRef,
			payment.FailureReason,
		).Scan(&payment.CreatedAt, &payment.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateRecord
			}

			return err
		}

		for _, event := range payment.Metadata {
			err = insertAuditEvent(ctx, tx, payment.ID, event)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

func (p *PostgresPaymentRepository) GetById(ctx context.Context, id string) (*domain.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrRecordNotFound
	}

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1::uuid`

	return p.getOne(ctx, p.db, query, id)
}

// GetByExternalRef matches either reference column. A primary reference match
// wins over a provider reference match.
func (p *PostgresPaymentRepository) GetByExternalRef(
	ctx context.Context,
	method domain.PaymentMethod,
	ref string) (*domain.Payment, error) {

	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE method = $1 AND (external_ref = $2 OR provider_ref = $2)
		ORDER BY (external_ref = $2) DESC, created_at DESC
		LIMIT 1`

	return p.getOne(ctx, p.db, query, method, ref)
}

// FindByAuditReference finds the newest payment whose audit trail mentions ref
// as a complete JSON string value.
func (p *PostgresPaymentRepository) FindByAuditReference(
	ctx context.Context,
	method domain.PaymentMethod,
	ref string) (*domain.Payment, error) {

	if ref == "" {
		return nil, domain.ErrRecordNotFound
	}

	query := `SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.method = $1
		AND EXISTS (
			SELECT 1 FROM payment_audit_events e
			WHERE e.payment_id = p.id
			AND strpos(e.data::text, '"' || $2 || '"') > 0
		)
		ORDER BY p.created_at DESC
		LIMIT 1`

	return p.getOne(ctx, p.db, query, method, ref)
}

func (p *PostgresPaymentRepository) AppendAudit(ctx context.Context, paymentID string, event domain.AuditEvent) error {
	return insertAuditEvent(ctx, p.db, paymentID, event)
}

// SetProviderRef records the secondary reference while the payment is still pending.
func (p *PostgresPaymentRepository) SetProviderRef(ctx context.Context, paymentID, providerRef string) error {
	query := `
		UPDATE payments
		SET provider_ref = $2, updated_at = NOW()
		WHERE id = $1::uuid AND status = 'pending'
	`

	_, err := p.db.Exec(ctx, query, paymentID, providerRef)
	return err
}

// Finalize performs the single pending -> terminal transition. The conditional
// update is the only guard: whichever caller's UPDATE matches the pending row
// wins, every other caller gets transitioned=false and the current row.
func (p *PostgresPaymentRepository) Finalize(
	ctx context.Context,
	paymentID string,
	f domain.Finalization) (*domain.Payment, bool, error) {

	if !f.Status.IsTerminal() {
		return nil, false, fmt.Errorf("finalize payment: %q is not a terminal status", f.Status)
	}

	event := f.Event
	if event.Kind == "" {
		event = domain.NewAuditEvent(domain.AuditFinalized, map[string]any{"status": f.Status})
	}

	var (
		payment      *domain.Payment
		transitioned bool
	)

	err := runInTx(ctx, p.db, func(tx pgx.Tx) error {
		query := `
			UPDATE payments
			SET status = $2,
				amount = COALESCE($3, amount),
				currency = COALESCE(NULLIF($4, ''), currency),
				provider_ref = COALESCE(NULLIF($5, ''), provider_ref),
				failure_reason = NULLIF($6, ''),
				updated_at = NOW()
			WHERE id = $1::uuid AND status = 'pending'
			RETURNING ` + paymentColumns

		updated, err := scanPayment(tx.QueryRow(
			ctx,
			query,
			paymentID,
			f.Status,
			f.Amount,
			f.Currency,
			f.ProviderRef,
			f.FailureReason,
		))

		switch {
		case err == nil:
			transitioned = true
			payment = updated
			return insertAuditEvent(ctx, tx, paymentID, event)
		case errors.Is(err, pgx.ErrNoRows):
			payment, err = p.getOne(ctx, tx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1::uuid`, paymentID)
			if err != nil {
				return err
			}

			duplicate := domain.NewAuditEvent(domain.AuditDuplicateDelivery, map[string]any{
				"attemptedStatus": f.Status,
				"currentStatus":   payment.Status,
				"attempt":         event,
			})

			return insertAuditEvent(ctx, tx, paymentID, duplicate)
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}

	payment.Metadata, err = loadAuditEvents(ctx, p.db, payment.ID)
	if err != nil {
		return nil, false, err
	}

	return payment, transitioned, nil
}

func (p *PostgresPaymentRepository) getOne(ctx context.Context, q querier, query string, args ...any) (*domain.Payment, error) {
	payment, err := scanPayment(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}

		return nil, err
	}

	payment.Metadata, err = loadAuditEvents(ctx, q, payment.ID)
	if err != nil {
		return nil, err
	}

	return payment, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var payment domain.Payment

	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.Amount,
		&payment.Currency,
		&payment.Method,
		&payment.Type,
		&payment.Status,
		&payment.ExternalRef,
		&payment.ProviderRef,
		&payment.FailureReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&payment.EntitlementAppliedAt,
	)
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func insertAuditEvent(ctx context.Context, q querier, paymentID string, event domain.AuditEvent) error {
	query := `
		INSERT INTO payment_audit_events (payment_id, kind, data, created_at)
		VALUES ($1::uuid, $2, $3, COALESCE($4, NOW()))
	`

	var data []byte
	if len(event.Data) > 0 {
		data = event.Data
	}

	var createdAt *time.Time
	if !event.CreatedAt.IsZero() {
		createdAt = &event.CreatedAt
	}

	_, err := q.Exec(ctx, query, paymentID, event.Kind, data, createdAt)
	return err
}

func loadAuditEvents(ctx context.Context, q querier, paymentID string) ([]domain.AuditEvent, error) {
	query := `
		SELECT kind, data, created_at
		FROM payment_audit_events
		WHERE payment_id = $1::uuid
		ORDER BY id
	`

	rows, err := q.Query(ctx, query, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		var (
			event domain.AuditEvent
			data  []byte
		)

		err = rows.Scan(&event.Kind, &data, &event.CreatedAt)
		if err != nil {
			return nil, err
		}

		event.Data = data
		events = append(events, event)
	}

	return events, rows.Err()
}
