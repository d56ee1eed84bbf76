package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metinatakli/premium-billing/internal/domain"
)

const userColumns = `
	id, email, first_name, last_name, role, premium_expires, stripe_customer_id,
	provider_subscription_ref, created_at, updated_at, version`

type PostgresUserRepository struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepository(db *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{
		db: db,
	}
}

func (p *PostgresUserRepository) GetById(ctx context.Context, id int) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return p.getOne(ctx, query, id)
}

func (p *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

	return p.getOne(ctx, query, email)
}

func (p *PostgresUserRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`

	return p.getOne(ctx, query, customerID)
}

func (p *PostgresUserRepository) GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE provider_subscription_ref = $1`

	return p.getOne(ctx, query, subscriptionRef)
}

func (p *PostgresUserRepository) SetStripeCustomerID(ctx context.Context, userID int, customerID string) (string, error) {
	query := `
		UPDATE users
		SET stripe_customer_id = $2, updated_at = NOW(), version = version + 1
		WHERE id = $1 AND stripe_customer_id IS NULL
		RETURNING stripe_customer_id
	`

	var stored string

	err := p.db.QueryRow(ctx, query, userID, customerID).Scan(&stored)
	if err == nil {
		return stored, nil
	}

	if isUniqueViolation(err) {
		return "", domain.ErrDuplicateRecord
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	// another request stored a customer first
	var existing *string

	err = p.db.QueryRow(ctx, `SELECT stripe_customer_id FROM users WHERE id = $1`, userID).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrRecordNotFound
		}

		return "", err
	}

	if existing == nil {
		return "", domain.ErrEditConflict
	}

	return *existing, nil
}

func (p *PostgresUserRepository) UpdateEntitlement(ctx context.Context, user *domain.User, paymentID string) error {
	if paymentID == "" {
		return updateEntitlement(ctx, p.db, user)
	}

	return runInTx(ctx, p.db, func(tx pgx.Tx) error {
		if err := markEntitlementApplied(ctx, tx, paymentID); err != nil {
			return err
		}

		return updateEntitlement(ctx, tx, user)
	})
}

func updateEntitlement(ctx context.Context, q querier, user *domain.User) error {
	query := `
		UPDATE users
		SET role = $1,
			premium_expires = $2,
			provider_subscription_ref = $3,
			updated_at = NOW(),
			version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING updated_at, version
	`

	err := q.QueryRow(
		ctx,
		query,
		user.Role,
		user.PremiumExpires,
		user.ProviderSubscriptionRef,
		user.ID,
		user.Version,
	).Scan(&user.UpdatedAt, &user.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEditConflict
		}

		return err
	}

	return nil
}

// markEntitlementApplied claims the payment's grant. The row lock it takes
// serializes concurrent appliers until the surrounding transaction ends.
func markEntitlementApplied(ctx context.Context, q querier, paymentID string) error {
	if _, err := uuid.Parse(paymentID); err != nil {
		return domain.ErrRecordNotFound
	}

	query := `
		UPDATE payments
		SET entitlement_applied_at = NOW()
		WHERE id = $1::uuid AND entitlement_applied_at IS NULL
	`

	tag, err := q.Exec(ctx, query, paymentID)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool

	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1::uuid)`, paymentID).Scan(&exists)
	if err != nil {
		return err
	}

	if !exists {
		return domain.ErrRecordNotFound
	}

	return domain.ErrEntitlementApplied
}

func (p *PostgresUserRepository) getOne(ctx context.Context, query string, args ...any) (*domain.User, error) {
	var user domain.User

	err := p.db.QueryRow(ctx, query, args...).Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Role,
		&user.PremiumExpires,
		&user.StripeCustomerID,
		&user.ProviderSubscriptionRef,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}

		return nil, err
	}

	return &user, nil
}
