package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleFree    Role = "free"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
)

type User struct {
	ID                      int
	Email                   string
	FirstName               string
	LastName                string
	Role                    Role
	PremiumExpires          *time.Time
	StripeCustomerID        *string
	ProviderSubscriptionRef *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	Version                 int
}

// HasActivePremium reports whether the user holds a premium window that is
// still running at now.
func (u *User) HasActivePremium(now time.Time) bool {
	return u.PremiumExpires != nil && u.PremiumExpires.After(now)
}

type UserRepository interface {
	GetById(ctx context.Context, id int) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error)
	GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*User, error)

	// SetStripeCustomerID stores the customer reference only when none is set yet
	// and returns the reference that ends up persisted.
	SetStripeCustomerID(ctx context.Context, userID int, customerID string) (string, error)

	// UpdateEntitlement writes role, premium expiry and subscription reference
	// guarded by the user's version. It returns ErrEditConflict on a stale version.
	// A non-empty paymentID marks that payment's entitlement applied in the same
	// transaction; ErrEntitlementApplied is returned, and nothing is written, when
	// the payment was already marked.
	UpdateEntitlement(ctx context.Context, user *User, paymentID string) error
}
