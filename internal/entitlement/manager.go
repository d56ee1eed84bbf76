// Package entitlement owns every write to a user's premium window and role.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/mailer"
)

const maxWriteAttempts = 5

const premiumActivatedTemplate = "premium_activated.tmpl"

type Manager struct {
	users  domain.UserRepository
	mailer mailer.Mailer
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithMailer(mailer mailer.Mailer) Option {
	return func(m *Manager) {
		m.mailer = mailer
	}
}

func NewManager(users domain.UserRepository, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		users:  users,
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Grant sets the premium window to now+days unless the current window already
// reaches further. The role is forced to premium either way. A non-empty
// paymentID ties the write to that payment so it lands at most once;
// a second call returns domain.ErrEntitlementApplied.
func (m *Manager) Grant(ctx context.Context, email string, days int, paymentID string) (*domain.User, error) {
	if days <= 0 {
		return nil, fmt.Errorf("grant premium: days must be positive, got %d", days)
	}

	user, err := m.update(ctx, email, paymentID, func(u *domain.User, now time.Time) {
		target := now.AddDate(0, 0, days)
		u.PremiumExpires = grantedExpiry(u.PremiumExpires, target)
		u.Role = premiumRole(u.Role)
	})
	if err != nil {
		return nil, fmt.Errorf("grant premium: %w", err)
	}

	m.notify(user)

	return user, nil
}

// Extend adds days on top of the later of now and the current expiry.
// paymentID is handled as in Grant.
func (m *Manager) Extend(ctx context.Context, email string, days int, paymentID string) (*domain.User, error) {
	if days <= 0 {
		return nil, fmt.Errorf("extend premium: days must be positive, got %d", days)
	}

	user, err := m.update(ctx, email, paymentID, func(u *domain.User, now time.Time) {
		u.PremiumExpires = extendedExpiry(u.PremiumExpires, now, days)
		u.Role = premiumRole(u.Role)
	})
	if err != nil {
		return nil, fmt.Errorf("extend premium: %w", err)
	}

	m.notify(user)

	return user, nil
}

// AttachSubscription records the processor subscription backing the user's grant.
func (m *Manager) AttachSubscription(ctx context.Context, email, subscriptionRef string) (*domain.User, error) {
	user, err := m.update(ctx, email, "", func(u *domain.User, _ time.Time) {
		u.ProviderSubscriptionRef = &subscriptionRef
	})
	if err != nil {
		return nil, fmt.Errorf("attach subscription: %w", err)
	}

	return user, nil
}

// Revoke clears the subscription reference and drops the premium role. The
// expiry timestamp is left as history.
func (m *Manager) Revoke(ctx context.Context, email string) (*domain.User, error) {
	user, err := m.update(ctx, email, "", func(u *domain.User, _ time.Time) {
		u.ProviderSubscriptionRef = nil
		if u.Role == domain.RolePremium {
			u.Role = domain.RoleFree
		}
	})
	if err != nil {
		return nil, fmt.Errorf("revoke premium: %w", err)
	}

	return user, nil
}

func (m *Manager) update(
	ctx context.Context,
	email, paymentID string,
	mutate func(*domain.User, time.Time)) (*domain.User, error) {

	var lastErr error

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		user, err := m.users.GetByEmail(ctx, email)
		if err != nil {
			return nil, err
		}

		mutate(user, m.now())

		err = m.users.UpdateEntitlement(ctx, user, paymentID)
		if err == nil {
			return user, nil
		}

		if !errors.Is(err, domain.ErrEditConflict) {
			return nil, err
		}

		m.logger.Debug("entitlement write conflict, retrying", "attempt", attempt+1, "userId", user.ID)
		lastErr = err
	}

	return nil, lastErr
}

func (m *Manager) notify(user *domain.User) {
	if m.mailer == nil || user.PremiumExpires == nil {
		return
	}

	go func() {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("panic occurred during sending premium mail", "panic", err)
			}
		}()

		data := map[string]any{
			"firstName":      user.FirstName,
			"premiumExpires": user.PremiumExpires.Format("Jan 2, 2006"),
		}

		err := m.mailer.Send(user.Email, premiumActivatedTemplate, data)
		if err != nil {
			m.logger.Error("failed to send premium activated email", "userId", user.ID, "error", err)
		}
	}()
}

func grantedExpiry(current *time.Time, target time.Time) *time.Time {
	if current != nil && !current.Before(target) {
		return current
	}

	return &target
}

func extendedExpiry(current *time.Time, now time.Time, days int) *time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}

	expires := base.AddDate(0, 0, days)

	return &expires
}

func premiumRole(role domain.Role) domain.Role {
	if role == domain.RoleAdmin {
		return role
	}

	return domain.RolePremium
}
