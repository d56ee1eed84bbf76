package billing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/entitlement"
	"github.com/metinatakli/premium-billing/internal/payment"
	"github.com/metinatakli/premium-billing/internal/signing"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "whsec_billing_test"
	testEmail         = "reader@example.com"
	testUserID        = 1
	otherUserID       = 2
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memLedger keeps payments in memory behind the same compare-and-swap contract
// as the postgres repository.
type memLedger struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
}

func newMemLedger() *memLedger {
	return &memLedger{payments: make(map[string]*domain.Payment)}
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	c.Metadata = append([]domain.AuditEvent(nil), p.Metadata...)
	if p.ProviderRef != nil {
		ref := *p.ProviderRef
		c.ProviderRef = &ref
	}
	if p.FailureReason != nil {
		reason := *p.FailureReason
		c.FailureReason = &reason
	}
	if p.EntitlementAppliedAt != nil {
		at := *p.EntitlementAppliedAt
		c.EntitlementAppliedAt = &at
	}

	return &c
}

func (m *memLedger) Create(ctx context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payments {
		if existing.Method == p.Method && existing.ExternalRef == p.ExternalRef {
			return domain.ErrDuplicateRecord
		}
	}

	stored := clonePayment(p)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.payments[p.ID] = stored

	return nil
}

func (m *memLedger) GetById(ctx context.Context, id string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}

	return clonePayment(p), nil
}

func (m *memLedger) GetByExternalRef(ctx context.Context, method domain.PaymentMethod, ref string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var byProvider *domain.Payment
	for _, p := range m.payments {
		if p.Method != method {
			continue
		}
		if p.ExternalRef == ref {
			return clonePayment(p), nil
		}
		if p.ProviderRef != nil && *p.ProviderRef == ref {
			byProvider = p
		}
	}

	if byProvider == nil {
		return nil, domain.ErrRecordNotFound
	}

	return clonePayment(byProvider), nil
}

func (m *memLedger) FindByAuditReference(ctx context.Context, method domain.PaymentMethod, ref string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needle := []byte(`"` + ref + `"`)
	for _, p := range m.payments {
		if p.Method != method {
			continue
		}
		for _, e := range p.Metadata {
			if bytes.Contains(e.Data, needle) {
				return clonePayment(p), nil
			}
		}
	}

	return nil, domain.ErrRecordNotFound
}

func (m *memLedger) AppendAudit(ctx context.Context, paymentID string, event domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	p.Metadata = append(p.Metadata, event)

	return nil
}

func (m *memLedger) SetProviderRef(ctx context.Context, paymentID, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok || p.Status != domain.PaymentStatusPending {
		return domain.ErrRecordNotFound
	}
	p.ProviderRef = &providerRef

	return nil
}

func (m *memLedger) Finalize(ctx context.Context, paymentID string, f domain.Finalization) (*domain.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, false, domain.ErrRecordNotFound
	}

	if p.Status != domain.PaymentStatusPending {
		p.Metadata = append(p.Metadata, domain.NewAuditEvent(domain.AuditDuplicateDelivery, map[string]any{
			"attemptedStatus": f.Status,
			"currentStatus":   p.Status,
		}))
		return clonePayment(p), false, nil
	}

	p.Status = f.Status
	if f.Amount != nil {
		p.Amount = *f.Amount
	}
	if f.Currency != "" {
		p.Currency = f.Currency
	}
	if f.ProviderRef != "" {
		ref := f.ProviderRef
		p.ProviderRef = &ref
	}
	if f.FailureReason != "" {
		reason := f.FailureReason
		p.FailureReason = &reason
	}
	if f.Event.Kind == "" {
		f.Event = domain.NewAuditEvent(domain.AuditFinalized, nil)
	}
	p.Metadata = append(p.Metadata, f.Event)
	p.UpdatedAt = time.Now()

	return clonePayment(p), true, nil
}

func (m *memLedger) markEntitlementApplied(paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if p.EntitlementAppliedAt != nil {
		return domain.ErrEntitlementApplied
	}
	now := time.Now()
	p.EntitlementAppliedAt = &now

	return nil
}

func (m *memLedger) all() []*domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()

	payments := make([]*domain.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		payments = append(payments, clonePayment(p))
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })

	return payments
}

// memUsers marks payments on ledger while it holds its own lock, so the user
// write and the marker land together.
type memUsers struct {
	mu     sync.Mutex
	users  map[int]*domain.User
	ledger *memLedger
}

func newMemUsers(users ...domain.User) *memUsers {
	m := &memUsers{users: make(map[int]*domain.User)}
	for _, u := range users {
		u := u
		m.users[u.ID] = &u
	}

	return m
}

func (m *memUsers) find(match func(*domain.User) bool) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}

	return nil, domain.ErrRecordNotFound
}

func (m *memUsers) GetById(ctx context.Context, id int) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return u.ID == id })
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return u.Email == email })
}

func (m *memUsers) GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return u.StripeCustomerID != nil && *u.StripeCustomerID == customerID })
}

func (m *memUsers) GetBySubscriptionRef(ctx context.Context, ref string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool {
		return u.ProviderSubscriptionRef != nil && *u.ProviderSubscriptionRef == ref
	})
}

func (m *memUsers) SetStripeCustomerID(ctx context.Context, userID int, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return "", domain.ErrRecordNotFound
	}
	if u.StripeCustomerID == nil {
		u.StripeCustomerID = &customerID
		u.Version++
	}

	return *u.StripeCustomerID, nil
}

func (m *memUsers) UpdateEntitlement(ctx context.Context, user *domain.User, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if stored.Version != user.Version {
		return domain.ErrEditConflict
	}
	if paymentID != "" {
		if err := m.ledger.markEntitlementApplied(paymentID); err != nil {
			return err
		}
	}

	user.Version++
	c := *user
	m.users[user.ID] = &c

	return nil
}

func (m *memUsers) get(t *testing.T, id int) *domain.User {
	t.Helper()

	u, err := m.GetById(context.Background(), id)
	require.NoError(t, err)

	return u
}

type memEvents struct {
	mu     sync.Mutex
	nextID int
	events map[string]*domain.ProcessorEvent
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string]*domain.ProcessorEvent)}
}

func (m *memEvents) Record(ctx context.Context, event *domain.ProcessorEvent) (bool, *domain.ProcessorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.Provider + "/" + event.EventID
	if existing, ok := m.events[key]; ok {
		c := *existing
		return false, &c, nil
	}

	m.nextID++
	stored := *event
	stored.ID = m.nextID
	stored.CreatedAt = time.Now()
	m.events[key] = &stored

	c := stored
	return true, &c, nil
}

func (m *memEvents) MarkProcessed(ctx context.Context, id int, processingErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.ID != id {
			continue
		}
		if processingErr != nil {
			msg := processingErr.Error()
			e.ProcessingError = &msg
			return nil
		}
		now := time.Now()
		e.ProcessedAt = &now
		e.ProcessingError = nil
		return nil
	}

	return domain.ErrRecordNotFound
}

var (
	keyOnce sync.Once
	keyPEM  struct{ private, public string }
)

// testKeys returns one RSA key pair shared by the package tests. The same pair
// plays both merchant and provider.
func testKeys(t *testing.T) (string, string) {
	t.Helper()

	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}

		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			panic(err)
		}

		keyPEM.private = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
		keyPEM.public = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	})

	return keyPEM.private, keyPEM.public
}

type fixture struct {
	svc     *Service
	ledger  *memLedger
	users   *memUsers
	events  *memEvents
	card    *payment.MockCardProvider
	mobile  *payment.MockMobileProvider
	signer  *signing.Signer
	manager *entitlement.Manager
}

func newFixture(t *testing.T, users ...domain.User) *fixture {
	t.Helper()

	if len(users) == 0 {
		users = []domain.User{
			{ID: testUserID, Email: testEmail, FirstName: "Abebe", Role: domain.RoleFree, Version: 1},
			{ID: otherUserID, Email: "other@example.com", Role: domain.RoleFree, Version: 1},
		}
	}

	private, public := testKeys(t)
	signer, err := signing.NewSigner(private, public)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		ledger: newMemLedger(),
		users:  newMemUsers(users...),
		events: newMemEvents(),
		card:   payment.NewMockCardProvider(testWebhookSecret),
		mobile: payment.NewMockMobileProvider(signer),
		signer: signer,
	}
	f.users.ledger = f.ledger
	f.manager = entitlement.NewManager(f.users, logger, entitlement.WithClock(func() time.Time { return baseTime }))
	f.useEntitlements(f.manager)

	return f
}

// useEntitlements rebuilds the service around entitlements, keeping every
// other dependency of the fixture.
func (f *fixture) useEntitlements(entitlements Entitlements) {
	f.svc = NewService(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Payments:     f.ledger,
		Users:        f.users,
		Events:       f.events,
		Card:         f.card,
		Mobile:       f.mobile,
		Entitlements: entitlements,
	})
}

// flakyEntitlements fails the next failures Grant or Extend calls before
// passing through, like a database that drops the connection mid-write.
type flakyEntitlements struct {
	Entitlements
	mu       sync.Mutex
	failures int
}

func (e *flakyEntitlements) fail() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failures == 0 {
		return nil
	}
	e.failures--

	return errors.New("db: connection reset")
}

func (e *flakyEntitlements) Grant(ctx context.Context, email string, days int, paymentID string) (*domain.User, error) {
	if err := e.fail(); err != nil {
		return nil, err
	}

	return e.Entitlements.Grant(ctx, email, days, paymentID)
}

func (e *flakyEntitlements) Extend(ctx context.Context, email string, days int, paymentID string) (*domain.User, error) {
	if err := e.fail(); err != nil {
		return nil, err
	}

	return e.Entitlements.Extend(ctx, email, days, paymentID)
}

// signedCallback builds a callback body signed the way the provider signs it.
func (f *fixture) signedCallback(t *testing.T, fields map[string]any) []byte {
	t.Helper()

	sign, err := f.signer.Sign(fields)
	require.NoError(t, err)

	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body[signing.SignatureField] = sign

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	return raw
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func ptr[T any](v T) *T {
	return &v
}

func auditKinds(p *domain.Payment) []domain.AuditKind {
	kinds := make([]domain.AuditKind, 0, len(p.Metadata))
	for _, e := range p.Metadata {
		kinds = append(kinds, e.Kind)
	}

	return kinds
}
