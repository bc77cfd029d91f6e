package billing_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spok95/club-crm/internal/domain/audit"
	"github.com/Spok95/club-crm/internal/domain/billing"
	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/memberships"
)

// fakeStore повторяет транзакционную семантику сверки: WithinTx сериализует
// конкурентные вызовы, как advisory-лок по сессии в Postgres.
type fakeStore struct {
	mu          sync.Mutex
	payments    map[int64]*billing.Payment
	memberships map[int64]*memberships.Membership
	primaries   map[int64]*households.Member // по household_id
	houseNames  map[int64]string
	nextPayID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:    map[int64]*billing.Payment{},
		memberships: map[int64]*memberships.Membership{},
		primaries:   map[int64]*households.Member{},
		houseNames:  map[int64]string{},
	}
}

func (s *fakeStore) addMembership(id, householdID int64, status memberships.Status, price int64) {
	s.memberships[id] = &memberships.Membership{ID: id, HouseholdID: householdID, YearID: 1, Status: status, PriceCents: price}
	s.primaries[householdID] = &households.Member{ID: householdID * 10, HouseholdID: householdID, Role: households.RolePrimary, LastName: fmt.Sprintf("Smith%d", householdID)}
	s.houseNames[householdID] = "Smith household"
}

func (s *fakeStore) addPending(membershipID int64, sessionID string, amount int64) {
	s.nextPayID++
	sid := sessionID
	s.payments[s.nextPayID] = &billing.Payment{
		ID: s.nextPayID, MembershipID: membershipID, AmountCents: amount,
		Method: billing.MethodStripe, ExternalSessionID: &sid, Status: billing.StatusPending,
	}
}

func (s *fakeStore) succeededCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payments {
		if p.Status == billing.StatusSucceeded {
			n++
		}
	}
	return n
}

func (s *fakeStore) WithinTx(_ context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&fakeTx{s: s})
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) PaymentBySession(_ context.Context, sessionID string) (*billing.Payment, error) {
	for _, p := range t.s.payments {
		if p.ExternalSessionID != nil && *p.ExternalSessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) MarkSucceeded(_ context.Context, paymentID int64, chargeID string, at time.Time) error {
	p := t.s.payments[paymentID]
	p.Status = billing.StatusSucceeded
	p.ExternalChargeID = &chargeID
	p.PaidAt = &at
	return nil
}

func (t *fakeTx) InsertPayment(_ context.Context, p *billing.Payment) (int64, error) {
	t.s.nextPayID++
	cp := *p
	cp.ID = t.s.nextPayID
	t.s.payments[cp.ID] = &cp
	return cp.ID, nil
}

func (t *fakeTx) Membership(_ context.Context, id int64) (*memberships.Membership, error) {
	m, ok := t.s.memberships[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (t *fakeTx) Activate(_ context.Context, membershipID int64, at time.Time) error {
	m := t.s.memberships[membershipID]
	if !memberships.CanTransition(m.Status, memberships.StatusActive) {
		return memberships.ErrBadTransition
	}
	m.Status = memberships.StatusActive
	m.EnrolledAt = &at
	return nil
}

func (t *fakeTx) PrimaryMember(_ context.Context, householdID int64) (*households.Member, error) {
	p, ok := t.s.primaries[householdID]
	if !ok {
		return nil, households.ErrNoPrimaryMember
	}
	return p, nil
}

// AssignNumber — идемпотентная атомарная выдача 1+max, как в SQL-репозитории.
func (t *fakeTx) AssignNumber(_ context.Context, memberID int64) (int, error) {
	var target *households.Member
	maxN := 0
	for _, p := range t.s.primaries {
		if p.MemberNumber != nil && *p.MemberNumber > maxN {
			maxN = *p.MemberNumber
		}
		if p.ID == memberID {
			target = p
		}
	}
	if target == nil {
		return 0, households.ErrNoPrimaryMember
	}
	if target.MemberNumber != nil {
		return *target.MemberNumber, nil
	}
	n := maxN + 1
	target.MemberNumber = &n
	return n, nil
}

func (t *fakeTx) SetHouseholdName(_ context.Context, householdID int64, name string) error {
	t.s.houseNames[householdID] = name
	return nil
}

// fakeProvider отдаёт авторитетное состояние сессии и считает обращения.
type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]*billing.ProviderSession
	calls    int
}

func (p *fakeProvider) VerifySession(_ context.Context, sessionID string) (*billing.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	cp := *s
	return &cp, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureRecorder) count(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func newReconciler(store *fakeStore, provider *fakeProvider) (*billing.Reconciler, *captureRecorder) {
	rec := &captureRecorder{}
	r := billing.NewReconciler(store, provider, rec, nil, 5*time.Second, slog.New(slog.DiscardHandler))
	return r, rec
}

func paidSession(id string, membershipID, amount int64) *billing.ProviderSession {
	return &billing.ProviderSession{ID: id, PaymentIntentID: "pi_" + id, Paid: true, AmountCents: amount, MembershipID: membershipID}
}

func TestReconcilePendingToActive(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	store.addPending(1, "cs_1", 15000)
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_1": paidSession("cs_1", 1, 15000)}}
	r, rec := newReconciler(store, provider)

	require.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerWebhook))

	assert.Equal(t, memberships.StatusActive, store.memberships[1].Status)
	assert.NotNil(t, store.memberships[1].EnrolledAt)
	assert.Equal(t, 1, store.succeededCount())
	require.NotNil(t, store.primaries[10].MemberNumber)
	assert.Equal(t, 1, *store.primaries[10].MemberNumber)
	assert.Equal(t, "Smith10 №1", store.houseNames[10])
	assert.Equal(t, 1, rec.count(audit.ActionActivated))
}

// Вебхук пришёл раньше, чем записалась PENDING-строка: платёж создаётся сразу
// в SUCCEEDED.
func TestReconcileWithoutPendingRow(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusPendingRenewal, 10000)
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_2": paidSession("cs_2", 1, 10000)}}
	r, _ := newReconciler(store, provider)

	require.NoError(t, r.Reconcile(context.Background(), "cs_2", 0, billing.TriggerWebhook))
	assert.Equal(t, memberships.StatusActive, store.memberships[1].Status)
	assert.Equal(t, 1, store.succeededCount())
}

func TestReconcileIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	store.addPending(1, "cs_1", 15000)
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_1": paidSession("cs_1", 1, 15000)}}
	r, rec := newReconciler(store, provider)

	require.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerWebhook))
	require.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerPoll))
	require.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerWebhook))

	assert.Equal(t, 1, store.succeededCount())
	assert.Equal(t, 1, *store.primaries[10].MemberNumber)
	assert.Equal(t, 1, rec.count(audit.ActionActivated))
}

// Вебхук и возврат из браузера бьют одновременно: ровно одна активация,
// ровно один номер.
func TestReconcileConcurrentTriggers(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	store.addPending(1, "cs_1", 15000)
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_1": paidSession("cs_1", 1, 15000)}}
	r, rec := newReconciler(store, provider)

	var wg sync.WaitGroup
	for _, trig := range []billing.Trigger{billing.TriggerWebhook, billing.TriggerPoll} {
		wg.Add(1)
		go func(trig billing.Trigger) {
			defer wg.Done()
			assert.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, trig))
		}(trig)
	}
	wg.Wait()

	assert.Equal(t, 1, store.succeededCount())
	assert.Equal(t, memberships.StatusActive, store.memberships[1].Status)
	assert.Equal(t, 1, *store.primaries[10].MemberNumber)
	assert.Equal(t, 1, rec.count(audit.ActionActivated))
}

func TestReconcileUnpaidSession(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	sess := paidSession("cs_1", 1, 15000)
	sess.Paid = false
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_1": sess}}
	r, _ := newReconciler(store, provider)

	err := r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerPoll)
	assert.ErrorIs(t, err, billing.ErrNotConfirmed)
	assert.Equal(t, 0, store.succeededCount())
	assert.Equal(t, memberships.StatusNewPending, store.memberships[1].Status)
}

// Членство сняли между созданием сессии и подтверждением: платёж фиксируем
// для бухгалтерии, активации нет, в журнале аномалия.
func TestReconcileNotPayableAnomaly(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusRemoved, 15000)
	store.addPending(1, "cs_1", 15000)
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{"cs_1": paidSession("cs_1", 1, 15000)}}
	r, rec := newReconciler(store, provider)

	require.NoError(t, r.Reconcile(context.Background(), "cs_1", 1, billing.TriggerWebhook))

	assert.Equal(t, 1, store.succeededCount())
	assert.Equal(t, memberships.StatusRemoved, store.memberships[1].Status)
	assert.Nil(t, store.primaries[10].MemberNumber)
	assert.Equal(t, 1, rec.count(audit.ActionPaymentAnomaly))
	assert.Equal(t, 0, rec.count(audit.ActionActivated))
}

func TestRecordManual(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusPendingRenewal, 10000)
	r, rec := newReconciler(store, &fakeProvider{})

	require.NoError(t, r.RecordManual(context.Background(), 1, billing.MethodCash, 10000, nil))
	assert.Equal(t, memberships.StatusActive, store.memberships[1].Status)
	assert.Equal(t, 1, store.succeededCount())
	assert.Equal(t, 1, rec.count(audit.ActionPaymentRecorded))
	assert.Equal(t, 1, rec.count(audit.ActionActivated))
}

func TestRecordManualAmountMismatch(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	r, _ := newReconciler(store, &fakeProvider{})

	// расходимся на один цент — отказ без строки платежа
	err := r.RecordManual(context.Background(), 1, billing.MethodCheck, 14999, nil)
	assert.ErrorIs(t, err, billing.ErrAmountMismatch)
	assert.Equal(t, 0, store.succeededCount())
	assert.Equal(t, memberships.StatusNewPending, store.memberships[1].Status)
}

func TestRecordManualNotPayable(t *testing.T) {
	for _, st := range []memberships.Status{memberships.StatusActive, memberships.StatusLapsed, memberships.StatusRemoved} {
		store := newFakeStore()
		store.addMembership(1, 10, st, 15000)
		r, _ := newReconciler(store, &fakeProvider{})

		err := r.RecordManual(context.Background(), 1, billing.MethodCash, 15000, nil)
		assert.ErrorIs(t, err, billing.ErrNotPayable, "status %s", st)
		assert.Equal(t, 0, len(store.payments), "status %s", st)
	}
}

func TestRecordManualUnknownMethod(t *testing.T) {
	store := newFakeStore()
	store.addMembership(1, 10, memberships.StatusNewPending, 15000)
	r, _ := newReconciler(store, &fakeProvider{})
	err := r.RecordManual(context.Background(), 1, billing.MethodStripe, 15000, nil)
	assert.ErrorIs(t, err, billing.ErrUnknownMethod)
}

// Монотонность номеров: 50 конкурентных активаций дают 50 различных
// последовательных номеров без дыр и дублей.
func TestAssignNumbersMonotonic(t *testing.T) {
	const n = 50
	store := newFakeStore()
	provider := &fakeProvider{sessions: map[string]*billing.ProviderSession{}}
	for i := int64(1); i <= n; i++ {
		store.addMembership(i, i, memberships.StatusNewPending, 15000)
		sid := fmt.Sprintf("cs_%d", i)
		store.addPending(i, sid, 15000)
		provider.sessions[sid] = paidSession(sid, i, 15000)
	}
	r, _ := newReconciler(store, provider)

	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			assert.NoError(t, r.Reconcile(context.Background(), fmt.Sprintf("cs_%d", i), i, billing.TriggerWebhook))
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, p := range store.primaries {
		require.NotNil(t, p.MemberNumber)
		assert.False(t, seen[*p.MemberNumber], "duplicate number %d", *p.MemberNumber)
		seen[*p.MemberNumber] = true
	}
	for want := 1; want <= n; want++ {
		assert.True(t, seen[want], "missing number %d", want)
	}
}
