package payments

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

// Минимальный стор для прогона хендлеров через настоящий Reconciler.
type memStore struct {
	mu         sync.Mutex
	membership *memberships.Membership
	primary    *households.Member
	payment    *billing.Payment
	houseName  string
}

func (s *memStore) WithinTx(_ context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

type memTx struct{ s *memStore }

func (t *memTx) PaymentBySession(_ context.Context, sessionID string) (*billing.Payment, error) {
	p := t.s.payment
	if p != nil && p.ExternalSessionID != nil && *p.ExternalSessionID == sessionID {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) MarkSucceeded(_ context.Context, _ int64, chargeID string, at time.Time) error {
	t.s.payment.Status = billing.StatusSucceeded
	t.s.payment.ExternalChargeID = &chargeID
	t.s.payment.PaidAt = &at
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *billing.Payment) (int64, error) {
	cp := *p
	cp.ID = 1
	t.s.payment = &cp
	return 1, nil
}

func (t *memTx) Membership(_ context.Context, id int64) (*memberships.Membership, error) {
	if t.s.membership == nil || t.s.membership.ID != id {
		return nil, nil
	}
	cp := *t.s.membership
	return &cp, nil
}

func (t *memTx) Activate(_ context.Context, _ int64, at time.Time) error {
	t.s.membership.Status = memberships.StatusActive
	t.s.membership.EnrolledAt = &at
	return nil
}

func (t *memTx) PrimaryMember(_ context.Context, _ int64) (*households.Member, error) {
	return t.s.primary, nil
}

func (t *memTx) AssignNumber(_ context.Context, _ int64) (int, error) {
	n := 42
	t.s.primary.MemberNumber = &n
	return n, nil
}

func (t *memTx) SetHouseholdName(_ context.Context, _ int64, name string) error {
	t.s.houseName = name
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Entry) error { return nil }

func newTestHandler(t *testing.T, store *memStore, session *billing.ProviderSession) (*Handler, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(w, `{"id":%q,"payment_intent":%q,"payment_status":"paid","amount_total":%d,"metadata":{"membership_id":"%d"}}`,
			session.ID, session.PaymentIntentID, session.AmountCents, session.MembershipID)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "sk", "whsec")
	log := slog.New(slog.DiscardHandler)
	rec := billing.NewReconciler(store, client, nopRecorder{}, nil, 5*time.Second, log)
	return NewHandler(log, client, rec), client
}

func activeStore() *memStore {
	sid := "cs_1"
	return &memStore{
		membership: &memberships.Membership{ID: 7, HouseholdID: 1, Status: memberships.StatusNewPending, PriceCents: 15000},
		primary:    &households.Member{ID: 10, HouseholdID: 1, Role: households.RolePrimary, LastName: "Ivanov"},
		payment:    &billing.Payment{ID: 1, MembershipID: 7, AmountCents: 15000, Method: billing.MethodStripe, ExternalSessionID: &sid, Status: billing.StatusPending},
	}
}

func webhookBody() []byte {
	return []byte(`{"type":"checkout.session.completed","data":{"session_id":"cs_1","payment_intent":"pi_1","metadata":{"membership_id":"7"}}}`)
}

func TestWebhookActivates(t *testing.T) {
	store := activeStore()
	h, _ := newTestHandler(t, store, &billing.ProviderSession{ID: "cs_1", PaymentIntentID: "pi_1", AmountCents: 15000, MembershipID: 7})

	body := webhookBody()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sign("whsec", body))
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, memberships.StatusActive, store.membership.Status)
	assert.Equal(t, "Ivanov №42", store.houseName)
}

func TestWebhookBadSignature(t *testing.T) {
	store := activeStore()
	h, _ := newTestHandler(t, store, nil)

	body := webhookBody()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "deadbeef")
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, memberships.StatusNewPending, store.membership.Status)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	store := activeStore()
	h, _ := newTestHandler(t, store, nil)

	body := []byte(`{"type":"invoice.created","data":{"session_id":"cs_1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sign("whsec", body))
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, memberships.StatusNewPending, store.membership.Status)
}

// Членство из payload не найдено: подтверждаем приём, аномалия в логе,
// provider не получает повторную доставку.
func TestWebhookAcksMissingMembership(t *testing.T) {
	store := activeStore()
	store.membership = nil
	h, _ := newTestHandler(t, store, &billing.ProviderSession{ID: "cs_1", PaymentIntentID: "pi_1", AmountCents: 15000, MembershipID: 7})

	body := webhookBody()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sign("whsec", body))
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReturnActivates(t *testing.T) {
	store := activeStore()
	h, _ := newTestHandler(t, store, &billing.ProviderSession{ID: "cs_1", PaymentIntentID: "pi_1", AmountCents: 15000, MembershipID: 7})

	req := httptest.NewRequest(http.MethodGet, "/payments/return?session_id=cs_1", nil)
	w := httptest.NewRecorder()
	h.Return(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, memberships.StatusActive, store.membership.Status)
}

func TestReturnMissingParam(t *testing.T) {
	h, _ := newTestHandler(t, activeStore(), nil)
	req := httptest.NewRequest(http.MethodGet, "/payments/return", nil)
	w := httptest.NewRecorder()
	h.Return(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// Оба канала бьют одновременно по одной сессии: одна активация, один номер.
func TestConcurrentWebhookAndReturn(t *testing.T) {
	store := activeStore()
	h, _ := newTestHandler(t, store, &billing.ProviderSession{ID: "cs_1", PaymentIntentID: "pi_1", AmountCents: 15000, MembershipID: 7})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		body := webhookBody()
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", sign("whsec", body))
		h.Webhook(httptest.NewRecorder(), req)
	}()
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodGet, "/payments/return?session_id=cs_1", nil)
		h.Return(httptest.NewRecorder(), req)
	}()
	wg.Wait()

	assert.Equal(t, memberships.StatusActive, store.membership.Status)
	require.NotNil(t, store.primary.MemberNumber)
	assert.Equal(t, 42, *store.primary.MemberNumber)
	assert.Equal(t, billing.StatusSucceeded, store.payment.Status)
}
