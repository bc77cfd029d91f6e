package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Spok95/club-crm/internal/domain/audit"
	"github.com/Spok95/club-crm/internal/domain/billing"
	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/memberships"
	"github.com/Spok95/club-crm/internal/domain/years"
	"github.com/Spok95/club-crm/internal/infra/metrics"
	"github.com/Spok95/club-crm/internal/infra/payments"
	"github.com/Spok95/club-crm/internal/reports"
)

// API — операции админки и зачисления. Авторизация снаружи: сюда приходит уже
// проверенный actor id в заголовке, ядро получает его параметром.
type API struct {
	log         *slog.Logger
	svc         *memberships.Service
	rec         *billing.Reconciler
	memberships *memberships.Repo
	billing     *billing.Repo
	years       *years.Repo
	households  *households.Repo
	auditor     audit.Recorder
	provider    *payments.Client
	payHandler  *payments.Handler
}

func NewAPI(log *slog.Logger, svc *memberships.Service, rec *billing.Reconciler,
	membershipsRepo *memberships.Repo, billingRepo *billing.Repo, yearsRepo *years.Repo,
	householdsRepo *households.Repo, auditor audit.Recorder,
	provider *payments.Client, payHandler *payments.Handler) *API {

	return &API{
		log: log, svc: svc, rec: rec,
		memberships: membershipsRepo, billing: billingRepo, years: yearsRepo,
		households: householdsRepo, auditor: auditor,
		provider: provider, payHandler: payHandler,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/households", a.createHousehold)
	mux.HandleFunc("GET /api/households", a.getHousehold)
	mux.HandleFunc("DELETE /api/households", a.purgeHousehold)
	mux.HandleFunc("POST /api/enroll", a.enroll)
	mux.HandleFunc("POST /api/payments/manual", a.manualPayment)
	mux.HandleFunc("GET /api/payments", a.listPayments)
	mux.HandleFunc("POST /api/remove", a.remove)
	mux.HandleFunc("POST /api/tier", a.assignTier)
	mux.HandleFunc("GET /api/tiers", a.listTiers)
	mux.HandleFunc("POST /api/years", a.createYear)
	mux.HandleFunc("GET /api/capacity", a.capacity)
	mux.HandleFunc("GET /api/export", a.export)
	mux.HandleFunc("POST /payments/webhook", a.payHandler.Webhook)
	mux.HandleFunc("GET /payments/return", a.payHandler.Return)
}

func actorID(r *http.Request) *int64 {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &id
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errBody struct {
	Error string `json:"error"`
}

// writeErr: бизнес-отказы уходят с причиной, инфраструктурные — обезличенно.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	var capErr *memberships.CapacityError
	switch {
	case errors.As(err, &capErr):
		metrics.EnrollmentRejections.Inc()
		writeJSON(w, http.StatusConflict, errBody{Error: fmt.Sprintf("Membership is full (%d/%d)", capErr.Occupied, capErr.Cap)})
	case errors.Is(err, memberships.ErrYearNotFound),
		errors.Is(err, memberships.ErrMembershipNotFound),
		errors.Is(err, billing.ErrMembershipGone):
		writeJSON(w, http.StatusNotFound, errBody{Error: err.Error()})
	case errors.Is(err, memberships.ErrAlreadyEnrolled),
		errors.Is(err, memberships.ErrAlreadyRemoved),
		errors.Is(err, billing.ErrNotPayable),
		errors.Is(err, billing.ErrAmountMismatch):
		writeJSON(w, http.StatusConflict, errBody{Error: err.Error()})
	case errors.Is(err, households.ErrNoPrimaryMember),
		errors.Is(err, memberships.ErrInvalidReason),
		errors.Is(err, billing.ErrUnknownMethod):
		writeJSON(w, http.StatusBadRequest, errBody{Error: err.Error()})
	default:
		a.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errBody{Error: "internal error"})
	}
}

type memberRequest struct {
	Role            string    `json:"role"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	Email           *string   `json:"email"`
	DateOfBirth     time.Time `json:"date_of_birth"`
	VeteranDisabled bool      `json:"veteran_disabled"`
}

type createHouseholdRequest struct {
	DisplayName string          `json:"display_name"`
	Address     string          `json:"address"`
	Email       string          `json:"email"`
	Phone       string          `json:"phone"`
	Members     []memberRequest `json:"members"`
}

func (a *API) createHousehold(w http.ResponseWriter, r *http.Request) {
	var req createHouseholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "email and members are required"})
		return
	}
	primaries := 0
	for _, m := range req.Members {
		if households.Role(m.Role) == households.RolePrimary {
			primaries++
		}
	}
	if primaries != 1 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "exactly one PRIMARY member is required"})
		return
	}

	id, err := a.households.Create(r.Context(), households.Household{
		DisplayName: req.DisplayName, Address: req.Address, Email: req.Email, Phone: req.Phone,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	for _, m := range req.Members {
		if _, err := a.households.AddMember(r.Context(), households.Member{
			HouseholdID: id, Role: households.Role(m.Role),
			FirstName: m.FirstName, LastName: m.LastName, Email: m.Email,
			DateOfBirth: m.DateOfBirth, VeteranDisabled: m.VeteranDisabled,
		}); err != nil {
			a.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"household_id": id})
}

func (a *API) getHousehold(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "id is required"})
		return
	}
	h, err := a.households.ByID(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if h == nil {
		writeJSON(w, http.StatusNotFound, errBody{Error: "household not found"})
		return
	}
	p, err := a.households.PrimaryMember(r.Context(), id)
	if err != nil && !errors.Is(err, households.ErrNoPrimaryMember) {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"household": h, "primary": p})
}

// purgeHousehold — необратимое удаление, требует явного confirm=true.
func (a *API) purgeHousehold(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "id is required"})
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "purge requires confirm=true"})
		return
	}
	if err := a.households.Purge(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.auditor.Record(r.Context(), audit.Entry{
		ActorID: actorID(r), Action: audit.ActionHouseholdPurged,
		SubjectType: "household", SubjectID: id,
	}); err != nil {
		a.log.Error("audit write failed", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

type enrollRequest struct {
	HouseholdID int64 `json:"household_id"`
	YearID      int64 `json:"year_id"`
}

type enrollResponse struct {
	MembershipID     int64  `json:"membership_id"`
	PriceCents       int64  `json:"price_cents"`
	DiscountCategory string `json:"discount_category"`
	CheckoutURL      string `json:"checkout_url,omitempty"`
}

func (a *API) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HouseholdID == 0 || req.YearID == 0 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "household_id and year_id are required"})
		return
	}

	m, err := a.svc.Enroll(r.Context(), req.HouseholdID, req.YearID, actorID(r))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	metrics.Enrollments.Inc()

	resp := enrollResponse{
		MembershipID:     m.ID,
		PriceCents:       m.PriceCents,
		DiscountCategory: string(m.DiscountCategory),
	}

	// Checkout-сессия сразу: членство уже создано, неудача здесь не откатывает
	// зачисление — оплату можно начать заново.
	sess, err := a.provider.CreateSession(r.Context(), m.ID, m.PriceCents, fmt.Sprintf("Club membership %d", m.ID))
	if err != nil {
		a.log.Error("checkout session create failed", "membership_id", m.ID, "err", err)
	} else {
		if _, err := a.billing.CreatePending(r.Context(), m.ID, m.PriceCents, sess.ID); err != nil {
			a.log.Error("pending payment create failed", "membership_id", m.ID, "err", err)
		}
		resp.CheckoutURL = sess.URL
	}

	writeJSON(w, http.StatusCreated, resp)
}

type manualPaymentRequest struct {
	MembershipID int64  `json:"membership_id"`
	Method       string `json:"method"`
	AmountCents  int64  `json:"amount_cents"`
}

func (a *API) manualPayment(w http.ResponseWriter, r *http.Request) {
	var req manualPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MembershipID == 0 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "membership_id, method and amount_cents are required"})
		return
	}
	if err := a.rec.RecordManual(r.Context(), req.MembershipID, billing.Method(req.Method), req.AmountCents, actorID(r)); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	membershipID, err := strconv.ParseInt(r.URL.Query().Get("membership_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "membership_id is required"})
		return
	}
	list, err := a.billing.ListByMembership(r.Context(), membershipID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type assignTierRequest struct {
	MembershipID int64 `json:"membership_id"`
	TierID       int64 `json:"tier_id"`
}

func (a *API) assignTier(w http.ResponseWriter, r *http.Request) {
	var req assignTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MembershipID == 0 || req.TierID == 0 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "membership_id and tier_id are required"})
		return
	}
	if err := a.svc.AssignTier(r.Context(), req.MembershipID, req.TierID, actorID(r)); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (a *API) listTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := a.years.ListActiveTiers(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tiers)
}

type removeRequest struct {
	HouseholdID int64  `json:"household_id"`
	YearID      int64  `json:"year_id"`
	Reason      string `json:"reason"`
	Notes       string `json:"notes"`
}

func (a *API) remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HouseholdID == 0 || req.YearID == 0 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "household_id, year_id and reason are required"})
		return
	}
	err := a.svc.Remove(r.Context(), req.HouseholdID, req.YearID, memberships.RemovalReason(req.Reason), req.Notes, actorID(r))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type createYearRequest struct {
	Year     int       `json:"year"`
	OpensAt  time.Time `json:"opens_at"`
	Deadline time.Time `json:"deadline"`
	Cap      int       `json:"cap"`
}

// createYear создаёт членский год и, если есть предыдущий, сеет продления.
func (a *API) createYear(w http.ResponseWriter, r *http.Request) {
	var req createYearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Year == 0 || req.Cap <= 0 {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "year, cap, opens_at and deadline are required"})
		return
	}

	id, err := a.years.Create(r.Context(), years.Year{
		Year: req.Year, OpensAt: req.OpensAt, Deadline: req.Deadline, Cap: req.Cap,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}

	if err := a.auditor.Record(r.Context(), audit.Entry{
		ActorID: actorID(r), Action: audit.ActionYearCreated,
		SubjectType: "membership_year", SubjectID: id,
		Detail: fmt.Sprintf("year=%d cap=%d", req.Year, req.Cap),
	}); err != nil {
		a.log.Error("audit write failed", "err", err)
	}

	seeded := 0
	prior, err := a.years.Prior(r.Context(), req.Year)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if prior != nil {
		seeded, err = a.svc.SeedRenewals(r.Context(), id, prior.ID, actorID(r))
		if err != nil {
			a.writeErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"year_id": id, "seeded": seeded})
}

func (a *API) capacity(w http.ResponseWriter, r *http.Request) {
	yearID, err := strconv.ParseInt(r.URL.Query().Get("year_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "year_id is required"})
		return
	}
	c, err := a.svc.CapacitySnapshot(r.Context(), yearID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"occupied":  c.Occupied,
		"cap":       c.Cap,
		"available": c.Available(),
		"is_full":   c.Full(),
	})
}

func (a *API) export(w http.ResponseWriter, r *http.Request) {
	yearID, err := strconv.ParseInt(r.URL.Query().Get("year_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "year_id is required"})
		return
	}
	rows, err := a.memberships.Roster(r.Context(), yearID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	buf, err := reports.Roster(rows)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="roster_%s.xlsx"`, time.Now().Format("20060102_150405")))
	_, _ = w.Write(buf.Bytes())
}
