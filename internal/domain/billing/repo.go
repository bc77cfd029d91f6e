package billing

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/memberships"
)

type Repo struct {
	pool    *pgxpool.Pool
	members *households.Repo
}

func NewRepo(pool *pgxpool.Pool, members *households.Repo) *Repo {
	return &Repo{pool: pool, members: members}
}

func (r *Repo) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&repoTx{tx: tx, members: r.members}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreatePending фиксирует созданную у провайдера сессию до оплаты.
func (r *Repo) CreatePending(ctx context.Context, membershipID int64, amountCents int64, sessionID string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (membership_id, amount_cents, method, external_session_id, status)
		VALUES ($1,$2,'STRIPE',$3,'PENDING')
		RETURNING id
	`, membershipID, amountCents, sessionID).Scan(&id)
	return id, err
}

func (r *Repo) ListByMembership(ctx context.Context, membershipID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, membership_id, amount_cents, method, external_session_id, external_charge_id, status, paid_at, created_at
		FROM payments WHERE membership_id = $1 ORDER BY id
	`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.MembershipID, &p.AmountCents, &p.Method, &p.ExternalSessionID, &p.ExternalChargeID, &p.Status, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type repoTx struct {
	tx      pgx.Tx
	members *households.Repo
}

// PaymentBySession сериализует конкурентные сверки одной сессии advisory-локом:
// уникальный индекс по session id — страховка, лок — нормальный путь, на
// котором проигравший видит уже закоммиченный SUCCEEDED.
func (t *repoTx) PaymentBySession(ctx context.Context, sessionID string) (*Payment, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, `
		SELECT id, membership_id, amount_cents, method, external_session_id, external_charge_id, status, paid_at, created_at
		FROM payments WHERE external_session_id = $1
		FOR UPDATE
	`, sessionID)
	var p Payment
	if err := row.Scan(&p.ID, &p.MembershipID, &p.AmountCents, &p.Method, &p.ExternalSessionID, &p.ExternalChargeID, &p.Status, &p.PaidAt, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (t *repoTx) MarkSucceeded(ctx context.Context, paymentID int64, chargeID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments SET status = 'SUCCEEDED', external_charge_id = $2, paid_at = $3 WHERE id = $1
	`, paymentID, chargeID, at)
	return err
}

func (t *repoTx) InsertPayment(ctx context.Context, p *Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (membership_id, amount_cents, method, external_session_id, external_charge_id, status, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, p.MembershipID, p.AmountCents, p.Method, p.ExternalSessionID, p.ExternalChargeID, p.Status, p.PaidAt).Scan(&id)
	return id, err
}

func (t *repoTx) Membership(ctx context.Context, id int64) (*memberships.Membership, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, household_id, year_id, status, price_cents, discount_category,
		       tier_id, enrolled_at, lapsed_at, removal_reason, removal_notes, created_at, updated_at
		FROM memberships WHERE id = $1
		FOR UPDATE
	`, id)
	var m memberships.Membership
	if err := row.Scan(&m.ID, &m.HouseholdID, &m.YearID, &m.Status, &m.PriceCents, &m.DiscountCategory,
		&m.TierID, &m.EnrolledAt, &m.LapsedAt, &m.RemovalReason, &m.RemovalNotes, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (t *repoTx) Activate(ctx context.Context, membershipID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE memberships SET status = 'ACTIVE', enrolled_at = $2, updated_at = now()
		WHERE id = $1 AND status IN ('NEW_PENDING','PENDING_RENEWAL')
	`, membershipID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return memberships.ErrBadTransition
	}
	return nil
}

func (t *repoTx) PrimaryMember(ctx context.Context, householdID int64) (*households.Member, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, household_id, role, first_name, last_name, email, date_of_birth, veteran_disabled, member_number, created_at, updated_at
		FROM members WHERE household_id = $1 AND role = 'PRIMARY'
	`, householdID)
	var m households.Member
	if err := row.Scan(&m.ID, &m.HouseholdID, &m.Role, &m.FirstName, &m.LastName, &m.Email, &m.DateOfBirth, &m.VeteranDisabled, &m.MemberNumber, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, households.ErrNoPrimaryMember
		}
		return nil, err
	}
	return &m, nil
}

func (t *repoTx) AssignNumber(ctx context.Context, memberID int64) (int, error) {
	return t.members.AssignNumberTx(ctx, t.tx, memberID)
}

func (t *repoTx) SetHouseholdName(ctx context.Context, householdID int64, name string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE households SET display_name = $2, updated_at = now() WHERE id = $1
	`, householdID, name)
	return err
}
