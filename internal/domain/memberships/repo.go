package memberships

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/years"
)

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

const membershipCols = `id, household_id, year_id, status, price_cents, discount_category,
	tier_id, enrolled_at, lapsed_at, removal_reason, removal_notes, created_at, updated_at`

func scanMembership(row pgx.Row) (*Membership, error) {
	var m Membership
	if err := row.Scan(&m.ID, &m.HouseholdID, &m.YearID, &m.Status, &m.PriceCents, &m.DiscountCategory,
		&m.TierID, &m.EnrolledAt, &m.LapsedAt, &m.RemovalReason, &m.RemovalNotes, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// WithYearLock: блокирующее чтение строки года в той же транзакции, где потом
// идёт вставка членства. Блокировка живёт до коммита/отката — проверка лимита
// задним числом небезопасна.
func (r *Repo) WithYearLock(ctx context.Context, yearID int64, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT id FROM membership_years WHERE id = $1 FOR UPDATE`, yearID); err != nil {
		return err
	}
	if err := fn(&repoTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type repoTx struct {
	tx pgx.Tx
}

func (t *repoTx) Year(ctx context.Context, yearID int64) (*years.Year, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, year, opens_at, deadline, cap, created_at
		FROM membership_years WHERE id = $1
	`, yearID)
	var y years.Year
	if err := row.Scan(&y.ID, &y.Year, &y.OpensAt, &y.Deadline, &y.Cap, &y.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &y, nil
}

func (t *repoTx) CountOccupying(ctx context.Context, yearID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM memberships
		WHERE year_id = $1 AND status IN ('ACTIVE','PENDING_RENEWAL','NEW_PENDING')
	`, yearID).Scan(&n)
	return n, err
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

func (t *repoTx) HasMembership(ctx context.Context, householdID, yearID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE household_id = $1 AND year_id = $2)
	`, householdID, yearID).Scan(&exists)
	return exists, err
}

func (t *repoTx) InsertMembership(ctx context.Context, m *Membership) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO memberships (household_id, year_id, status, price_cents, discount_category)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, m.HouseholdID, m.YearID, m.Status, m.PriceCents, m.DiscountCategory).Scan(&id)
	return id, err
}

// CapacitySnapshot — неблокирующий вариант, только для показа. Решения о
// переходах на нём не принимаются.
func (r *Repo) CapacitySnapshot(ctx context.Context, yearID int64) (Capacity, error) {
	var c Capacity
	err := r.pool.QueryRow(ctx, `
		SELECT y.cap,
		       (SELECT COUNT(*) FROM memberships m
		        WHERE m.year_id = y.id AND m.status IN ('ACTIVE','PENDING_RENEWAL','NEW_PENDING'))
		FROM membership_years y WHERE y.id = $1
	`, yearID).Scan(&c.Cap, &c.Occupied)
	if err == pgx.ErrNoRows {
		return c, ErrYearNotFound
	}
	return c, err
}

func (r *Repo) ByHouseholdYear(ctx context.Context, householdID, yearID int64) (*Membership, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx, `
		SELECT `+membershipCols+` FROM memberships
		WHERE household_id = $1 AND year_id = $2
	`, householdID, yearID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (r *Repo) ByID(ctx context.Context, id int64) (*Membership, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx, `
		SELECT `+membershipCols+` FROM memberships WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (r *Repo) MarkRemoved(ctx context.Context, id int64, reason RemovalReason, notes string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE memberships
		SET status = 'REMOVED', removal_reason = $2, removal_notes = $3, updated_at = now()
		WHERE id = $1 AND status <> 'REMOVED'
	`, id, reason, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRemoved
	}
	return nil
}

func (r *Repo) LapseDue(ctx context.Context, asOf time.Time) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE memberships m
		SET status = 'LAPSED', lapsed_at = $1, updated_at = now()
		FROM membership_years y
		WHERE m.year_id = y.id AND m.status = 'PENDING_RENEWAL' AND y.deadline < $1
		RETURNING m.id, m.household_id, m.year_id, m.status, m.price_cents, m.discount_category,
		          m.tier_id, m.enrolled_at, m.lapsed_at, m.removal_reason, m.removal_notes, m.created_at, m.updated_at
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *Repo) ActiveInYear(ctx context.Context, yearID int64) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+membershipCols+` FROM memberships
		WHERE year_id = $1 AND status = 'ACTIVE'
		ORDER BY id
	`, yearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *Repo) SetTier(ctx context.Context, membershipID, tierID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE memberships SET tier_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'NEW_PENDING'
	`, membershipID, tierID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// Roster — реестр года с данными домохозяйства для выгрузки.
func (r *Repo) Roster(ctx context.Context, yearID int64) ([]RosterRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, h.display_name, p.first_name, p.last_name, p.member_number,
		       m.status, m.price_cents, m.discount_category, m.enrolled_at
		FROM memberships m
		JOIN households h ON h.id = m.household_id
		JOIN members p ON p.household_id = h.id AND p.role = 'PRIMARY'
		WHERE m.year_id = $1
		ORDER BY h.display_name
	`, yearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RosterRow
	for rows.Next() {
		var rr RosterRow
		if err := rows.Scan(&rr.MembershipID, &rr.HouseholdName, &rr.PrimaryFirstName, &rr.PrimaryLastName,
			&rr.MemberNumber, &rr.Status, &rr.PriceCents, &rr.DiscountCategory, &rr.EnrolledAt); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func collect(rows pgx.Rows) ([]Membership, error) {
	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
