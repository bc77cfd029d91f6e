package households

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoPrimaryMember = errors.New("households: no primary member")

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) Create(ctx context.Context, h Household) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO households (display_name, address, email, phone)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, h.DisplayName, h.Address, h.Email, h.Phone).Scan(&id)
	return id, err
}

func (r *Repo) ByID(ctx context.Context, id int64) (*Household, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, display_name, address, email, phone, created_at, updated_at
		FROM households WHERE id = $1
	`, id)
	var h Household
	if err := row.Scan(&h.ID, &h.DisplayName, &h.Address, &h.Email, &h.Phone, &h.CreatedAt, &h.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func (r *Repo) AddMember(ctx context.Context, m Member) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO members (household_id, role, first_name, last_name, email, date_of_birth, veteran_disabled, sensitive)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, m.HouseholdID, m.Role, m.FirstName, m.LastName, m.Email, m.DateOfBirth, m.VeteranDisabled, m.Sensitive).Scan(&id)
	return id, err
}

// PrimaryMember возвращает главного члена домохозяйства (ровно один по схеме).
func (r *Repo) PrimaryMember(ctx context.Context, householdID int64) (*Member, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, household_id, role, first_name, last_name, email, date_of_birth, veteran_disabled, member_number, created_at, updated_at
		FROM members WHERE household_id = $1 AND role = 'PRIMARY'
	`, householdID)
	var m Member
	if err := row.Scan(&m.ID, &m.HouseholdID, &m.Role, &m.FirstName, &m.LastName, &m.Email, &m.DateOfBirth, &m.VeteranDisabled, &m.MemberNumber, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoPrimaryMember
		}
		return nil, err
	}
	return &m, nil
}

// AssignNumber выдаёт члену постоянный номер: если номер уже есть — возвращаем
// его без записи. Иначе 1+max по всем членам одним UPDATE под advisory-локом,
// чтобы два конкурентных назначения не получили одинаковый номер.
func (r *Repo) AssignNumber(ctx context.Context, memberID int64) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := assignNumberTx(ctx, tx, memberID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// assignNumberTx — та же выдача номера внутри уже открытой транзакции.
func assignNumberTx(ctx context.Context, tx pgx.Tx, memberID int64) (int, error) {
	// Сериализуем выдачу номеров: подзапрос MAX в UPDATE сам по себе
	// не защищает от гонки двух активаций.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('member_number_seq'))`); err != nil {
		return 0, err
	}
	var n int
	err := tx.QueryRow(ctx, `
		UPDATE members
		SET member_number = COALESCE(member_number, 1 + (SELECT COALESCE(MAX(m2.member_number), 0) FROM members m2)),
		    updated_at = now()
		WHERE id = $1
		RETURNING member_number
	`, memberID).Scan(&n)
	return n, err
}

// AssignNumberTx — вариант для вызова из чужой транзакции (активация платежа).
func (r *Repo) AssignNumberTx(ctx context.Context, tx pgx.Tx, memberID int64) (int, error) {
	return assignNumberTx(ctx, tx, memberID)
}

// Purge — явное подтверждённое удаление домохозяйства со всеми членами,
// членствами и платежами (каскад по схеме). Журнал остаётся: actor_id там слабый.
func (r *Repo) Purge(ctx context.Context, householdID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM households WHERE id = $1`, householdID)
	return err
}
