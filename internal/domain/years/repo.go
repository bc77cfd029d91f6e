package years

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) Create(ctx context.Context, y Year) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO membership_years (year, opens_at, deadline, cap)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, y.Year, y.OpensAt, y.Deadline, y.Cap).Scan(&id)
	return id, err
}

func (r *Repo) ByID(ctx context.Context, id int64) (*Year, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, year, opens_at, deadline, cap, created_at
		FROM membership_years WHERE id = $1
	`, id))
}

func (r *Repo) ByYear(ctx context.Context, year int) (*Year, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, year, opens_at, deadline, cap, created_at
		FROM membership_years WHERE year = $1
	`, year))
}

// Prior — ближайший предыдущий год (для посева продлений).
func (r *Repo) Prior(ctx context.Context, year int) (*Year, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, year, opens_at, deadline, cap, created_at
		FROM membership_years WHERE year < $1
		ORDER BY year DESC LIMIT 1
	`, year))
}

// UpdateCapDates — административная правка вместимости и окон; остальное неизменно.
func (r *Repo) UpdateCapDates(ctx context.Context, id int64, cap int, opensAt, deadline time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE membership_years SET cap = $2, opens_at = $3, deadline = $4 WHERE id = $1
	`, id, cap, opensAt, deadline)
	return err
}

func (r *Repo) ListActiveTiers(ctx context.Context) ([]Tier, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, price_cents, active
		FROM membership_tiers WHERE active = TRUE
		ORDER BY price_cents
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.ID, &t.Name, &t.PriceCents, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) scanOne(row pgx.Row) (*Year, error) {
	var y Year
	if err := row.Scan(&y.ID, &y.Year, &y.OpensAt, &y.Deadline, &y.Cap, &y.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &y, nil
}
