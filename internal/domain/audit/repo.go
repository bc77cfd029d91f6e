package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) Record(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_id, action, subject_type, subject_id, detail)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ActorID, e.Action, e.SubjectType, e.SubjectID, e.Detail)
	return err
}

func (r *Repo) ListBySubject(ctx context.Context, subjectType string, subjectID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, at, actor_id, action, subject_type, subject_id, detail
		FROM audit_log
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY at, id
	`, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.ActorID, &e.Action, &e.SubjectType, &e.SubjectID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
