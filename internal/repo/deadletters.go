package repo

import (
	"context"
	"database/sql"

	"signline/internal/domain"
)

func (r Repo) InsertDeadLetter(ctx context.Context, d domain.DeadLetterEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dead_letters(id,service_name,payload,reason,retry_count,enqueued_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ServiceName, d.Payload, nullable(d.Reason), d.RetryCount, d.EnqueuedAt)
	return err
}

func (r Repo) ListDeadLetters(ctx context.Context, service string, includeReplayed bool) ([]domain.DeadLetterEntry, error) {
	query := `SELECT id,service_name,payload,COALESCE(reason,'') AS reason,retry_count,enqueued_at,replayed_at FROM dead_letters`
	var (
		clauses []string
		args    []any
	)
	if service != "" {
		clauses = append(clauses, `service_name=?`)
		args = append(args, service)
	}
	if !includeReplayed {
		clauses = append(clauses, `replayed_at IS NULL`)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY enqueued_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetterEntry
	for rows.Next() {
		var d domain.DeadLetterEntry
		var replayed sql.NullString
		if err := rows.Scan(&d.ID, &d.ServiceName, &d.Payload, &d.Reason, &d.RetryCount, &d.EnqueuedAt, &replayed); err != nil {
			return nil, err
		}
		if replayed.Valid {
			d.ReplayedAt = &replayed.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MarkReplayed is the hook for the out-of-band replay process.
func (r Repo) MarkReplayed(ctx context.Context, id, replayedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dead_letters SET replayed_at=? WHERE id=? AND replayed_at IS NULL`, replayedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
