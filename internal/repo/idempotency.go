package repo

import (
	"context"
	"database/sql"

	"signline/internal/domain"
)

func (r Repo) GetIdempotencyRecord(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	row := r.DB.QueryRowContext(ctx, `SELECT key,envelope_json,created_at,expires_at FROM idempotency_keys WHERE key=?`, key)
	err := row.Scan(&rec.Key, &rec.EnvelopeJSON, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) PutIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO idempotency_keys(key,envelope_json,created_at,expires_at) VALUES (?,?,?,?)
		ON CONFLICT(key) DO NOTHING`, rec.Key, rec.EnvelopeJSON, rec.CreatedAt, rec.ExpiresAt)
	return err
}

func (r Repo) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=?`, key)
	return err
}

// PurgeExpiredIdempotency removes records past their expiry and returns
// how many were swept.
func (r Repo) PurgeExpiredIdempotency(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
