package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"nexa-erp.dev/internal/auth"
)

type tokenStore struct{ s *Store }

func (t tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if t.s.db == nil {
		return errNoDB
	}
	_, err := t.s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at, user_agent, ip)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt, nullIfEmpty(tok.UserAgent), nullIfEmpty(tok.IP))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}

// Rotate locks the old row so concurrent rotations of the same secret
// serialize; the loser sees revoked_at set and fails.
func (t tokenStore) Rotate(ctx context.Context, oldHash string, next *auth.RefreshToken, now time.Time) (*auth.RefreshToken, error) {
	if t.s.db == nil {
		return nil, errNoDB
	}
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		old       auth.RefreshToken
		revokedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked_at
		from refresh_tokens
		where token_hash = $1
		for update
	`, oldHash).Scan(&old.ID, &old.UserID, &old.TokenHash, &old.ExpiresAt, &old.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		ts := revokedAt.Time
		old.RevokedAt = &ts
	}
	if !old.Active(now) {
		return nil, auth.ErrInvalidRefreshToken
	}

	if _, err := tx.ExecContext(ctx, `update refresh_tokens set revoked_at = $2 where id = $1`, old.ID, now); err != nil {
		return nil, err
	}
	next.UserID = old.UserID
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at, user_agent, ip)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt, nullIfEmpty(next.UserAgent), nullIfEmpty(next.IP)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	revoked := now
	old.RevokedAt = &revoked
	return &old, nil
}

func (t tokenStore) RevokeByHash(ctx context.Context, hash string, now time.Time) error {
	if t.s.db == nil {
		return errNoDB
	}
	_, err := t.s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where token_hash = $1 and revoked_at is null
	`, hash, now)
	return err
}

func (t tokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	if t.s.db == nil {
		return 0, errNoDB
	}
	res, err := t.s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
