package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"nexa-erp.dev/internal/auth"
)

const userColumns = `
	id, email, password_hash, is_active, coalesce(default_company_id::text, ''),
	mfa_enabled, coalesce(mfa_secret, ''), coalesce(array_to_string(enabled_modules, ','), ''),
	last_login_at, created_at, updated_at`

type userStore struct{ s *Store }

func (u userStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	if u.s.db == nil {
		return nil, errNoDB
	}
	row := u.s.db.QueryRowContext(ctx, `select`+userColumns+` from users where id = $1`, id)
	return scanIdentity(row)
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	if u.s.db == nil {
		return nil, errNoDB
	}
	row := u.s.db.QueryRowContext(ctx, `select`+userColumns+` from users where lower(email) = lower($1)`, email)
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (*auth.Identity, error) {
	var (
		id        auth.Identity
		modules   string
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&id.ID, &id.Email, &id.PasswordHash, &id.IsActive, &id.DefaultCompanyID,
		&id.MFAEnabled, &id.MFASecret, &modules,
		&lastLogin, &id.CreatedAt, &id.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id.EnabledModules = splitList(modules)
	if lastLogin.Valid {
		t := lastLogin.Time
		id.LastLoginAt = &t
	}
	return &id, nil
}

func (u userStore) exec(ctx context.Context, query string, args ...any) error {
	if u.s.db == nil {
		return errNoDB
	}
	res, err := u.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (u userStore) SetMFASecret(ctx context.Context, userID, secret string) error {
	return u.exec(ctx, `update users set mfa_secret = $2, updated_at = now() where id = $1`, userID, nullIfEmpty(secret))
}

func (u userStore) EnableMFA(ctx context.Context, userID string) error {
	return u.exec(ctx, `update users set mfa_enabled = true, updated_at = now() where id = $1 and mfa_secret is not null`, userID)
}

func (u userStore) ClearMFA(ctx context.Context, userID string) error {
	return u.exec(ctx, `update users set mfa_enabled = false, mfa_secret = null, updated_at = now() where id = $1`, userID)
}

func (u userStore) SetActive(ctx context.Context, userID string, active bool) error {
	return u.exec(ctx, `update users set is_active = $2, updated_at = now() where id = $1`, userID, active)
}

func (u userStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return u.exec(ctx, `update users set last_login_at = $2 where id = $1`, userID, at)
}

type companyStore struct{ s *Store }

func (c companyStore) Find(ctx context.Context, id string) (*auth.Company, error) {
	if c.s.db == nil {
		return nil, errNoDB
	}
	var company auth.Company
	err := c.s.db.QueryRowContext(ctx, `
		select id, name, is_active
		from companies
		where id = $1
	`, id).Scan(&company.ID, &company.Name, &company.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &company, nil
}

type roleStore struct{ s *Store }

func (r roleStore) Assignments(ctx context.Context, userID string) ([]auth.RoleAssignment, error) {
	if r.s.db == nil {
		return nil, errNoDB
	}
	rows, err := r.s.db.QueryContext(ctx, `
		select user_id, coalesce(company_id::text, ''), role
		from role_assignments
		where user_id = $1
		order by company_id nulls last
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.RoleAssignment
	for rows.Next() {
		var (
			a    auth.RoleAssignment
			role string
		)
		if err := rows.Scan(&a.UserID, &a.CompanyID, &role); err != nil {
			return nil, err
		}
		a.Role = auth.Role(role)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
