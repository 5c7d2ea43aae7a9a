package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
)

func (s *Store) ActiveGroupIDs(ctx context.Context, userID, companyID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select g.id
		from user_access_groups m
		join access_groups g on g.id = m.group_id
		where m.user_id = $1 and m.company_id = $2 and g.company_id = $2 and g.is_active
		order by g.id
	`, userID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Grants(ctx context.Context, groupIDs []string) ([]access.Permission, []access.FieldOverride, error) {
	if s.db == nil {
		return nil, nil, errNoDB
	}
	if len(groupIDs) == 0 {
		return nil, nil, nil
	}
	list := strings.Join(groupIDs, ",")

	rows, err := s.db.QueryContext(ctx, `
		select group_id, resource_code, can_access, can_new, can_view, can_edit, can_delete
		from access_group_permissions
		where group_id = any(string_to_array($1, ',')::uuid[])
	`, list)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var perms []access.Permission
	for rows.Next() {
		var p access.Permission
		if err := rows.Scan(&p.GroupID, &p.ResourceCode, &p.CanAccess, &p.CanNew, &p.CanView, &p.CanEdit, &p.CanDelete); err != nil {
			return nil, nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	orows, err := s.db.QueryContext(ctx, `
		select group_id, resource_code, field_path, visibility
		from access_group_field_overrides
		where group_id = any(string_to_array($1, ',')::uuid[])
	`, list)
	if err != nil {
		return nil, nil, err
	}
	defer orows.Close()

	var overrides []access.FieldOverride
	for orows.Next() {
		var (
			o   access.FieldOverride
			vis string
		)
		if err := orows.Scan(&o.GroupID, &o.ResourceCode, &o.FieldPath, &vis); err != nil {
			return nil, nil, err
		}
		o.Visibility = access.Visibility(vis)
		overrides = append(overrides, o)
	}
	if err := orows.Err(); err != nil {
		return nil, nil, err
	}
	return perms, overrides, nil
}

func (s *Store) Resources(ctx context.Context) ([]access.Resource, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select code, module from resources order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Resource
	for rows.Next() {
		var r access.Resource
		if err := rows.Scan(&r.Code, &r.Module); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const groupColumns = `id, company_id, code, name, is_system, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*access.Group, error) {
	var g access.Group
	err := row.Scan(&g.ID, &g.CompanyID, &g.Code, &g.Name, &g.IsSystem, &g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*access.Group, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanGroup(s.db.QueryRowContext(ctx, `select `+groupColumns+` from access_groups where id = $1`, id))
}

func (s *Store) ListGroups(ctx context.Context, companyID string) ([]access.Group, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+groupColumns+` from access_groups where company_id = $1 order by code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateGroup(ctx context.Context, g *access.Group) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_groups (id, company_id, code, name, is_system, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.CompanyID, g.Code, g.Name, g.IsSystem, g.IsActive, g.CreatedAt, g.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrGroupCodeTaken
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s *Store) UpdateGroup(ctx context.Context, id string, upd access.GroupUpdate) (*access.Group, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		setClauses = []string{"updated_at = now()"}
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	args = append(args, id)
	query := fmt.Sprintf(`update access_groups set %s where id = $%d returning %s`,
		strings.Join(setClauses, ", "), idx, groupColumns)
	return scanGroup(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from access_groups where id = $1 and not is_system`, id)
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

func (s *Store) ReplaceGrants(ctx context.Context, groupID string, perms []access.Permission, overrides []access.FieldOverride) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from access_group_permissions where group_id = $1`, groupID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from access_group_field_overrides where group_id = $1`, groupID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into access_group_permissions (group_id, resource_code, can_access, can_new, can_view, can_edit, can_delete)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, groupID, p.ResourceCode, p.CanAccess, p.CanNew, p.CanView, p.CanEdit, p.CanDelete); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.Validation("Unknown resource", map[string]any{"resourceCode": p.ResourceCode})
			}
			return err
		}
	}
	for _, o := range overrides {
		if _, err := tx.ExecContext(ctx, `
			insert into access_group_field_overrides (group_id, resource_code, field_path, visibility)
			values ($1, $2, $3, $4)
		`, groupID, o.ResourceCode, o.FieldPath, string(o.Visibility)); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.Validation("Unknown resource", map[string]any{"resourceCode": o.ResourceCode})
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ReplaceMemberships(ctx context.Context, userID, companyID string, groupIDs []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_access_groups where user_id = $1 and company_id = $2`, userID, companyID); err != nil {
		return err
	}
	for _, gid := range groupIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_access_groups (user_id, company_id, group_id)
			values ($1, $2, $3)
		`, userID, companyID, gid); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.ErrNotFound.WithMessage("User not found")
			}
			return err
		}
	}
	return tx.Commit()
}
