package repo

import (
	"context"
	"database/sql"
)

// Permission helpers implement the workflow package's PermissionDirectory.
// Permissions are opt-in: only declared permission strings restrict access.

func (r Repo) DeclarePermission(ctx context.Context, id, targetType, description string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, target_type, description) VALUES (?,?,?)`, id, targetType, description)
	return err
}

func (r Repo) GrantPermission(ctx context.Context, userID, permissionID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_permissions(user_id, permission_id) VALUES (?,?)`, userID, permissionID)
	return err
}

func (r Repo) RevokePermission(ctx context.Context, userID, permissionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_permissions WHERE user_id=? AND permission_id=?`, userID, permissionID)
	return err
}

func (r Repo) HasPermission(ctx context.Context, userID, perm string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM user_permissions WHERE user_id=? AND permission_id=? LIMIT 1`, userID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) Declared(ctx context.Context, targetType, perm string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM permissions WHERE target_type=? AND id=? LIMIT 1`, targetType, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission_id FROM user_permissions WHERE user_id=? ORDER BY permission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
