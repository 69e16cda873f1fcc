package repo

import (
	"context"
	"database/sql"

	"careline/internal/domain"
)

// GetPolicySetting returns the stored setting for a policy key.
// An absent row comes back as ErrNotFound; callers treat that as
// disabled.
func (r Repo) GetPolicySetting(ctx context.Context, tenantID, key string) (domain.PolicySetting, error) {
	var p domain.PolicySetting
	var enabled int
	row := r.DB.QueryRowContext(ctx, `SELECT tenant_id,key,enabled,updated_at FROM policy_settings WHERE tenant_id=? AND key=?`, tenantID, key)
	err := row.Scan(&p.TenantID, &p.Key, &enabled, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Enabled = enabled != 0
	return p, err
}

func (r Repo) UpsertPolicySettingTx(ctx context.Context, tx *sql.Tx, p domain.PolicySetting) error {
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO policy_settings(tenant_id,key,enabled,updated_at)
VALUES (?,?,?,?)
ON CONFLICT(tenant_id,key) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		p.TenantID, p.Key, enabled, p.UpdatedAt)
	return err
}

func (r Repo) ListPolicySettings(ctx context.Context, tenantID string) ([]domain.PolicySetting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id,key,enabled,updated_at FROM policy_settings WHERE tenant_id=? ORDER BY key ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PolicySetting
	for rows.Next() {
		var p domain.PolicySetting
		var enabled int
		if err := rows.Scan(&p.TenantID, &p.Key, &enabled, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		res = append(res, p)
	}
	return res, rows.Err()
}
