package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const workItemCols = `id,tenant_id,dedup_key,trigger_name,entity_type,entity_id,title,description,action_url,priority,expires_at,plan_json,created_at,updated_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var expires sql.NullString
	err := scan(&w.ID, &w.TenantID, &w.DedupKey, &w.Trigger, &w.EntityType, &w.EntityID, &w.Title, &w.Description, &w.ActionURL, &w.Priority, &expires, &w.PlanJSON, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if expires.Valid {
		w.ExpiresAt = &expires.String
	}
	return w, err
}

// UpsertWorkItem inserts a work item, refreshing the existing row when
// the dedup key collides. The refresh keeps the original id and
// created_at so a repeated trigger never multiplies items.
func (r Repo) UpsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,tenant_id,dedup_key,trigger_name,entity_type,entity_id,title,description,action_url,priority,expires_at,plan_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dedup_key) DO UPDATE SET
  title=excluded.title,
  description=excluded.description,
  action_url=excluded.action_url,
  priority=excluded.priority,
  expires_at=excluded.expires_at,
  plan_json=excluded.plan_json,
  updated_at=excluded.updated_at`,
		w.ID, w.TenantID, w.DedupKey, w.Trigger, w.EntityType, w.EntityID, w.Title, w.Description, w.ActionURL, w.Priority,
		nullableStringPtr(w.ExpiresAt), w.PlanJSON, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkItemByDedupKey(ctx context.Context, tenantID, dedupKey string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE tenant_id=? AND dedup_key=?`, tenantID, dedupKey)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	Trigger    string
	EntityType string
	EntityID   string
	Limit      int
}

func (r Repo) ListWorkItems(ctx context.Context, tenantID string, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Trigger != "" {
		clauses = append(clauses, "trigger_name=?")
		args = append(args, f.Trigger)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
