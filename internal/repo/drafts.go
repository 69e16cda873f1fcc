package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const draftCols = `id,tenant_id,session_id,intent_key,status,params_json,missing_json,outcome_json,created_at,updated_at`

func scanDraft(scan func(dest ...any) error) (domain.Draft, error) {
	var d domain.Draft
	var outcome sql.NullString
	err := scan(&d.ID, &d.TenantID, &d.SessionID, &d.IntentKey, &d.Status, &d.ParamsJSON, &d.MissingJSON, &outcome, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if outcome.Valid {
		d.OutcomeJSON = &outcome.String
	}
	return d, err
}

func (r Repo) InsertDraftTx(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(id,tenant_id,session_id,intent_key,status,params_json,missing_json,outcome_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.SessionID, d.IntentKey, d.Status, d.ParamsJSON, d.MissingJSON, nullableStringPtr(d.OutcomeJSON), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, tenantID, id string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftCols+` FROM drafts WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanDraft(row.Scan)
}

// LatestCollectingDraft returns the most recently updated collecting
// draft for the (tenant, session, intent) triple.
func (r Repo) LatestCollectingDraft(ctx context.Context, tenantID, sessionID, intentKey string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftCols+` FROM drafts
WHERE tenant_id=? AND session_id=? AND intent_key=? AND status='collecting'
ORDER BY updated_at DESC, id DESC LIMIT 1`, tenantID, sessionID, intentKey)
	return scanDraft(row.Scan)
}

// ReadyDraftsSince lists ready drafts for a session updated at or after
// the cutoff, newest first.
func (r Repo) ReadyDraftsSince(ctx context.Context, tenantID, sessionID, cutoff string) ([]domain.Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+draftCols+` FROM drafts
WHERE tenant_id=? AND session_id=? AND status='ready' AND updated_at>=?
ORDER BY updated_at DESC, id DESC`, tenantID, sessionID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDraftCollectingTx rewrites params, missing set and status of a
// draft that is still collecting. The status predicate keeps a
// concurrent confirm from racing a merge.
func (r Repo) UpdateDraftCollectingTx(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET params_json=?, missing_json=?, status=?, updated_at=?
WHERE tenant_id=? AND id=? AND status='collecting'`,
		d.ParamsJSON, d.MissingJSON, d.Status, d.UpdatedAt, d.TenantID, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionDraft moves a draft from one state to another with a
// conditional update. It reports false when the draft was not in the
// expected state, which is how a losing concurrent confirm observes
// the race.
func (r Repo) TransitionDraft(ctx context.Context, tx *sql.Tx, tenantID, id, from, to string, outcomeJSON *string, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET status=?, outcome_json=COALESCE(?,outcome_json), updated_at=?
WHERE tenant_id=? AND id=? AND status=?`,
		to, nullableStringPtr(outcomeJSON), updatedAt, tenantID, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type DraftFilters struct {
	SessionID string
	Status    string
	IntentKey string
	Limit     int
}

func (r Repo) ListDrafts(ctx context.Context, tenantID string, f DraftFilters) ([]domain.Draft, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.IntentKey != "" {
		clauses = append(clauses, "intent_key=?")
		args = append(args, f.IntentKey)
	}
	query := `SELECT ` + draftCols + ` FROM drafts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
