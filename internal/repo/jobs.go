package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const jobCols = `id,tenant_id,intent_key,idempotency_key,plan_json,status,attempts,max_attempts,last_error,result_json,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var lastErr, result sql.NullString
	err := scan(&j.ID, &j.TenantID, &j.IntentKey, &j.IdempotencyKey, &j.PlanJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &lastErr, &result, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	if result.Valid {
		j.ResultJSON = &result.String
	}
	return j, err
}

// InsertJobTx inserts a job unless one with the same idempotency key
// already exists for the tenant. It reports whether the row was
// inserted; when false the caller should fetch the existing job.
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,tenant_id,intent_key,idempotency_key,plan_json,status,attempts,max_attempts,last_error,result_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,idempotency_key) DO NOTHING`,
		j.ID, j.TenantID, j.IntentKey, j.IdempotencyKey, j.PlanJSON, j.Status, j.Attempts, j.MaxAttempts,
		nullableStringPtr(j.LastError), nullableStringPtr(j.ResultJSON), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetJob(ctx context.Context, tenantID, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND idempotency_key=?`, tenantID, key)
	return scanJob(row.Scan)
}

func (r Repo) GetJobByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, tenantID, key string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND idempotency_key=?`, tenantID, key)
	return scanJob(row.Scan)
}

// PendingJobs is the scheduler scan. It crosses tenants on purpose;
// every mutation that follows carries the tenant predicate.
func (r Repo) PendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status='pending' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob moves a pending job to running and bumps the attempt
// counter. The conditional update is the claim: it reports false when
// another worker won.
func (r Repo) ClaimJob(ctx context.Context, tenantID, id, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='running', attempts=attempts+1, updated_at=?
WHERE tenant_id=? AND id=? AND status='pending'`, updatedAt, tenantID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishJob records a terminal status and result for a running job.
func (r Repo) FinishJob(ctx context.Context, tenantID, id, status string, lastError, resultJSON *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, result_json=?, updated_at=?
WHERE tenant_id=? AND id=? AND status='running'`,
		status, nullableStringPtr(lastError), nullableStringPtr(resultJSON), updatedAt, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob puts a running job back to pending after a retryable
// failure, keeping the error for inspection.
func (r Repo) RequeueJob(ctx context.Context, tenantID, id string, lastError *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', last_error=?, updated_at=?
WHERE tenant_id=? AND id=? AND status='running'`,
		nullableStringPtr(lastError), updatedAt, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type JobFilters struct {
	Status    string
	IntentKey string
	Limit     int
}

func (r Repo) ListJobs(ctx context.Context, tenantID string, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.IntentKey != "" {
		clauses = append(clauses, "intent_key=?")
		args = append(args, f.IntentKey)
	}
	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
