package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const memberCols = `id,tenant_id,first_name,COALESCE(last_name,'') AS last_name,COALESCE(phone,'') AS phone,COALESCE(birth_date,'') AS birth_date,status,status_at,created_at,updated_at`

func scanMember(scan func(dest ...any) error) (domain.Member, error) {
	var m domain.Member
	var statusAt sql.NullString
	err := scan(&m.ID, &m.TenantID, &m.FirstName, &m.LastName, &m.Phone, &m.BirthDate, &m.Status, &statusAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if statusAt.Valid {
		m.StatusAt = &statusAt.String
	}
	return m, err
}

func (r Repo) InsertMemberTx(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(id,tenant_id,first_name,last_name,phone,birth_date,status,status_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.FirstName, nullable(m.LastName), nullable(m.Phone), nullable(m.BirthDate),
		m.Status, nullableStringPtr(m.StatusAt), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, tenantID, id string) (domain.Member, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE tenant_id=? AND id=?`, tenantID, id)
	return scanMember(row.Scan)
}

// FindMemberByRef resolves a member reference: exact id first, then an
// exact (case-insensitive) first-name or "first last" match. More than
// one name match is ErrAmbiguous, never a guess.
func (r Repo) FindMemberByRef(ctx context.Context, tenantID, ref string) (domain.Member, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Member{}, ErrNotFound
	}
	if m, err := r.GetMember(ctx, tenantID, ref); err == nil {
		return m, nil
	} else if err != ErrNotFound {
		return domain.Member{}, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+memberCols+` FROM members
WHERE tenant_id=? AND (LOWER(first_name)=LOWER(?) OR LOWER(first_name||' '||COALESCE(last_name,''))=LOWER(?))`,
		tenantID, ref, ref)
	if err != nil {
		return domain.Member{}, err
	}
	defer rows.Close()
	var matches []domain.Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return domain.Member{}, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return domain.Member{}, err
	}
	switch len(matches) {
	case 0:
		return domain.Member{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return domain.Member{}, ErrAmbiguous
	}
}

type MemberFilters struct {
	Status string
	Search string
	Limit  int
}

func (r Repo) ListMembers(ctx context.Context, tenantID string, f MemberFilters) ([]domain.Member, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		clauses = append(clauses, "(first_name LIKE ? OR last_name LIKE ? OR phone LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}
	query := `SELECT ` + memberCols + ` FROM members WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMemberStatusTx(ctx context.Context, tx *sql.Tx, tenantID, id, status, statusAt, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET status=?, status_at=?, updated_at=? WHERE tenant_id=? AND id=?`,
		status, nullable(statusAt), updatedAt, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMemberPhoneTx(ctx context.Context, tx *sql.Tx, tenantID, id, phone, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET phone=?, updated_at=? WHERE tenant_id=? AND id=?`,
		nullable(phone), updatedAt, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
