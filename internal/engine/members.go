package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"careline/internal/domain"
	"careline/internal/events"
)

// MemberAddOptions are parameters for adding a member through the
// admin surface, outside the governed assistant flow.
type MemberAddOptions struct {
	FirstName string
	LastName  string
	Phone     string
	BirthDate string
	ActorID   string
}

func (e Engine) AddMember(ctx context.Context, tenantID string, opts MemberAddOptions) (domain.Member, error) {
	if strings.TrimSpace(opts.FirstName) == "" {
		return domain.Member{}, &ValidationError{Field: "first_name", Reason: "is required"}
	}
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return domain.Member{}, err
	}
	now := e.stamp()
	m := domain.Member{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		FirstName: strings.TrimSpace(opts.FirstName),
		LastName:  strings.TrimSpace(opts.LastName),
		Phone:     strings.TrimSpace(opts.Phone),
		BirthDate: strings.TrimSpace(opts.BirthDate),
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMemberTx(ctx, tx, m); err != nil {
		return domain.Member{}, fmt.Errorf("insert member: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "member.registered", tenantID, "member", m.ID, opts.ActorID, events.EventPayload{
		"first_name": m.FirstName,
		"last_name":  m.LastName,
		"via":        "admin",
	}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}
