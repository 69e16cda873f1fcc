package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/intent"
	"careline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Catalog *intent.Catalog
	Log     *zap.Logger
	Now     func() time.Time

	// Nudge wakes the worker loop after an enqueue so a freshly
	// confirmed job does not wait for the next poll tick.
	Nudge chan struct{}
}

func New(db *sql.DB, cfg *config.Config, cat *intent.Catalog, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Catalog: cat,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateTenant registers a care organization.
func (e Engine) CreateTenant(ctx context.Context, id, name, actorID string) (domain.Tenant, error) {
	if name == "" {
		return domain.Tenant{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	t := domain.Tenant{
		ID:        id,
		Name:      name,
		Status:    "active",
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tenant.created", t.ID, "tenant", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// SetPolicy stores a tenant's enablement decision for one policy key.
// The key must exist in the closed action catalog.
func (e Engine) SetPolicy(ctx context.Context, tenantID, key string, enabled bool, actorID string) (domain.PolicySetting, error) {
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return domain.PolicySetting{}, err
	}
	if err := validPolicyKey(key); err != nil {
		return domain.PolicySetting{}, err
	}
	p := domain.PolicySetting{
		TenantID:  tenantID,
		Key:       key,
		Enabled:   enabled,
		UpdatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicySetting{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPolicySettingTx(ctx, tx, p); err != nil {
		return domain.PolicySetting{}, err
	}
	if err := e.Events.Append(ctx, tx, "policy.set", tenantID, "policy", key, actorID, events.EventPayload{"enabled": enabled}); err != nil {
		return domain.PolicySetting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PolicySetting{}, err
	}
	return p, nil
}
