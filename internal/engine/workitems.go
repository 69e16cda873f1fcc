package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careline/internal/domain"
	"careline/internal/intent"
	"careline/internal/plan"
)

// globalEntity marks work items about the tenant as a whole rather
// than one member.
const globalEntity = "global"

// workItemFromPlan materializes the intent's work item template for a
// plan. The dedup key folds the time window in, so a repeated trigger
// refreshes the existing item instead of stacking a new one.
func (e Engine) workItemFromPlan(p plan.Plan, def intent.Definition, now string) (domain.WorkItem, error) {
	if def.WorkItem == nil {
		return domain.WorkItem{}, fmt.Errorf("intent %s has no work item template", def.Key)
	}
	return e.buildWorkItem(p, def.WorkItem.Trigger, def.WorkItem.EntityType, def.WorkItem.Window, p.Summary, now)
}

// policyFollowUpItem surfaces a denied execution for staff follow-up.
func (e Engine) policyFollowUpItem(p plan.Plan, now string) (domain.WorkItem, error) {
	title := fmt.Sprintf("Follow up: %s blocked by policy %s", p.Summary, p.PolicyKey())
	return e.buildWorkItem(p, "policy_follow_up", "member", "day", title, now)
}

func (e Engine) buildWorkItem(p plan.Plan, trigger, entityType, window, title, now string) (domain.WorkItem, error) {
	// tenant-scoped items dedup on the global sentinel but store the
	// tenant as their entity; member items collapse bulk plans onto
	// their first target
	entityID, dedupEntity := p.TenantID, globalEntity
	actionURL := "/work-items"
	if entityType == "member" && len(p.Targets) > 0 {
		entityID = p.Targets[0]
		dedupEntity = entityID
		actionURL = fmt.Sprintf("/members/%s", entityID)
	}
	bucket, expires := windowBucket(window, p.CreatedAt)
	planJSON, err := json.Marshal(p)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("marshal plan: %w", err)
	}
	priority := e.Config.WorkItems.Priorities[trigger]
	if priority == "" {
		return domain.WorkItem{}, &PriorityNotConfiguredError{Trigger: trigger}
	}
	description := p.Params["note"]
	if description == "" {
		description = p.Params["reason"]
	}
	return domain.WorkItem{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		DedupKey:    fmt.Sprintf("%s:%s:%s:%s:%s", p.TenantID, trigger, entityType, dedupEntity, bucket),
		Trigger:     trigger,
		EntityType:  entityType,
		EntityID:    entityID,
		Title:       title,
		Description: description,
		ActionURL:   actionURL,
		Priority:    priority,
		ExpiresAt:   expires,
		PlanJSON:    string(planJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// SurfaceWorkItem upserts the work item an executed plan's intent
// template calls for. Results that created a member carry its id in
// the payload; that id becomes the item's entity when the plan had no
// targets. Intents without a template surface nothing.
func (e Engine) SurfaceWorkItem(ctx context.Context, p plan.Plan, res domain.HandlerResult) (*domain.WorkItem, error) {
	def, ok := e.Catalog.Lookup(p.IntentKey)
	if !ok || def.WorkItem == nil {
		return nil, nil
	}
	if len(p.Targets) == 0 {
		if id, ok := res.Payload["member_id"].(string); ok && id != "" {
			p.Targets = []string{id}
		}
	}
	w, err := e.workItemFromPlan(p, def, e.stamp())
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorkItemTx(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &w, nil
}

// SurfaceDeniedFollowUp records a policy_follow_up work item so staff
// see that an accepted request was blocked before it ran.
func (e Engine) SurfaceDeniedFollowUp(ctx context.Context, p plan.Plan) (*domain.WorkItem, error) {
	w, err := e.policyFollowUpItem(p, e.stamp())
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorkItemTx(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &w, nil
}

// windowBucket maps a dedup window onto a bucket label and an expiry.
// "once" items never expire and always collapse to the same key.
func windowBucket(window string, at time.Time) (string, *string) {
	at = at.UTC()
	switch window {
	case "day":
		end := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Format(time.RFC3339)
		return at.Format("2006-01-02"), &end
	case "week":
		year, week := at.ISOWeek()
		weekday := int(at.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		end := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 8-weekday).Format(time.RFC3339)
		return fmt.Sprintf("%04d-W%02d", year, week), &end
	default:
		return "once", nil
	}
}
