package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/intent"
	"careline/internal/plan"
	"careline/internal/repo"
)

// OpenOrUpdateDraft merges params into the session's collecting draft
// for the intent, creating one when none exists. Merging never erases:
// an empty incoming value leaves the stored value alone. The draft
// flips to ready once every required parameter is present.
func (e Engine) OpenOrUpdateDraft(ctx context.Context, tenantID, sessionID, intentKey string, params map[string]string, actorID string) (domain.Draft, error) {
	def, ok := e.Catalog.Lookup(intentKey)
	if !ok {
		return domain.Draft{}, fmt.Errorf("%w: %s", plan.ErrIntentNotFound, intentKey)
	}
	if !def.Executable() {
		return domain.Draft{}, fmt.Errorf("%w: %s", plan.ErrIntentNotExecutable, intentKey)
	}
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return domain.Draft{}, err
	}

	now := e.stamp()
	existing, err := e.Repo.LatestCollectingDraft(ctx, tenantID, sessionID, intentKey)
	fresh := errors.Is(err, repo.ErrNotFound)
	if err != nil && !fresh {
		return domain.Draft{}, err
	}

	merged := map[string]string{}
	if !fresh {
		if err := json.Unmarshal([]byte(existing.ParamsJSON), &merged); err != nil {
			return domain.Draft{}, fmt.Errorf("decode draft params: %w", err)
		}
	}
	for k, v := range params {
		if v != "" {
			merged[k] = v
		}
	}
	missing := def.MissingRequired(merged)

	paramsJSON, err := json.Marshal(merged)
	if err != nil {
		return domain.Draft{}, err
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return domain.Draft{}, err
	}
	if missing == nil {
		missingJSON = []byte("[]")
	}

	status := domain.DraftReady
	if len(missing) > 0 {
		status = domain.DraftCollecting
	}

	d := existing
	if fresh {
		d = domain.Draft{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			SessionID: sessionID,
			IntentKey: intentKey,
			CreatedAt: now,
		}
	}
	d.Status = status
	d.ParamsJSON = string(paramsJSON)
	d.MissingJSON = string(missingJSON)
	d.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	evtType := "draft.updated"
	if fresh {
		evtType = "draft.opened"
		if err := e.Repo.InsertDraftTx(ctx, tx, d); err != nil {
			return domain.Draft{}, fmt.Errorf("insert draft: %w", err)
		}
	} else {
		if err := e.Repo.UpdateDraftCollectingTx(ctx, tx, d); err != nil {
			return domain.Draft{}, fmt.Errorf("update draft: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, tenantID, "draft", d.ID, actorID, events.EventPayload{
		"intent_key": intentKey,
		"status":     d.Status,
		"missing":    missing,
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

// ConfirmDraft executes a ready draft. With an empty draftID it looks
// for exactly one ready draft updated inside the confirmation window;
// zero is not found, more than one is ambiguous. The conditional
// ready-to-executed transition is the serialization point, so a
// duplicate confirmation loses the update and reports not found.
func (e Engine) ConfirmDraft(ctx context.Context, tenantID, sessionID, draftID, actorID string) (domain.Draft, *domain.Job, error) {
	d, err := e.resolveConfirmTarget(ctx, tenantID, sessionID, draftID)
	if err != nil {
		return domain.Draft{}, nil, err
	}
	def, ok := e.Catalog.Lookup(d.IntentKey)
	if !ok {
		return domain.Draft{}, nil, fmt.Errorf("%w: %s", plan.ErrIntentNotFound, d.IntentKey)
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(d.ParamsJSON), &params); err != nil {
		return domain.Draft{}, nil, fmt.Errorf("decode draft params: %w", err)
	}
	targets, err := e.resolveTargets(ctx, tenantID, def, params)
	if err != nil {
		return domain.Draft{}, nil, err
	}
	p, err := plan.Build(e.Catalog, tenantID, d.IntentKey, params, actorID, targets, e.now())
	if err != nil {
		return domain.Draft{}, nil, err
	}

	if def.Automation == intent.Executing {
		if err := e.checkPolicy(ctx, tenantID, p.PolicyKey()); err != nil {
			var denied *PolicyDeniedError
			if errors.As(err, &denied) {
				if ferr := e.failDraft(ctx, d, "policy_denied", denied.Error(), actorID); ferr != nil {
					return domain.Draft{}, nil, ferr
				}
			}
			return domain.Draft{}, nil, err
		}
	}

	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, nil, err
	}
	defer tx.Rollback()

	var job *domain.Job
	var outcome map[string]any

	switch def.Automation {
	case intent.Executing:
		j, err := e.buildJob(p, now)
		if err != nil {
			return domain.Draft{}, nil, err
		}
		inserted, err := e.Repo.InsertJobTx(ctx, tx, j)
		if err != nil {
			return domain.Draft{}, nil, fmt.Errorf("insert job: %w", err)
		}
		if !inserted {
			existing, err := e.Repo.GetJobByIdempotencyKeyTx(ctx, tx, tenantID, j.IdempotencyKey)
			if err != nil {
				return domain.Draft{}, nil, err
			}
			j = existing
		}
		job = &j
		outcome = map[string]any{"job_id": j.ID, "status": "queued"}
	case intent.Advisory:
		w, err := e.workItemFromPlan(p, def, now)
		if err != nil {
			return domain.Draft{}, nil, err
		}
		if err := e.Repo.UpsertWorkItemTx(ctx, tx, w); err != nil {
			return domain.Draft{}, nil, fmt.Errorf("upsert work item: %w", err)
		}
		outcome = map[string]any{"work_item_id": w.ID, "status": "surfaced"}
	default:
		return domain.Draft{}, nil, fmt.Errorf("%w: %s", plan.ErrIntentNotExecutable, d.IntentKey)
	}

	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return domain.Draft{}, nil, err
	}
	oc := string(outcomeJSON)
	won, err := e.Repo.TransitionDraft(ctx, tx, tenantID, d.ID, domain.DraftReady, domain.DraftExecuted, &oc, now)
	if err != nil {
		return domain.Draft{}, nil, err
	}
	if !won {
		return domain.Draft{}, nil, repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "draft.confirmed", tenantID, "draft", d.ID, actorID, events.EventPayload{
		"intent_key": d.IntentKey,
		"outcome":    outcome,
	}); err != nil {
		return domain.Draft{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, nil, err
	}

	d.Status = domain.DraftExecuted
	d.OutcomeJSON = &oc
	d.UpdatedAt = now
	if job != nil {
		e.nudge()
	}
	return d, job, nil
}

// CancelDraft drops a collecting or ready draft.
func (e Engine) CancelDraft(ctx context.Context, tenantID, draftID, actorID string) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, tenantID, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	won, err := e.Repo.TransitionDraft(ctx, tx, tenantID, d.ID, domain.DraftCollecting, domain.DraftCancelled, nil, now)
	if err != nil {
		return domain.Draft{}, err
	}
	if !won {
		won, err = e.Repo.TransitionDraft(ctx, tx, tenantID, d.ID, domain.DraftReady, domain.DraftCancelled, nil, now)
		if err != nil {
			return domain.Draft{}, err
		}
	}
	if !won {
		return domain.Draft{}, repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "draft.cancelled", tenantID, "draft", d.ID, actorID, events.EventPayload{
		"intent_key": d.IntentKey,
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	d.Status = domain.DraftCancelled
	d.UpdatedAt = now
	return d, nil
}

func (e Engine) resolveConfirmTarget(ctx context.Context, tenantID, sessionID, draftID string) (domain.Draft, error) {
	if draftID != "" {
		return e.Repo.GetDraft(ctx, tenantID, draftID)
	}
	window := e.Config.Drafts.ConfirmWindow.Std()
	cutoff := e.now().UTC().Add(-window).Format(time.RFC3339)
	ready, err := e.Repo.ReadyDraftsSince(ctx, tenantID, sessionID, cutoff)
	if err != nil {
		return domain.Draft{}, err
	}
	switch len(ready) {
	case 0:
		return domain.Draft{}, repo.ErrNotFound
	case 1:
		return ready[0], nil
	default:
		return domain.Draft{}, &AmbiguousDraftError{Candidates: ready}
	}
}

// resolveTargets turns a member reference parameter into concrete
// member ids. An ambiguous reference fails instead of guessing.
func (e Engine) resolveTargets(ctx context.Context, tenantID string, def intent.Definition, params map[string]string) ([]string, error) {
	ref := params["member"]
	if ref == "" {
		return nil, nil
	}
	m, err := e.Repo.FindMemberByRef(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	return []string{m.ID}, nil
}

func (e Engine) failDraft(ctx context.Context, d domain.Draft, code, message, actorID string) error {
	outcome, err := json.Marshal(map[string]any{"status": domain.ResultFailed, "code": code, "message": message})
	if err != nil {
		return err
	}
	oc := string(outcome)
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.TransitionDraft(ctx, tx, d.TenantID, d.ID, domain.DraftReady, domain.DraftFailed, &oc, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "draft.failed", d.TenantID, "draft", d.ID, actorID, events.EventPayload{
		"intent_key": d.IntentKey,
		"code":       code,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
