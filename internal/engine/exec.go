package engine

import (
	"context"
	"database/sql"
	"fmt"

	"careline/internal/action"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/intent"
	"careline/internal/plan"
)

// ExecContext carries the state of one plan execution. The member
// cache lives for exactly this execution; nothing is shared across
// requests.
type ExecContext struct {
	Tx   *sql.Tx
	Plan plan.Plan
	Def  intent.Definition
	Now  string

	members map[string]domain.Member
}

// Member resolves a member reference, remembering resolutions for the
// rest of this execution.
func (ec *ExecContext) Member(ctx context.Context, e Engine, ref string) (domain.Member, error) {
	if m, ok := ec.members[ref]; ok {
		return m, nil
	}
	m, err := e.Repo.FindMemberByRef(ctx, ec.Plan.TenantID, ref)
	if err != nil {
		return domain.Member{}, err
	}
	if ec.members == nil {
		ec.members = map[string]domain.Member{}
	}
	ec.members[ref] = m
	ec.members[m.ID] = m
	return m, nil
}

// ExecutePlan runs a plan's governed action to completion inside a
// single transaction. Every authorization decision made at plan or
// confirm time is made again here: the action key must still be in the
// closed catalog, the policy must still be enabled, and the parameters
// must still parse. Stored state never gets the benefit of the doubt.
func (e Engine) ExecutePlan(ctx context.Context, p plan.Plan) (domain.HandlerResult, error) {
	def, ok := e.Catalog.Lookup(p.IntentKey)
	if !ok {
		return domain.HandlerResult{}, fmt.Errorf("%w: %s", plan.ErrIntentNotFound, p.IntentKey)
	}
	if def.Automation != intent.Executing {
		return domain.HandlerResult{}, fmt.Errorf("%w: %s", plan.ErrIntentNotExecutable, p.IntentKey)
	}

	key := p.PolicyKey()
	if p.ActionKey != "" {
		if err := action.AssertValidKey(p.ActionKey); err != nil {
			return domain.HandlerResult{}, err
		}
	} else if !action.ValidEventType(p.EventType) {
		return domain.HandlerResult{}, fmt.Errorf("%w: %s", plan.ErrMissingEventMapping, p.IntentKey)
	}
	if err := e.checkPolicy(ctx, p.TenantID, key); err != nil {
		return domain.HandlerResult{}, err
	}
	h, ok := handlers[key]
	if !ok {
		return domain.HandlerResult{}, fmt.Errorf("no handler registered for %s", key)
	}
	if _, err := def.Parse(p.Params); err != nil {
		return domain.HandlerResult{}, &ExecutionError{IntentKey: p.IntentKey, Err: err}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.HandlerResult{}, err
	}
	defer tx.Rollback()

	ec := &ExecContext{Tx: tx, Plan: p, Def: def, Now: e.stamp()}
	res, err := h(ctx, e, ec)
	if err != nil {
		return domain.HandlerResult{}, &ExecutionError{IntentKey: p.IntentKey, Err: err}
	}
	if err := e.Events.Append(ctx, tx, "plan.executed", p.TenantID, "plan", p.IntentKey, p.RequesterID, events.EventPayload{
		"status":   res.Status,
		"affected": res.Affected,
	}); err != nil {
		return domain.HandlerResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HandlerResult{}, err
	}
	return res, nil
}
