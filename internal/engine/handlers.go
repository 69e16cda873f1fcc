package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"careline/internal/action"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/intent"
	"careline/internal/repo"
)

// Handler executes one governed domain action inside the transaction
// carried by the ExecContext. Handlers re-validate everything they
// depend on; a plan is a proposal, not a proof.
type Handler func(ctx context.Context, e Engine, ec *ExecContext) (domain.HandlerResult, error)

// handlers is the complete registry. It is a source-level map literal
// so the set of executable actions is fixed at compile time; Verify
// cross-checks it against the intent catalog at startup.
var handlers = map[string]Handler{
	action.MemberRegister:        handleMemberRegister,
	action.MemberUpdateContact:   handleMemberUpdateContact,
	action.EventMemberPaused:     statusChangeHandler("paused"),
	action.EventMemberResumed:    statusChangeHandler("active"),
	action.EventMemberDischarged: statusChangeHandler("discharged"),
}

// HandlerKeys reports which action and event keys have handlers, for
// the catalog integrity check.
func HandlerKeys() map[string]bool {
	keys := make(map[string]bool, len(handlers))
	for k := range handlers {
		keys[k] = true
	}
	return keys
}

func handleMemberRegister(ctx context.Context, e Engine, ec *ExecContext) (domain.HandlerResult, error) {
	parsed, err := ec.Def.Parse(ec.Plan.Params)
	if err != nil {
		return failedResult("invalid_params", err), nil
	}
	p, ok := parsed.(*intent.RegisterParams)
	if !ok {
		return domain.HandlerResult{}, fmt.Errorf("unexpected params type %T", parsed)
	}
	m := domain.Member{
		ID:        uuid.NewString(),
		TenantID:  ec.Plan.TenantID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		BirthDate: p.BirthDate,
		Status:    "active",
		CreatedAt: ec.Now,
		UpdatedAt: ec.Now,
	}
	if err := e.Repo.InsertMemberTx(ctx, ec.Tx, m); err != nil {
		return domain.HandlerResult{}, fmt.Errorf("insert member: %w", err)
	}
	if err := e.Events.Append(ctx, ec.Tx, "member.registered", m.TenantID, "member", m.ID, ec.Plan.RequesterID, events.EventPayload{
		"first_name": m.FirstName,
		"last_name":  m.LastName,
	}); err != nil {
		return domain.HandlerResult{}, err
	}
	return domain.HandlerResult{
		Status:   domain.ResultSuccess,
		Message:  fmt.Sprintf("registered %s", strings.TrimSpace(m.FirstName+" "+m.LastName)),
		Affected: 1,
		Payload:  map[string]any{"member_id": m.ID},
	}, nil
}

func handleMemberUpdateContact(ctx context.Context, e Engine, ec *ExecContext) (domain.HandlerResult, error) {
	parsed, err := ec.Def.Parse(ec.Plan.Params)
	if err != nil {
		return failedResult("invalid_params", err), nil
	}
	p, ok := parsed.(*intent.UpdateContactParams)
	if !ok {
		return domain.HandlerResult{}, fmt.Errorf("unexpected params type %T", parsed)
	}
	m, err := ec.Member(ctx, e, p.MemberRef)
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrAmbiguous) {
		return failedResult("member_not_found", err), nil
	}
	if err != nil {
		return domain.HandlerResult{}, err
	}
	if m.Terminal() {
		return domain.HandlerResult{
			Status:   domain.ResultSuccess,
			Code:     "noop",
			Message:  fmt.Sprintf("%s is discharged, contact left unchanged", m.FirstName),
			Affected: 0,
		}, nil
	}
	if err := e.Repo.UpdateMemberPhoneTx(ctx, ec.Tx, m.TenantID, m.ID, p.Phone, ec.Now); err != nil {
		return domain.HandlerResult{}, err
	}
	if err := e.Events.Append(ctx, ec.Tx, "member.contact_updated", m.TenantID, "member", m.ID, ec.Plan.RequesterID, events.EventPayload{
		"phone": p.Phone,
	}); err != nil {
		return domain.HandlerResult{}, err
	}
	return domain.HandlerResult{
		Status:   domain.ResultSuccess,
		Message:  fmt.Sprintf("updated contact for %s", m.FirstName),
		Affected: 1,
		Payload:  map[string]any{"member_id": m.ID},
	}, nil
}

// statusChangeHandler builds the handler for one scheduled member
// status event. The handler walks every target, skipping members that
// already hold the requested status or are discharged, and reports
// partial success when only some targets could change.
func statusChangeHandler(newStatus string) Handler {
	return func(ctx context.Context, e Engine, ec *ExecContext) (domain.HandlerResult, error) {
		parsed, err := ec.Def.Parse(ec.Plan.Params)
		if err != nil {
			return failedResult("invalid_params", err), nil
		}
		p, ok := parsed.(*intent.ScheduleParams)
		if !ok {
			return domain.HandlerResult{}, fmt.Errorf("unexpected params type %T", parsed)
		}
		targets := ec.Plan.Targets
		if len(targets) == 0 {
			targets = []string{p.MemberRef}
		}

		var changed, skipped int
		var failures []string
		for _, target := range targets {
			m, err := ec.Member(ctx, e, target)
			if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrAmbiguous) {
				failures = append(failures, fmt.Sprintf("%s: %v", target, err))
				continue
			}
			if err != nil {
				return domain.HandlerResult{}, err
			}
			if m.Status == newStatus || m.Terminal() {
				skipped++
				continue
			}
			if err := e.Repo.UpdateMemberStatusTx(ctx, ec.Tx, m.TenantID, m.ID, newStatus, p.Date, ec.Now); err != nil {
				return domain.HandlerResult{}, err
			}
			if err := e.Events.Append(ctx, ec.Tx, ec.Plan.EventType, m.TenantID, "member", m.ID, ec.Plan.RequesterID, events.EventPayload{
				"date":   p.Date,
				"reason": p.Reason,
			}); err != nil {
				return domain.HandlerResult{}, err
			}
			changed++
		}

		res := domain.HandlerResult{
			Affected: changed,
			Payload:  map[string]any{"changed": changed, "skipped": skipped},
		}
		switch {
		case len(failures) == 0 && changed > 0:
			res.Status = domain.ResultSuccess
			res.Message = fmt.Sprintf("%d member(s) now %s effective %s", changed, newStatus, p.Date)
		case len(failures) == 0:
			res.Status = domain.ResultSuccess
			res.Code = "noop"
			res.Message = fmt.Sprintf("no change needed, %d member(s) already settled", skipped)
		case changed > 0 || skipped > 0:
			res.Status = domain.ResultPartial
			res.Code = "partial"
			res.Message = fmt.Sprintf("%d changed, %d failed: %s", changed, len(failures), strings.Join(failures, "; "))
		default:
			res.Status = domain.ResultFailed
			res.Code = "targets_failed"
			res.Message = strings.Join(failures, "; ")
		}
		return res, nil
	}
}

func failedResult(code string, err error) domain.HandlerResult {
	return domain.HandlerResult{
		Status:  domain.ResultFailed,
		Code:    code,
		Message: err.Error(),
	}
}
