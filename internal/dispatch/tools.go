package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/llm"
	"careline/internal/plan"
	"careline/internal/repo"
)

func (d *Dispatcher) tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "lookup_member",
			Description: "Find one member by id, first name or full name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "member id, first name or full name"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "list_members",
			Description: "List members of the organization, optionally filtered by status.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "enum": []string{"active", "paused", "discharged"}},
				},
			},
		},
		{
			Name:        "propose_action",
			Description: "Open or update a draft for an intent with the parameters collected so far. Returns the draft status and which required parameters are still missing.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"intent_key": map[string]any{"type": "string", "enum": d.Engine.Catalog.Keys()},
					"params": map[string]any{
						"type":        "object",
						"description": "intent parameters as string values",
						"additionalProperties": map[string]any{"type": "string"},
					},
				},
				"required": []string{"intent_key"},
			},
		},
		{
			Name:        "confirm_action",
			Description: "Execute a ready draft. Omit draft_id when exactly one draft is awaiting confirmation.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draft_id": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "cancel_action",
			Description: "Cancel a draft that should not run.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draft_id": map[string]any{"type": "string"},
				},
				"required": []string{"draft_id"},
			},
		},
	}
}

// execTool runs one tool call and always returns a payload the model
// can read. Failures become structured error payloads, never panics
// or dropped turns; the model decides how to recover.
func (d *Dispatcher) execTool(ctx context.Context, req Request, call llm.ToolCall, result *Result) any {
	if call.ArgsErr != nil {
		d.Log.Warn("tool call arguments did not parse",
			zap.String("tool", call.Name),
			zap.String("tenant_id", req.TenantID),
			zap.Error(call.ArgsErr))
		return map[string]any{"error": "tool_args_invalid", "message": call.ArgsErr.Error()}
	}
	payload, err := d.dispatchTool(ctx, req, call, result)
	if err != nil {
		d.Log.Info("tool call failed",
			zap.String("tool", call.Name),
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
		return map[string]any{"error": toolErrorCode(err), "message": err.Error()}
	}
	return payload
}

func (d *Dispatcher) dispatchTool(ctx context.Context, req Request, call llm.ToolCall, result *Result) (any, error) {
	e := d.Engine
	switch call.Name {
	case "lookup_member":
		query, err := stringArg(call.Input, "query", true)
		if err != nil {
			return nil, err
		}
		m, err := e.Repo.FindMemberByRef(ctx, req.TenantID, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"member": m}, nil

	case "list_members":
		status, err := stringArg(call.Input, "status", false)
		if err != nil {
			return nil, err
		}
		members, err := e.Repo.ListMembers(ctx, req.TenantID, repo.MemberFilters{Status: status, Limit: 50})
		if err != nil {
			return nil, err
		}
		return map[string]any{"members": members, "count": len(members)}, nil

	case "propose_action":
		intentKey, err := stringArg(call.Input, "intent_key", true)
		if err != nil {
			return nil, err
		}
		params, err := paramsArg(call.Input)
		if err != nil {
			return nil, err
		}
		draft, err := e.OpenOrUpdateDraft(ctx, req.TenantID, req.SessionID, intentKey, NormalizeParams(params), req.ActorID)
		if err != nil {
			return nil, err
		}
		upsertDraft(result, draft)
		var missing []string
		if err := json.Unmarshal([]byte(draft.MissingJSON), &missing); err != nil {
			missing = nil
		}
		return map[string]any{
			"draft_id": draft.ID,
			"status":   draft.Status,
			"missing":  missing,
		}, nil

	case "confirm_action":
		draftID, err := stringArg(call.Input, "draft_id", false)
		if err != nil {
			return nil, err
		}
		draft, job, err := e.ConfirmDraft(ctx, req.TenantID, req.SessionID, draftID, req.ActorID)
		if err != nil {
			return confirmErrorPayload(err)
		}
		upsertDraft(result, draft)
		payload := map[string]any{"draft_id": draft.ID, "status": draft.Status}
		if job != nil {
			result.Jobs = append(result.Jobs, *job)
			payload["job_id"] = job.ID
			payload["job_status"] = job.Status
		}
		if draft.OutcomeJSON != nil {
			payload["outcome"] = json.RawMessage(*draft.OutcomeJSON)
		}
		return payload, nil

	case "cancel_action":
		draftID, err := stringArg(call.Input, "draft_id", true)
		if err != nil {
			return nil, err
		}
		draft, err := e.CancelDraft(ctx, req.TenantID, draftID, req.ActorID)
		if err != nil {
			return nil, err
		}
		upsertDraft(result, draft)
		return map[string]any{"draft_id": draft.ID, "status": draft.Status}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// confirmErrorPayload keeps confirmation failures inside the
// conversation: the model gets a readable verdict instead of the turn
// erroring out.
func confirmErrorPayload(err error) (any, error) {
	var ambiguous *engine.AmbiguousDraftError
	if errors.As(err, &ambiguous) {
		candidates := make([]map[string]any, 0, len(ambiguous.Candidates))
		for _, c := range ambiguous.Candidates {
			candidates = append(candidates, map[string]any{"draft_id": c.ID, "intent_key": c.IntentKey})
		}
		return map[string]any{"error": "ambiguous", "candidates": candidates}, nil
	}
	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		return map[string]any{"error": "policy_denied", "message": denied.Error()}, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return map[string]any{"error": "not_found", "message": "no draft is awaiting confirmation"}, nil
	}
	return nil, err
}

func toolErrorCode(err error) string {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, repo.ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, plan.ErrIntentNotFound):
		return "unknown_intent"
	case errors.Is(err, plan.ErrIntentNotExecutable):
		return "not_executable"
	default:
		var vErr *engine.ValidationError
		var pErr *plan.ParamsInvalidError
		if errors.As(err, &vErr) || errors.As(err, &pErr) {
			return "invalid_params"
		}
		return "internal"
	}
}

func upsertDraft(result *Result, d domain.Draft) {
	for i, existing := range result.Drafts {
		if existing.ID == d.ID {
			result.Drafts[i] = d
			return
		}
	}
	result.Drafts = append(result.Drafts, d)
}

func stringArg(input map[string]any, name string, required bool) (string, error) {
	v, ok := input[name]
	if !ok || v == nil {
		if required {
			return "", &engine.ValidationError{Field: name, Reason: "is required"}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &engine.ValidationError{Field: name, Reason: "must be a string"}
	}
	return s, nil
}

func paramsArg(input map[string]any) (map[string]string, error) {
	raw, ok := input["params"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &engine.ValidationError{Field: "params", Reason: "must be an object"}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = fmt.Sprintf("%v", val)
		case bool:
			out[k] = fmt.Sprintf("%v", val)
		case nil:
			out[k] = ""
		default:
			return nil, &engine.ValidationError{Field: "params." + k, Reason: "must be a scalar value"}
		}
	}
	return out, nil
}
