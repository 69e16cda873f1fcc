// Package plan builds immutable execution proposals from catalog
// intents. A Plan is a proposal, never an authorization: the policy
// gate re-checks everything at execution time.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"careline/internal/action"
	"careline/internal/intent"
)

var (
	ErrIntentNotFound      = errors.New("intent not found")
	ErrIntentNotExecutable = errors.New("intent not executable")
	ErrMissingEventMapping = errors.New("missing event mapping")
)

// ParamsInvalidError wraps a parameter validation failure.
type ParamsInvalidError struct {
	IntentKey string
	Err       error
}

func (e *ParamsInvalidError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %v", e.IntentKey, e.Err)
}

func (e *ParamsInvalidError) Unwrap() error { return e.Err }

// Plan is an immutable snapshot of a proposed action. Automation level,
// execution class and mapping are copied verbatim from the intent
// definition at creation time and never re-derived.
type Plan struct {
	IntentKey   string            `json:"intent_key"`
	TenantID    string            `json:"tenant_id"`
	Params      map[string]string `json:"params"`
	Automation  intent.Automation `json:"automation"`
	EventType   string            `json:"event_type,omitempty"`
	ActionKey   string            `json:"action_key,omitempty"`
	RequesterID string            `json:"requester_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Targets     []string          `json:"targets,omitempty"`
	Summary     string            `json:"summary"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Build validates params against the intent and snapshots a Plan.
// It never touches persistent state.
func Build(cat *intent.Catalog, tenantID, intentKey string, params map[string]string, requesterID string, targets []string, now time.Time) (Plan, error) {
	def, ok := cat.Lookup(intentKey)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentKey)
	}
	if def.Automation == intent.Query {
		return Plan{}, fmt.Errorf("%w: %s is a query intent", ErrIntentNotExecutable, intentKey)
	}
	if _, err := def.Parse(params); err != nil {
		return Plan{}, &ParamsInvalidError{IntentKey: intentKey, Err: err}
	}
	if def.Automation == intent.Executing && def.ActionKey == "" {
		// Class A: fail closed rather than guessing a mapping.
		if def.EventType == "" || !action.ValidEventType(def.EventType) {
			return Plan{}, fmt.Errorf("%w: %s", ErrMissingEventMapping, intentKey)
		}
	}
	p := Plan{
		IntentKey:   intentKey,
		TenantID:    tenantID,
		Params:      copyParams(params),
		Automation:  def.Automation,
		EventType:   def.EventType,
		ActionKey:   def.ActionKey,
		RequesterID: requesterID,
		CreatedAt:   now.UTC(),
		Targets:     append([]string(nil), targets...),
		Summary:     summarize(def, params),
	}
	if def.Automation == intent.Executing && len(targets) > 1 {
		p.Warnings = append(p.Warnings, fmt.Sprintf("bulk operation over %d members", len(targets)))
	}
	return p, nil
}

// PolicyKey returns the policy setting this plan is gated on: the event
// type for class A, the action key for class B.
func (p Plan) PolicyKey() string {
	if p.EventType != "" {
		return p.EventType
	}
	return p.ActionKey
}

// EffectiveDate is the date the plan takes effect: the date parameter
// when present, otherwise the plan timestamp's UTC date.
func (p Plan) EffectiveDate() string {
	if d := p.Params["date"]; d != "" {
		return d
	}
	return p.CreatedAt.Format("2006-01-02")
}

// IdempotencyKey hashes the fields that identify one logical execution.
// Re-enqueueing the same request always resolves to the same key.
func (p Plan) IdempotencyKey() string {
	targets := append([]string(nil), p.Targets...)
	sort.Strings(targets)
	h := sha256.New()
	for _, part := range []string{p.TenantID, p.IntentKey, strings.Join(targets, ","), p.PolicyKey(), p.EffectiveDate()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func summarize(def intent.Definition, params map[string]string) string {
	var parts []string
	for _, f := range def.Params {
		if v := params[f.Name]; v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", f.Name, v))
		}
	}
	if len(parts) == 0 {
		return def.Description
	}
	return fmt.Sprintf("%s (%s)", def.Description, strings.Join(parts, ", "))
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
