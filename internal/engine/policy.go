package engine

import (
	"context"
	"errors"
	"fmt"

	"careline/internal/action"
	"careline/internal/repo"
)

func validPolicyKey(key string) error {
	if err := action.AssertValidKey(key); err == nil {
		return nil
	}
	if action.ValidEventType(key) {
		return nil
	}
	return &ValidationError{Field: "key", Reason: fmt.Sprintf("%q is not a known action or event type", key)}
}

// PolicyAllowed reports whether the tenant enabled the given policy
// key. No stored setting means deny.
func (e Engine) PolicyAllowed(ctx context.Context, tenantID, key string) (bool, error) {
	if err := validPolicyKey(key); err != nil {
		return false, err
	}
	p, err := e.Repo.GetPolicySetting(ctx, tenantID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Enabled, nil
}

// checkPolicy is the gate used on every execution path. It returns a
// PolicyDeniedError on deny and the storage error otherwise, so a
// broken read never falls open.
func (e Engine) checkPolicy(ctx context.Context, tenantID, key string) error {
	ok, err := e.PolicyAllowed(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if !ok {
		return &PolicyDeniedError{TenantID: tenantID, PolicyKey: key}
	}
	return nil
}
