package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"careline/internal/domain"
	"careline/internal/plan"
)

func (e Engine) buildJob(p plan.Plan, now string) (domain.Job, error) {
	planJSON, err := json.Marshal(p)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal plan: %w", err)
	}
	maxAttempts := e.Config.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return domain.Job{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		IntentKey:      p.IntentKey,
		IdempotencyKey: p.IdempotencyKey(),
		PlanJSON:       string(planJSON),
		Status:         domain.JobPending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// EnqueueJob queues a plan for execution. Enqueueing the same logical
// request twice resolves to the existing job; the second return value
// reports whether a new job was created.
func (e Engine) EnqueueJob(ctx context.Context, p plan.Plan) (domain.Job, bool, error) {
	j, err := e.buildJob(p, e.stamp())
	if err != nil {
		return domain.Job{}, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertJobTx(ctx, tx, j)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if !inserted {
		existing, err := e.Repo.GetJobByIdempotencyKeyTx(ctx, tx, p.TenantID, j.IdempotencyKey)
		if err != nil {
			return domain.Job{}, false, err
		}
		j = existing
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	// a duplicate enqueue still wakes the worker: the existing job may
	// be pending and should not wait for the next poll tick
	e.nudge()
	return j, inserted, nil
}

func (e Engine) nudge() {
	if e.Nudge == nil {
		return
	}
	select {
	case e.Nudge <- struct{}{}:
	default:
	}
}
