// Package worker drains the job queue. Claims are conditional updates,
// so any number of workers can poll the same queue without coordination.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/intent"
	"careline/internal/plan"
	"careline/internal/repo"
)

type Worker struct {
	Engine    engine.Engine
	Log       *zap.Logger
	BatchSize int
	Interval  time.Duration
}

func New(e engine.Engine) *Worker {
	w := &Worker{
		Engine:    e,
		Log:       e.Log,
		BatchSize: e.Config.Worker.BatchSize,
		Interval:  e.Config.Worker.Interval.Std(),
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 10
	}
	if w.Interval <= 0 {
		w.Interval = 5 * time.Second
	}
	return w
}

// Run polls until the context is cancelled. A nudge from the engine
// cuts the wait short after an enqueue.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.Log.Error("worker batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.Engine.Nudge:
		}
	}
}

// RunOnce processes at most one batch of pending jobs and returns how
// many it handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.Engine.Repo.PendingJobs(ctx, w.BatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if w.processJob(ctx, j) {
			processed++
		}
	}
	return processed, nil
}

// processJob claims and runs one job. It reports false when another
// worker claimed the job first.
func (w *Worker) processJob(ctx context.Context, j domain.Job) bool {
	e := w.Engine
	claimed, err := e.Repo.ClaimJob(ctx, j.TenantID, j.ID, stamp(e))
	if err != nil {
		w.Log.Error("claim job", zap.String("job_id", j.ID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	j.Attempts++

	var p plan.Plan
	if err := json.Unmarshal([]byte(j.PlanJSON), &p); err != nil {
		w.finish(ctx, j, domain.JobFailed, "undecodable plan: "+err.Error(), nil)
		return true
	}

	res, err := e.ExecutePlan(ctx, p)
	if err != nil {
		w.handleExecError(ctx, j, p, err)
		return true
	}

	status := domain.JobSucceeded
	switch res.Status {
	case domain.ResultPartial:
		status = domain.JobPartial
	case domain.ResultFailed:
		status = domain.JobFailed
	}
	resultJSON, merr := json.Marshal(res)
	if merr != nil {
		w.Log.Error("marshal job result", zap.String("job_id", j.ID), zap.Error(merr))
	}
	rj := string(resultJSON)
	w.finish(ctx, j, status, res.Message, &rj)

	if status != domain.JobFailed {
		if _, err := e.SurfaceWorkItem(ctx, p, res); err != nil {
			w.Log.Error("surface work item", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	w.Log.Info("job done",
		zap.String("job_id", j.ID),
		zap.String("tenant_id", j.TenantID),
		zap.String("intent_key", j.IntentKey),
		zap.String("status", status),
		zap.Int("attempt", j.Attempts))
	return true
}

func (w *Worker) handleExecError(ctx context.Context, j domain.Job, p plan.Plan, err error) {
	e := w.Engine
	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		w.finish(ctx, j, domain.JobFailed, denied.Error(), nil)
		if _, serr := e.SurfaceDeniedFollowUp(ctx, p); serr != nil {
			w.Log.Error("surface follow-up", zap.String("job_id", j.ID), zap.Error(serr))
		}
		return
	}
	if !retryable(err) {
		w.finish(ctx, j, domain.JobFailed, err.Error(), nil)
		return
	}
	if j.Attempts >= j.MaxAttempts {
		w.finish(ctx, j, domain.JobFailed, "retries exhausted: "+err.Error(), nil)
		return
	}
	msg := err.Error()
	if rerr := e.Repo.RequeueJob(ctx, j.TenantID, j.ID, &msg, stamp(e)); rerr != nil {
		w.Log.Error("requeue job", zap.String("job_id", j.ID), zap.Error(rerr))
	}
	w.Log.Warn("job requeued",
		zap.String("job_id", j.ID),
		zap.Int("attempt", j.Attempts),
		zap.Int("max_attempts", j.MaxAttempts),
		zap.Error(err))
}

func (w *Worker) finish(ctx context.Context, j domain.Job, status, lastError string, resultJSON *string) {
	var le *string
	if lastError != "" {
		le = &lastError
	}
	if err := w.Engine.Repo.FinishJob(ctx, j.TenantID, j.ID, status, le, resultJSON, stamp(w.Engine)); err != nil {
		w.Log.Error("finish job", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// retryable separates infrastructure failures, which another attempt
// may cure, from verdicts about the request itself, which it cannot.
func retryable(err error) bool {
	var vErr *engine.ValidationError
	var pErr *plan.ParamsInvalidError
	var fErr *intent.ParamError
	if errors.As(err, &vErr) || errors.As(err, &pErr) || errors.As(err, &fErr) {
		return false
	}
	if errors.Is(err, plan.ErrIntentNotFound) ||
		errors.Is(err, plan.ErrIntentNotExecutable) ||
		errors.Is(err, plan.ErrMissingEventMapping) ||
		errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, repo.ErrAmbiguous) {
		return false
	}
	var xErr *engine.ExecutionError
	if errors.As(err, &xErr) {
		return retryable(xErr.Err)
	}
	return true
}

func stamp(e engine.Engine) string {
	return e.Now().UTC().Format(time.RFC3339)
}
