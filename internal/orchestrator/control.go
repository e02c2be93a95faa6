package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/tenant"
)

// controlTokenTTL keeps cancel and pause tokens alive long enough for the
// longest plausible run.
const controlTokenTTL = 24 * time.Hour

// RunStatus returns the run's durable record, workspace scoped.
func (o *Orchestrator) RunStatus(ctx context.Context, tc tenant.Context, runID uuid.UUID) (*storage.PipelineRun, error) {
	run, err := o.repos.Runs.GetByID(ctx, tc.WorkspaceID, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, kberr.NotFound("run not found")
	}
	if err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "load run")
	}
	return run, nil
}

// RunLogs returns stage events after the given time, oldest first.
func (o *Orchestrator) RunLogs(ctx context.Context, tc tenant.Context, runID uuid.UUID, since time.Time, limit int) ([]*storage.StageEvent, error) {
	if _, err := o.RunStatus(ctx, tc, runID); err != nil {
		return nil, err
	}
	events, err := o.repos.StageEvents.ListByRun(ctx, runID, since, limit)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "list stage events")
	}
	return events, nil
}

// CancelRun sets the cooperative cancel token. In-flight units finish at
// most one work item each before the run reaches cancelled. Cancelling a
// queued run is immediate.
func (o *Orchestrator) CancelRun(ctx context.Context, tc tenant.Context, runID uuid.UUID) error {
	if !tc.Role.CanEdit() {
		return kberr.New(kberr.KindForbidden, "role may not cancel runs")
	}
	run, err := o.RunStatus(ctx, tc, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return kberr.New(kberr.KindConflictState, "run is already "+string(run.State))
	}
	if err := o.kv.Set(ctx, cache.CancelKey(runID.String()), []byte(tc.UserID), controlTokenTTL); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "set cancel token")
	}
	// A queued run has no worker to observe the token.
	if run.State == storage.RunStateQueued {
		if terr := o.repos.Runs.TransitionState(ctx, runID, storage.RunStateCancelled, storage.RunStateQueued); terr == nil {
			_ = o.kv.Delete(ctx, cache.CancelKey(runID.String()))
			_ = o.repos.KnowledgeBases.UpdateStatus(ctx, run.WorkspaceID, run.KBID, "", storage.KBStatusFailed)
		}
	}
	return nil
}

// PauseRun sets the pause token; workers stop issuing new units and park
// at the next boundary.
func (o *Orchestrator) PauseRun(ctx context.Context, tc tenant.Context, runID uuid.UUID) error {
	if !tc.Role.CanEdit() {
		return kberr.New(kberr.KindForbidden, "role may not pause runs")
	}
	run, err := o.RunStatus(ctx, tc, runID)
	if err != nil {
		return err
	}
	if run.State != storage.RunStateRunning {
		return kberr.New(kberr.KindConflictState, "only a running run can be paused")
	}
	if err := o.kv.Set(ctx, cache.PauseKey(runID.String()), []byte(tc.UserID), controlTokenTTL); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "set pause token")
	}
	return nil
}

// ResumeRun clears the pause token; parked workers pick the run back up.
func (o *Orchestrator) ResumeRun(ctx context.Context, tc tenant.Context, runID uuid.UUID) error {
	if !tc.Role.CanEdit() {
		return kberr.New(kberr.KindForbidden, "role may not resume runs")
	}
	run, err := o.RunStatus(ctx, tc, runID)
	if err != nil {
		return err
	}
	if run.State != storage.RunStatePaused && run.State != storage.RunStateRunning {
		return kberr.New(kberr.KindConflictState, "only a paused run can be resumed")
	}
	if err := o.kv.Delete(ctx, cache.PauseKey(runID.String())); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "clear pause token")
	}
	return nil
}

// SubscribeEvents streams the run's live events. The returned function
// unsubscribes.
func (o *Orchestrator) SubscribeEvents(ctx context.Context, tc tenant.Context, runID uuid.UUID) (<-chan []byte, func(), error) {
	if _, err := o.RunStatus(ctx, tc, runID); err != nil {
		return nil, nil, err
	}
	return o.kv.Subscribe(ctx, cache.RunEventsChannel(runID.String()))
}
