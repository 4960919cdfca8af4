package scheduler

import (
	"context"
	"errors"
	"time"

	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// runLoop is the firing loop: it wakes on a scheduling-change signal or the
// poll interval, claims due triggers through the store's compare-and-set,
// and hands the winning fires to the worker pool. While the engine is in
// standby the loop keeps waking (so Resume takes effect promptly) but fires
// nothing.
func (e *Engine) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.signal:
		case <-ticker.C:
		}
		if !e.Active() {
			continue
		}
		e.fireDue(ctx)
	}
}

func (e *Engine) fireDue(ctx context.Context) {
	now := e.now()
	due, err := e.store.DueTriggers(ctx, now)
	if err != nil {
		e.log.Warn("due-trigger scan failed", logx.Err(err))
		return
	}
	for _, trig := range due {
		if ctx.Err() != nil {
			return
		}
		e.maybeFire(ctx, trig, now)
	}
}

func (e *Engine) maybeFire(ctx context.Context, trig storage.Trigger, now time.Time) {
	// Node affinity: a limited trigger belongs to exactly one member.
	if trig.LimitNode != "" && trig.LimitNode != e.membership.ID() {
		return
	}

	job, ok, err := e.store.GetJob(ctx, trig.JobKey)
	if err != nil {
		e.log.Warn("job lookup failed", logx.String("job", string(trig.JobKey)), logx.Err(err))
		return
	}
	if !ok {
		// Inconsistent record; discard so it stops showing up as due.
		_, _ = e.store.DeleteTrigger(ctx, trig.Key)
		e.log.Warn("due trigger had no job; discarded", logx.String("trigger", string(trig.Key)))
		return
	}

	kind := scheduling.ScheduleKind(trig.Kind)
	if job.Paused && kind != scheduling.KindNow {
		return
	}

	sched := scheduleFromTrigger(trig)
	transient := isRunNowTrigger(trig)
	oneShot := !transient && sched.IsOneShot()

	var next time.Time
	if !oneShot && !transient {
		if n, ok := sched.NextAfter(now); ok {
			next = n
		}
	}

	// Cross-node arbitration: exactly one claimer moves next_fire forward.
	claimed, err := e.store.ClaimTrigger(ctx, trig.Key, trig.NextFire, next, trig.NextFire)
	if err != nil {
		e.log.Warn("trigger claim failed", logx.String("trigger", string(trig.Key)), logx.Err(err))
		return
	}
	if !claimed {
		return
	}
	e.fire(ctx, job, trig, sched, next, transient, oneShot)
}

func (e *Engine) fire(ctx context.Context, job storage.Job, trig storage.Trigger, sched scheduling.Schedule, next time.Time, transient, oneShot bool) {
	cfg := scheduling.ConfigurationFromMap(job.Data)

	info := e.taskInfoFor(ctx, job.Key, job)
	if info == nil {
		// No persistent trigger either; run against a freshly attached handle.
		info = e.attach(job.Key, cfg, sched, next)
	}

	task, err := e.registry.Create(cfg, info)
	if err != nil {
		e.log.Warn("task instantiation failed",
			logx.String("task", cfg.TaskLogName()), logx.Err(err))
		e.recordFailedFire(ctx, info, trig, next, transient, oneShot)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)

	// Reuse a future handed out at schedule time; a completed one belongs to
	// a previous run and must not be completed twice.
	fut := info.Future()
	if fut == nil || fut.Done() {
		fut = newTaskFuture(cancel)
	} else {
		fut.setCancel(cancel)
	}

	started := e.now()
	if !info.beginRun(started, cancel, fut) {
		// Already running on this node: skip this fire entirely.
		cancel()
		if transient {
			_, _ = e.store.DeleteTrigger(ctx, trig.Key)
		}
		e.log.Debug("fire skipped; task already running", logx.String("task", cfg.TaskLogName()))
		return
	}

	accepted := e.pool.Submit(func() {
		e.runTask(runCtx, task, info, fut, trig, cfg, next, transient, oneShot)
	})
	if !accepted {
		// Admission rejected. Put the trigger's fire time back (CAS from the
		// value we just claimed it to) so the next poll retries.
		info.abortRun(trig.NextFire)
		cancel()
		if _, err := e.store.ClaimTrigger(ctx, trig.Key, next, trig.NextFire, trig.PrevFire); err != nil {
			e.log.Warn("trigger restore failed", logx.String("trigger", string(trig.Key)), logx.Err(err))
		}
		e.log.Warn("worker pool saturated; fire deferred",
			logx.String("task", cfg.TaskLogName()),
			logx.Int("pool_capacity", e.pool.Capacity()))
	}
}

func (e *Engine) runTask(runCtx context.Context, task scheduling.Task, info *TaskInfo, fut *TaskFuture, trig storage.Trigger, cfg scheduling.TaskConfiguration, next time.Time, transient, oneShot bool) {
	started := e.now()
	result, err := task.Call(runCtx)
	dur := time.Since(started)

	end := scheduling.EndStateOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || runCtx.Err() != nil:
		end = scheduling.EndStateCanceled
		e.log.Info("task run canceled",
			logx.String("task", cfg.TaskLogName()), logx.Duration("after", dur))
	default:
		end = scheduling.EndStateFailed
		e.log.Warn("task run failed",
			logx.String("task", cfg.TaskLogName()), logx.Duration("after", dur), logx.Err(err))
	}

	info.completeRun(end, started, dur, next, oneShot)
	fut.complete(result, err)

	// Store writes must survive a cancelled run context.
	e.finalizeRun(context.WithoutCancel(runCtx), info, trig, end, started, dur, transient, oneShot)

	if end == scheduling.EndStateOK {
		e.log.Debug("task run completed",
			logx.String("task", cfg.TaskLogName()), logx.Duration("took", dur))
	}
}

// finalizeRun reconciles the store after a run: the last-run state lands in
// the job's data bag (whose update event lets peers refresh their view),
// transient run-now triggers are discarded, and a completed one-shot has its
// rows removed entirely so lookups report it gone.
func (e *Engine) finalizeRun(ctx context.Context, info *TaskInfo, trig storage.Trigger, end scheduling.EndState, started time.Time, dur time.Duration, transient, oneShot bool) {
	key := info.JobKey()

	if transient {
		if _, err := e.store.DeleteTrigger(ctx, trig.Key); err != nil {
			e.log.Warn("transient trigger cleanup failed", logx.String("trigger", string(trig.Key)), logx.Err(err))
		}
	}

	if oneShot {
		if _, err := e.store.DeleteTrigger(ctx, trig.Key); err != nil {
			e.log.Warn("one-shot trigger cleanup failed", logx.String("trigger", string(trig.Key)), logx.Err(err))
		}
		if _, err := e.store.DeleteJob(ctx, key); err != nil {
			e.log.Warn("one-shot job cleanup failed", logx.String("job", string(key)), logx.Err(err))
		}
		return
	}

	job, ok, err := e.store.GetJob(ctx, key)
	if err != nil || !ok {
		// Removed while running; nothing left to record.
		return
	}
	cfg := scheduling.ConfigurationFromMap(job.Data)
	cfg.SetLastRunState(end, started, dur)
	job.Data = cfg.ToMap()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.log.Warn("last-run state not persisted", logx.String("job", string(key)), logx.Err(err))
	}
}

// recordFailedFire handles a fire that never produced a run (the task type
// could not be instantiated).
func (e *Engine) recordFailedFire(ctx context.Context, info *TaskInfo, trig storage.Trigger, next time.Time, transient, oneShot bool) {
	started := e.now()
	info.mu.Lock()
	info.lastRun = &scheduling.LastRunState{EndState: scheduling.EndStateFailed, RunStarted: started}
	info.cfg.SetLastRunState(scheduling.EndStateFailed, started, 0)
	if oneShot {
		info.state = CurrentState{State: scheduling.StateDone}
	} else {
		info.state = CurrentState{State: scheduling.StateWaiting, NextRun: next}
	}
	info.mu.Unlock()

	e.finalizeRun(ctx, info, trig, scheduling.EndStateFailed, started, 0, transient, oneShot)
}
