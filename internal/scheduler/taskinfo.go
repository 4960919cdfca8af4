package scheduler

import (
	"context"
	"sync"
	"time"

	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
)

// CurrentState is a point-in-time view of where a task stands on this node.
type CurrentState struct {
	State      scheduling.TaskState
	NextRun    time.Time
	RunStarted time.Time
}

// TaskInfo is the live, node-local handle for one scheduled task. Its
// identity is the underlying job key, stable across in-place reschedules.
//
// Every external mutation goes through a "transition only if still in the
// expected state" check: a racing update must not clobber the fresher state
// an executing task just recorded. Stale writers are silently dropped; the
// run's own completion handler picks up the latest configuration instead.
type TaskInfo struct {
	key storage.JobKey

	mu      sync.Mutex
	cfg     scheduling.TaskConfiguration
	sched   scheduling.Schedule
	state   CurrentState
	lastRun *scheduling.LastRunState
	future  *TaskFuture
	removed bool
	cancel  context.CancelFunc
}

func newTaskInfo(key storage.JobKey, cfg scheduling.TaskConfiguration, sched scheduling.Schedule, nextRun time.Time) *TaskInfo {
	info := &TaskInfo{
		key:   key,
		cfg:   cfg.Clone(),
		sched: sched,
		state: CurrentState{State: scheduling.StateWaiting, NextRun: nextRun},
	}
	if lrs, ok := cfg.LastRunState(); ok {
		info.lastRun = &lrs
	}
	return info
}

// ID implements scheduling.Handle.
func (t *TaskInfo) ID() string { return string(t.key) }

func (t *TaskInfo) JobKey() storage.JobKey { return t.key }

// Configuration implements scheduling.Handle.
func (t *TaskInfo) Configuration() scheduling.TaskConfiguration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Clone()
}

func (t *TaskInfo) Schedule() scheduling.Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

func (t *TaskInfo) CurrentState() CurrentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TaskInfo) LastRunState() (scheduling.LastRunState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastRun == nil {
		return scheduling.LastRunState{}, false
	}
	return *t.lastRun, true
}

// Future returns the in-flight future for a "now" run, if one exists.
func (t *TaskInfo) Future() *TaskFuture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.future
}

// IsRemovedOrDone filters logically-gone tasks out of lookup and listing
// APIs even while their TaskInfo object still exists.
func (t *TaskInfo) IsRemovedOrDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed || t.state.State.IsDone()
}

// UpdateIfWaiting applies a new configuration and schedule only when the
// task is still waiting. Returns false (dropped) otherwise.
func (t *TaskInfo) UpdateIfWaiting(cfg scheduling.TaskConfiguration, sched scheduling.Schedule, nextRun time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || !t.state.State.IsWaiting() {
		return false
	}
	t.cfg = t.cfg.Apply(cfg)
	t.sched = sched
	t.state.NextRun = nextRun
	return true
}

// beginRun transitions WAITING -> RUNNING. A task already running or done
// does not start a second concurrent run on this node.
func (t *TaskInfo) beginRun(started time.Time, cancel context.CancelFunc, fut *TaskFuture) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || !t.state.State.IsWaiting() {
		return false
	}
	t.state = CurrentState{State: scheduling.StateRunning, RunStarted: started}
	t.cancel = cancel
	t.future = fut
	return true
}

// completeRun transitions RUNNING -> WAITING (recurring) or DONE (one-shot)
// and records the run's end state.
func (t *TaskInfo) completeRun(end scheduling.EndState, started time.Time, dur time.Duration, nextRun time.Time, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRun = &scheduling.LastRunState{EndState: end, RunStarted: started, RunDuration: dur}
	t.cfg.SetLastRunState(end, started, dur)
	t.cancel = nil
	if done {
		t.state = CurrentState{State: scheduling.StateDone}
		return
	}
	t.state = CurrentState{State: scheduling.StateWaiting, NextRun: nextRun}
}

// abortRun reverts RUNNING -> WAITING without recording a run. Used when
// admission control rejected the submission after the transition.
func (t *TaskInfo) abortRun(nextRun time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.State.IsRunning() {
		return
	}
	t.state = CurrentState{State: scheduling.StateWaiting, NextRun: nextRun}
	t.cancel = nil
}

// requestCancel asks the in-flight run to stop. Best-effort: returns false
// when the task is not currently running.
func (t *TaskInfo) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.State.IsRunning() || t.cancel == nil {
		return false
	}
	t.cancel()
	return true
}

// markRemoved flags the task gone and force-cancels any in-flight run.
func (t *TaskInfo) markRemoved() {
	t.mu.Lock()
	cancel := t.cancel
	fut := t.future
	t.removed = true
	t.cancel = nil
	t.mu.Unlock()
	if fut != nil {
		fut.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}
