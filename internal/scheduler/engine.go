package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskgrid/internal/cluster"
	"taskgrid/internal/eventbus"
	"taskgrid/internal/runtime/supervisor"
	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// Options configures the per-node engine.
type Options struct {
	// Active controls whether this node fires triggers. An inactive node
	// still accepts schedule changes and replicates remote ones.
	Active bool

	// PollInterval bounds how late a trigger fires when no scheduling
	// change wakes the firing loop earlier.
	PollInterval time.Duration

	ShutdownTimeout time.Duration

	// RecoverInterrupted fires recoverable jobs whose last run was cut
	// short by a shutdown once at start-up.
	RecoverInterrupted bool

	// Location is the timezone cron expressions are evaluated in.
	Location *time.Location
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

// Engine is the per-node scheduling core. It owns the node-local TaskInfo
// set, builds and persists job/trigger pairs, and hosts the firing loop.
// The persisted store is the only state shared across nodes.
type Engine struct {
	log        logx.Logger
	store      storage.Store
	registry   *scheduling.Registry
	membership cluster.Membership
	pool       *WorkerPool
	opts       Options

	mu      sync.Mutex
	tasks   map[storage.JobKey]*TaskInfo
	started bool
	stopped bool
	active  bool
	missing []string

	signal chan struct{}
	sup    *supervisor.Supervisor
}

func NewEngine(store storage.Store, registry *scheduling.Registry, membership cluster.Membership, pool *WorkerPool, opts Options, log logx.Logger) *Engine {
	opts.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:        log.With(logx.String("comp", "scheduler")),
		store:      store,
		registry:   registry,
		membership: membership,
		pool:       pool,
		opts:       opts,
		tasks:      map[storage.JobKey]*TaskInfo{},
		signal:     make(chan struct{}, 1),
	}
}

// Start reattaches every persisted job/trigger pair and launches the firing
// loop. Inconsistent records (a job without a trigger, a trigger without a
// job) are repaired or skipped with a warning, never fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	if e.stopped {
		// Stop closes the worker pool for good, so a restarted engine would
		// reattach tasks but never run one.
		e.mu.Unlock()
		return fmt.Errorf("scheduler start: engine already stopped")
	}
	e.mu.Unlock()

	if err := e.reattach(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}

	e.mu.Lock()
	e.started = true
	e.active = e.opts.Active
	e.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(e.log))
	e.sup.GoRestart("scheduler.fire-loop", e.runLoop, supervisor.WithStopOnCleanExit(true))
	e.mu.Unlock()

	if e.opts.RecoverInterrupted {
		e.recoverInterrupted(ctx)
	}

	e.log.Info("scheduler started",
		logx.Bool("active", e.Active()),
		logx.Int("tasks", len(e.snapshotTasks(false))),
		logx.Int("pool_capacity", e.pool.Capacity()))
	return nil
}

// Stop halts the firing loop and waits for in-flight tasks up to the
// configured shutdown timeout. Stop is final: it drains and closes the
// worker pool, so the engine cannot be started again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.stopped = true
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("fire loop stop", logx.Err(err))
		}
	}
	e.pool.Shutdown(e.opts.ShutdownTimeout)
	e.log.Info("scheduler stopped")
	return nil
}

func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Pause puts the engine into standby: no triggers fire, existing task state
// is untouched. Idempotent.
func (e *Engine) Pause() {
	e.setActive(false)
}

// Resume makes the engine fire triggers again. Idempotent.
func (e *Engine) Resume() {
	e.setActive(true)
}

func (e *Engine) setActive(active bool) {
	e.mu.Lock()
	if e.active == active {
		e.mu.Unlock()
		return
	}
	e.active = active
	e.mu.Unlock()
	e.log.Info("scheduler mode changed", logx.Bool("active", active))
	e.Signal()
}

// Signal wakes the firing loop so it re-evaluates next-fire times. Safe to
// call from any goroutine; coalesces when a wake-up is already pending.
func (e *Engine) Signal() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) now() time.Time { return time.Now().In(e.opts.Location) }

// ScheduleTask creates a task or rebuilds an existing one in place.
//
// For a fresh id it persists a job+trigger pair and attaches a TaskInfo.
// For an existing id it rejects conflicts (a one-shot "now" task cannot be
// rescheduled, a completed task cannot be revived, a running task cannot be
// turned into a one-shot) and otherwise rebuilds job+trigger preserving the
// identity. The in-memory state is refreshed only if the task is still
// waiting; a running task picks up the new configuration when it finishes.
func (e *Engine) ScheduleTask(ctx context.Context, cfg scheduling.TaskConfiguration, sched scheduling.Schedule) (*TaskInfo, error) {
	if eventbus.IsReplicating(ctx) {
		return nil, fmt.Errorf("scheduling rejected: replication pass in progress")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if err := e.validateLimitNode(cfg); err != nil {
		return nil, err
	}

	key := storage.JobKey(cfg.ID)
	now := e.now()

	job, exists, err := e.store.GetJob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", cfg.TaskLogName(), err)
	}
	if !exists {
		return e.createNewTask(ctx, key, cfg, sched, now)
	}
	return e.updateTask(ctx, job, cfg, sched, now)
}

func (e *Engine) createNewTask(ctx context.Context, key storage.JobKey, cfg scheduling.TaskConfiguration, sched scheduling.Schedule, now time.Time) (*TaskInfo, error) {
	// A DONE one-shot keeps its TaskInfo around briefly after its store rows
	// are gone; reusing the id then is a caller error, not a fresh create.
	e.mu.Lock()
	if old, ok := e.tasks[key]; ok && old.IsRemovedOrDone() && old.CurrentState().State.IsDone() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already completed", scheduling.ErrInvalidConfig, key)
	}
	e.mu.Unlock()

	final := cfg.Clone()
	if final.Created.IsZero() {
		final.Created = now
	}
	final.Updated = now

	trig := buildTrigger(key, sched, final.LimitNodeID(), now)
	job := storage.Job{
		Key:         key,
		Name:        final.Name,
		Recoverable: final.Recoverable,
		Paused:      !final.Enabled,
		Data:        final.ToMap(),
	}

	info := newTaskInfo(key, final, sched, trig.NextFire)
	if sched.Kind == scheduling.KindNow {
		info.mu.Lock()
		info.future = newTaskFuture(nil)
		info.mu.Unlock()
	}

	e.mu.Lock()
	e.tasks[key] = info
	e.mu.Unlock()

	if err := e.store.CreateJob(ctx, job); err != nil {
		e.detach(key)
		return nil, fmt.Errorf("persist job %s: %w", key, err)
	}
	if err := e.store.CreateTrigger(ctx, trig); err != nil {
		_, _ = e.store.DeleteJob(ctx, key)
		e.detach(key)
		return nil, fmt.Errorf("persist trigger %s: %w", key, err)
	}

	e.log.Debug("task scheduled",
		logx.String("task", final.TaskLogName()),
		logx.String("schedule", sched.String()),
		logx.Time("next_fire", trig.NextFire))
	e.Signal()
	return info, nil
}

func (e *Engine) updateTask(ctx context.Context, job storage.Job, cfg scheduling.TaskConfiguration, sched scheduling.Schedule, now time.Time) (*TaskInfo, error) {
	key := job.Key
	info := e.taskInfoFor(ctx, key, job)
	if info != nil {
		if info.IsRemovedOrDone() {
			return nil, fmt.Errorf("%w: task %s already completed", scheduling.ErrInvalidConfig, key)
		}
		if !info.Schedule().IsReschedulable() {
			return nil, fmt.Errorf("%w: task %s has a one-shot schedule and cannot be rescheduled", scheduling.ErrInvalidConfig, key)
		}
		if info.CurrentState().State.IsRunning() && sched.Kind == scheduling.KindNow {
			return nil, fmt.Errorf("%w: task %s is running and cannot become a one-shot", scheduling.ErrInvalidConfig, key)
		}
	}

	persisted := scheduling.ConfigurationFromMap(job.Data)
	updated := cfg.Clone()
	updated.Updated = now
	final := persisted.Apply(updated)

	trig := buildTrigger(key, sched, final.LimitNodeID(), now)
	job.Name = final.Name
	job.Recoverable = final.Recoverable
	job.Paused = !final.Enabled
	job.Data = final.ToMap()

	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update job %s: %w", key, err)
	}
	if err := e.store.UpdateTrigger(ctx, trig); err != nil {
		// The trigger row may be gone (inconsistent record); recreate it.
		if cerr := e.store.CreateTrigger(ctx, trig); cerr != nil {
			return nil, fmt.Errorf("update trigger %s: %w", key, err)
		}
	}

	if info == nil {
		info = newTaskInfo(key, final, sched, trig.NextFire)
		e.mu.Lock()
		e.tasks[key] = info
		e.mu.Unlock()
	} else if !info.UpdateIfWaiting(final, sched, trig.NextFire) {
		e.log.Debug("in-memory update dropped; task not waiting",
			logx.String("task", final.TaskLogName()))
	}

	e.log.Debug("task rescheduled",
		logx.String("task", final.TaskLogName()),
		logx.String("schedule", sched.String()),
		logx.Time("next_fire", trig.NextFire))
	e.Signal()
	return info, nil
}

// Submit is ScheduleTask with an immediate one-shot schedule.
func (e *Engine) Submit(ctx context.Context, cfg scheduling.TaskConfiguration) (*TaskInfo, error) {
	return e.ScheduleTask(ctx, cfg, scheduling.Now())
}

// RunNow fires an existing task out of band via a transient trigger that
// inherits the task's node affinity (or is pinned to this node, so exactly
// one member fires it). Returns ErrTaskRemoved when the job is gone.
func (e *Engine) RunNow(ctx context.Context, key storage.JobKey) error {
	if eventbus.IsReplicating(ctx) {
		return fmt.Errorf("run-now rejected: replication pass in progress")
	}
	job, ok, err := e.store.GetJob(ctx, key)
	if err != nil {
		return fmt.Errorf("run now %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", scheduling.ErrTaskRemoved, key)
	}

	cfg := scheduling.ConfigurationFromMap(job.Data)
	trig := buildRunNowTrigger(key, cfg.LimitNodeID(), e.membership.ID(), e.now())
	if err := e.store.CreateTrigger(ctx, trig); err != nil {
		return fmt.Errorf("run now %s: %w", key, err)
	}
	e.log.Debug("run-now trigger created",
		logx.String("task", cfg.TaskLogName()),
		logx.String("limit_node", trig.LimitNode))
	e.Signal()
	return nil
}

// RemoveTask unschedules every trigger of the job, deletes the job, and
// detaches the TaskInfo (cancelling any in-flight run first). Reports
// whether anything was actually removed.
func (e *Engine) RemoveTask(ctx context.Context, key storage.JobKey) (bool, error) {
	removed := false

	trigs, err := e.store.TriggersForJob(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	for _, t := range trigs {
		ok, err := e.store.DeleteTrigger(ctx, t.Key)
		if err != nil {
			return removed, fmt.Errorf("remove trigger %s: %w", t.Key, err)
		}
		removed = removed || ok
	}

	ok, err := e.store.DeleteJob(ctx, key)
	if err != nil {
		return removed, fmt.Errorf("remove job %s: %w", key, err)
	}
	removed = removed || ok

	if e.detach(key) {
		removed = true
	}
	if removed {
		e.Signal()
	}
	return removed, nil
}

// CancelJob requests an interrupt of a currently executing job. Best-effort:
// returns false when the job is not running here.
func (e *Engine) CancelJob(key storage.JobKey) bool {
	e.mu.Lock()
	info := e.tasks[key]
	e.mu.Unlock()
	if info == nil {
		return false
	}
	ok := info.requestCancel()
	if ok {
		e.log.Debug("cancellation requested", logx.String("job", string(key)))
	}
	return ok
}

// GetTaskByID returns the live handle for a task, or nil when it does not
// exist or is logically gone (removed, or a completed one-shot).
func (e *Engine) GetTaskByID(id string) *TaskInfo {
	e.mu.Lock()
	info := e.tasks[storage.JobKey(id)]
	e.mu.Unlock()
	if info == nil || info.IsRemovedOrDone() {
		return nil
	}
	return info
}

// GetTaskByTypeID returns the first live task of the given type whose
// attributes contain every entry of match. match may be nil.
func (e *Engine) GetTaskByTypeID(typeID string, match map[string]string) *TaskInfo {
	for _, info := range e.ListTasks() {
		cfg := info.Configuration()
		if cfg.TypeID != typeID {
			continue
		}
		ok := true
		for k, v := range match {
			if cfg.Attribute(k) != v {
				ok = false
				break
			}
		}
		if ok {
			return info
		}
	}
	return nil
}

// FindAndSubmit fires the first task of the given type unless it is already
// running. Returns whether a run was submitted.
func (e *Engine) FindAndSubmit(ctx context.Context, typeID string) bool {
	info := e.GetTaskByTypeID(typeID, nil)
	if info == nil {
		return false
	}
	if info.CurrentState().State.IsRunning() {
		return false
	}
	if err := e.RunNow(ctx, info.JobKey()); err != nil {
		e.log.Warn("find-and-submit failed", logx.String("type", typeID), logx.Err(err))
		return false
	}
	return true
}

// ListTasks returns all live tasks, ordered by id.
func (e *Engine) ListTasks() []*TaskInfo {
	return e.snapshotTasks(true)
}

func (e *Engine) snapshotTasks(filter bool) []*TaskInfo {
	e.mu.Lock()
	out := make([]*TaskInfo, 0, len(e.tasks))
	for _, info := range e.tasks {
		out = append(out, info)
	}
	e.mu.Unlock()

	if filter {
		live := out[:0]
		for _, info := range out {
			if !info.IsRemovedOrDone() {
				live = append(live, info)
			}
		}
		out = live
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// GetRunningTaskCount returns the number of tasks executing on this node.
func (e *Engine) GetRunningTaskCount() int {
	n := 0
	e.mu.Lock()
	for _, info := range e.tasks {
		if info.CurrentState().State.IsRunning() {
			n++
		}
	}
	e.mu.Unlock()
	return n
}

// MissingTriggerDescriptions lists the triggers synthesized at start-up for
// jobs found without one.
func (e *Engine) MissingTriggerDescriptions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.missing))
	copy(out, e.missing)
	return out
}

// RenderStatusMessage summarizes the engine mode for operators.
func (e *Engine) RenderStatusMessage() string {
	mode := "standby"
	if e.Active() {
		mode = "active"
	}
	if !e.Started() {
		mode = "stopped"
	}
	return fmt.Sprintf("scheduler %s; %d tasks, %d running, pool %d/%d busy",
		mode, len(e.ListTasks()), e.GetRunningTaskCount(), e.pool.Running(), e.pool.Capacity())
}

// Resync re-reads the persisted store and reconciles the node-local view:
// new jobs are attached, vanished jobs detached, waiting tasks refreshed.
// This is the repair path for lost replication events short of a restart.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.reattach(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	e.Signal()
	e.log.Info("resync complete", logx.Int("tasks", len(e.ListTasks())))
	return nil
}

func (e *Engine) validateLimitNode(cfg scheduling.TaskConfiguration) error {
	limit := cfg.LimitNodeID()
	if limit == "" {
		return nil
	}
	if !cluster.IsMember(e.membership, limit) {
		return fmt.Errorf("%w: limit node %q is not a cluster member", scheduling.ErrInvalidConfig, limit)
	}
	return nil
}

// taskInfoFor returns the TaskInfo for key, attaching one from the persisted
// record when the job was created elsewhere (or before a resync).
func (e *Engine) taskInfoFor(ctx context.Context, key storage.JobKey, job storage.Job) *TaskInfo {
	e.mu.Lock()
	info := e.tasks[key]
	e.mu.Unlock()
	if info != nil {
		return info
	}

	trig, ok, err := e.store.GetTrigger(ctx, key)
	if err != nil || !ok {
		return nil
	}
	return e.attach(key, scheduling.ConfigurationFromMap(job.Data), scheduleFromTrigger(trig), trig.NextFire)
}

// attach inserts a TaskInfo, keeping an existing one if a concurrent attach
// won the race.
func (e *Engine) attach(key storage.JobKey, cfg scheduling.TaskConfiguration, sched scheduling.Schedule, nextRun time.Time) *TaskInfo {
	info := newTaskInfo(key, cfg, sched, nextRun)
	e.mu.Lock()
	if cur, ok := e.tasks[key]; ok && !cur.IsRemovedOrDone() {
		info = cur
	} else {
		e.tasks[key] = info
	}
	e.mu.Unlock()
	return info
}

// detach flags the TaskInfo removed (cancelling any in-flight run) and drops
// it from the node-local map.
func (e *Engine) detach(key storage.JobKey) bool {
	e.mu.Lock()
	info := e.tasks[key]
	delete(e.tasks, key)
	e.mu.Unlock()
	if info == nil {
		return false
	}
	info.markRemoved()
	return true
}

// reattach scans the persisted store and rebuilds the node-local TaskInfo
// set. Jobs missing a trigger get a manual recovery trigger; triggers
// missing a job are left for the firing loop to discard.
func (e *Engine) reattach(ctx context.Context) error {
	now := e.now()

	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	trigs, err := e.store.ListTriggers(ctx)
	if err != nil {
		return err
	}

	byJob := make(map[storage.JobKey]storage.Trigger, len(trigs))
	for _, t := range trigs {
		// The persistent trigger shares the job's key; transient run-now
		// triggers never represent the schedule.
		if t.Key == t.JobKey {
			byJob[t.JobKey] = t
		}
	}

	var missing []string
	present := make(map[storage.JobKey]bool, len(jobs))
	for _, job := range jobs {
		present[job.Key] = true

		trig, ok := byJob[job.Key]
		if !ok {
			trig = buildRecoveryTrigger(job.Key, job.Name)
			if err := e.store.CreateTrigger(ctx, trig); err != nil {
				e.log.Warn("recovery trigger not persisted",
					logx.String("job", string(job.Key)), logx.Err(err))
				continue
			}
			missing = append(missing, trig.Description)
			e.log.Warn("job had no trigger; manual recovery trigger attached",
				logx.String("job", string(job.Key)))
		}

		cfg := scheduling.ConfigurationFromMap(job.Data)
		sched := scheduleFromTrigger(trig)

		// A trigger that fired after the last recorded run start means the
		// node went down mid-run.
		if !trig.PrevFire.IsZero() {
			lrs, has := cfg.LastRunState()
			if !has || lrs.RunStarted.Before(trig.PrevFire) {
				cfg.SetLastRunState(scheduling.EndStateInterrupted, trig.PrevFire, now.Sub(trig.PrevFire))
				job.Data = cfg.ToMap()
				if err := e.store.UpdateJob(ctx, job); err != nil {
					e.log.Warn("interrupted-run state not persisted",
						logx.String("job", string(job.Key)), logx.Err(err))
				}
				e.log.Info("interrupted run detected",
					logx.String("task", cfg.TaskLogName()),
					logx.Time("fired_at", trig.PrevFire))
			}
		}

		e.mu.Lock()
		existing := e.tasks[job.Key]
		e.mu.Unlock()
		if existing == nil {
			e.attach(job.Key, cfg, sched, trig.NextFire)
		} else {
			existing.UpdateIfWaiting(cfg, sched, trig.NextFire)
		}
	}

	for _, t := range trigs {
		if !present[t.JobKey] {
			e.log.Warn("trigger references a missing job; skipped",
				logx.String("trigger", string(t.Key)),
				logx.String("job", string(t.JobKey)))
		}
	}

	// Drop local handles for jobs that vanished from the store, unless a run
	// is in flight (its completion handler resolves the final state).
	e.mu.Lock()
	var gone []*TaskInfo
	for key, info := range e.tasks {
		if !present[key] && !info.CurrentState().State.IsRunning() && !info.CurrentState().State.IsDone() {
			gone = append(gone, info)
			delete(e.tasks, key)
		}
	}
	e.missing = missing
	e.mu.Unlock()
	for _, info := range gone {
		info.markRemoved()
	}

	return nil
}

// recoverInterrupted fires recoverable jobs whose last run was interrupted.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	for _, info := range e.ListTasks() {
		cfg := info.Configuration()
		lrs, ok := info.LastRunState()
		if !ok || lrs.EndState != scheduling.EndStateInterrupted {
			continue
		}
		if !cfg.Recoverable {
			e.log.Warn("interrupted task is not recoverable; skipping recovery",
				logx.String("task", cfg.TaskLogName()))
			continue
		}
		if err := e.RunNow(ctx, info.JobKey()); err != nil {
			e.log.Warn("recovery run not submitted",
				logx.String("task", cfg.TaskLogName()), logx.Err(err))
			continue
		}
		e.log.Info("interrupted task resubmitted", logx.String("task", cfg.TaskLogName()))
	}
}
