package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskgrid/internal/cluster"
	"taskgrid/internal/eventbus"
	"taskgrid/internal/runtime/supervisor"
	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// ClusterReplicator replays remote job/trigger change events against the
// node-local engine, keeping every node's in-memory view consistent with a
// store mutation performed elsewhere.
//
// This is best-effort replay, not consensus: a lost event is repaired only
// by Engine.Resync or a restart. Two classes of events are ignored outright:
// the local echo of this node's own mutation, and anything arriving while
// the engine is not started.
type ClusterReplicator struct {
	log    logx.Logger
	bus    eventbus.Bus
	engine *Engine
	nodeID string

	// limiter damps signal storms when a burst of events lands; a suppressed
	// wake-up costs at most one poll interval.
	limiter *rate.Limiter

	mu    sync.Mutex
	sup   *supervisor.Supervisor
	unsub func()
}

func NewClusterReplicator(bus eventbus.Bus, engine *Engine, membership cluster.Membership, log logx.Logger) *ClusterReplicator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ClusterReplicator{
		log:     log.With(logx.String("comp", "replicator")),
		bus:     bus,
		engine:  engine,
		nodeID:  membership.ID(),
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
	}
}

func (r *ClusterReplicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}

	events, unsub := r.bus.Subscribe(256)
	r.unsub = unsub
	r.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(r.log))
	r.sup.GoRestart("replicator.consume", func(ctx context.Context) error {
		rctx := eventbus.WithReplicating(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				r.handle(rctx, ev)
			}
		}
	})
	r.log.Debug("replicator started", logx.String("node", r.nodeID))
	return nil
}

func (r *ClusterReplicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	unsub := r.unsub
	r.sup = nil
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

func (r *ClusterReplicator) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TopicJobCreated, eventbus.TopicJobUpdated:
		je, ok := ev.Data.(storage.JobEvent)
		if !ok || r.skip(je.IsLocal(r.nodeID)) {
			return
		}
		if ev.Type == eventbus.TopicJobUpdated {
			r.engine.applyRemoteJobUpdated(ctx, je.Job)
		}
		r.signal()

	case eventbus.TopicJobDeleted:
		je, ok := ev.Data.(storage.JobEvent)
		if !ok || r.skip(je.IsLocal(r.nodeID)) {
			return
		}
		r.engine.applyRemoteJobDeleted(je.Job.Key)
		r.signal()

	case eventbus.TopicTriggerCreated, eventbus.TopicTriggerUpdated:
		te, ok := ev.Data.(storage.TriggerEvent)
		if !ok || r.skip(te.IsLocal(r.nodeID)) {
			return
		}
		if scheduling.ScheduleKind(te.Trigger.Kind) == scheduling.KindNow {
			// A "now" trigger is a one-off fire, not a schedule change. When
			// it is pinned to this node, a ping makes it fire promptly.
			if te.Trigger.LimitNode == r.nodeID {
				r.signal()
			}
			return
		}
		r.engine.applyRemoteTriggerUpsert(ctx, te.Trigger)
		r.signal()

	case eventbus.TopicTriggerDeleted:
		te, ok := ev.Data.(storage.TriggerEvent)
		if !ok || r.skip(te.IsLocal(r.nodeID)) {
			return
		}
		if scheduling.ScheduleKind(te.Trigger.Kind) == scheduling.KindNow {
			return
		}
		r.engine.applyRemoteTriggerDeleted(te.Trigger)
		r.signal()
	}
}

func (r *ClusterReplicator) skip(isLocal bool) bool {
	return isLocal || !r.engine.Started()
}

func (r *ClusterReplicator) signal() {
	if r.limiter.Allow() {
		r.engine.Signal()
	}
}

// applyRemoteJobUpdated refreshes the local handle for a job another node
// changed, attaching one if this node has never seen the job.
func (e *Engine) applyRemoteJobUpdated(ctx context.Context, job storage.Job) {
	e.mu.Lock()
	info := e.tasks[job.Key]
	e.mu.Unlock()

	cfg := scheduling.ConfigurationFromMap(job.Data)
	if info == nil {
		trig, ok, err := e.store.GetTrigger(ctx, job.Key)
		if err != nil || !ok {
			e.log.Debug("replicated job has no trigger yet", logx.String("job", string(job.Key)))
			return
		}
		e.attach(job.Key, cfg, scheduleFromTrigger(trig), trig.NextFire)
		return
	}
	if !info.UpdateIfWaiting(cfg, info.Schedule(), info.CurrentState().NextRun) {
		e.log.Debug("replicated job update dropped; task not waiting",
			logx.String("job", string(job.Key)))
	}
}

func (e *Engine) applyRemoteJobDeleted(key storage.JobKey) {
	if e.detach(key) {
		e.log.Debug("replicated job deletion applied", logx.String("job", string(key)))
	}
}

// applyRemoteTriggerUpsert attaches or refreshes the local handle for a
// schedule change made on another node.
func (e *Engine) applyRemoteTriggerUpsert(ctx context.Context, trig storage.Trigger) {
	e.mu.Lock()
	info := e.tasks[trig.JobKey]
	e.mu.Unlock()

	sched := scheduleFromTrigger(trig)
	if info == nil {
		job, ok, err := e.store.GetJob(ctx, trig.JobKey)
		if err != nil || !ok {
			e.log.Debug("replicated trigger has no job yet", logx.String("trigger", string(trig.Key)))
			return
		}
		e.attach(trig.JobKey, scheduling.ConfigurationFromMap(job.Data), sched, trig.NextFire)
		return
	}
	info.UpdateIfWaiting(info.Configuration(), sched, trig.NextFire)
}

func (e *Engine) applyRemoteTriggerDeleted(trig storage.Trigger) {
	if e.detach(trig.JobKey) {
		e.log.Debug("replicated trigger deletion applied", logx.String("job", string(trig.JobKey)))
	}
}
