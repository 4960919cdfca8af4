package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"taskgrid/internal/cluster"
	"taskgrid/internal/eventbus"
	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// remoteJob plants store rows directly, bypassing event publication, the way
// a peer's mutation looks to this node before its events arrive.
func (h *harness) remoteJob(key storage.JobKey, trig storage.Trigger, data map[string]string) storage.Job {
	job := storage.Job{Key: key, Name: string(key), Data: data}
	h.store.mu.Lock()
	h.store.jobs[key] = job
	h.store.triggers[trig.Key] = trig
	h.store.mu.Unlock()
	return job
}

func newReplicatorHarness(t *testing.T) (*harness, *ClusterReplicator) {
	t.Helper()
	h := newHarness(t, Options{Active: false})
	membership, err := cluster.NewStatic("node-a", []string{"node-a", "node-b"})
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	repl := NewClusterReplicator(h.bus, h.engine, membership, logx.Nop())
	if err := repl.Start(context.Background()); err != nil {
		t.Fatalf("replicator start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = repl.Stop(ctx)
	})
	return h, repl
}

func TestReplicator_RemoteTriggerAttachesTask(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	h.start()

	cfg := testConfig("t1")
	sched, _ := periodicSchedule(t, time.Hour)
	trig := buildTrigger("t1", sched, "", time.Now())
	h.remoteJob("t1", trig, cfg.ToMap())

	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerCreated,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-b"},
	})

	waitFor(t, 2*time.Second, "remote task to attach", func() bool {
		return h.engine.GetTaskByID("t1") != nil
	})
	info := h.engine.GetTaskByID("t1")
	if info.Schedule().Kind != sched.Kind {
		t.Fatalf("schedule kind = %s", info.Schedule().Kind)
	}
}

func TestReplicator_RemoteJobUpdateRefreshesWaitingTask(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	h.start()
	ctx := context.Background()

	sched, _ := periodicSchedule(t, time.Hour)
	info, err := h.engine.ScheduleTask(ctx, testConfig("t1"), sched)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	renamed := testConfig("t1")
	renamed.Name = "Renamed"
	job := storage.Job{Key: "t1", Name: "Renamed", Data: renamed.ToMap()}
	h.store.mu.Lock()
	h.store.jobs["t1"] = job
	h.store.mu.Unlock()

	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicJobUpdated,
		Data: storage.JobEvent{Job: job, Origin: "node-b"},
	})

	waitFor(t, 2*time.Second, "remote rename to apply", func() bool {
		return info.Configuration().Name == "Renamed"
	})
}

func TestReplicator_RemoteDeletionsDetach(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	h.start()
	ctx := context.Background()

	sched, _ := periodicSchedule(t, time.Hour)
	if _, err := h.engine.ScheduleTask(ctx, testConfig("t1"), sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := h.engine.ScheduleTask(ctx, testConfig("t2"), sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicJobDeleted,
		Data: storage.JobEvent{Job: storage.Job{Key: "t1"}, Origin: "node-b"},
	})
	waitFor(t, 2*time.Second, "job deletion to detach", func() bool {
		return h.engine.GetTaskByID("t1") == nil
	})

	trig := buildTrigger("t2", sched, "", time.Now())
	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerDeleted,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-b"},
	})
	waitFor(t, 2*time.Second, "trigger deletion to detach", func() bool {
		return h.engine.GetTaskByID("t2") == nil
	})
}

func TestReplicator_IgnoresLocalEcho(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	h.start()

	cfg := testConfig("t1")
	sched, _ := periodicSchedule(t, time.Hour)
	trig := buildTrigger("t1", sched, "", time.Now())
	h.remoteJob("t1", trig, cfg.ToMap())

	// Origin matches this node: the event is our own echo and must not
	// attach anything.
	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerCreated,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-a"},
	})
	time.Sleep(100 * time.Millisecond)
	if h.engine.GetTaskByID("t1") != nil {
		t.Fatal("local echo attached a task")
	}
}

func TestReplicator_IgnoresEventsBeforeEngineStart(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	// Engine deliberately not started.

	cfg := testConfig("t1")
	sched, _ := periodicSchedule(t, time.Hour)
	trig := buildTrigger("t1", sched, "", time.Now())
	h.remoteJob("t1", trig, cfg.ToMap())

	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerCreated,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-b"},
	})
	time.Sleep(100 * time.Millisecond)

	h.engine.mu.Lock()
	n := len(h.engine.tasks)
	h.engine.mu.Unlock()
	if n != 0 {
		t.Fatalf("stopped engine attached %d tasks", n)
	}
}

func TestReplicator_NowTriggerIsNotAScheduleChange(t *testing.T) {
	t.Parallel()
	h, _ := newReplicatorHarness(t)
	h.start()

	// A transient run-now trigger fired on another node, pinned there. It must
	// neither attach a task here nor alter any schedule.
	trig := buildRunNowTrigger("t1", "", "node-b", time.Now())
	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerCreated,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-b"},
	})
	time.Sleep(100 * time.Millisecond)
	if h.engine.GetTaskByID("t1") != nil {
		t.Fatal("run-now trigger attached a task")
	}
}

func TestReplicator_PinnedNowTriggerWakesThisNode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{Active: true, PollInterval: time.Hour})
	var runs atomic.Int32
	_ = h.reg.RegisterType("counting", func() scheduling.Task {
		return &stubTask{run: func(ctx context.Context) (any, error) {
			runs.Add(1)
			return nil, nil
		}}
	})

	// A manual task a peer will fire out of band, planted before start so
	// reattach adopts it without waking the firing loop.
	cfg := scheduling.NewTaskConfiguration("t1", scheduling.Descriptor{TypeID: "counting", Name: "Counting"})
	h.remoteJob("t1", buildTrigger("t1", scheduling.Manual(), "", time.Now()), cfg.ToMap())
	h.start()

	membership, err := cluster.NewStatic("node-a", []string{"node-a", "node-b"})
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	repl := NewClusterReplicator(h.bus, h.engine, membership, logx.Nop())
	if err := repl.Start(context.Background()); err != nil {
		t.Fatalf("replicator start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = repl.Stop(ctx)
	})

	// node-b persisted a transient run-now trigger pinned to this node. With
	// an hour-long poll the row alone changes nothing.
	trig := buildRunNowTrigger("t1", "node-a", "node-b", time.Now())
	h.store.mu.Lock()
	h.store.triggers[trig.Key] = trig
	h.store.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("fired %d times before the event arrived", got)
	}

	// The event is a ping for the pinned node: the loop must wake and fire
	// well ahead of the next poll.
	h.bus.Publish(eventbus.Event{
		Type: eventbus.TopicTriggerCreated,
		Data: storage.TriggerEvent{Trigger: trig, Origin: "node-b"},
	})
	waitFor(t, 2*time.Second, "pinned run-now fire", func() bool {
		return runs.Load() == 1
	})

	// A ping, not a schedule change: the task keeps its manual schedule.
	info := h.engine.GetTaskByID("t1")
	if info == nil || info.Schedule().Kind != scheduling.KindManual {
		t.Fatal("run-now event altered the schedule")
	}
}

func periodicSchedule(t *testing.T, every time.Duration) (scheduling.Schedule, error) {
	t.Helper()
	sched, err := scheduling.Periodic(time.Now().Add(time.Hour), every)
	if err != nil {
		t.Fatalf("periodic schedule: %v", err)
	}
	return sched, nil
}
