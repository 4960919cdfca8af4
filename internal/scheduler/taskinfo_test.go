package scheduler

import (
	"context"
	"testing"
	"time"

	"taskgrid/internal/scheduling"
)

func testConfig(id string) scheduling.TaskConfiguration {
	cfg := scheduling.NewTaskConfiguration(id, scheduling.Descriptor{TypeID: "noop", Name: "Noop"})
	return cfg
}

func TestTaskInfo_UpdateOnlyWhileWaiting(t *testing.T) {
	t.Parallel()
	info := newTaskInfo("t1", testConfig("t1"), scheduling.Manual(), time.Time{})

	next := time.Now().Add(time.Hour)
	updated := testConfig("t1")
	updated.Name = "Renamed"
	if !info.UpdateIfWaiting(updated, scheduling.Manual(), next) {
		t.Fatal("update dropped while waiting")
	}
	if got := info.Configuration().Name; got != "Renamed" {
		t.Fatalf("name = %q", got)
	}
	if !info.CurrentState().NextRun.Equal(next) {
		t.Fatal("next run not applied")
	}

	if !info.beginRun(time.Now(), func() {}, nil) {
		t.Fatal("begin run failed from waiting")
	}
	// A racing update must not clobber the running task's state.
	stale := testConfig("t1")
	stale.Name = "Stale"
	if info.UpdateIfWaiting(stale, scheduling.Manual(), next) {
		t.Fatal("update applied while running")
	}
	if got := info.Configuration().Name; got != "Renamed" {
		t.Fatalf("running task config clobbered: %q", got)
	}
}

func TestTaskInfo_RunLifecycle(t *testing.T) {
	t.Parallel()
	info := newTaskInfo("t1", testConfig("t1"), scheduling.Manual(), time.Time{})

	started := time.Now()
	if !info.beginRun(started, func() {}, nil) {
		t.Fatal("begin run failed")
	}
	if info.beginRun(started, func() {}, nil) {
		t.Fatal("second concurrent run allowed")
	}
	if got := info.CurrentState().State; !got.IsRunning() {
		t.Fatalf("state = %s", got)
	}

	next := started.Add(time.Minute)
	info.completeRun(scheduling.EndStateOK, started, 50*time.Millisecond, next, false)
	cur := info.CurrentState()
	if !cur.State.IsWaiting() || !cur.NextRun.Equal(next) {
		t.Fatalf("state after recurring run: %+v", cur)
	}
	lrs, ok := info.LastRunState()
	if !ok || lrs.EndState != scheduling.EndStateOK {
		t.Fatalf("last run = %+v ok=%v", lrs, ok)
	}

	// One-shot completion is terminal.
	if !info.beginRun(time.Now(), func() {}, nil) {
		t.Fatal("begin second run failed")
	}
	info.completeRun(scheduling.EndStateOK, time.Now(), time.Millisecond, time.Time{}, true)
	if !info.CurrentState().State.IsDone() {
		t.Fatal("one-shot completion not terminal")
	}
	if !info.IsRemovedOrDone() {
		t.Fatal("done task not filtered")
	}
	if info.beginRun(time.Now(), func() {}, nil) {
		t.Fatal("run started on a done task")
	}
}

func TestTaskInfo_AbortRun(t *testing.T) {
	t.Parallel()
	info := newTaskInfo("t1", testConfig("t1"), scheduling.Manual(), time.Time{})
	if !info.beginRun(time.Now(), func() {}, nil) {
		t.Fatal("begin run failed")
	}
	next := time.Now().Add(time.Second)
	info.abortRun(next)
	cur := info.CurrentState()
	if !cur.State.IsWaiting() || !cur.NextRun.Equal(next) {
		t.Fatalf("state after abort: %+v", cur)
	}
	if _, ok := info.LastRunState(); ok {
		t.Fatal("aborted run recorded a last-run state")
	}
}

func TestTaskInfo_MarkRemovedCancelsRun(t *testing.T) {
	t.Parallel()
	info := newTaskInfo("t1", testConfig("t1"), scheduling.Manual(), time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	fut := newTaskFuture(cancel)
	if !info.beginRun(time.Now(), cancel, fut) {
		t.Fatal("begin run failed")
	}
	info.markRemoved()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight run not cancelled on removal")
	}
	if !info.IsRemovedOrDone() {
		t.Fatal("removed task not filtered")
	}
}
