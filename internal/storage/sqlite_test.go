package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskgrid/internal/eventbus"
	"taskgrid/pkg/logx"
)

func openTestStore(t *testing.T, bus eventbus.Bus) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(Config{
		Path:        filepath.Join(t.TempDir(), "tasks.db"),
		BusyTimeout: time.Second,
	}, "node-a", bus, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore_JobRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, nil)

	job := Job{
		Key:         "job-1",
		Name:        "cleanup",
		Recoverable: true,
		Data:        map[string]string{".id": "job-1", ".typeId": "cleanup"},
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := st.GetJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "cleanup" || !got.Recoverable || got.Paused {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Data[".typeId"] != "cleanup" {
		t.Fatalf("data lost: %+v", got.Data)
	}

	got.Paused = true
	got.Data[".name"] = "Cleanup"
	if err := st.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ = st.GetJob(ctx, "job-1")
	if !got.Paused || got.Data[".name"] != "Cleanup" {
		t.Fatalf("update not persisted: %+v", got)
	}

	byName, err := st.JobsByName(ctx, "cleanup")
	if err != nil || len(byName) != 1 {
		t.Fatalf("jobs by name: n=%d err=%v", len(byName), err)
	}

	deleted, err := st.DeleteJob(ctx, "job-1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if deleted, _ = st.DeleteJob(ctx, "job-1"); deleted {
		t.Fatal("second delete should be a no-op")
	}
	if _, ok, _ = st.GetJob(ctx, "job-1"); ok {
		t.Fatal("job still present after delete")
	}
}

func TestSQLiteStore_UpdateMissingJob(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, nil)
	if err := st.UpdateJob(context.Background(), Job{Key: "ghost"}); err == nil {
		t.Fatal("expected error updating missing job")
	}
}

func TestSQLiteStore_TriggerQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, nil)

	now := time.Now().Truncate(time.Millisecond)
	if err := st.CreateJob(ctx, Job{Key: "job-1", Name: "sync"}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	mk := func(key string, next time.Time) Trigger {
		return Trigger{
			Key:      JobKey(key),
			JobKey:   "job-1",
			Kind:     "periodic",
			StartAt:  now,
			Every:    time.Minute,
			NextFire: next,
		}
	}
	if err := st.CreateTrigger(ctx, mk("trig-due", now.Add(-time.Second))); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if err := st.CreateTrigger(ctx, mk("trig-later", now.Add(time.Hour))); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	// Manual triggers carry no next fire time and must never be considered due.
	if err := st.CreateTrigger(ctx, Trigger{Key: "trig-manual", JobKey: "job-1", Kind: "manual"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	due, err := st.DueTriggers(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].Key != "trig-due" {
		t.Fatalf("unexpected due set: %+v", due)
	}

	all, err := st.TriggersForJob(ctx, "job-1")
	if err != nil || len(all) != 3 {
		t.Fatalf("triggers for job: n=%d err=%v", len(all), err)
	}

	got, ok, err := st.GetTrigger(ctx, "trig-manual")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.NextFire.IsZero() || !got.StartAt.IsZero() {
		t.Fatalf("zero times not preserved: %+v", got)
	}
}

func TestSQLiteStore_ClaimTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, nil)

	fire := time.Now().Truncate(time.Millisecond)
	next := fire.Add(time.Minute)
	if err := st.CreateTrigger(ctx, Trigger{
		Key: "trig-1", JobKey: "job-1", Kind: "periodic", Every: time.Minute, NextFire: fire,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := st.ClaimTrigger(ctx, "trig-1", fire, next, fire)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	// A second claimer still holds the old expected fire time and must lose.
	claimed, err = st.ClaimTrigger(ctx, "trig-1", fire, next, fire)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("stale claim must not win")
	}

	got, _, _ := st.GetTrigger(ctx, "trig-1")
	if !got.NextFire.Equal(next) || !got.PrevFire.Equal(fire) {
		t.Fatalf("claim not persisted: %+v", got)
	}
}

func TestSQLiteStore_PublishesTaggedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	st := openTestStore(t, bus)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	if err := st.CreateJob(ctx, Job{Key: "job-1", Name: "sync"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TopicJobCreated {
			t.Fatalf("unexpected topic %q", e.Type)
		}
		je, ok := e.Data.(JobEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", e.Data)
		}
		if !je.IsLocal("node-a") || je.IsLocal("node-b") {
			t.Fatalf("origin not tagged: %+v", je)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestSQLiteStore_NodeStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, nil)

	if err := st.UpsertNodeState(ctx, "node-a", []byte(`{"running":1}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertNodeState(ctx, "node-a", []byte(`{"running":2}`)); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if err := st.UpsertNodeState(ctx, "node-b", []byte(`{}`)); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	states, err := st.ListNodeStates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 || string(states["node-a"]) != `{"running":2}` {
		t.Fatalf("unexpected states: %v", states)
	}
}
