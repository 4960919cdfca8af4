package scheduling

import (
	"errors"
	"testing"
	"time"
)

func TestTaskConfiguration_MapRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := NewTaskConfiguration("t1", Descriptor{TypeID: "cleanup", Name: "Cleanup", Visible: true, Recoverable: true})
	cfg.SetAttribute("retention", "30d")
	cfg.SetLimitNodeID("node-b")
	cfg.SetLastRunState(EndStateFailed, time.UnixMilli(1_700_000_000_000), 42*time.Second)

	got := ConfigurationFromMap(cfg.ToMap())
	if got.ID != "t1" || got.TypeID != "cleanup" || got.Name != "Cleanup" {
		t.Fatalf("identity lost: %+v", got)
	}
	if !got.Enabled || !got.Visible || !got.Recoverable {
		t.Fatalf("flags lost: %+v", got)
	}
	if got.Attribute("retention") != "30d" {
		t.Fatalf("attribute lost: %q", got.Attribute("retention"))
	}
	if got.LimitNodeID() != "node-b" {
		t.Fatalf("limit node lost: %q", got.LimitNodeID())
	}
	lrs, ok := got.LastRunState()
	if !ok || lrs.EndState != EndStateFailed || lrs.RunDuration != 42*time.Second {
		t.Fatalf("last run lost: %+v ok=%v", lrs, ok)
	}
	if !got.Created.Equal(cfg.Created.Truncate(time.Millisecond)) {
		t.Fatalf("created drifted: %v vs %v", got.Created, cfg.Created)
	}
}

func TestTaskConfiguration_Validate(t *testing.T) {
	t.Parallel()
	if err := (TaskConfiguration{TypeID: "x"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing id: %v", err)
	}
	if err := (TaskConfiguration{ID: "x"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing type: %v", err)
	}
	if err := (TaskConfiguration{ID: "x", TypeID: "y"}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestTaskConfiguration_ApplyKeepsRunBookkeeping(t *testing.T) {
	t.Parallel()
	created := time.Now().Add(-time.Hour)
	old := NewTaskConfiguration("t1", Descriptor{TypeID: "cleanup", Name: "Cleanup"})
	old.Created = created
	old.SetLastRunState(EndStateOK, time.Now().Add(-30*time.Minute), time.Minute)

	update := NewTaskConfiguration("t1", Descriptor{TypeID: "cleanup", Name: "Renamed"})
	update.SetAttribute("retention", "7d")

	merged := old.Apply(update)
	if merged.Name != "Renamed" || merged.Attribute("retention") != "7d" {
		t.Fatalf("update not applied: %+v", merged)
	}
	if !merged.Created.Equal(created) {
		t.Fatalf("creation time clobbered: %v", merged.Created)
	}
	if _, ok := merged.LastRunState(); !ok {
		t.Fatal("run bookkeeping erased by update")
	}

	// An update that itself carries run state wins.
	withRun := update.Clone()
	withRun.SetLastRunState(EndStateCanceled, time.Now(), time.Second)
	merged = old.Apply(withRun)
	lrs, _ := merged.LastRunState()
	if lrs.EndState != EndStateCanceled {
		t.Fatalf("newer run state lost: %+v", lrs)
	}
}

func TestTaskConfiguration_CloneIsIndependent(t *testing.T) {
	t.Parallel()
	cfg := NewTaskConfiguration("t1", Descriptor{TypeID: "cleanup"})
	cfg.SetAttribute("retention", "30d")

	clone := cfg.Clone()
	clone.SetAttribute("retention", "7d")
	if cfg.Attribute("retention") != "30d" {
		t.Fatal("clone shares the attribute map")
	}
}

func TestTaskConfiguration_SetAttributeEmptyDeletes(t *testing.T) {
	t.Parallel()
	var cfg TaskConfiguration
	cfg.SetAttribute("k", "v")
	cfg.SetAttribute("k", "")
	if _, ok := cfg.Attributes["k"]; ok {
		t.Fatal("empty value did not delete the attribute")
	}
}
