package cluster

import "testing"

func TestNewStatic(t *testing.T) {
	t.Parallel()

	if _, err := NewStatic("  ", nil); err == nil {
		t.Fatal("blank id accepted")
	}

	m, err := NewStatic("node-a", []string{"node-b", " node-b ", "", "node-a", "node-c"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.ID() != "node-a" {
		t.Fatalf("id = %q", m.ID())
	}
	if !m.IsClustered() {
		t.Fatal("multi-member set not clustered")
	}
	ids := m.MemberIDs()
	if len(ids) != 3 || ids[0] != "node-a" {
		t.Fatalf("members = %v", ids)
	}

	for _, id := range []string{"node-a", "node-b", "node-c"} {
		if !IsMember(m, id) {
			t.Fatalf("%s not a member", id)
		}
	}
	if IsMember(m, "node-z") {
		t.Fatal("stranger admitted")
	}
}

func TestNewStatic_SingleNode(t *testing.T) {
	t.Parallel()
	m, err := NewStatic("solo", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.IsClustered() {
		t.Fatal("single node flagged clustered")
	}
	if got := m.MemberIDs(); len(got) != 1 || got[0] != "solo" {
		t.Fatalf("members = %v", got)
	}
}
