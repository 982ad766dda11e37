package scheduler

import (
	"strings"
	"testing"
)

func TestNewRevisionTask(t *testing.T) {
	original := &Task{ID: "t2", Name: "Build UI", AgentName: "Sparky", Status: TaskFailed}

	rev := NewRevisionTask(original, RevisionID(original.ID, 1), "make the button blue")

	if !strings.Contains(rev.ID, "revision") {
		t.Errorf("ID = %q, want it to contain 'revision'", rev.ID)
	}
	if !strings.Contains(rev.Description, "make the button blue") {
		t.Errorf("Description = %q, want feedback embedded", rev.Description)
	}
	if len(rev.Dependencies) != 1 || rev.Dependencies[0] != "t2" {
		t.Errorf("Dependencies = %v, want [t2]", rev.Dependencies)
	}
	if rev.Status != TaskPending {
		t.Errorf("Status = %q, want pending", rev.Status)
	}
	if rev.AgentName != "Sparky" {
		t.Errorf("AgentName = %q, want Sparky", rev.AgentName)
	}
}

func TestRevisionIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for n := 1; n <= 3; n++ {
		id := RevisionID("t1", n)
		if seen[id] {
			t.Fatalf("RevisionID(t1, %d) = %q collides", n, id)
		}
		seen[id] = true
		if !strings.Contains(id, "revision") || !strings.Contains(id, "t1") {
			t.Errorf("RevisionID(t1, %d) = %q", n, id)
		}
	}
}
