package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		errContains string
		wantLen     int
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", nil)
				dag.AddTask("B", []string{"A"})
				dag.AddTask("C", []string{"B"})
				return dag
			},
			wantLen: 3,
		},
		{
			name: "valid parallel tasks",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", nil)
				dag.AddTask("B", nil)
				dag.AddTask("C", []string{"A", "B"})
				return dag
			},
			wantLen: 3,
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", []string{"B"})
				dag.AddTask("B", []string{"A"})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", []string{"B"})
				dag.AddTask("B", []string{"C"})
				dag.AddTask("C", []string{"A"})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", []string{"nonexistent"})
				return dag
			},
			wantErr:     true,
			errContains: "nonexistent",
		},
		{
			name: "disconnected components",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask("A", nil)
				dag.AddTask("B", []string{"A"})
				dag.AddTask("C", nil)
				dag.AddTask("D", []string{"C"})
				return dag
			},
			wantLen: 4,
		},
		{
			name:    "empty graph",
			setup:   NewDAG,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := tt.setup()
			order, err := dag.Validate()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Error message %q doesn't contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if len(order) != tt.wantLen {
				t.Errorf("Expected %d tasks in order, got %d: %v", tt.wantLen, len(order), order)
			}
		})
	}
}

func TestDAGAddTaskDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask("A", nil); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	err := dag.AddTask("A", []string{"B"})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("AddTask() error = %v, want ErrDuplicateTask", err)
	}

	// The rejected registration must not leak a dependents edge
	if got := dag.Dependents("B"); len(got) != 0 {
		t.Errorf("Dependents(B) = %v, want empty", got)
	}
	if dag.Len() != 1 {
		t.Errorf("Len() = %d, want 1", dag.Len())
	}
}

// TestDAGReady tests dependency resolution against a completed set.
func TestDAGReady(t *testing.T) {
	newChain := func() *DAG {
		dag := NewDAG()
		dag.AddTask("t1", nil)
		dag.AddTask("t2", []string{"t1"})
		dag.AddTask("t3", []string{"t1"})
		dag.AddTask("t4", []string{"t2", "t3"})
		return dag
	}

	tests := []struct {
		name      string
		completed map[string]bool
		want      []string
	}{
		{name: "none completed", completed: map[string]bool{}, want: []string{"t1"}},
		{name: "nil completed", completed: nil, want: []string{"t1"}},
		{name: "root completed", completed: map[string]bool{"t1": true}, want: []string{"t2", "t3"}},
		{name: "partial join", completed: map[string]bool{"t1": true, "t2": true}, want: []string{"t3"}},
		{name: "join ready", completed: map[string]bool{"t1": true, "t2": true, "t3": true}, want: []string{"t4"}},
		{name: "all completed", completed: map[string]bool{"t1": true, "t2": true, "t3": true, "t4": true}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newChain().Ready(tt.completed)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDAGReadyIsDeterministic(t *testing.T) {
	dag := NewDAG()
	for _, id := range []string{"c", "a", "b", "e", "d"} {
		dag.AddTask(id, nil)
	}

	first := dag.Ready(nil)
	for i := 0; i < 20; i++ {
		if got := dag.Ready(nil); !reflect.DeepEqual(got, first) {
			t.Fatalf("Ready() not stable: %v vs %v", got, first)
		}
	}
	if !reflect.DeepEqual(first, []string{"c", "a", "b", "e", "d"}) {
		t.Errorf("Ready() = %v, want insertion order", first)
	}
}

func TestDAGDependents(t *testing.T) {
	dag := NewDAG()
	dag.AddTask("A", nil)
	dag.AddTask("B", []string{"A"})
	dag.AddTask("C", []string{"A"})
	dag.AddTask("D", []string{"B"})

	if got := dag.Dependents("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Dependents(A) = %v, want [B C]", got)
	}
	if got := dag.Dependents("D"); len(got) != 0 {
		t.Errorf("Dependents(D) = %v, want empty", got)
	}

	// Mutating the result must not corrupt the graph
	deps := dag.Dependents("A")
	deps[0] = "Z"
	if got := dag.Dependents("A"); got[0] != "B" {
		t.Errorf("Dependents(A) was mutated through returned slice: %v", got)
	}
}

func TestDAGPredecessors(t *testing.T) {
	// A -> B -> D
	// A -> C -> D
	dag := NewDAG()
	dag.AddTask("A", nil)
	dag.AddTask("B", []string{"A"})
	dag.AddTask("C", []string{"A"})
	dag.AddTask("D", []string{"B", "C"})

	got := dag.Predecessors("D")
	if !reflect.DeepEqual(got, []string{"B", "C", "A"}) {
		t.Errorf("Predecessors(D) = %v, want [B C A]", got)
	}
	if got := dag.Predecessors("A"); len(got) != 0 {
		t.Errorf("Predecessors(A) = %v, want empty", got)
	}
}

func TestDAGDiamondOrder(t *testing.T) {
	dag := NewDAG()
	dag.AddTask("A", nil)
	dag.AddTask("B", []string{"A"})
	dag.AddTask("C", []string{"A"})
	dag.AddTask("D", []string{"B", "C"})

	order, err := dag.Order()
	if err != nil {
		t.Fatalf("Order() error = %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] || pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Errorf("Order() = %v violates dependencies", order)
	}
}
