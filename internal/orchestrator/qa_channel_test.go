package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestAskAndResolve(t *testing.T) {
	q := NewQuestionResolvers()
	answer := map[string]any{"answers": map[string]any{"color": "blue"}}

	got, err := q.Ask(context.Background(), "task-1", func() {
		// Resolve from inside emit: the resolver is already registered
		if err := q.Resolve("task-1", answer); err != nil {
			t.Errorf("Resolve failed: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if !reflect.DeepEqual(got, answer) {
		t.Errorf("expected %v, got %v", answer, got)
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Errorf("expected no pending questions, got %v", pending)
	}
}

func TestConcurrentAskersNoCrossTalk(t *testing.T) {
	q := NewQuestionResolvers()
	taskIDs := []string{"task1", "task2", "task3", "task4"}

	var wg sync.WaitGroup
	results := make(map[string]any)
	var mu sync.Mutex

	for _, id := range taskIDs {
		wg.Add(1)
		go func(tid string) {
			defer wg.Done()
			answer, err := q.Ask(context.Background(), tid, func() {})
			if err != nil {
				t.Errorf("Ask from %s failed: %v", tid, err)
				return
			}
			mu.Lock()
			results[tid] = answer["for"]
			mu.Unlock()
		}(id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(q.Pending()) < len(taskIDs) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for askers, pending=%v", q.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range taskIDs {
		if err := q.Resolve(id, map[string]any{"for": id}); err != nil {
			t.Fatalf("Resolve(%s) failed: %v", id, err)
		}
	}
	wg.Wait()

	for _, id := range taskIDs {
		if results[id] != id {
			t.Errorf("task %s received answer meant for %v", id, results[id])
		}
	}
}

func TestResolveWithoutPending(t *testing.T) {
	q := NewQuestionResolvers()
	if err := q.Resolve("nobody", map[string]any{}); !errors.Is(err, ErrNoPendingQuestion) {
		t.Errorf("expected ErrNoPendingQuestion, got %v", err)
	}
}

func TestAskWhilePending(t *testing.T) {
	q := NewQuestionResolvers()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitted := make(chan struct{})
	go func() {
		_, _ = q.Ask(ctx, "task-1", func() { close(emitted) })
	}()
	<-emitted

	_, err := q.Ask(context.Background(), "task-1", func() {
		t.Error("emit must not run for a rejected question")
	})
	if !errors.Is(err, ErrQuestionPending) {
		t.Errorf("expected ErrQuestionPending, got %v", err)
	}
}

func TestAskContextCancellation(t *testing.T) {
	q := NewQuestionResolvers()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Ask(ctx, "task-1", func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pending := q.Pending(); len(pending) != 0 {
		t.Errorf("expected resolver removed after cancellation, got %v", pending)
	}
	if err := q.Resolve("task-1", map[string]any{}); !errors.Is(err, ErrNoPendingQuestion) {
		t.Errorf("expected late resolve to fail, got %v", err)
	}
}

func TestGateResolveWithoutPending(t *testing.T) {
	g := NewGateResolver()
	if err := g.Resolve(GateDecision{Approved: true}); !errors.Is(err, ErrNoPendingGate) {
		t.Errorf("expected ErrNoPendingGate, got %v", err)
	}
}

func TestGateSingleSlot(t *testing.T) {
	g := NewGateResolver()
	ctx := context.Background()

	ch, release, err := g.open(ctx, "task-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if id, ok := g.Pending(); !ok || id != "task-1" {
		t.Fatalf("expected pending gate for task-1, got %q %v", id, ok)
	}

	// A second gate waits for the slot
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, _, err := g.open(waitCtx, "task-2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second gate to wait, got %v", err)
	}

	if err := g.Resolve(GateDecision{Approved: false, Feedback: "more color"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	d := <-ch
	if d.Approved || d.Feedback != "more color" {
		t.Errorf("unexpected decision %+v", d)
	}
	release()

	_, release2, err := g.open(ctx, "task-2")
	if err != nil {
		t.Fatalf("expected slot to be free after release, got %v", err)
	}
	release2()
}

func TestShouldFireGate(t *testing.T) {
	gates := []string{"midpoint"}
	tests := []struct {
		name      string
		gates     []string
		completed int
		total     int
		want      bool
	}{
		{"midpoint of four", gates, 1, 4, true},
		{"first of four", gates, 0, 4, false},
		{"past midpoint", gates, 2, 4, false},
		{"no gates configured", nil, 1, 4, false},
		{"empty gate list", []string{}, 1, 4, false},
		{"odd total", gates, 1, 5, true},
		{"single task", gates, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFireGate(tt.gates, tt.completed, tt.total); got != tt.want {
				t.Errorf("ShouldFireGate(%v, %d, %d) = %v, want %v", tt.gates, tt.completed, tt.total, got, tt.want)
			}
		})
	}
}
