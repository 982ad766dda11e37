package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ErrNoPendingGate is returned by Resolve when no gate is waiting.
var ErrNoPendingGate = errors.New("no pending human gate")

// GateDecision is the human's answer to a gate.
type GateDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// GateResolver is the build's single-slot gate holder. At most one gate is
// open at a time; a second gate waits until the first is resolved.
type GateResolver struct {
	slot chan struct{}

	mu      sync.Mutex
	pending chan GateDecision
	taskID  string
}

// NewGateResolver creates an empty resolver.
func NewGateResolver() *GateResolver {
	return &GateResolver{slot: make(chan struct{}, 1)}
}

// open claims the slot and registers a resolver for taskID. The returned
// release func must be called once the wait is over.
func (g *GateResolver) open(ctx context.Context, taskID string) (<-chan GateDecision, func(), error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	ch := make(chan GateDecision, 1)
	g.mu.Lock()
	g.pending = ch
	g.taskID = taskID
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if g.pending == ch {
			g.pending = nil
			g.taskID = ""
		}
		g.mu.Unlock()
		<-g.slot
	}
	return ch, release, nil
}

// Resolve delivers a decision to the pending gate.
func (g *GateResolver) Resolve(d GateDecision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return ErrNoPendingGate
	}
	g.pending <- d
	g.pending = nil
	g.taskID = ""
	return nil
}

// Pending returns the task id of the open gate, if any.
func (g *GateResolver) Pending() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taskID, g.pending != nil
}

// ShouldFireGate reports whether the success-path midpoint gate fires: the
// workflow declares human gates and this completion is the midpoint.
func ShouldFireGate(humanGates []string, completedCount, totalTasks int) bool {
	if len(humanGates) == 0 {
		return false
	}
	return completedCount+1 == totalTasks/2
}
