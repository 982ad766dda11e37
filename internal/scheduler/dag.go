package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// ErrDuplicateTask is returned by AddTask when the id is already registered.
var ErrDuplicateTask = errors.New("task already exists")

// DAG is the dependency graph over task ids. It answers readiness and
// dependents queries; it does not schedule anything itself.
type DAG struct {
	mu         sync.RWMutex
	order      []string            // Insertion order, used for deterministic results
	deps       map[string][]string // taskID -> dependencies
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// AddTask registers a node. Returns ErrDuplicateTask if the id already exists.
// Dependencies may reference ids that are added later; Validate checks them.
func (d *DAG) AddTask(id string, deps []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.deps[id]; exists {
		return fmt.Errorf("task %q: %w", id, ErrDuplicateTask)
	}

	d.deps[id] = append([]string(nil), deps...)
	d.order = append(d.order, id)

	// Build dependents map for efficient downstream lookup
	for _, depID := range deps {
		d.dependents[depID] = append(d.dependents[depID], id)
	}

	return nil
}

// Has reports whether id is registered.
func (d *DAG) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.deps[id]
	return ok
}

// Len returns the number of registered tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Ready returns the ids whose dependencies are all in completed and which are
// not completed themselves, in insertion order.
func (d *DAG) Ready(completed map[string]bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ready := []string{}
	for _, id := range d.order {
		if completed[id] {
			continue
		}

		allResolved := true
		for _, depID := range d.deps[id] {
			if !completed[depID] {
				allResolved = false
				break
			}
		}

		if allResolved {
			ready = append(ready, id)
		}
	}

	return ready
}

// Dependents returns the ids that list id as a dependency, in insertion order.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]string{}, d.dependents[id]...)
}

// Dependencies returns the direct dependencies of id.
func (d *DAG) Dependencies(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]string{}, d.deps[id]...)
}

// Predecessors returns every transitive dependency of id, nearest first.
func (d *DAG) Predecessors(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []string
	visited := make(map[string]bool)
	queue := append([]string(nil), d.deps[id]...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if visited[dep] {
			continue
		}
		visited[dep] = true
		result = append(result, dep)
		queue = append(queue, d.deps[dep]...)
	}
	return result
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if a cycle is detected.
// Also verifies all dependency ids exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// First, verify all dependencies exist
	for _, id := range d.order {
		for _, depID := range d.deps[id] {
			if _, exists := d.deps[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for _, id := range d.order {
		deps := d.deps[id]
		if len(deps) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Verify all tasks are in the sorted result
	if len(order) != len(d.order) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		missing := []string{}
		for _, id := range d.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Order returns topologically sorted task IDs (calls Validate).
func (d *DAG) Order() ([]string, error) {
	return d.Validate()
}
