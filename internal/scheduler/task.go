package scheduler

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change skips a lifecycle step.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to be dispatched
	TaskInProgress TaskStatus = "in_progress" // An agent is working on it
	TaskDone       TaskStatus = "done"        // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Finished after exhausting retries or budget
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// AgentRole is the kind of work an agent performs.
type AgentRole string

const (
	RoleBuilder  AgentRole = "builder"
	RoleTester   AgentRole = "tester"
	RoleReviewer AgentRole = "reviewer"
	RoleCustom   AgentRole = "custom"
)

// AgentStatus is the activity state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentDone    AgentStatus = "done"
	AgentError   AgentStatus = "error"
)

// Task represents a unit of agent work in the DAG.
type Task struct {
	ID                 string     `json:"id" yaml:"id"`
	Name               string     `json:"name" yaml:"name"`
	Description        string     `json:"description" yaml:"description"`
	Status             TaskStatus `json:"status" yaml:"status"`
	AgentName          string     `json:"agent_name" yaml:"agent_name"`
	Dependencies       []string   `json:"dependencies" yaml:"dependencies"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
}

// DisplayName returns the task name, falling back to its id.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// SetStatus moves the task along pending -> in_progress -> {done, failed}.
// Setting the current status again is a no-op.
func (t *Task) SetStatus(next TaskStatus) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Status == next {
		return nil
	}

	ok := false
	switch t.Status {
	case TaskPending:
		ok = next == TaskInProgress
	case TaskInProgress:
		ok = next == TaskDone || next == TaskFailed
	}
	if !ok {
		return fmt.Errorf("task %q: %s -> %s: %w", t.ID, t.Status, next, ErrInvalidTransition)
	}

	t.Status = next
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.AcceptanceCriteria != nil {
		cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	}
	return &cp
}

// Agent is an AI worker (a "minion") that executes tasks.
type Agent struct {
	Name            string      `json:"name" yaml:"name"`
	Role            AgentRole   `json:"role" yaml:"role"`
	Persona         string      `json:"persona" yaml:"persona"`
	Status          AgentStatus `json:"status" yaml:"status"`
	AllowedPaths    []string    `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	RestrictedPaths []string    `json:"restricted_paths,omitempty" yaml:"restricted_paths,omitempty"`
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.AllowedPaths != nil {
		cp.AllowedPaths = append([]string(nil), a.AllowedPaths...)
	}
	if a.RestrictedPaths != nil {
		cp.RestrictedPaths = append([]string(nil), a.RestrictedPaths...)
	}
	return &cp
}
