package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aristath/elisa/internal/gitops"
	"github.com/aristath/elisa/internal/scheduler"
	"github.com/aristath/elisa/internal/tokens"
)

// ErrTaskNotFound is returned when a task id is not part of the build.
var ErrTaskNotFound = errors.New("task not found")

// Workflow holds the build's workflow settings.
type Workflow struct {
	HumanGates []string `json:"human_gates,omitempty" yaml:"human_gates,omitempty"`
}

// Skill categories.
const SkillCategoryAgent = "agent"

// Skill is a kid-authored instruction. Skills in the agent category are added
// to every agent's system prompt.
type Skill struct {
	Name     string `json:"name" yaml:"name"`
	Prompt   string `json:"prompt" yaml:"prompt"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Rule triggers.
const (
	RuleAlways     = "always"
	RuleOnTestFail = "on_test_fail"
)

// Rule is a kid-authored rule. "always" rules join the system prompt and
// "on_test_fail" rules join every retry prompt.
type Rule struct {
	Name    string `json:"name" yaml:"name"`
	Prompt  string `json:"prompt" yaml:"prompt"`
	Trigger string `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// StateConfig configures a new ExecutionState.
type StateConfig struct {
	Workspace  string
	Goal       string
	NuggetType string
	Workflow   Workflow
	MaxBudget  int // Token budget; <= 0 disables enforcement

	Explanation string
	Skills      []Skill
	Rules       []Rule
}

// ExecutionState is the per-build state shared by every task execution.
// It is created once per build and passed by reference to each Execute call.
type ExecutionState struct {
	BuildID    string
	Workspace  string
	Goal       string
	NuggetType string
	Workflow   Workflow

	Explanation string
	Skills      []Skill
	Rules       []Rule

	DAG       *scheduler.DAG
	Tracker   *tokens.Tracker
	GitMutex  *GitMutex
	Gate      *GateResolver
	Questions *QuestionResolvers
	Files     *scheduler.FileLocks

	mu        sync.RWMutex
	tasks     []*scheduler.Task
	taskMap   map[string]*scheduler.Task
	agents    []*scheduler.Agent
	agentMap  map[string]*scheduler.Agent
	summaries map[string]string
	completed map[string]bool
	commits   []gitops.CommitInfo
	revisions map[string]int
}

// NewExecutionState creates an empty build state.
func NewExecutionState(cfg StateConfig) *ExecutionState {
	return &ExecutionState{
		BuildID:    uuid.NewString(),
		Workspace:  cfg.Workspace,
		Goal:       cfg.Goal,
		NuggetType: cfg.NuggetType,
		Workflow:   cfg.Workflow,

		Explanation: cfg.Explanation,
		Skills:      cfg.Skills,
		Rules:       cfg.Rules,

		DAG:       scheduler.NewDAG(),
		Tracker:   tokens.NewTracker(cfg.MaxBudget),
		GitMutex:  NewGitMutex(),
		Gate:      NewGateResolver(),
		Questions: NewQuestionResolvers(),
		Files:     scheduler.NewFileLocks(),
		taskMap:   make(map[string]*scheduler.Task),
		agentMap:  make(map[string]*scheduler.Agent),
		summaries: make(map[string]string),
		completed: make(map[string]bool),
		revisions: make(map[string]int),
	}
}

// AddTask registers a task in the task list, the task map, and the DAG.
func (s *ExecutionState) AddTask(task *scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTaskLocked(task)
}

func (s *ExecutionState) addTaskLocked(task *scheduler.Task) error {
	if err := s.DAG.AddTask(task.ID, task.Dependencies); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = scheduler.TaskPending
	}
	s.tasks = append(s.tasks, task)
	s.taskMap[task.ID] = task
	return nil
}

// AddAgent registers an agent. A later agent with the same name replaces it.
func (s *ExecutionState) AddAgent(agent *scheduler.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.Status == "" {
		agent.Status = scheduler.AgentIdle
	}
	if _, ok := s.agentMap[agent.Name]; ok {
		for i, a := range s.agents {
			if a.Name == agent.Name {
				s.agents[i] = agent
			}
		}
	} else {
		s.agents = append(s.agents, agent)
	}
	s.agentMap[agent.Name] = agent
}

// Task returns a copy of the task with the given id.
func (s *ExecutionState) Task(id string) (*scheduler.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.taskMap[id]
	return t.Clone(), ok
}

// Tasks returns copies of every task in insertion order.
func (s *ExecutionState) Tasks() []*scheduler.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*scheduler.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Clone()
	}
	return out
}

// TotalTasks returns the number of tasks in the build.
func (s *ExecutionState) TotalTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Agent returns a copy of the named agent.
func (s *ExecutionState) Agent(name string) (*scheduler.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agentMap[name]
	return a.Clone(), ok
}

// Agents returns copies of every agent in insertion order.
func (s *ExecutionState) Agents() []*scheduler.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*scheduler.Agent, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.Clone()
	}
	return out
}

// SetTaskStatus moves a task to next, enforcing the status lifecycle.
func (s *ExecutionState) SetTaskStatus(id string, next scheduler.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taskMap[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	return t.SetStatus(next)
}

// SetAgentStatus sets the named agent's status and returns the previous one.
// changed is false when the agent is unknown or already had that status.
func (s *ExecutionState) SetAgentStatus(name string, next scheduler.AgentStatus) (prev scheduler.AgentStatus, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentMap[name]
	if !ok {
		return "", false
	}
	prev = a.Status
	if prev == next {
		return prev, false
	}
	a.Status = next
	return prev, true
}

// SetSummary stores the summary of a finished task.
func (s *ExecutionState) SetSummary(id, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[id] = summary
}

// Summary returns the stored summary of a task.
func (s *ExecutionState) Summary(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[id]
	return summary, ok
}

// AppendCommit records a commit made during the build.
func (s *ExecutionState) AppendCommit(c gitops.CommitInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, c)
}

// Commits returns the commits made so far.
func (s *ExecutionState) Commits() []gitops.CommitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]gitops.CommitInfo{}, s.commits...)
}

// MarkCompleted adds id to the completed set. The outer runner calls this
// once a task reaches a terminal status.
func (s *ExecutionState) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = true
}

// Completed returns a copy of the completed set.
func (s *ExecutionState) Completed() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.completed))
	for id := range s.completed {
		out[id] = true
	}
	return out
}

// CompletedCount returns the size of the completed set.
func (s *ExecutionState) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.completed)
}

// SpawnRevision creates and registers a revision task for originalID carrying
// feedback. Repeated rejections of the same task get distinct ids.
func (s *ExecutionState) SpawnRevision(originalID, feedback string) (*scheduler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.taskMap[originalID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", originalID, ErrTaskNotFound)
	}

	n := s.revisions[originalID] + 1
	id := scheduler.RevisionID(originalID, n)
	for s.taskMap[id] != nil {
		n++
		id = scheduler.RevisionID(originalID, n)
	}
	s.revisions[originalID] = n

	revision := scheduler.NewRevisionTask(original, id, feedback)
	if err := s.addTaskLocked(revision); err != nil {
		return nil, err
	}
	return revision.Clone(), nil
}

// stateSnapshot is the shape written to .elisa/status/current_state.json.
type stateSnapshot struct {
	Tasks  map[string]taskState  `json:"tasks"`
	Agents map[string]agentState `json:"agents"`
}

type taskState struct {
	Name      string               `json:"name"`
	Status    scheduler.TaskStatus `json:"status"`
	AgentName string               `json:"agent_name"`
}

type agentState struct {
	Role   scheduler.AgentRole   `json:"role"`
	Status scheduler.AgentStatus `json:"status"`
}

func (s *ExecutionState) snapshot() stateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := stateSnapshot{
		Tasks:  make(map[string]taskState, len(s.tasks)),
		Agents: make(map[string]agentState, len(s.agents)),
	}
	for _, t := range s.tasks {
		snap.Tasks[t.ID] = taskState{Name: t.Name, Status: t.Status, AgentName: t.AgentName}
	}
	for _, a := range s.agents {
		snap.Agents[a.Name] = agentState{Role: a.Role, Status: a.Status}
	}
	return snap
}

// GitMutex serializes commits: at most one execution holds it at a time.
type GitMutex struct {
	sem  chan struct{}
	held atomic.Bool
}

// NewGitMutex creates an unlocked GitMutex.
func NewGitMutex() *GitMutex {
	return &GitMutex{sem: make(chan struct{}, 1)}
}

// Run executes fn while holding the mutex. It returns ctx.Err() without
// running fn if the context ends while waiting.
func (m *GitMutex) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.held.Store(true)
	defer func() {
		m.held.Store(false)
		<-m.sem
	}()
	return fn(ctx)
}

// Held reports whether some execution currently holds the mutex.
func (m *GitMutex) Held() bool {
	return m.held.Load()
}
