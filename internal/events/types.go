package events

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of messages the task engine emits. Every concrete
// type lives in this package; the unexported marker keeps the set closed.
type Event interface {
	EventType() string
	TaskID() string
	isEvent()
}

// Event type constants
const (
	TypeTaskStarted            = "task_started"
	TypeMinionStateChange      = "minion_state_change"
	TypeTokenUsage             = "token_usage"
	TypeBudgetWarning          = "budget_warning"
	TypeAgentOutput            = "agent_output"
	TypeAgentMessage           = "agent_message"
	TypeContextFlow            = "context_flow"
	TypeCommitCreated          = "commit_created"
	TypeNarratorMessage        = "narrator_message"
	TypeTeachingMoment         = "teaching_moment"
	TypeHumanGate              = "human_gate"
	TypeUserQuestion           = "user_question"
	TypePermissionAutoResolved = "permission_auto_resolved"
	TypeTaskCompleted          = "task_completed"
	TypeTaskFailed             = "task_failed"
	TypePlanReady              = "plan_ready"
	TypeTestResult             = "test_result"
	TypeCoverageUpdate         = "coverage_update"
	TypeSessionComplete        = "session_complete"
)

// TaskStarted is published when a task is dispatched to its agent.
type TaskStarted struct {
	ID        string `json:"task_id"`
	AgentName string `json:"agent_name"`
}

// MinionStateChange is published whenever an agent's status changes.
type MinionStateChange struct {
	ID        string `json:"task_id,omitempty"`
	AgentName string `json:"agent_name"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// TokenUsage reports the tokens consumed by one agent attempt.
type TokenUsage struct {
	ID           string  `json:"task_id"`
	AgentName    string  `json:"agent_name"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// BudgetWarning fires once per build when usage crosses the warning ratio.
type BudgetWarning struct {
	ID          string  `json:"task_id,omitempty"`
	TotalTokens int     `json:"total_tokens"`
	MaxBudget   int     `json:"max_budget"`
	CostUSD     float64 `json:"cost_usd"`
}

// AgentOutput carries streamed agent output and engine progress notes.
type AgentOutput struct {
	ID        string `json:"task_id"`
	AgentName string `json:"agent_name"`
	Content   string `json:"content"`
}

// AgentMessage is an agent's summary addressed to the rest of the team.
type AgentMessage struct {
	ID      string `json:"task_id,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// ContextFlow announces that a finished task's context feeds downstream tasks.
type ContextFlow struct {
	FromTaskID string   `json:"from_task_id"`
	ToTaskIDs  []string `json:"to_task_ids"`
}

// CommitCreated is published after an agent's work is committed.
type CommitCreated struct {
	ID           string   `json:"task_id"`
	SHA          string   `json:"sha"`
	ShortSHA     string   `json:"short_sha"`
	Message      string   `json:"message"`
	AgentName    string   `json:"agent_name"`
	Timestamp    string   `json:"timestamp"`
	FilesChanged []string `json:"files_changed"`
}

// NarratorMessage is a friendly narration of engine activity.
type NarratorMessage struct {
	ID   string `json:"task_id,omitempty"`
	From string `json:"from"`
	Text string `json:"text"`
	Mood string `json:"mood"`
}

// TeachingMoment explains an engineering concept tied to what just happened.
type TeachingMoment struct {
	ID          string `json:"task_id,omitempty"`
	Concept     string `json:"concept"`
	Headline    string `json:"headline"`
	Explanation string `json:"explanation"`
	TellMeMore  string `json:"tell_me_more,omitempty"`
}

// HumanGate asks the user to approve or reject before execution continues.
type HumanGate struct {
	ID       string `json:"task_id"`
	Question string `json:"question"`
	Context  string `json:"context"`
}

// UserQuestion forwards an agent's question (or tool permission request) to the user.
type UserQuestion struct {
	ID        string         `json:"task_id"`
	Questions map[string]any `json:"questions"`
}

// PermissionAutoResolved reports a tool permission decided by policy without asking.
type PermissionAutoResolved struct {
	ID             string `json:"task_id"`
	PermissionType string `json:"permission_type"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason"`
}

// TaskCompleted is published when a task finishes successfully.
type TaskCompleted struct {
	ID      string `json:"task_id"`
	Summary string `json:"summary"`
}

// TaskFailed is published when a task ends without success.
type TaskFailed struct {
	ID         string `json:"task_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// PlanTask is a task as announced in PlanReady.
type PlanTask struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AgentName    string   `json:"agent_name"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies"`
}

// PlanAgent is an agent as announced in PlanReady.
type PlanAgent struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Persona string `json:"persona"`
	Status  string `json:"status"`
}

// PlanReady is published once, before the first task runs.
type PlanReady struct {
	Tasks       []PlanTask  `json:"tasks"`
	Agents      []PlanAgent `json:"agents"`
	Explanation string      `json:"explanation"`
}

// TestResult reports one test of the build's test suite.
type TestResult struct {
	TestName string `json:"test_name"`
	Passed   bool   `json:"passed"`
	Details  string `json:"details"`
}

// CoverageUpdate reports line coverage after the test suite ran.
type CoverageUpdate struct {
	Percentage float64            `json:"percentage"`
	Details    map[string]float64 `json:"details,omitempty"` // file -> percent
}

// SessionComplete is the last event of a build.
type SessionComplete struct {
	Summary  string   `json:"summary"`
	Done     int      `json:"done"`
	Failed   int      `json:"failed"`
	Total    int      `json:"total"`
	Tokens   int      `json:"total_tokens"`
	CostUSD  float64  `json:"cost_usd"`
	Concepts []string `json:"concepts,omitempty"`
}

func (TaskStarted) EventType() string            { return TypeTaskStarted }
func (MinionStateChange) EventType() string      { return TypeMinionStateChange }
func (TokenUsage) EventType() string             { return TypeTokenUsage }
func (BudgetWarning) EventType() string          { return TypeBudgetWarning }
func (AgentOutput) EventType() string            { return TypeAgentOutput }
func (AgentMessage) EventType() string           { return TypeAgentMessage }
func (ContextFlow) EventType() string            { return TypeContextFlow }
func (CommitCreated) EventType() string          { return TypeCommitCreated }
func (NarratorMessage) EventType() string        { return TypeNarratorMessage }
func (TeachingMoment) EventType() string         { return TypeTeachingMoment }
func (HumanGate) EventType() string              { return TypeHumanGate }
func (UserQuestion) EventType() string           { return TypeUserQuestion }
func (PermissionAutoResolved) EventType() string { return TypePermissionAutoResolved }
func (TaskCompleted) EventType() string          { return TypeTaskCompleted }
func (TaskFailed) EventType() string             { return TypeTaskFailed }
func (PlanReady) EventType() string              { return TypePlanReady }
func (TestResult) EventType() string             { return TypeTestResult }
func (CoverageUpdate) EventType() string         { return TypeCoverageUpdate }
func (SessionComplete) EventType() string        { return TypeSessionComplete }

func (e TaskStarted) TaskID() string            { return e.ID }
func (e MinionStateChange) TaskID() string      { return e.ID }
func (e TokenUsage) TaskID() string             { return e.ID }
func (e BudgetWarning) TaskID() string          { return e.ID }
func (e AgentOutput) TaskID() string            { return e.ID }
func (e AgentMessage) TaskID() string           { return e.ID }
func (e ContextFlow) TaskID() string            { return e.FromTaskID }
func (e CommitCreated) TaskID() string          { return e.ID }
func (e NarratorMessage) TaskID() string        { return e.ID }
func (e TeachingMoment) TaskID() string         { return e.ID }
func (e HumanGate) TaskID() string              { return e.ID }
func (e UserQuestion) TaskID() string           { return e.ID }
func (e PermissionAutoResolved) TaskID() string { return e.ID }
func (e TaskCompleted) TaskID() string          { return e.ID }
func (e TaskFailed) TaskID() string             { return e.ID }

// Build-level events carry no task id.
func (PlanReady) TaskID() string       { return "" }
func (TestResult) TaskID() string      { return "" }
func (CoverageUpdate) TaskID() string  { return "" }
func (SessionComplete) TaskID() string { return "" }

func (TaskStarted) isEvent()            {}
func (MinionStateChange) isEvent()      {}
func (TokenUsage) isEvent()             {}
func (BudgetWarning) isEvent()          {}
func (AgentOutput) isEvent()            {}
func (AgentMessage) isEvent()           {}
func (ContextFlow) isEvent()            {}
func (CommitCreated) isEvent()          {}
func (NarratorMessage) isEvent()        {}
func (TeachingMoment) isEvent()         {}
func (HumanGate) isEvent()              {}
func (UserQuestion) isEvent()           {}
func (PermissionAutoResolved) isEvent() {}
func (TaskCompleted) isEvent()          {}
func (TaskFailed) isEvent()             {}
func (PlanReady) isEvent()              {}
func (TestResult) isEvent()             {}
func (CoverageUpdate) isEvent()         {}
func (SessionComplete) isEvent()        {}

// Marshal encodes e as a flat JSON object with a "type" discriminator, the
// shape the frontend consumes.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.EventType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.EventType(), err)
	}
	typ, _ := json.Marshal(e.EventType())
	fields["type"] = typ

	return json.Marshal(fields)
}
