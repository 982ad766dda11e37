package orchestrator

import (
	"context"

	"github.com/aristath/elisa/internal/gitops"
)

// AttemptResult is the outcome of one agent attempt.
type AttemptResult struct {
	Success      bool    `json:"success"`
	Summary      string  `json:"summary"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// OutputHandler receives streamed agent output.
type OutputHandler func(taskID, content string)

// QuestionHandler answers an agent question or tool permission request.
type QuestionHandler func(ctx context.Context, taskID string, payload map[string]any) (map[string]any, error)

// ExecuteOptions describes one agent attempt.
type ExecuteOptions struct {
	TaskID       string
	AgentName    string
	Prompt       string
	SystemPrompt string
	WorkingDir   string
	Model        string
	OnOutput     OutputHandler
	OnQuestion   QuestionHandler
}

// AgentRunner runs an agent attempt. Ordinary failures are reported through
// AttemptResult.Success; a returned error is treated as a failed attempt.
type AgentRunner interface {
	Execute(ctx context.Context, opts ExecuteOptions) (AttemptResult, error)
}

// GitService commits agent work. An empty CommitInfo means nothing changed.
type GitService interface {
	Commit(ctx context.Context, dir, message, agentName, taskID string) (gitops.CommitInfo, error)
}

// Moment is a teaching moment.
type Moment struct {
	Concept     string `json:"concept" yaml:"concept"`
	Headline    string `json:"headline" yaml:"headline"`
	Explanation string `json:"explanation" yaml:"explanation"`
	TellMeMore  string `json:"tell_me_more,omitempty" yaml:"tell_me_more,omitempty"`
}

// TeachingEngine looks up teaching moments. A nil Moment means nothing to show.
type TeachingEngine interface {
	GetMoment(ctx context.Context, eventKey, details, nuggetType string) (*Moment, error)
}

// Narration is a narrator line.
type Narration struct {
	Text string `json:"text"`
	Mood string `json:"mood"`
}

// Narrator turns engine activity into friendly narration.
type Narrator interface {
	// Translate returns nil when the event is not worth narrating.
	Translate(ctx context.Context, eventKey, agentName, text, goal string) (*Narration, error)
	AccumulateOutput(taskID, content, agentName, goal string, flush func(Narration))
	FlushTask(taskID string)
}

// Permission decisions.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionEscalate = "escalate"
)

// PermissionDecision is a policy verdict on a tool call.
type PermissionDecision struct {
	Decision       string `json:"decision"`
	PermissionType string `json:"permission_type"`
	Reason         string `json:"reason"`
}

// PermissionPolicy decides tool permission requests without asking the user.
type PermissionPolicy interface {
	Evaluate(permissionType, target, taskID, workspace string) PermissionDecision
}

// FeedbackTracker follows the fix-and-retest loop of each task.
type FeedbackTracker interface {
	StartAttempt(taskID, taskName string, attempt int, prevSummary string)
	MarkFixing(taskID string)
	MarkRetesting(taskID string)
	RecordAttemptResult(taskID string, success bool)
}

// TestCase is the outcome of one test.
type TestCase struct {
	Name    string `json:"test_name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// TestReport is the outcome of running the project's tests. CoveragePct is
// nil when no coverage was reported.
type TestReport struct {
	Tests           []TestCase         `json:"tests"`
	Passed          int                `json:"passed"`
	Failed          int                `json:"failed"`
	Total           int                `json:"total"`
	CoveragePct     *float64           `json:"coverage_pct,omitempty"`
	CoverageDetails map[string]float64 `json:"coverage_details,omitempty"`
}

// TestRunner runs the tests found in a workspace.
type TestRunner interface {
	RunTests(ctx context.Context, dir string) (TestReport, error)
}

// ConceptLister reports the teaching concepts shown so far.
type ConceptLister interface {
	ShownConcepts() []string
}
