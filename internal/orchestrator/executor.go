package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/events"
	"github.com/aristath/elisa/internal/gitops"
	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/metrics"
	"github.com/aristath/elisa/internal/persistence"
	"github.com/aristath/elisa/internal/scheduler"
	"github.com/aristath/elisa/internal/tokens"
)

// MaxAttempts is the number of agent attempts per task before escalating.
const MaxAttempts = 3

const (
	failureGateQuestion  = "We're having trouble with this part. Can you help us figure it out?"
	midpointGateQuestion = "I've made some progress. Want to take a look before I continue?"
	narratorName         = "Elisa"
)

// ExecutorDeps holds the collaborators of a TaskExecutor. Runner is
// required; every other field is optional.
type ExecutorDeps struct {
	Runner   AgentRunner
	Events   events.Publisher
	Git      GitService
	Teaching TeachingEngine
	Narrator Narrator
	Policy   PermissionPolicy
	Feedback FeedbackTracker
	Store    persistence.Store
	Metrics  *metrics.Metrics
	Breakers *BreakerRegistry
	Logger   *zap.Logger

	Model          string  // Passed through to the runner
	WarningRatio   float64 // Budget warning threshold (default 0.8)
	AttemptReserve int     // Tokens reserved against the budget while an attempt runs
}

// TaskExecutor drives one task from dispatch to a terminal status: retries,
// budget checks, side effects, and human gates.
type TaskExecutor struct {
	deps   ExecutorDeps
	logger *zap.Logger
}

// NewTaskExecutor creates an executor.
func NewTaskExecutor(deps ExecutorDeps) *TaskExecutor {
	if deps.WarningRatio <= 0 {
		deps.WarningRatio = tokens.DefaultWarningRatio
	}
	return &TaskExecutor{
		deps:   deps,
		logger: logging.OrNop(deps.Logger),
	}
}

// Execute runs taskID to completion. The bool reports success. The error is
// non-nil only for an unknown or already-started task, or when ctx ends while
// the execution is suspended.
func (e *TaskExecutor) Execute(ctx context.Context, state *ExecutionState, taskID string) (bool, error) {
	task, ok := state.Task(taskID)
	if !ok {
		return false, fmt.Errorf("execute %s: %w", taskID, ErrTaskNotFound)
	}
	agentName := task.AgentName
	agent, _ := state.Agent(agentName)
	log := e.logger.With(zap.String("task_id", taskID), zap.String("agent", agentName))

	if err := state.SetTaskStatus(taskID, scheduler.TaskInProgress); err != nil {
		return false, err
	}
	e.persistStatus(ctx, task, scheduler.TaskInProgress, "", nil)
	e.emit(events.TaskStarted{ID: taskID, AgentName: agentName})
	e.setAgentStatus(state, taskID, agentName, scheduler.AgentWorking)
	e.narrate(ctx, state, taskID, "task_started", agentName, task.DisplayName())
	if fb := e.deps.Feedback; fb != nil {
		fb.StartAttempt(taskID, task.DisplayName(), 0, "")
	}

	if state.Tracker.EffectiveBudgetExceeded() {
		msg := fmt.Sprintf("Token budget exceeded: %d of %d tokens used", state.Tracker.Total(), state.Tracker.MaxBudget())
		log.Warn("skipping task, budget exhausted")
		e.fail(ctx, state, task, msg, 0, "budget_exceeded")
		return false, nil
	}

	systemPrompt := SystemPrompt(agent, taskID) + CustomInstructions(state.Skills, state.Rules)
	basePrompt := TaskPrompt(task, state.Goal, e.predecessorSummaries(state, taskID), BuildFileManifest(state.Workspace))

	var result AttemptResult
	succeeded := false
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			e.fail(ctx, state, task, "Build cancelled", attempt, "cancelled")
			return false, err
		}

		prompt := basePrompt
		if attempt > 0 {
			prompt = retryPrompt(basePrompt, attempt, result.Summary) + RetryRules(state.Rules)
			if fb := e.deps.Feedback; fb != nil {
				fb.MarkFixing(taskID)
				fb.MarkRetesting(taskID)
				fb.StartAttempt(taskID, task.DisplayName(), attempt, result.Summary)
			}
		}

		result = e.attempt(ctx, state, task, attempt, prompt, systemPrompt)
		if fb := e.deps.Feedback; fb != nil {
			fb.RecordAttemptResult(taskID, result.Success)
		}

		if result.Success {
			succeeded = true
			break
		}
		log.Info("agent attempt failed", zap.Int("attempt", attempt+1), zap.String("summary", truncateRunes(result.Summary, 200)))
		if attempt < MaxAttempts-1 {
			e.emit(events.AgentOutput{
				ID:        taskID,
				AgentName: agentName,
				Content:   fmt.Sprintf("Retrying... (attempt %d)", attempt+2),
			})
		}
	}

	if !succeeded {
		return e.exhausted(ctx, state, task, result)
	}
	return e.complete(ctx, state, task, agent, result)
}

// attempt runs the agent once and records its token usage.
func (e *TaskExecutor) attempt(ctx context.Context, state *ExecutionState, task *scheduler.Task, n int, prompt, systemPrompt string) AttemptResult {
	agentName := task.AgentName

	reservation := state.Tracker.Reserve(e.deps.AttemptReserve)
	defer reservation.Release()

	opts := ExecuteOptions{
		TaskID:       task.ID,
		AgentName:    agentName,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		WorkingDir:   state.Workspace,
		Model:        e.deps.Model,
		OnOutput:     e.MakeOutputHandler(state, agentName),
		OnQuestion:   e.MakeQuestionHandler(state, task.ID),
	}

	breaker := e.breaker(agentName)
	start := time.Now()
	result := runAttempt(ctx, e.deps.Runner, opts, breaker)
	e.deps.Metrics.ObserveAttempt(agentName, result.Success, time.Since(start))

	state.Tracker.AddForAgent(agentName, result.InputTokens, result.OutputTokens, result.CostUSD)
	e.deps.Metrics.ObserveTokens(agentName, result.InputTokens, result.OutputTokens, result.CostUSD)
	e.emit(events.TokenUsage{
		ID:           task.ID,
		AgentName:    agentName,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
	})
	if store := e.deps.Store; store != nil {
		rec := persistence.TokenRecord{
			TaskID:       task.ID,
			AgentName:    agentName,
			Attempt:      n,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      result.CostUSD,
		}
		if err := store.RecordTokenUsage(ctx, rec); err != nil {
			e.logger.Warn("failed to record token usage", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	if state.Tracker.CheckWarning(e.deps.WarningRatio) {
		snap := state.Tracker.Snapshot()
		e.deps.Metrics.ObserveBudgetWarning()
		e.emit(events.BudgetWarning{
			ID:          task.ID,
			TotalTokens: snap.TotalTokens,
			MaxBudget:   snap.MaxBudget,
			CostUSD:     snap.CostUSD,
		})
	}

	return result
}

func (e *TaskExecutor) breaker(agentName string) *gobreaker.CircuitBreaker {
	if e.deps.Breakers == nil {
		return nil
	}
	return e.deps.Breakers.Get(agentName)
}

// complete runs the success path side effects and the midpoint gate.
func (e *TaskExecutor) complete(ctx context.Context, state *ExecutionState, task *scheduler.Task, agent *scheduler.Agent, result AttemptResult) (bool, error) {
	taskID, agentName := task.ID, task.AgentName
	log := e.logger.With(zap.String("task_id", taskID), zap.String("agent", agentName))

	summary := resolveSummary(result.Summary)
	if comms, ok, err := readCommsSummary(state.Workspace, taskID); err != nil {
		log.Warn("failed to read comms summary", zap.Error(err))
	} else if ok {
		summary = comms
	}
	state.SetSummary(taskID, summary)

	contextPath := filepath.Join(state.Workspace, contextFile)
	err := state.Files.WithFiles([]string{contextPath}, func() error {
		return appendContext(contextPath, taskID, task.DisplayName(), summary)
	})
	if err != nil {
		log.Warn("failed to update context chain", zap.Error(err))
	}
	e.writeState(state)

	if dependents := state.DAG.Dependents(taskID); len(dependents) > 0 {
		e.emit(events.ContextFlow{FromTaskID: taskID, ToTaskIDs: dependents})
	}

	if e.deps.Git != nil {
		e.commit(ctx, state, task)
	}

	if agent != nil && (agent.Role == scheduler.RoleTester || agent.Role == scheduler.RoleReviewer) {
		e.teach(ctx, state, taskID, string(agent.Role)+"_task_completed", summary)
	}

	if n := e.deps.Narrator; n != nil {
		n.FlushTask(taskID)
	}
	e.narrate(ctx, state, taskID, "task_completed", agentName, summary)

	e.emit(events.AgentMessage{
		ID:      taskID,
		From:    agentName,
		To:      "team",
		Content: truncateRunes(summary, messageCharLimit),
	})

	if err := state.SetTaskStatus(taskID, scheduler.TaskDone); err != nil {
		log.Error("failed to mark task done", zap.Error(err))
	}
	e.setAgentStatus(state, taskID, agentName, scheduler.AgentIdle)
	e.persistStatus(ctx, task, scheduler.TaskDone, summary, nil)
	e.writeState(state)
	e.emit(events.TaskCompleted{ID: taskID, Summary: summary})
	e.deps.Metrics.ObserveTask("done")

	if ShouldFireGate(state.Workflow.HumanGates, state.CompletedCount(), state.TotalTasks()) {
		gateContext := fmt.Sprintf("Just completed: %s", task.DisplayName())
		if _, err := e.runGate(ctx, state, task, midpointGateQuestion, gateContext, "midpoint"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// exhausted handles a task that failed every attempt: the failure gate runs
// first, then the task is marked failed whatever the decision.
func (e *TaskExecutor) exhausted(ctx context.Context, state *ExecutionState, task *scheduler.Task, last AttemptResult) (bool, error) {
	gateContext := last.Summary
	if gateContext == "" {
		gateContext = "Task failed after retries"
	}
	_, gateErr := e.runGate(ctx, state, task, failureGateQuestion, gateContext, "failure")

	errText := last.Summary
	if errText == "" {
		errText = fmt.Sprintf("Agent failed after %d attempts", MaxAttempts)
	}
	e.fail(ctx, state, task, errText, MaxAttempts, "failed")

	if gateErr != nil {
		return false, gateErr
	}
	return false, nil
}

// fail marks the task failed and the agent errored, then reports it.
func (e *TaskExecutor) fail(ctx context.Context, state *ExecutionState, task *scheduler.Task, errText string, retryCount int, outcome string) {
	taskID, agentName := task.ID, task.AgentName

	if err := state.SetTaskStatus(taskID, scheduler.TaskFailed); err != nil {
		e.logger.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
	e.setAgentStatus(state, taskID, agentName, scheduler.AgentError)
	e.persistStatus(ctx, task, scheduler.TaskFailed, "", errors.New(errText))
	e.writeState(state)
	e.emit(events.TaskFailed{ID: taskID, Error: errText, RetryCount: retryCount})
	e.deps.Metrics.ObserveTask(outcome)

	if n := e.deps.Narrator; n != nil {
		n.FlushTask(taskID)
	}
	e.narrate(ctx, state, taskID, "task_failed", agentName, errText)
}

// runGate opens a human gate and waits for the decision. A rejection adds a
// revision task to the build.
func (e *TaskExecutor) runGate(ctx context.Context, state *ExecutionState, task *scheduler.Task, question, gateContext, kind string) (GateDecision, error) {
	decisions, release, err := state.Gate.open(ctx, task.ID)
	if err != nil {
		return GateDecision{}, err
	}
	defer release()

	e.emit(events.HumanGate{ID: task.ID, Question: question, Context: gateContext})

	var d GateDecision
	select {
	case d = <-decisions:
	case <-ctx.Done():
		return GateDecision{}, ctx.Err()
	}
	e.deps.Metrics.ObserveGate(kind, d.Approved)

	if d.Approved {
		return d, nil
	}

	revision, err := state.SpawnRevision(task.ID, d.Feedback)
	if err != nil {
		e.logger.Error("failed to add revision task", zap.String("task_id", task.ID), zap.Error(err))
		return d, nil
	}
	e.logger.Info("revision task added", zap.String("task_id", task.ID), zap.String("revision_id", revision.ID))
	if store := e.deps.Store; store != nil {
		if err := store.SaveTask(ctx, revision); err != nil {
			e.logger.Warn("failed to persist revision task", zap.String("task_id", revision.ID), zap.Error(err))
		}
	}
	return d, nil
}

// commit commits the workspace inside the git mutex. Failures are logged and
// otherwise ignored.
func (e *TaskExecutor) commit(ctx context.Context, state *ExecutionState, task *scheduler.Task) {
	agentName := task.AgentName
	message := fmt.Sprintf("%s: %s", agentName, task.DisplayName())

	var info gitops.CommitInfo
	err := state.GitMutex.Run(ctx, func(ctx context.Context) error {
		var err error
		info, err = e.deps.Git.Commit(ctx, state.Workspace, message, agentName, task.ID)
		return err
	})
	if err != nil {
		e.deps.Metrics.ObserveCommit("failed")
		e.logger.Warn("git commit failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if info.Empty() {
		e.deps.Metrics.ObserveCommit("empty")
		return
	}

	state.AppendCommit(info)
	e.deps.Metrics.ObserveCommit("created")
	if store := e.deps.Store; store != nil {
		if err := store.SaveCommit(ctx, info); err != nil {
			e.logger.Warn("failed to persist commit", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	e.emit(events.CommitCreated{
		ID:           task.ID,
		SHA:          info.SHA,
		ShortSHA:     info.ShortSHA,
		Message:      info.Message,
		AgentName:    info.AgentName,
		Timestamp:    info.Timestamp,
		FilesChanged: info.FilesChanged,
	})
	e.teach(ctx, state, task.ID, "commit_created", message)
}

func (e *TaskExecutor) teach(ctx context.Context, state *ExecutionState, taskID, eventKey, details string) {
	publishMoment(ctx, e.deps.Teaching, e.deps.Events, e.logger, state.NuggetType, taskID, eventKey, details)
}

// publishMoment publishes the teaching moment for eventKey, if the engine has one.
func publishMoment(ctx context.Context, engine TeachingEngine, pub events.Publisher, logger *zap.Logger, nuggetType, taskID, eventKey, details string) {
	if engine == nil || pub == nil {
		return
	}
	m, err := engine.GetMoment(ctx, eventKey, details, nuggetType)
	if err != nil {
		logger.Warn("teaching lookup failed", zap.String("task_id", taskID), zap.String("event", eventKey), zap.Error(err))
		return
	}
	if m == nil {
		return
	}
	pub.Publish(events.TeachingMoment{
		ID:          taskID,
		Concept:     m.Concept,
		Headline:    m.Headline,
		Explanation: m.Explanation,
		TellMeMore:  m.TellMeMore,
	})
}

func (e *TaskExecutor) narrate(ctx context.Context, state *ExecutionState, taskID, eventKey, agentName, text string) {
	if e.deps.Narrator == nil {
		return
	}
	n, err := e.deps.Narrator.Translate(ctx, eventKey, agentName, text, state.Goal)
	if err != nil {
		e.logger.Warn("narrator failed", zap.String("task_id", taskID), zap.String("event", eventKey), zap.Error(err))
		return
	}
	if n == nil {
		return
	}
	e.emit(events.NarratorMessage{ID: taskID, From: narratorName, Text: n.Text, Mood: n.Mood})
}

// setAgentStatus updates the agent and emits minion_state_change when the
// status actually changed.
func (e *TaskExecutor) setAgentStatus(state *ExecutionState, taskID, agentName string, next scheduler.AgentStatus) {
	prev, changed := state.SetAgentStatus(agentName, next)
	if !changed {
		return
	}
	e.emit(events.MinionStateChange{
		ID:        taskID,
		AgentName: agentName,
		OldStatus: string(prev),
		NewStatus: string(next),
	})
}

// predecessorSummaries returns the capped summaries of every transitive
// dependency that has one, nearest first.
func (e *TaskExecutor) predecessorSummaries(state *ExecutionState, taskID string) []string {
	var out []string
	for _, id := range state.DAG.Predecessors(taskID) {
		if s, ok := state.Summary(id); ok {
			out = append(out, CapSummary(s, cappedSummaryWords))
		}
	}
	return out
}

func (e *TaskExecutor) writeState(state *ExecutionState) {
	path := filepath.Join(state.Workspace, stateFile)
	err := state.Files.WithFiles([]string{path}, func() error {
		return writeState(path, state.snapshot())
	})
	if err != nil {
		e.logger.Warn("failed to write current state", zap.Error(err))
	}
}

func (e *TaskExecutor) persistStatus(ctx context.Context, task *scheduler.Task, status scheduler.TaskStatus, summary string, taskErr error) {
	store := e.deps.Store
	if store == nil {
		return
	}
	err := store.UpdateTaskStatus(ctx, task.ID, status, summary, taskErr)
	if errors.Is(err, persistence.ErrNotFound) {
		saved := task.Clone()
		saved.Status = status
		if err = store.SaveTask(ctx, saved); err == nil {
			err = store.UpdateTaskStatus(ctx, task.ID, status, summary, taskErr)
		}
	}
	if err != nil {
		e.logger.Warn("failed to persist task status", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (e *TaskExecutor) emit(ev events.Event) {
	if e.deps.Events != nil {
		e.deps.Events.Publish(ev)
	}
}
