package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/elisa/internal/events"
	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/persistence"
	"github.com/aristath/elisa/internal/scheduler"
)

// ErrBlocked is returned when unfinished tasks remain but none can start.
var ErrBlocked = errors.New("some tasks are blocked and cannot proceed")

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID  string
	Success bool
	Error   error
}

// Executor runs a single task. *TaskExecutor implements it.
type Executor interface {
	Execute(ctx context.Context, state *ExecutionState, taskID string) (bool, error)
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	Concurrency int               // Max concurrent tasks per wave (default 1)
	Store       persistence.Store // Optional; receives every task before the run starts
	Logger      *zap.Logger

	// Optional build-level collaborators. Events receives plan_ready, the
	// test results and session_complete.
	Events   events.Publisher
	Teaching TeachingEngine
	Tests    TestRunner    // Run once after the last wave
	Concepts ConceptLister // Listed in the session summary
}

// Runner drives a build: it executes DAG waves until every task, including
// revisions added along the way, has finished.
type Runner struct {
	config   RunnerConfig
	executor Executor
	state    *ExecutionState
	logger   *zap.Logger

	mu      sync.Mutex
	results []TaskResult
}

// NewRunner creates a runner for state.
func NewRunner(cfg RunnerConfig, executor Executor, state *ExecutionState) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Runner{
		config:   cfg,
		executor: executor,
		state:    state,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Run executes all tasks with bounded concurrency. Failed tasks count as
// finished, so their dependents still run.
func (r *Runner) Run(ctx context.Context) ([]TaskResult, error) {
	if _, err := r.state.DAG.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	if store := r.config.Store; store != nil {
		for _, t := range r.state.Tasks() {
			if err := store.SaveTask(ctx, t); err != nil {
				r.logger.Warn("failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}

	r.announcePlan(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return r.Results(), err
		}

		ready := r.state.DAG.Ready(r.state.Completed())
		if len(ready) == 0 {
			if r.state.CompletedCount() >= r.state.TotalTasks() {
				break
			}
			r.logger.Error("build stalled",
				zap.Int("completed", r.state.CompletedCount()),
				zap.Int("total", r.state.TotalTasks()))
			return r.Results(), ErrBlocked
		}

		r.logger.Info("starting wave", zap.Strings("tasks", ready))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.Concurrency)
		for _, id := range ready {
			g.Go(func() error {
				return r.executeTask(gctx, id)
			})
		}

		if err := g.Wait(); err != nil {
			return r.Results(), err
		}

		// Revisions spawned during the wave must still form a valid DAG
		if _, err := r.state.DAG.Validate(); err != nil {
			return r.Results(), fmt.Errorf("invalid plan after revisions: %w", err)
		}
	}

	r.runTests(ctx)
	r.complete()
	return r.Results(), nil
}

// announcePlan publishes plan_ready and the planning teaching moments.
func (r *Runner) announcePlan(ctx context.Context) {
	if r.config.Events == nil {
		return
	}
	ev := events.PlanReady{Explanation: r.state.Explanation}
	for _, t := range r.state.Tasks() {
		ev.Tasks = append(ev.Tasks, events.PlanTask{
			ID:           t.ID,
			Name:         t.Name,
			AgentName:    t.AgentName,
			Status:       string(t.Status),
			Dependencies: t.Dependencies,
		})
	}
	for _, a := range r.state.Agents() {
		ev.Agents = append(ev.Agents, events.PlanAgent{
			Name:    a.Name,
			Role:    string(a.Role),
			Persona: a.Persona,
			Status:  string(a.Status),
		})
	}
	r.config.Events.Publish(ev)

	r.teach(ctx, "plan_ready", r.state.Explanation)
	if n := len(r.state.Skills); n > 0 {
		r.teach(ctx, "skill_used", fmt.Sprintf("%d skill(s)", n))
	}
	if n := len(r.state.Rules); n > 0 {
		r.teach(ctx, "rule_used", fmt.Sprintf("%d rule(s)", n))
	}
}

// runTests runs the workspace tests and publishes each result and the
// coverage. A runner error is logged and the build still completes.
func (r *Runner) runTests(ctx context.Context) {
	if r.config.Tests == nil {
		return
	}
	report, err := r.config.Tests.RunTests(ctx, r.state.Workspace)
	if err != nil {
		r.logger.Warn("test run failed", zap.Error(err))
		return
	}
	r.logger.Info("tests finished",
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("total", report.Total))

	for _, tc := range report.Tests {
		r.publish(events.TestResult{TestName: tc.Name, Passed: tc.Passed, Details: tc.Details})
	}
	if report.CoveragePct != nil {
		r.publish(events.CoverageUpdate{Percentage: *report.CoveragePct, Details: report.CoverageDetails})
		r.teach(ctx, "coverage_update", fmt.Sprintf("%.0f%% coverage", *report.CoveragePct))
	}
	if report.Total > 0 {
		key := "test_result_pass"
		if report.Failed > 0 {
			key = "test_result_fail"
		}
		r.teach(ctx, key, fmt.Sprintf("%d/%d tests passing", report.Passed, report.Total))
	}
}

// complete publishes session_complete with the final tally.
func (r *Runner) complete() {
	var done, failed int
	tasks := r.state.Tasks()
	for _, t := range tasks {
		switch t.Status {
		case scheduler.TaskDone:
			done++
		case scheduler.TaskFailed:
			failed++
		}
	}

	summary := fmt.Sprintf("Completed %d/%d tasks.", done, len(tasks))
	if failed > 0 {
		summary += fmt.Sprintf(" %d task(s) failed.", failed)
	}
	var concepts []string
	if r.config.Concepts != nil {
		concepts = conceptNames(r.config.Concepts.ShownConcepts())
	}
	if len(concepts) > 0 {
		summary += " Concepts learned: " + strings.Join(concepts, ", ")
	}

	usage := r.state.Tracker.Snapshot()
	r.logger.Info("build complete",
		zap.Int("done", done),
		zap.Int("failed", failed),
		zap.Int("total", len(tasks)),
		zap.Int("tokens", usage.TotalTokens),
		zap.Float64("cost_usd", usage.CostUSD))

	r.publish(events.SessionComplete{
		Summary:  summary,
		Done:     done,
		Failed:   failed,
		Total:    len(tasks),
		Tokens:   usage.TotalTokens,
		CostUSD:  usage.CostUSD,
		Concepts: concepts,
	})
}

// conceptNames reduces concept:sub-concept keys to their unique concepts,
// keeping first-seen order.
func conceptNames(keys []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, k := range keys {
		name, _, _ := strings.Cut(k, ":")
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (r *Runner) teach(ctx context.Context, eventKey, details string) {
	publishMoment(ctx, r.config.Teaching, r.config.Events, r.logger, r.state.NuggetType, "", eventKey, details)
}

func (r *Runner) publish(ev events.Event) {
	if r.config.Events != nil {
		r.config.Events.Publish(ev)
	}
}

func (r *Runner) executeTask(ctx context.Context, taskID string) error {
	ok, err := r.executor.Execute(ctx, r.state, taskID)
	r.state.MarkCompleted(taskID)
	r.recordResult(TaskResult{TaskID: taskID, Success: ok, Error: err})

	if err != nil {
		r.logger.Warn("task execution interrupted", zap.String("task_id", taskID), zap.Error(err))
		// Only cancellation aborts the wave; other errors are per-task
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Results returns the results recorded so far, in completion order.
func (r *Runner) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskResult(nil), r.results...)
}

func (r *Runner) recordResult(result TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}
