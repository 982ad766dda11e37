// Package agentrunner runs agent attempts through a Claude Code compatible
// CLI in streaming JSON mode.
package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/orchestrator"
)

// Config configures the CLI runner.
type Config struct {
	Command string   // CLI binary (default "claude")
	Args    []string // Extra arguments appended to every invocation
	Model   string   // Default model; ExecuteOptions.Model overrides it
}

// CLIRunner implements orchestrator.AgentRunner. Each attempt is one CLI
// process; retries of the same task resume the task's CLI session.
type CLIRunner struct {
	cfg     Config
	procMgr *ProcessManager
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]session
}

type session struct {
	id      string
	started bool
}

// New creates a runner. pm may be nil, in which case processes are not
// tracked for shutdown.
func New(cfg Config, pm *ProcessManager, logger *zap.Logger) *CLIRunner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &CLIRunner{
		cfg:      cfg,
		procMgr:  pm,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]session),
	}
}

// streamEvent is one line of --output-format stream-json output. The final
// line has type "result"; plain --output-format json prints only that line.
type streamEvent struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	SessionID    string   `json:"session_id"`
	Usage        *usage   `json:"usage"`
	Message      *message `json:"message"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type message struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Execute runs one attempt. A result line with is_error set is an ordinary
// failed attempt; an error is returned only when the CLI could not run or
// exited without producing a result.
func (r *CLIRunner) Execute(ctx context.Context, opts orchestrator.ExecuteOptions) (orchestrator.AttemptResult, error) {
	sess := r.session(opts.TaskID)
	args := r.buildArgs(opts, sess)

	cmd := newCommand(ctx, r.cfg.Command, args...)
	cmd.Dir = opts.WorkingDir

	var final *streamEvent
	onLine := func(line []byte) {
		if len(strings.TrimSpace(string(line))) == 0 {
			return
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			r.emit(opts, string(line))
			return
		}
		switch ev.Type {
		case "result":
			final = &ev
		case "assistant":
			if ev.Message == nil {
				return
			}
			for _, c := range ev.Message.Content {
				if c.Type == "text" && c.Text != "" {
					r.emit(opts, c.Text)
				}
			}
		}
	}

	_, runErr := executeCommand(cmd, r.procMgr, onLine)
	if ctx.Err() != nil {
		return orchestrator.AttemptResult{}, ctx.Err()
	}

	if final == nil {
		if runErr != nil {
			return orchestrator.AttemptResult{}, fmt.Errorf("%s: %w", r.cfg.Command, runErr)
		}
		return orchestrator.AttemptResult{}, fmt.Errorf("%s: exited without a result", r.cfg.Command)
	}

	r.markStarted(opts.TaskID)

	result := orchestrator.AttemptResult{
		Success: !final.IsError && runErr == nil,
		Summary: final.Result,
		CostUSD: final.TotalCostUSD,
	}
	if final.Usage != nil {
		result.InputTokens = final.Usage.InputTokens
		result.OutputTokens = final.Usage.OutputTokens
	}
	if runErr != nil {
		r.logger.Warn("agent CLI exited with error after reporting a result",
			zap.String("task_id", opts.TaskID), zap.Error(runErr))
	}
	return result, nil
}

func (r *CLIRunner) emit(opts orchestrator.ExecuteOptions, content string) {
	if opts.OnOutput != nil {
		opts.OnOutput(opts.TaskID, content)
	}
}

func (r *CLIRunner) session(taskID string) session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	if !ok {
		s = session{id: uuid.NewString()}
		r.sessions[taskID] = s
	}
	return s
}

func (r *CLIRunner) markStarted(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[taskID]
	s.started = true
	r.sessions[taskID] = s
}

// buildArgs constructs the CLI arguments. The first attempt of a task uses
// --session-id; later attempts use --resume so the agent keeps its context.
func (r *CLIRunner) buildArgs(opts orchestrator.ExecuteOptions, sess session) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}

	if sess.started {
		args = append(args, "--resume", sess.id)
	} else {
		args = append(args, "--session-id", sess.id)
	}

	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	return append(args, r.cfg.Args...)
}
