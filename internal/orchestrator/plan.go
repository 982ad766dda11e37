package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/elisa/internal/scheduler"
)

// ErrEmptyPlan is returned for a plan with no tasks.
var ErrEmptyPlan = errors.New("plan has no tasks")

// Plan is a decomposed build: the agents, the tasks they work on, and the
// workflow settings.
type Plan struct {
	Goal        string             `json:"goal" yaml:"goal"`
	NuggetType  string             `json:"nugget_type,omitempty" yaml:"nugget_type,omitempty"`
	Explanation string             `json:"plan_explanation,omitempty" yaml:"plan_explanation,omitempty"`
	Workflow    Workflow           `json:"workflow" yaml:"workflow"`
	Agents      []*scheduler.Agent `json:"agents" yaml:"agents"`
	Tasks       []*scheduler.Task  `json:"tasks" yaml:"tasks"`
	Skills      []Skill            `json:"skills,omitempty" yaml:"skills,omitempty"`
	Rules       []Rule             `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// LoadPlan reads a plan file. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &plan)
	default:
		err = json.Unmarshal(data, &plan)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}
	return &plan, nil
}

// NewState builds the execution state for the plan. Every task's dependencies
// must name tasks in the plan and the graph must be acyclic.
func (p *Plan) NewState(workspace string, maxBudget int) (*ExecutionState, error) {
	state := NewExecutionState(StateConfig{
		Workspace:  workspace,
		Goal:       p.Goal,
		NuggetType: p.NuggetType,
		Workflow:   p.Workflow,
		MaxBudget:  maxBudget,

		Explanation: p.Explanation,
		Skills:      p.Skills,
		Rules:       p.Rules,
	})

	for _, a := range p.Agents {
		state.AddAgent(a.Clone())
	}
	for _, t := range p.Tasks {
		task := t.Clone()
		task.Status = scheduler.TaskPending
		if err := state.AddTask(task); err != nil {
			return nil, err
		}
	}

	if _, err := state.DAG.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return state, nil
}
