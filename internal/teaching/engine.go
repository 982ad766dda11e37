// Package teaching turns build events into kid-friendly teaching moments.
package teaching

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/orchestrator"
)

//go:embed curriculum.yaml
var defaultCurriculum []byte

type trigger struct {
	concept    string
	subConcept string
}

// triggers maps build events to curriculum entries.
var triggers = map[string]trigger{
	"plan_ready":              {"decomposition", "task_breakdown"},
	"first_commit":            {"source_control", "first_commit"},
	"subsequent_commit":       {"source_control", "multiple_commits"},
	"test_result_pass":        {"testing", "test_pass"},
	"test_result_fail":        {"testing", "test_fail"},
	"coverage_update":         {"testing", "coverage"},
	"tester_task_completed":   {"testing", "first_test_run"},
	"reviewer_task_completed": {"code_review", "first_review"},
	"skill_used":              {"prompt_engineering", "first_skill"},
	"rule_used":               {"prompt_engineering", "first_rule"},
}

type entry struct {
	Headline    string `yaml:"headline"`
	Explanation string `yaml:"explanation"`
	TellMeMore  string `yaml:"tell_me_more"`
}

// Curriculum is concept -> sub-concept -> entry.
type Curriculum map[string]map[string]entry

// ParseCurriculum decodes a YAML curriculum.
func ParseCurriculum(data []byte) (Curriculum, error) {
	var c Curriculum
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse curriculum: %w", err)
	}
	return c, nil
}

// Engine hands out each teaching moment at most once per build.
type Engine struct {
	curriculum Curriculum
	logger     *zap.Logger

	mu      sync.Mutex
	shown   map[string]bool
	commits int
}

// New creates an engine backed by the built-in curriculum.
func New(logger *zap.Logger) (*Engine, error) {
	c, err := ParseCurriculum(defaultCurriculum)
	if err != nil {
		return nil, err
	}
	return NewWithCurriculum(c, logger), nil
}

// NewWithCurriculum creates an engine backed by c.
func NewWithCurriculum(c Curriculum, logger *zap.Logger) *Engine {
	return &Engine{
		curriculum: c,
		logger:     logging.OrNop(logger),
		shown:      make(map[string]bool),
	}
}

// GetMoment returns the moment for eventKey, or nil when the event has no
// lesson or its lesson was already shown. commit_created is the first or a
// subsequent commit depending on how many commits came before.
func (e *Engine) GetMoment(ctx context.Context, eventKey, details, nuggetType string) (*orchestrator.Moment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := eventKey
	if eventKey == "commit_created" {
		e.commits++
		key = "subsequent_commit"
		if e.commits == 1 {
			key = "first_commit"
		}
	}

	t, ok := triggers[key]
	if !ok {
		return nil, nil
	}
	dedup := t.concept + ":" + t.subConcept
	if e.shown[dedup] {
		return nil, nil
	}

	ent, ok := e.curriculum[t.concept][t.subConcept]
	if !ok {
		e.logger.Debug("no curriculum entry", zap.String("concept", dedup))
		return nil, nil
	}
	e.shown[dedup] = true

	return &orchestrator.Moment{
		Concept:     t.concept,
		Headline:    ent.Headline,
		Explanation: ent.Explanation,
		TellMeMore:  ent.TellMeMore,
	}, nil
}

// MarkShown suppresses a concept:sub-concept key.
func (e *Engine) MarkShown(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shown[key] = true
}

// ShownConcepts returns the concept:sub-concept keys shown so far, sorted.
func (e *Engine) ShownConcepts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.shown))
	for k := range e.shown {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
