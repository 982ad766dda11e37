// Package testrunner runs a workspace's pytest suite and reports each test
// and the line coverage.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/orchestrator"
)

// DefaultTimeout bounds one test run.
const DefaultTimeout = 2 * time.Minute

// exitNoTests is pytest's exit status when it collected nothing.
const exitNoTests = 5

// DefaultArgs runs the tests/ directory verbosely with coverage of src/.
var DefaultArgs = []string{"-m", "pytest", "tests/", "-v", "--tb=short", "--cov=src", "--cov-report=term"}

// Config configures the test runner.
type Config struct {
	Command string        // Interpreter (default "python3")
	Args    []string      // Default DefaultArgs
	TestDir string        // Directory searched for test files (default "tests")
	Timeout time.Duration // Default DefaultTimeout
}

// Runner implements orchestrator.TestRunner for pytest.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a test runner.
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = "python3"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultArgs
	}
	if cfg.TestDir == "" {
		cfg.TestDir = "tests"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Runner{cfg: cfg, logger: logging.OrNop(logger)}
}

// RunTests runs the suite in dir. A workspace without test files yields an
// empty report without starting the interpreter. Failing tests are part of
// the report, not an error.
func (r *Runner) RunTests(ctx context.Context, dir string) (orchestrator.TestReport, error) {
	if !hasTestFiles(filepath.Join(dir, r.cfg.TestDir)) {
		r.logger.Debug("no test files found", zap.String("dir", dir))
		return orchestrator.TestReport{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	report := Parse(string(output))

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return report, fmt.Errorf("tests did not finish: %w", ctx.Err())
		case !errors.As(err, &exitErr):
			return report, fmt.Errorf("failed to run %s: %w", r.cfg.Command, err)
		case exitErr.ExitCode() == exitNoTests:
			return orchestrator.TestReport{}, nil
		case report.Total == 0:
			return report, fmt.Errorf("pytest exited with status %d: %s", exitErr.ExitCode(), lastLines(string(output), 5))
		}
	}

	r.logger.Info("tests ran",
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Bool("coverage", report.CoveragePct != nil))
	return report, nil
}

func hasTestFiles(root string) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if !d.IsDir() && strings.HasSuffix(name, ".py") &&
			(strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py")) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

var (
	testLine     = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|ERROR)`)
	coverageLine = regexp.MustCompile(`^(\S+\.py)\s+\d+\s+\d+\s+(?:\d+\s+\d+\s+)?(\d+(?:\.\d+)?)%`)
	totalLine    = regexp.MustCompile(`^TOTAL\s+\d+\s+\d+\s+(?:\d+\s+\d+\s+)?(\d+(?:\.\d+)?)%`)
)

// Parse reads verbose pytest output with a pytest-cov terminal report.
func Parse(output string) orchestrator.TestReport {
	var report orchestrator.TestReport
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := testLine.FindStringSubmatch(line); m != nil {
			passed := m[2] == "PASSED"
			report.Tests = append(report.Tests, orchestrator.TestCase{Name: m[1], Passed: passed, Details: m[2]})
			if passed {
				report.Passed++
			} else {
				report.Failed++
			}
			continue
		}
		if m := totalLine.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				report.CoveragePct = &pct
			}
			continue
		}
		if m := coverageLine.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			if report.CoverageDetails == nil {
				report.CoverageDetails = make(map[string]float64)
			}
			report.CoverageDetails[m[1]] = pct
		}
	}
	report.Total = report.Passed + report.Failed
	// A single measured file gets no TOTAL row
	if report.CoveragePct == nil && len(report.CoverageDetails) == 1 {
		for _, pct := range report.CoverageDetails {
			report.CoveragePct = &pct
		}
	}
	return report
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
