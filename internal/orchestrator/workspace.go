package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/logging"
)

// Workspace layout, relative to the workspace root.
const (
	commsDir       = ".elisa/comms"
	reviewsDir     = ".elisa/comms/reviews"
	contextDir     = ".elisa/context"
	statusDir      = ".elisa/status"
	contextFile    = ".elisa/context/nugget_context.md"
	stateFile      = ".elisa/status/current_state.json"
	maxManifest    = 200
	maxHintLength  = 80
	contextHeading = "# Nugget Context\n\n"
)

var manifestSkipDirs = map[string]bool{
	".elisa":       true,
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
}

// GitInitializer creates the build repository.
type GitInitializer interface {
	Init(ctx context.Context, dir, goal string) error
}

// SetupWorkspace creates the workspace directory layout and, when git is
// non-nil, initializes a repository. gitReady is false when git is nil or
// init failed; init failure is logged and the build continues without git.
func SetupWorkspace(ctx context.Context, dir, goal string, git GitInitializer, logger *zap.Logger) (gitReady bool, err error) {
	logger = logging.OrNop(logger)

	for _, sub := range []string{commsDir, reviewsDir, contextDir, statusDir, "src", "tests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}

	if git == nil {
		return false, nil
	}
	if err := git.Init(ctx, dir, goal); err != nil {
		logger.Warn("git init failed, continuing without commits", zap.String("dir", dir), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// CommsSummaryPath returns the file an agent may write to override its summary.
func CommsSummaryPath(workspace, taskID string) string {
	return filepath.Join(workspace, commsDir, taskID+"_summary.md")
}

// readCommsSummary returns the raw comms file contents when present.
func readCommsSummary(workspace, taskID string) (string, bool, error) {
	data, err := os.ReadFile(CommsSummaryPath(workspace, taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// appendContext adds a task's entry to the running context chain, keeping
// earlier entries.
func appendContext(path, taskID, taskName, summary string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var b strings.Builder
	if len(existing) == 0 {
		b.WriteString(contextHeading)
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "## %s: %s\n%s\n\n", taskID, taskName, strings.TrimSpace(summary))

	return writeFileAtomic(path, []byte(b.String()))
}

// writeState writes the current_state.json snapshot.
func writeState(path string, snap stateSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// BuildFileManifest lists workspace files (up to 200) with a hint taken from
// each file's first line. Workspace metadata and VCS directories are skipped.
func BuildFileManifest(dir string) string {
	var entries []string
	overflow := 0

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && manifestSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= maxManifest {
			overflow++
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		entry := filepath.ToSlash(rel)
		if hint := firstLine(path); hint != "" {
			entry += "  # " + hint
		}
		entries = append(entries, entry)
		return nil
	})

	if overflow > 0 {
		entries = append(entries, fmt.Sprintf("(and %d more...)", overflow))
	}
	return strings.Join(entries, "\n")
}

func firstLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return ""
	}
	line := strings.TrimSpace(scanner.Text())
	if r := []rune(line); len(r) > maxHintLength {
		line = string(r[:maxHintLength])
	}
	return line
}
