package gitops

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotRepository is returned when a directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Service runs git operations for a build workspace through the git CLI.
type Service struct {
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a git service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "Elisa"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "elisa@local"
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{config: cfg, logger: logger, now: time.Now}
}

// Init creates a repository at dir with a README describing goal and an
// initial commit.
func (s *Service) Init(ctx context.Context, dir, goal string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	if _, err := s.git(ctx, dir, "init"); err != nil {
		return err
	}
	if _, err := s.git(ctx, dir, "config", "user.name", s.config.AuthorName); err != nil {
		return err
	}
	if _, err := s.git(ctx, dir, "config", "user.email", s.config.AuthorEmail); err != nil {
		return err
	}

	readme := fmt.Sprintf("# %s\n\nBuilt with Elisa.\n", goal)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0644); err != nil {
		return fmt.Errorf("failed to write README: %w", err)
	}

	if _, err := s.git(ctx, dir, "add", "README.md"); err != nil {
		return err
	}
	if err := s.commitWithRetry(ctx, dir, "Project started!"); err != nil {
		return err
	}
	return nil
}

// Commit stages every change in dir and commits it with message. When nothing
// is staged it returns an empty CommitInfo and no error.
func (s *Service) Commit(ctx context.Context, dir, message, agentName, taskID string) (CommitInfo, error) {
	if err := ctx.Err(); err != nil {
		return CommitInfo{}, err
	}
	if _, err := s.git(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		s.logger.Warn("no git repo in workspace, skipping commit", zap.String("dir", dir), zap.String("task_id", taskID))
		return CommitInfo{}, nil
	}

	if _, err := s.git(ctx, dir, "add", "-A"); err != nil {
		return CommitInfo{}, err
	}

	staged, err := s.git(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return CommitInfo{}, err
	}
	files := parseLines(staged)
	if len(files) == 0 {
		return CommitInfo{}, nil
	}

	if err := s.commitWithRetry(ctx, dir, message); err != nil {
		return CommitInfo{}, err
	}

	head, err := s.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return CommitInfo{}, err
	}
	sha := strings.TrimSpace(head)

	return CommitInfo{
		SHA:          sha,
		ShortSHA:     shortSHA(sha),
		Message:      message,
		AgentName:    agentName,
		TaskID:       taskID,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
		FilesChanged: files,
	}, nil
}

// commitWithRetry retries while another git process holds the index lock.
func (s *Service) commitWithRetry(ctx context.Context, dir, message string) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := s.git(ctx, dir,
			"-c", "user.name="+s.config.AuthorName,
			"-c", "user.email="+s.config.AuthorEmail,
			"commit", "--no-verify", "-m", message)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "index.lock") {
			s.logger.Debug("git index locked, retrying commit", zap.String("dir", dir))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// git runs a git subcommand in dir and returns its combined output.
func (s *Service) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.config.GitBinary, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w (output: %s)", subcommand(args), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// subcommand returns the git subcommand in args, skipping "-c key=value"
// pairs and other global options.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-c" || args[i] == "-C":
			i++
		case strings.HasPrefix(args[i], "-"):
		default:
			return args[i]
		}
	}
	return strings.Join(args, " ")
}

func parseLines(output string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
