package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/elisa/internal/gitops"
	"github.com/aristath/elisa/internal/tokens"
)

// SaveCommit records a commit. Saving the same SHA twice is a no-op.
func (s *SQLiteStore) SaveCommit(ctx context.Context, commit gitops.CommitInfo) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	files, err := json.Marshal(nonNil(commit.FilesChanged))
	if err != nil {
		return fmt.Errorf("failed to encode files changed: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commits (sha, short_sha, message, agent_name, task_id, timestamp, files_changed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha) DO NOTHING
	`, commit.SHA, commit.ShortSHA, commit.Message, commit.AgentName, commit.TaskID, commit.Timestamp, string(files))
	if err != nil {
		return fmt.Errorf("failed to save commit: %w", err)
	}
	return nil
}

// ListCommits returns every recorded commit, oldest first.
func (s *SQLiteStore) ListCommits(ctx context.Context) ([]gitops.CommitInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sha, short_sha, message, agent_name, task_id, timestamp, files_changed
		FROM commits
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	commits := []gitops.CommitInfo{}
	for rows.Next() {
		var c gitops.CommitInfo
		var files string
		if err := rows.Scan(&c.SHA, &c.ShortSHA, &c.Message, &c.AgentName, &c.TaskID, &c.Timestamp, &files); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &c.FilesChanged); err != nil {
			return nil, fmt.Errorf("failed to decode files changed: %w", err)
		}
		commits = append(commits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}
	return commits, nil
}

// RecordTokenUsage appends one attempt's token usage.
func (s *SQLiteStore) RecordTokenUsage(ctx context.Context, rec TokenRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (task_id, agent_name, attempt, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.AgentName, rec.Attempt, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}

// UsageByAgent sums recorded usage per agent.
func (s *SQLiteStore) UsageByAgent(ctx context.Context) (map[string]tokens.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM token_usage
		GROUP BY agent_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]tokens.Usage)
	for rows.Next() {
		var agent string
		var u tokens.Usage
		if err := rows.Scan(&agent, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan token usage: %w", err)
		}
		usage[agent] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token usage: %w", err)
	}
	return usage, nil
}
