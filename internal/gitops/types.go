package gitops

// CommitInfo describes a commit made on behalf of an agent. An empty SHA means
// there was nothing to commit.
type CommitInfo struct {
	SHA          string   `json:"sha"`
	ShortSHA     string   `json:"short_sha"`
	Message      string   `json:"message"`
	AgentName    string   `json:"agent_name"`
	TaskID       string   `json:"task_id"`
	Timestamp    string   `json:"timestamp"`
	FilesChanged []string `json:"files_changed"`
}

// Empty reports whether the commit was skipped because nothing was staged.
func (c CommitInfo) Empty() bool {
	return c.SHA == ""
}

// Config configures the git service.
type Config struct {
	AuthorName  string // Commit author name (default "Elisa")
	AuthorEmail string // Commit author email (default "elisa@local")
	GitBinary   string // Path to git (default "git")
}
