package config

// ProviderConfig defines an agent CLI (command, args, default model).
// Several agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command" yaml:"command"`                 // CLI binary name (e.g. "claude")
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`   // Extra args appended to every invocation
	Model   string   `json:"model,omitempty" yaml:"model,omitempty"` // Default model for this provider
}

// AgentConfig routes a plan agent, by name, to a provider.
type AgentConfig struct {
	Provider string `json:"provider" yaml:"provider"`               // Key into Providers
	Model    string `json:"model,omitempty" yaml:"model,omitempty"` // Overrides the provider's model
}

// WorkflowConfig holds workflow defaults applied when a plan sets none.
type WorkflowConfig struct {
	HumanGates []string `json:"human_gates,omitempty" yaml:"human_gates,omitempty"`
}

// GitConfig configures commits of agent work.
type GitConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	AuthorName  string `json:"author_name,omitempty" yaml:"author_name,omitempty"`
	AuthorEmail string `json:"author_email,omitempty" yaml:"author_email,omitempty"`
}

// TestsConfig configures the test run after the last task.
type TestsConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Command        string   `json:"command,omitempty" yaml:"command,omitempty"` // Interpreter (e.g. "python3")
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`       // Replaces the default pytest arguments
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// PermissionsConfig configures automatic tool permission decisions.
type PermissionsConfig struct {
	AllowedPaths    []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	RestrictedPaths []string `json:"restricted_paths,omitempty" yaml:"restricted_paths,omitempty"`
	SafeCommands    []string `json:"safe_commands,omitempty" yaml:"safe_commands,omitempty"`
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeoutSeconds  int    `json:"open_timeout_seconds" yaml:"open_timeout_seconds"`
}

// Config is the top-level configuration.
type Config struct {
	Workspace      string  `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	MaxBudget      int     `json:"max_budget" yaml:"max_budget"`           // Token budget; <= 0 disables it
	WarningRatio   float64 `json:"warning_ratio" yaml:"warning_ratio"`     // Budget fraction that triggers a warning
	AttemptReserve int     `json:"attempt_reserve" yaml:"attempt_reserve"` // Tokens held per running attempt
	Concurrency    int     `json:"concurrency" yaml:"concurrency"`         // Tasks run in parallel per wave

	DefaultProvider string                    `json:"default_provider" yaml:"default_provider"`
	Providers       map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Agents          map[string]AgentConfig    `json:"agents,omitempty" yaml:"agents,omitempty"`

	Workflow    WorkflowConfig    `json:"workflow" yaml:"workflow"`
	Git         GitConfig         `json:"git" yaml:"git"`
	Tests       TestsConfig       `json:"tests" yaml:"tests"`
	Permissions PermissionsConfig `json:"permissions" yaml:"permissions"`
	Breaker     BreakerConfig     `json:"breaker" yaml:"breaker"`

	StorePath  string `json:"store_path,omitempty" yaml:"store_path,omitempty"` // SQLite file; empty keeps history in memory
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogDev     bool   `json:"log_dev,omitempty" yaml:"log_dev,omitempty"`
}
