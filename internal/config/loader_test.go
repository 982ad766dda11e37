package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalFile      string // file name and content, empty for none
		globalContent   string
		projectFile     string
		projectContent  string
		expectBudget    int
		expectConc      int
		expectProviders int
		checkAgent      string
		expectCommand   string
		expectModel     string
		expectError     bool
	}{
		{
			name:            "No config files - returns defaults",
			expectBudget:    500000,
			expectConc:      1,
			expectProviders: 1,
		},
		{
			name:            "Global JSON only - overrides budget",
			globalFile:      "global.json",
			globalContent:   `{"max_budget": 1000}`,
			expectBudget:    1000,
			expectConc:      1,
			expectProviders: 1,
		},
		{
			name:            "Project YAML overrides global JSON",
			globalFile:      "global.json",
			globalContent:   `{"max_budget": 1000, "concurrency": 2}`,
			projectFile:     "project.yaml",
			projectContent:  "max_budget: 2000\n",
			expectBudget:    2000,
			expectConc:      2,
			expectProviders: 1,
		},
		{
			name:          "Agent routed to added provider",
			globalFile:    "global.yml",
			globalContent: "providers:\n  local:\n    command: my-agent\n    model: small\nagents:\n  Sparky:\n    provider: local\n",
			expectBudget:  500000,
			expectConc:    1,
			// claude default plus local
			expectProviders: 2,
			checkAgent:      "Sparky",
			expectCommand:   "my-agent",
			expectModel:     "small",
		},
		{
			name:            "Agent model overrides provider model",
			projectFile:     "project.json",
			projectContent:  `{"providers": {"claude": {"command": "claude", "model": "sonnet"}}, "agents": {"Checkers": {"model": "opus"}}}`,
			expectBudget:    500000,
			expectConc:      1,
			expectProviders: 1,
			checkAgent:      "Checkers",
			expectCommand:   "claude",
			expectModel:     "opus",
		},
		{
			name:           "Unknown provider is rejected",
			projectFile:    "project.json",
			projectContent: `{"agents": {"Sparky": {"provider": "missing"}}}`,
			expectError:    true,
		},
		{
			name:           "Invalid warning ratio is rejected",
			projectFile:    "project.json",
			projectContent: `{"warning_ratio": 1.5}`,
			expectError:    true,
		},
		{
			name:          "Malformed file is an error",
			globalFile:    "global.json",
			globalContent: `{not json`,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			var globalPath, projectPath string
			if tt.globalFile != "" {
				globalPath = writeFile(t, dir, tt.globalFile, tt.globalContent)
			}
			if tt.projectFile != "" {
				projectPath = writeFile(t, dir, tt.projectFile, tt.projectContent)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if cfg.MaxBudget != tt.expectBudget {
				t.Errorf("Expected budget %d, got %d", tt.expectBudget, cfg.MaxBudget)
			}
			if cfg.Concurrency != tt.expectConc {
				t.Errorf("Expected concurrency %d, got %d", tt.expectConc, cfg.Concurrency)
			}
			if len(cfg.Providers) != tt.expectProviders {
				t.Errorf("Expected %d providers, got %d", tt.expectProviders, len(cfg.Providers))
			}
			if tt.checkAgent != "" {
				p, model := cfg.ProviderFor(tt.checkAgent)
				if p.Command != tt.expectCommand {
					t.Errorf("Expected command %q for %s, got %q", tt.expectCommand, tt.checkAgent, p.Command)
				}
				if model != tt.expectModel {
					t.Errorf("Expected model %q for %s, got %q", tt.expectModel, tt.checkAgent, model)
				}
			}
		})
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.json"), filepath.Join(dir, "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing files should not be an error: %v", err)
	}
	if cfg.DefaultProvider != "claude" {
		t.Errorf("Expected default provider claude, got %q", cfg.DefaultProvider)
	}
}

func TestLoadDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	project := t.TempDir()

	if err := os.MkdirAll(filepath.Join(home, ".elisa"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(project, ".elisa"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(home, ".elisa"), "config.json", `{"max_budget": 42, "log_level": "debug"}`)
	writeFile(t, filepath.Join(project, ".elisa"), "config.yaml", "max_budget: 84\n")

	cfg, err := LoadDefault(project)
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.MaxBudget != 84 {
		t.Errorf("Expected project budget 84, got %d", cfg.MaxBudget)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected global log level debug, got %q", cfg.LogLevel)
	}
}

func TestProviderForUnknownAgent(t *testing.T) {
	cfg := DefaultConfig()
	p, model := cfg.ProviderFor("Nobody")
	if p.Command != "claude" {
		t.Errorf("Expected default provider command, got %q", p.Command)
	}
	if model != "" {
		t.Errorf("Expected empty model, got %q", model)
	}
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "ELISA_MAX_BUDGET=1234\nELISA_LOG_LEVEL=warn\n")

	// Real environment wins over the .env file
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvWorkspace, "/tmp/ws")
	t.Setenv(EnvModel, "haiku")
	t.Cleanup(func() { os.Unsetenv(EnvMaxBudget) })

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.MaxBudget != 1234 {
		t.Errorf("Expected budget from .env, got %d", cfg.MaxBudget)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("Expected environment to win over .env, got %q", cfg.LogLevel)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("Expected workspace override, got %q", cfg.Workspace)
	}
	if _, model := cfg.ProviderFor("anyone"); model != "haiku" {
		t.Errorf("Expected model override, got %q", model)
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	t.Setenv(EnvMaxBudget, "lots")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("Expected error for non-numeric budget")
	}
}

func TestLoadTestsConfig(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "project.yaml", "tests:\n  enabled: false\n  args: [\"-m\", \"pytest\", \"-q\"]\n")

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tests.Enabled {
		t.Error("Expected tests to be disabled")
	}
	if cfg.Tests.Command != "python3" {
		t.Errorf("Expected default command to survive the merge, got %q", cfg.Tests.Command)
	}
	if len(cfg.Tests.Args) != 3 {
		t.Errorf("Expected 3 args, got %v", cfg.Tests.Args)
	}

	bad := writeFile(t, dir, "bad.yaml", "tests:\n  timeout_seconds: -1\n")
	if _, err := Load("", bad); err == nil {
		t.Error("Expected error for negative test timeout")
	}
}
