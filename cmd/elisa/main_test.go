package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/elisa/internal/agentrunner"
	"github.com/aristath/elisa/internal/config"
	"github.com/aristath/elisa/internal/orchestrator"
	"github.com/aristath/elisa/internal/scheduler"
)

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// correctly terminates tracked processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := agentrunner.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "expected process to be killed")
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer

	opts, err := parseFlags([]string{"-workspace", "/tmp/ws", "-budget", "100", "plan.yaml"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws", opts.workspace)
	assert.Equal(t, 100, opts.maxBudget)
	assert.Equal(t, "plan.yaml", opts.planPath)

	_, err = parseFlags(nil, &stderr)
	assert.Error(t, err)
	assert.Contains(t, stderr.String(), "usage: elisa")
}

func TestBuildPolicyOverrides(t *testing.T) {
	p := buildPolicy(config.PermissionsConfig{SafeCommands: []string{"make test"}})
	assert.Equal(t, []string{"make test"}, p.SafeCommands)
	assert.Equal(t, orchestrator.NewPathPolicy().AllowedPaths, p.AllowedPaths)
}

func TestBreakerConfig(t *testing.T) {
	c := breakerConfig(config.BreakerConfig{ConsecutiveFailures: 2})
	assert.Equal(t, uint32(2), c.ConsecutiveFailures)
	assert.Equal(t, orchestrator.DefaultBreakerConfig().OpenTimeout, c.OpenTimeout)

	c = breakerConfig(config.BreakerConfig{OpenTimeoutSeconds: 7})
	assert.Equal(t, 7*time.Second, c.OpenTimeout)
}

func TestBuildTestRunnerUsesConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "test_loop.py"), []byte("def test_loop():\n    pass\n"), 0644))

	r := buildTestRunner(config.TestsConfig{
		Command: "sh",
		Args:    []string{"-c", "echo 'tests/test_loop.py::test_loop PASSED'"},
	}, zaptest.NewLogger(t))

	report, err := r.RunTests(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Total)
}

// fakeCLI writes a script that answers every prompt with a successful result
// naming the binary, so tests can see which provider ran.
func fakeCLI(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" +
		`echo '{"type":"result","subtype":"success","is_error":false,"result":"done by ` + name + `","usage":{"input_tokens":10,"output_tokens":5}}'` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestBuildRunnerRoutesAgents(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Providers["claude"] = config.ProviderConfig{Command: fakeCLI(t, dir, "default-cli")}
	cfg.Providers["local"] = config.ProviderConfig{Command: fakeCLI(t, dir, "local-cli")}
	cfg.Agents["Checkers"] = config.AgentConfig{Provider: "local"}

	agents := []*scheduler.Agent{
		{Name: "Sparky", Role: scheduler.RoleBuilder},
		{Name: "Checkers", Role: scheduler.RoleTester},
	}
	r := buildRunner(cfg, agents, agentrunner.NewProcessManager(), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), orchestrator.ExecuteOptions{TaskID: "t1", AgentName: "Sparky", WorkingDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "done by default-cli", res.Summary)

	res, err = r.Execute(context.Background(), orchestrator.ExecuteOptions{TaskID: "t2", AgentName: "Checkers", WorkingDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "done by local-cli", res.Summary)
}

func TestRunBuildsPlan(t *testing.T) {
	dir := t.TempDir()
	cli := fakeCLI(t, dir, "agent-cli")

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "git:\n  enabled: false\nproviders:\n  claude:\n    command: " + cli + "\nlog_level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	planPath := filepath.Join(dir, "plan.yaml")
	planYAML := `goal: a tiny game
agents:
  - name: Sparky
    role: builder
    persona: cheerful
tasks:
  - id: t1
    name: Build the loop
    description: Write the game loop
    agent_name: Sparky
  - id: t2
    name: Add scoring
    description: Keep score
    agent_name: Sparky
    dependencies: [t1]
`
	require.NoError(t, os.WriteFile(planPath, []byte(planYAML), 0644))

	workspace := filepath.Join(dir, "ws")
	var stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-config", cfgPath,
		"-workspace", workspace,
		"-listen", "-",
		planPath,
	}, &stderr)
	require.NoError(t, err, stderr.String())

	ctxFile, err := os.ReadFile(filepath.Join(workspace, ".elisa", "context", "nugget_context.md"))
	require.NoError(t, err)
	assert.Contains(t, string(ctxFile), "done by agent-cli")
	assert.FileExists(t, filepath.Join(workspace, ".elisa", "status", "current_state.json"))
}
