package config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBudget:       500000,
		WarningRatio:    0.8,
		Concurrency:     1,
		DefaultProvider: "claude",
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude"},
		},
		Agents: map[string]AgentConfig{},
		Git: GitConfig{
			Enabled:     true,
			AuthorName:  "Elisa",
			AuthorEmail: "elisa@local",
		},
		Tests: TestsConfig{
			Enabled:        true,
			Command:        "python3",
			TimeoutSeconds: 120,
		},
		Permissions: PermissionsConfig{
			AllowedPaths:    []string{"src/", "tests/"},
			RestrictedPaths: []string{".elisa/", ".git/"},
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeoutSeconds:  30,
		},
		ListenAddr: "127.0.0.1:8765",
		LogLevel:   "info",
	}
}

// ProviderFor returns the provider and model an agent should run with.
// Unknown agents use the default provider.
func (c *Config) ProviderFor(agentName string) (ProviderConfig, string) {
	name := c.DefaultProvider
	model := ""
	if a, ok := c.Agents[agentName]; ok {
		if a.Provider != "" {
			name = a.Provider
		}
		model = a.Model
	}
	p := c.Providers[name]
	if model == "" {
		model = p.Model
	}
	return p, model
}
