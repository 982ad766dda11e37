package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Keys absent from a file keep their earlier value. Missing files are not
// errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths:
// ~/.elisa/config.{yaml,yml,json} and .elisa/config.{yaml,yml,json} under
// projectDir. The first existing file of each layer wins.
func LoadDefault(projectDir string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(
		findConfig(filepath.Join(homeDir, ".elisa")),
		findConfig(filepath.Join(projectDir, ".elisa")),
	)
}

func findConfig(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// mergeConfigFile decodes path on top of base. YAML is used for .yaml and
// .yml files, JSON for everything else. Map entries are merged per key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.WarningRatio <= 0 || c.WarningRatio > 1 {
		return fmt.Errorf("warning_ratio must be in (0, 1], got %v", c.WarningRatio)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.AttemptReserve < 0 {
		return fmt.Errorf("attempt_reserve must not be negative, got %d", c.AttemptReserve)
	}
	if c.Tests.TimeoutSeconds < 0 {
		return fmt.Errorf("tests.timeout_seconds must not be negative, got %d", c.Tests.TimeoutSeconds)
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %q is not configured", c.DefaultProvider)
	}
	for name, a := range c.Agents {
		if a.Provider == "" {
			continue
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agent %q uses unknown provider %q", name, a.Provider)
		}
	}
	return nil
}

// Environment overrides.
const (
	EnvMaxBudget   = "ELISA_MAX_BUDGET"
	EnvWorkspace   = "ELISA_WORKSPACE"
	EnvListenAddr  = "ELISA_LISTEN_ADDR"
	EnvStorePath   = "ELISA_STORE_PATH"
	EnvLogLevel    = "ELISA_LOG_LEVEL"
	EnvConcurrency = "ELISA_CONCURRENCY"
	EnvModel       = "ELISA_MODEL"
)

// ApplyEnv loads envFiles (missing ones are skipped; existing variables are
// never overwritten) and applies ELISA_* overrides to c.
func (c *Config) ApplyEnv(envFiles ...string) error {
	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return fmt.Errorf("loading env files: %w", err)
		}
	}

	if v, ok := os.LookupEnv(EnvMaxBudget); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxBudget, err)
		}
		c.MaxBudget = n
	}
	if v, ok := os.LookupEnv(EnvConcurrency); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		c.Concurrency = n
	}
	if v, ok := os.LookupEnv(EnvWorkspace); ok {
		c.Workspace = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvStorePath); ok {
		c.StorePath = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvModel); ok {
		p := c.Providers[c.DefaultProvider]
		p.Model = v
		c.Providers[c.DefaultProvider] = p
	}
	return c.Validate()
}
