package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the workspace-local broker configuration (.devit/devit.toml).
// CLI flags override anything set here.
type Config struct {
	MCP     MCPConfig     `toml:"mcp"`
	Secrets SecretsConfig `toml:"secrets"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

// MCPConfig selects the policy profile and per-tool approval overrides.
type MCPConfig struct {
	Profile   string            `toml:"profile"`
	Approvals map[string]string `toml:"approvals"`
}

// SecretsConfig tunes the redactor.
type SecretsConfig struct {
	Scan        *bool           `toml:"scan"`
	Placeholder string          `toml:"placeholder"`
	Patterns    []SecretPattern `toml:"patterns"`
}

// SecretPattern is one additional redaction rule.
type SecretPattern struct {
	Name    string `toml:"name"`
	Regex   string `toml:"regex"`
	Replace string `toml:"replace"`
}

// SandboxConfig provides sandbox defaults.
type SandboxConfig struct {
	Kind        string   `toml:"kind"` // "bwrap" or "none"
	Net         string   `toml:"net"`  // "off" or "full"
	CPUSecs     int      `toml:"cpu_secs"`
	MemMiB      int      `toml:"mem_mb"`
	TimeoutSecs int      `toml:"timeout_secs"`
	EnvAllow    []string `toml:"env_allow"`
}

// Load reads the config file at path. A missing file yields an empty
// config, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
