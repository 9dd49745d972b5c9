package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "devit.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MCP.Profile != "" || len(cfg.MCP.Approvals) != 0 {
		t.Fatalf("Load() on missing file = %+v, want zero config", cfg)
	}
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devit.toml")
	content := `
[mcp]
profile = "safe"

[mcp.approvals]
"devit.tool_call" = "on_request"
"plugin.invoke" = "untrusted"

[secrets]
scan = true
placeholder = "<cut>"

[[secrets.patterns]]
name = "acme"
regex = 'acme_[0-9]{6}'
replace = "<acme>"

[sandbox]
kind = "bwrap"
net = "off"
cpu_secs = 3
mem_mb = 256
timeout_secs = 10
env_allow = ["PATH", "HOME"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MCP.Profile != "safe" {
		t.Fatalf("profile = %q", cfg.MCP.Profile)
	}
	if cfg.MCP.Approvals["devit.tool_call"] != "on_request" {
		t.Fatalf("approvals = %v", cfg.MCP.Approvals)
	}
	if cfg.Secrets.Scan == nil || !*cfg.Secrets.Scan {
		t.Fatal("secrets.scan not parsed")
	}
	if len(cfg.Secrets.Patterns) != 1 || cfg.Secrets.Patterns[0].Name != "acme" {
		t.Fatalf("patterns = %+v", cfg.Secrets.Patterns)
	}
	if cfg.Sandbox.MemMiB != 256 || len(cfg.Sandbox.EnvAllow) != 2 {
		t.Fatalf("sandbox = %+v", cfg.Sandbox)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devit.toml")
	if err := os.WriteFile(path, []byte("[mcp\nprofile"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted malformed TOML")
	}
}
