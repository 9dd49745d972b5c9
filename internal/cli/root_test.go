package cli

import (
	"testing"

	"github.com/devit-tools/devit-mcpd/internal/config"
)

func TestBuildOptionsFlagsBeatConfig(t *testing.T) {
	flags := &rootFlags{
		workspace:   "/ws",
		profile:     "danger",
		sandboxKind: "none",
		cooldownMS:  250,
	}
	cfg := &config.Config{}
	cfg.MCP.Profile = "safe"
	cfg.Sandbox.Kind = "bwrap"
	cfg.Sandbox.CPUSecs = 3

	opts, err := buildOptions(flags, cfg)
	if err != nil {
		t.Fatalf("buildOptions() error = %v", err)
	}
	if opts.Profile != "danger" {
		t.Fatalf("profile = %q, want flag to win", opts.Profile)
	}
	if opts.SandboxKind != "none" {
		t.Fatalf("sandbox = %q, want flag to win", opts.SandboxKind)
	}
	if opts.CPUSecs != 3 {
		t.Fatalf("cpu_secs = %d, want config fallback 3", opts.CPUSecs)
	}
	if opts.CooldownMS != 250 {
		t.Fatalf("cooldown_ms = %d", opts.CooldownMS)
	}
}

func TestBuildOptionsEnvAllowParsing(t *testing.T) {
	flags := &rootFlags{workspace: "/ws", envAllow: "PATH, HOME ,"}
	opts, err := buildOptions(flags, &config.Config{})
	if err != nil {
		t.Fatalf("buildOptions() error = %v", err)
	}
	if len(opts.EnvAllow) != 2 || opts.EnvAllow[0] != "PATH" || opts.EnvAllow[1] != "HOME" {
		t.Fatalf("env allow = %v", opts.EnvAllow)
	}
}

func TestBuildOptionsTimeoutEnvFallback(t *testing.T) {
	t.Setenv("TIMEOUT_SECS", "12")
	flags := &rootFlags{workspace: "/ws"}
	opts, err := buildOptions(flags, &config.Config{})
	if err != nil {
		t.Fatalf("buildOptions() error = %v", err)
	}
	if opts.TimeoutSecs != 12 {
		t.Fatalf("timeout_secs = %d, want env fallback 12", opts.TimeoutSecs)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	if code := Run([]string{"--definitely-not-a-flag"}); code != 64 {
		t.Fatalf("Run() = %d, want 64", code)
	}
}
