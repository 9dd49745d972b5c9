// Package cli wires flags, workspace config and the serve loop into the
// devit-mcpd binary.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devit-tools/devit-mcpd/internal/broker"
	"github.com/devit-tools/devit-mcpd/internal/config"
	"github.com/devit-tools/devit-mcpd/internal/paths"
)

// Version is stamped by the release build.
var Version = "0.1.0"

type rootFlags struct {
	workspace string

	yes     bool
	profile string

	sandboxKind string
	net         string
	cpuSecs     int
	memMB       int
	timeoutSecs int
	envAllow    string

	maxRuntimeSecs int
	maxCallsPerMin int
	cooldownMS     int
	maxJSONKB      int

	secretsScan       bool
	redactPlaceholder string

	devitBin     string
	pluginBin    string
	childDumpDir string

	noAudit    bool
	policyDump bool
}

// Run is the binary entry point. Returns the process exit code.
func Run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
		return broker.ExitBadUsage
	}
	return exitCode
}

// exitCode carries the serve loop's result out of cobra's Run hooks.
var exitCode int

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "devit-mcpd",
		Short:         "Policy-enforcing MCP broker over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := serve(flags)
			exitCode = code
			return err
		},
	}

	f := root.Flags()
	f.StringVar(&flags.workspace, "workspace", ".", "workspace root holding .devit/")
	f.BoolVar(&flags.yes, "yes", false, "auto-approve tools whose policy honors it")
	f.StringVar(&flags.profile, "profile", "", "policy profile: safe, std or danger")
	f.StringVar(&flags.sandboxKind, "sandbox", "", "isolation mechanism: bwrap or none")
	f.StringVar(&flags.net, "net", "", "child network access: off or full")
	f.IntVar(&flags.cpuSecs, "cpu-secs", 0, "child CPU limit in seconds")
	f.IntVar(&flags.memMB, "mem-mb", 0, "child memory limit in MiB")
	f.IntVar(&flags.timeoutSecs, "timeout-secs", 0, "per-child timeout in seconds")
	f.StringVar(&flags.envAllow, "env-allow", "", "comma-separated env vars passed to children")
	f.IntVar(&flags.maxRuntimeSecs, "max-runtime-secs", 0, "watchdog deadline in seconds (0 disables)")
	f.IntVar(&flags.maxCallsPerMin, "max-calls-per-min", 0, "per-tool sliding window limit")
	f.IntVar(&flags.cooldownMS, "cooldown-ms", 0, "minimum gap between accepted calls")
	f.IntVar(&flags.maxJSONKB, "max-json-kb", 0, "inbound frame size cap in KiB")
	f.BoolVar(&flags.secretsScan, "secrets-scan", false, "enable the generic long-token redaction rule")
	f.StringVar(&flags.redactPlaceholder, "redact-placeholder", "", "replacement string for masked secrets")
	f.StringVar(&flags.devitBin, "devit-bin", "", "path to the patch/commit CLI")
	f.StringVar(&flags.pluginBin, "devit-plugin-bin", "", "path to the plugin runner")
	f.StringVar(&flags.childDumpDir, "child-dump-dir", "", "save raw child streams here for diagnosis")
	f.BoolVar(&flags.noAudit, "no-audit", false, "disable the signed journal")
	f.BoolVar(&flags.policyDump, "policy-dump", false, "print the effective policy JSON and exit")

	root.AddCommand(newVerifyCommand())
	return root
}

// serve merges config under flags and runs the loop. The returned error is
// only for usage-class failures (exit 64); runtime failures map to the
// exit code directly.
func serve(flags *rootFlags) (int, error) {
	layout := paths.Layout{Workspace: flags.workspace}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		return broker.ExitBadUsage, err
	}

	opts, err := buildOptions(flags, cfg)
	if err != nil {
		return broker.ExitBadUsage, err
	}

	srv, err := broker.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: %v\n", err)
		return broker.ExitFatal, nil
	}
	defer srv.Close()

	if flags.policyDump {
		data, err := json.MarshalIndent(srv.PolicyDump(), "", "  ")
		if err != nil {
			return broker.ExitFatal, nil
		}
		fmt.Println(string(data))
		return broker.ExitClean, nil
	}

	return srv.Serve(os.Stdin, os.Stdout), nil
}

// buildOptions applies precedence: flags beat config beats defaults.
func buildOptions(flags *rootFlags, cfg *config.Config) (broker.Options, error) {
	opts := broker.Options{
		Workspace: flags.workspace,
		Version:   "devit-mcpd/" + Version,

		Yes:     flags.yes,
		Profile: firstNonEmpty(flags.profile, cfg.MCP.Profile),

		SandboxKind: firstNonEmpty(flags.sandboxKind, cfg.Sandbox.Kind),
		Net:         firstNonEmpty(flags.net, cfg.Sandbox.Net),
		CPUSecs:     firstNonZero(flags.cpuSecs, cfg.Sandbox.CPUSecs),
		MemMiB:      firstNonZero(flags.memMB, cfg.Sandbox.MemMiB),
		TimeoutSecs: firstNonZero(flags.timeoutSecs, cfg.Sandbox.TimeoutSecs, timeoutFromEnv()),

		MaxRuntimeSecs: flags.maxRuntimeSecs,
		MaxCallsPerMin: flags.maxCallsPerMin,
		CooldownMS:     flags.cooldownMS,
		MaxJSONKB:      flags.maxJSONKB,

		SecretsScan:       flags.secretsScan || (cfg.Secrets.Scan != nil && *cfg.Secrets.Scan),
		RedactPlaceholder: firstNonEmpty(flags.redactPlaceholder, cfg.Secrets.Placeholder),
		SecretPatterns:    cfg.Secrets.Patterns,

		DevitBin:     flags.devitBin,
		PluginBin:    flags.pluginBin,
		ChildDumpDir: flags.childDumpDir,

		NoAudit: flags.noAudit,

		Overrides: cfg.MCP.Approvals,
	}

	if flags.envAllow != "" {
		for _, name := range strings.Split(flags.envAllow, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.EnvAllow = append(opts.EnvAllow, name)
			}
		}
	} else {
		opts.EnvAllow = cfg.Sandbox.EnvAllow
	}

	return opts, nil
}

// timeoutFromEnv honors the external tool contract's TIMEOUT_SECS.
func timeoutFromEnv() int {
	v := os.Getenv("TIMEOUT_SECS")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return secs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
