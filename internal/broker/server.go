// Package broker drives a devit-mcpd session: a single cooperative loop
// reading one frame at a time from stdin, consulting policy, approvals,
// quotas and the watchdog, executing children under the sandbox, and
// journaling every request before its response leaves the process.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devit-tools/devit-mcpd/internal/approval"
	"github.com/devit-tools/devit-mcpd/internal/child"
	"github.com/devit-tools/devit-mcpd/internal/config"
	"github.com/devit-tools/devit-mcpd/internal/journal"
	"github.com/devit-tools/devit-mcpd/internal/paths"
	"github.com/devit-tools/devit-mcpd/internal/policy"
	"github.com/devit-tools/devit-mcpd/internal/ratelimit"
	"github.com/devit-tools/devit-mcpd/internal/redact"
	"github.com/devit-tools/devit-mcpd/internal/registry"
	"github.com/devit-tools/devit-mcpd/internal/sandbox"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

// Exit codes of the broker process.
const (
	ExitClean    = 0
	ExitFatal    = 2
	ExitBadUsage = 64
)

// Options collect everything the flags and config decide. Zero values get
// the documented defaults in New.
type Options struct {
	Workspace string
	Version   string

	Yes       bool
	Profile   string
	Overrides map[string]string

	SandboxKind string
	Net         string
	CPUSecs     int
	MemMiB      int
	TimeoutSecs int
	EnvAllow    []string

	MaxRuntimeSecs int
	MaxCallsPerMin int
	CooldownMS     int
	MaxJSONKB      int

	SecretsScan       bool
	RedactPlaceholder string
	SecretPatterns    []config.SecretPattern

	DevitBin     string
	PluginBin    string
	ChildDumpDir string

	NoAudit bool
}

// childInvoker is the slice of the child package the handlers need; tests
// substitute a fake.
type childInvoker interface {
	ToolList() (json.RawMessage, *wire.Error)
	ToolCall(args json.RawMessage, extraEnv map[string]string) (json.RawMessage, *wire.Error)
	PluginInvoke(id, manifest string, args json.RawMessage) (json.RawMessage, *wire.Error)
}

// Server owns all session state. Nothing here is package-global; every
// handler receives the server explicitly.
type Server struct {
	opts   Options
	layout paths.Layout

	reg     *registry.Registry
	engine  *policy.Engine
	store   *approval.Store
	limiter *ratelimit.Limiter
	jnl     *journal.Journal
	red     *redact.Redactor
	runner  sandbox.Runner
	inv     childInvoker

	sessionID  string
	started    time.Time
	deadline   time.Time // zero disables the watchdog
	handshaken bool
	failed     map[string]bool // tools with a prior structured failure

	now func() time.Time
}

// New wires a server from options merged with the workspace config.
func New(opts Options) (*Server, error) {
	applyDefaults(&opts)

	profile, err := policy.ParseProfile(opts.Profile)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]policy.Mode, len(opts.Overrides))
	for tool, mode := range opts.Overrides {
		m, err := policy.ParseMode(mode)
		if err != nil {
			return nil, fmt.Errorf("approval override for %s: %w", tool, err)
		}
		overrides[tool] = m
	}
	engine, err := policy.NewEngine(profile, overrides)
	if err != nil {
		return nil, err
	}

	runner, err := sandbox.Select(opts.SandboxKind, opts.SandboxKind == "none")
	if err != nil {
		return nil, err
	}

	var rules []redact.Rule
	for _, p := range opts.SecretPatterns {
		placeholder := p.Replace
		if placeholder == "" {
			placeholder = opts.RedactPlaceholder
		}
		rule, err := redact.CompileRule(p.Name, p.Regex, placeholder)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	red := redact.New(opts.RedactPlaceholder, rules...)
	red.SetAggressive(opts.SecretsScan)

	layout := paths.Layout{Workspace: opts.Workspace}
	var jnl *journal.Journal
	if !opts.NoAudit {
		jnl, err = journal.Open(layout.JournalFile(), layout.HMACKeyFile())
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		opts:      opts,
		layout:    layout,
		reg:       registry.New(),
		engine:    engine,
		store:     approval.NewStore(),
		limiter:   ratelimit.New(ratelimit.Limits{MaxCallsPerMin: opts.MaxCallsPerMin, Cooldown: time.Duration(opts.CooldownMS) * time.Millisecond}),
		jnl:       jnl,
		red:       red,
		runner:    runner,
		sessionID: uuid.NewString(),
		failed:    make(map[string]bool),
		now:       time.Now,
	}
	s.inv = child.New(child.Options{
		DevitBin:  opts.DevitBin,
		PluginBin: opts.PluginBin,
		Runner:    runner,
		EnvAllow:  opts.EnvAllow,
		CPUSecs:   opts.CPUSecs,
		MemMiB:    opts.MemMiB,
		Net:       sandbox.Net(opts.Net),
		Timeout:   time.Duration(opts.TimeoutSecs) * time.Second,
		Cwd:       opts.Workspace,
		DumpDir:   opts.ChildDumpDir,
	})
	s.registerBuiltins()
	return s, nil
}

func applyDefaults(opts *Options) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if opts.Version == "" {
		opts.Version = "devit-mcpd/0.1.0"
	}
	if opts.Profile == "" {
		opts.Profile = string(policy.ProfileStd)
	}
	if opts.SandboxKind == "" {
		opts.SandboxKind = "bwrap"
	}
	if opts.Net == "" {
		opts.Net = string(sandbox.NetOff)
	}
	if opts.CPUSecs == 0 {
		opts.CPUSecs = 5
	}
	if opts.MemMiB == 0 {
		opts.MemMiB = 512
	}
	if opts.TimeoutSecs == 0 {
		opts.TimeoutSecs = 30
	}
	if opts.MaxCallsPerMin == 0 {
		opts.MaxCallsPerMin = 60
	}
	if opts.MaxJSONKB == 0 {
		opts.MaxJSONKB = 64
	}
	if opts.RedactPlaceholder == "" {
		opts.RedactPlaceholder = redact.DefaultPlaceholder
	}
}

// Close releases the journal.
func (s *Server) Close() {
	if s.jnl != nil {
		_ = s.jnl.Close()
	}
}

// PolicyDump renders the effective policy for --policy-dump and
// server.policy.
func (s *Server) PolicyDump() map[string]any {
	dump := s.engine.Dump()
	dump["server"] = map[string]any{"name": "devit-mcpd", "version": s.opts.Version}
	dump["limits"] = map[string]any{
		"max_calls_per_min": s.opts.MaxCallsPerMin,
		"max_json_kb":       s.opts.MaxJSONKB,
		"cooldown_ms":       s.opts.CooldownMS,
	}
	dump["audit"] = map[string]any{
		"enabled": s.jnl != nil,
		"path":    s.layout.JournalFile(),
	}
	dump["sandbox"] = map[string]any{
		"kind": s.runner.Name(),
		"net":  s.opts.Net,
	}
	dump["descriptors"] = s.reg.Descriptors()
	return dump
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// journalRecord appends one record, stamping the session id. A double
// write failure is fatal for the caller.
func (s *Server) journalRecord(rec journal.Record) error {
	if s.jnl == nil {
		return nil
	}
	if rec.Extra == nil {
		rec.Extra = map[string]any{}
	}
	rec.Extra["session"] = s.sessionID
	rec.TS = s.timestamp()
	return s.jnl.Append(rec)
}
