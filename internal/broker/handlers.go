package broker

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/devit-tools/devit-mcpd/internal/approval"
	"github.com/devit-tools/devit-mcpd/internal/child"
	"github.com/devit-tools/devit-mcpd/internal/journal"
	"github.com/devit-tools/devit-mcpd/internal/policy"
	"github.com/devit-tools/devit-mcpd/internal/registry"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

const defaultContextHeadLimit = 20

func mustRegister(reg *registry.Registry, t *registry.Tool) {
	if err := reg.Register(t); err != nil {
		panic(err)
	}
}

// registerBuiltins installs the dispatch table. Schemas are compiled here,
// at startup, so a bad built-in schema is a programming error, not a
// runtime one.
func (s *Server) registerBuiltins() {
	objSchema := func(body string) json.RawMessage {
		return json.RawMessage(body)
	}

	mustRegister(s.reg, &registry.Tool{
		Name:            "server.policy",
		Description:     "Effective approval policy, limits and audit settings",
		Schema:          objSchema(`{"type":"object","additionalProperties":false}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectNone,
		Handler:         func(registry.Call) (any, *wire.Error) { return s.PolicyDump(), nil },
	})

	mustRegister(s.reg, &registry.Tool{
		Name:            "server.health",
		Description:     "Broker liveness, journal state and attestation counts",
		Schema:          objSchema(`{"type":"object","additionalProperties":false}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectRead,
		Handler:         s.handleHealth,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:            "server.stats",
		Description:     "Per-tool call counters for the current session",
		Schema:          objSchema(`{"type":"object","additionalProperties":false}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectNone,
		Handler:         s.handleStats,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:            "server.stats.reset",
		Description:     "Clear the per-tool call counters",
		Schema:          objSchema(`{"type":"object","additionalProperties":false}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectNone,
		Handler: func(registry.Call) (any, *wire.Error) {
			s.limiter.Reset()
			return map[string]any{"reset": true}, nil
		},
	})

	mustRegister(s.reg, &registry.Tool{
		Name:        "server.approve",
		Description: "Grant an approval token for a later dispatch",
		Schema: objSchema(`{
			"type": "object",
			"properties": {
				"name":      {"type": "string"},
				"scope":     {"type": "string", "enum": ["once", "session", "always"]},
				"plugin_id": {"type": "string"},
				"reason":    {"type": "string"}
			},
			"required": ["name", "scope"],
			"additionalProperties": false
		}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectNone,
		Handler:         s.handleApprove,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:        "server.context_head",
		Description: "Head of the workspace context index",
		Schema: objSchema(`{
			"type": "object",
			"properties": {"limit": {"type": "integer", "minimum": 1, "maximum": 500}},
			"additionalProperties": false
		}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectRead,
		Handler:         s.handleContextHead,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:            "devit.tool_list",
		Description:     "List the tools exposed by the patch CLI",
		Schema:          objSchema(`{"type":"object","additionalProperties":false}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectRead,
		Handler: func(registry.Call) (any, *wire.Error) {
			out, werr := s.invoker().ToolList()
			if werr != nil {
				return nil, werr
			}
			return rawPayload(out), nil
		},
	})

	mustRegister(s.reg, &registry.Tool{
		Name:        "devit.tool_call",
		Description: "Execute a workspace tool through the patch CLI",
		Schema: objSchema(`{
			"type": "object",
			"properties": {
				"tool":    {"type": "string"},
				"args":    {"type": "object"},
				"env":     {"type": "object", "additionalProperties": {"type": "string"}},
				"dry_run": {"type": "boolean"}
			},
			"required": ["tool"],
			"additionalProperties": true
		}`),
		ApprovalDefault: policy.OnRequest,
		SideEffects:     registry.EffectExec,
		Handler:         s.handleToolCall,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:        "plugin.invoke",
		Description: "Invoke a workspace plugin through the plugin runner",
		Schema: objSchema(`{
			"type": "object",
			"properties": {
				"id":       {"type": "string"},
				"manifest": {"type": "string"},
				"args":     {}
			},
			"additionalProperties": false
		}`),
		ApprovalDefault: policy.OnRequest,
		SideEffects:     registry.EffectExec,
		Handler:         s.handlePluginInvoke,
	})

	mustRegister(s.reg, &registry.Tool{
		Name:        "echo",
		Description: "Echo a message back, demonstrating redaction",
		Schema: objSchema(`{
			"type": "object",
			"properties": {"msg": {"type": "string"}, "text": {"type": "string"}},
			"additionalProperties": true
		}`),
		ApprovalDefault: policy.Never,
		SideEffects:     registry.EffectNone,
		Handler: func(call registry.Call) (any, *wire.Error) {
			var args map[string]any
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &args); err != nil {
					return nil, wire.NewError(wire.TagSchemaError, "path", "", "reason", err.Error())
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			return args, nil
		},
	})
}

func (s *Server) handleHealth(registry.Call) (any, *wire.Error) {
	health := map[string]any{
		"ok":          true,
		"server":      "devit-mcpd",
		"version":     s.opts.Version,
		"uptime_s":    int(s.now().Sub(s.started).Seconds()),
		"sandbox":     s.runner.Name(),
		"handshaken":  s.handshaken,
		"journal":     map[string]any{"enabled": s.jnl != nil, "path": s.layout.JournalFile()},
		"attestation": s.attestationSummary(),
	}
	return health, nil
}

// attestationSummary reads today's attest.jsonl, written by the patch CLI
// and consumed here read-only.
func (s *Server) attestationSummary() map[string]any {
	path := s.layout.AttestationsFile(s.now().UTC())
	f, err := os.Open(path)
	if err != nil {
		return map[string]any{"path": path, "today": 0}
	}
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			count++
		}
	}
	return map[string]any{"path": path, "today": count}
}

func (s *Server) handleStats(registry.Call) (any, *wire.Error) {
	limits := s.limiter.Limits()
	return map[string]any{
		"uptime_s":       int(s.now().Sub(s.started).Seconds()),
		"tools":          s.limiter.Stats(),
		"approvals_held": len(s.store.Snapshot()),
		"limits": map[string]any{
			"max_calls_per_min": limits.MaxCallsPerMin,
			"cooldown_ms":       limits.Cooldown.Milliseconds(),
			"max_json_kb":       s.opts.MaxJSONKB,
		},
	}, nil
}

func (s *Server) handleApprove(call registry.Call) (any, *wire.Error) {
	var args struct {
		Name     string `json:"name"`
		Scope    string `json:"scope"`
		PluginID string `json:"plugin_id"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, wire.NewError(wire.TagSchemaError, "path", "", "reason", err.Error())
	}

	name := args.Name
	if args.PluginID != "" && name == approval.KeyPluginInvoke {
		name = name + ":" + args.PluginID
	}
	scope, err := approval.ValidateScope(args.Scope)
	if err != nil {
		return nil, wire.NewError(wire.TagSchemaError, "path", "/scope", "reason", err.Error())
	}
	if err := approval.ValidateName(name); err != nil {
		return nil, wire.NewError(wire.TagSchemaError, "path", "/name", "reason", err.Error())
	}
	if err := s.store.Grant(name, scope); err != nil {
		return nil, wire.NewError(wire.TagSchemaError, "path", "/name", "reason", err.Error())
	}

	rec := journal.Record{
		Actor:  "client",
		Action: "server.approve.grant",
		Tool:   "server.approve",
		Extra:  map[string]any{"name": name, "scope": string(scope)},
	}
	if args.Reason != "" {
		rec.Extra["reason"] = args.Reason
	}
	if err := s.journalRecord(rec); err != nil {
		return nil, wire.NewError(wire.TagJournalMACMismatch)
	}

	return map[string]any{"granted": true, "name": name, "scope": string(scope)}, nil
}

func (s *Server) handleContextHead(call registry.Call) (any, *wire.Error) {
	var args struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(call.Args, &args)
	limit := args.Limit
	if limit <= 0 {
		limit = defaultContextHeadLimit
	}

	data, err := os.ReadFile(s.layout.ContextIndexFile())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"entries": []any{}, "total": 0}, nil
		}
		return nil, wire.NewError(wire.TagNonZeroExit, "code", 1, "child_error", "context index unreadable")
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, wire.NewError(wire.TagChildInvalidJSON, "tail", tailString(data, 128))
	}

	entries := indexEntries(decoded)
	total := len(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return map[string]any{"entries": entries, "total": total}, nil
}

// indexEntries accepts either a top-level array or an object carrying a
// "files" array, the two shapes the patch CLI has produced.
func indexEntries(decoded any) []any {
	switch v := decoded.(type) {
	case []any:
		return v
	case map[string]any:
		if files, ok := v["files"].([]any); ok {
			return files
		}
		entries := make([]any, 0, len(v))
		for key := range v {
			entries = append(entries, key)
		}
		return entries
	default:
		return nil
	}
}

func (s *Server) handleToolCall(call registry.Call) (any, *wire.Error) {
	var args struct {
		Env map[string]string `json:"env"`
	}
	_ = json.Unmarshal(call.Args, &args)

	out, werr := s.invoker().ToolCall(call.Args, args.Env)
	if werr != nil {
		return nil, werr
	}
	return rawPayload(out), nil
}

func (s *Server) handlePluginInvoke(call registry.Call) (any, *wire.Error) {
	var args struct {
		ID       string          `json:"id"`
		Manifest string          `json:"manifest"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, wire.NewError(wire.TagSchemaError, "path", "", "reason", err.Error())
	}
	if args.ID == "" && args.Manifest == "" {
		return nil, wire.NewError(wire.TagSchemaError, "path", "/id", "reason", "one of id or manifest is required")
	}

	manifest := args.Manifest
	if manifest == "" {
		// Resolve through the workspace plugin layout when present.
		if _, err := os.Stat(s.layout.PluginManifest(args.ID)); err == nil {
			manifest = s.layout.PluginManifest(args.ID)
		}
	}

	out, werr := s.invoker().PluginInvoke(args.ID, manifest, args.Args)
	if werr != nil {
		return nil, werr
	}
	return rawPayload(out), nil
}

// invoker returns the child invoker, clamped to the watchdog deadline so
// an in-flight child cannot outlive the drain grace.
func (s *Server) invoker() childInvoker {
	proc, ok := s.inv.(*child.Invoker)
	if !ok || s.deadline.IsZero() {
		return s.inv
	}
	remaining := s.deadline.Add(drainGrace).Sub(s.now())
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if remaining >= time.Duration(s.opts.TimeoutSecs)*time.Second {
		return s.inv
	}
	return proc.WithTimeout(remaining)
}

// rawPayload exposes a child's JSON value as the response payload.
func rawPayload(raw json.RawMessage) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return decoded
}

func tailString(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[len(data)-n:])
}
