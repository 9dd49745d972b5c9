package broker

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/devit-tools/devit-mcpd/internal/approval"
	"github.com/devit-tools/devit-mcpd/internal/journal"
	"github.com/devit-tools/devit-mcpd/internal/policy"
	"github.com/devit-tools/devit-mcpd/internal/ratelimit"
	"github.com/devit-tools/devit-mcpd/internal/registry"
	"github.com/devit-tools/devit-mcpd/internal/sandbox"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

// approvalFamilies maps a tool to the outer approval key its tokens use.
// Tools outside these families can only be satisfied by --yes.
var approvalFamilies = map[string]string{
	"devit.tool_call": approval.KeyToolCall,
	"plugin.invoke":   approval.KeyPluginInvoke,
}

// dispatchToolCall runs one tool.call through size, registry, quota,
// schema, policy, and approval checks, executes the handler, and emits the
// redacted journal record and response in that order.
func (s *Server) dispatchToolCall(w io.Writer, payload wire.ToolCallPayload, extra map[string]any) bool {
	name := payload.Name

	tool, ok := s.reg.Lookup(name)
	if !ok {
		return s.finish(w, name, payload.Args, extra, nil,
			wire.NewError(wire.TagUnknownTool, "tool", name))
	}

	if err := s.limiter.Allow(name); err != nil {
		rerr := err.(*ratelimit.Err)
		if jerr := s.journalRecord(journal.Record{
			Actor:   "client",
			Action:  "rate.limit",
			Tool:    name,
			Outcome: rerr.Reason,
			Extra:   extra,
		}); jerr != nil {
			return s.journalFatal(jerr)
		}
		return s.respond(w, wire.Fail(wire.TypeToolError,
			wire.NewError(wire.TagRateLimited,
				"reason", rerr.Reason,
				"limit", rerr.Limit,
				"window_s", rerr.WindowS,
				"retry_after_ms", rerr.RetryAfterMS)))
	}

	if werr := tool.ValidateArgs(payload.Args); werr != nil {
		return s.finish(w, name, payload.Args, extra, nil, werr)
	}

	// Pre-dispatch gates specific to proxied execution.
	innerTool := ""
	if name == "devit.tool_call" {
		var args struct {
			Tool   string            `json:"tool"`
			DryRun bool              `json:"dry_run"`
			Env    map[string]string `json:"env"`
		}
		_ = json.Unmarshal(payload.Args, &args)
		innerTool = args.Tool

		if strings.HasPrefix(args.Tool, "server.") {
			return s.finish(w, name, payload.Args, extra, nil,
				wire.NewError(wire.TagServerToolProxyDenied, "tool", args.Tool))
		}
		if envName, ok := sandbox.AllowedEnv(s.opts.EnvAllow, args.Env); !ok {
			return s.finish(w, name, payload.Args, extra, nil,
				wire.NewError(wire.TagSecretsEnvDenied, "var", envName))
		}
		if args.DryRun {
			return s.finish(w, name, payload.Args, extra, nil,
				wire.NewError(wire.TagDryRun, "tool", args.Tool))
		}
	}
	if name == "plugin.invoke" {
		var args struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(payload.Args, &args)
		innerTool = args.ID
	}

	mode := s.engine.ModeFor(name)
	werr, fatal := s.checkApproval(name, innerTool, mode, extra)
	if fatal != nil {
		return s.journalFatal(fatal)
	}
	if werr != nil {
		return s.finish(w, name, payload.Args, extra, nil, werr)
	}

	result, werr := tool.Handler(registry.Call{Tool: name, Args: payload.Args})

	// on_failure: a structured failure arms the approval gate for the next
	// call of this tool; the failing call itself reports phase post.
	if werr != nil && mode == policy.OnFailure {
		s.failed[failureKey(name, innerTool)] = true
		if !s.opts.Yes {
			if jerr := s.journalRecord(journal.Record{
				Actor:      "client",
				Action:     "tool.call",
				Tool:       name,
				ArgsDigest: s.argsDigest(payload.Args),
				Outcome:    werr.Tag,
				Extra:      extra,
			}); jerr != nil {
				return s.journalFatal(jerr)
			}
			return s.respond(w, wire.Fail(wire.TypeToolError,
				wire.NewError(wire.TagApprovalRequired,
					"tool", name,
					"policy", string(mode),
					"phase", "post",
					"reason", werr.Tag)))
		}
	}
	if werr == nil {
		delete(s.failed, failureKey(name, innerTool))
	}

	return s.finish(w, name, payload.Args, extra, result, werr)
}

// checkApproval enforces the mode, consuming at most one token. The second
// return is a fatal journal failure: a consumption must be observed in the
// journal before the dispatch begins.
func (s *Server) checkApproval(name, innerTool string, mode policy.Mode, extra map[string]any) (*wire.Error, error) {
	honorYes := false
	reason := ""

	switch mode {
	case policy.Never:
		return nil, nil
	case policy.OnRequest:
		honorYes = true
	case policy.Untrusted:
		honorYes = false
	case policy.OnFailure:
		if !s.failed[failureKey(name, innerTool)] {
			return nil, nil
		}
		honorYes = true
		reason = "prior_failure"
	}

	if outer, ok := approvalFamilies[name]; ok {
		if hit, found := s.store.Consume(outer, innerTool); found {
			err := s.journalRecord(journal.Record{
				Actor:  "client",
				Action: "server.approve.consume",
				Tool:   name,
				Extra: mergeExtra(extra, map[string]any{
					"approval_key": hit.ApprovalKey,
					"name":         hit.Name,
					"hit":          string(hit.Scope),
				}),
			})
			return nil, err
		}
	}

	if honorYes && s.opts.Yes {
		return nil, nil
	}

	werr := wire.NewError(wire.TagApprovalRequired,
		"tool", name,
		"policy", string(mode),
		"phase", "pre")
	if reason != "" {
		werr.With("reason", reason)
	}
	return werr, nil
}

// finish journals the outcome and writes the response, redacting both.
func (s *Server) finish(w io.Writer, name string, args json.RawMessage, extra map[string]any, result any, werr *wire.Error) bool {
	outcome := "ok"
	if werr != nil {
		outcome = werr.Tag
	}
	if err := s.journalRecord(journal.Record{
		Actor:      "client",
		Action:     "tool.call",
		Tool:       name,
		ArgsDigest: s.argsDigest(args),
		Outcome:    outcome,
		Extra:      extra,
	}); err != nil {
		return s.journalFatal(err)
	}

	if werr != nil {
		return s.respond(w, wire.Fail(wire.TypeToolError, s.redactError(werr)))
	}
	return s.respond(w, wire.Result(wire.TypeToolResult, s.redactPayload(result)))
}

// redactPayload masks secrets in any handler result via a JSON round trip.
func (s *Server) redactPayload(result any) any {
	data, err := json.Marshal(result)
	if err != nil {
		return result
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return result
	}
	masked, _ := s.red.Value(decoded)
	return masked
}

func (s *Server) redactError(werr *wire.Error) *wire.Error {
	for k, v := range werr.Fields {
		if str, ok := v.(string); ok {
			masked, changed := s.red.String(k, str)
			if changed {
				werr.Fields[k] = masked
			}
		}
	}
	return werr
}

// argsDigest hashes the redacted canonical args so the journal never holds
// raw secrets.
func (s *Server) argsDigest(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	masked, _ := s.red.Bytes(args)
	return journal.Digest(masked)
}

func failureKey(name, innerTool string) string {
	if innerTool == "" {
		return name
	}
	return name + ":" + innerTool
}

func mergeExtra(base, add map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
