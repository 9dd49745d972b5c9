// Package child speaks the external-executable contract: one JSON value on
// the child's stdin, one JSON value on its stdout, diagnostics on stderr.
// Two collaborators are driven this way: the patch/commit CLI (`devit`) and
// the plugin runner (`devit-plugin`).
package child

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devit-tools/devit-mcpd/internal/sandbox"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

// tailBytes is how much of a child's stdout tail goes into
// child_invalid_json payloads.
const tailBytes = 256

// Options configure the invoker once at startup.
type Options struct {
	DevitBin  string
	PluginBin string
	Runner    sandbox.Runner
	EnvAllow  []string
	CPUSecs   int
	MemMiB    int
	Net       sandbox.Net
	Timeout   time.Duration
	Cwd       string
	DumpDir   string // when set, raw child streams are saved for diagnosis
}

// Invoker runs the external collaborators under the sandbox.
type Invoker struct {
	opts Options
	seq  int
}

// New builds an invoker. Empty binary paths fall back to PATH lookups.
func New(opts Options) *Invoker {
	if opts.DevitBin == "" {
		opts.DevitBin = "devit"
	}
	if opts.PluginBin == "" {
		opts.PluginBin = "devit-plugin"
	}
	return &Invoker{opts: opts}
}

// WithTimeout returns a copy of the invoker with a tighter per-call
// timeout, used when the watchdog deadline is closer than the configured
// child timeout.
func (i *Invoker) WithTimeout(d time.Duration) *Invoker {
	c := *i
	c.opts.Timeout = d
	return &c
}

// ToolList runs `devit tool list`.
func (i *Invoker) ToolList() (json.RawMessage, *wire.Error) {
	return i.run("tool_list", []string{i.opts.DevitBin, "tool", "list"}, nil, nil)
}

// ToolCall runs `devit tool call - --json-only` with the request JSON on
// stdin. extraEnv has already been checked against the allowlist.
func (i *Invoker) ToolCall(args json.RawMessage, extraEnv map[string]string) (json.RawMessage, *wire.Error) {
	return i.run("tool_call", []string{i.opts.DevitBin, "tool", "call", "-", "--json-only"}, args, extraEnv)
}

// PluginInvoke runs the plugin runner for an id or an explicit manifest.
func (i *Invoker) PluginInvoke(id, manifest string, args json.RawMessage) (json.RawMessage, *wire.Error) {
	argv := []string{i.opts.PluginBin, "invoke"}
	if manifest != "" {
		argv = append(argv, "--manifest", manifest)
	} else {
		argv = append(argv, "--id", id)
	}
	return i.run("plugin_invoke", argv, args, nil)
}

func (i *Invoker) run(label string, argv []string, stdin json.RawMessage, extraEnv map[string]string) (json.RawMessage, *wire.Error) {
	spec := sandbox.Spec{
		Argv:     argv,
		Stdin:    stdin,
		EnvAllow: i.opts.EnvAllow,
		ExtraEnv: extraEnv,
		CPUSecs:  i.opts.CPUSecs,
		MemMiB:   i.opts.MemMiB,
		Net:      i.opts.Net,
		Timeout:  i.opts.Timeout,
		Cwd:      i.opts.Cwd,
	}

	res, err := i.opts.Runner.Run(spec)
	if err != nil {
		return nil, sandboxError(err)
	}
	i.dump(label, res)

	if res.TimedOut {
		return nil, wire.NewError(wire.TagTimeout, "timeout_secs", int(i.opts.Timeout/time.Second))
	}
	if res.ExitCode != 0 {
		werr := wire.NewError(wire.TagNonZeroExit, "code", res.ExitCode)
		if msg := parseChildError(res.Stderr); msg != "" {
			werr.With("child_error", msg)
		}
		return nil, werr
	}

	value, ok := lastJSONValue(res.Stdout)
	if !ok {
		return nil, wire.NewError(wire.TagChildInvalidJSON,
			"code", res.ExitCode,
			"tail", string(tail(res.Stdout, tailBytes)))
	}
	if res.Truncated {
		return nil, wire.NewError(wire.TagTruncated, "limit_bytes", 1<<20)
	}
	return value, nil
}

// dump saves raw child streams when --child-dump-dir is active.
func (i *Invoker) dump(label string, res *sandbox.Result) {
	if i.opts.DumpDir == "" {
		return
	}
	i.seq++
	base := filepath.Join(i.opts.DumpDir, fmt.Sprintf("%s-%03d", label, i.seq))
	if err := os.MkdirAll(i.opts.DumpDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "devit-mcpd: child dump dir: %v\n", err)
		return
	}
	_ = os.WriteFile(base+".stdout", res.Stdout, 0o600)
	_ = os.WriteFile(base+".stderr", res.Stderr, 0o600)
}

func sandboxError(err error) *wire.Error {
	switch {
	case errors.Is(err, sandbox.ErrUnavailable):
		return wire.NewError(wire.TagSandboxUnavailable)
	case errors.Is(err, sandbox.ErrBwrapExec):
		return wire.NewError(wire.TagBwrapExecFailed)
	case errors.Is(err, sandbox.ErrRlimit):
		return wire.NewError(wire.TagRlimitSetFailed)
	default:
		return wire.NewError(wire.TagNonZeroExit, "code", -1, "child_error", err.Error())
	}
}

// parseChildError pulls a structured message out of the child's stderr.
// The stderr text itself is never returned verbatim.
func parseChildError(stderr []byte) string {
	if v, ok := lastJSONValue(stderr); ok {
		var obj struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(v, &obj) == nil {
			if obj.Error != "" {
				return obj.Error
			}
			if obj.Message != "" {
				return obj.Message
			}
		}
	}
	return ""
}

// lastJSONValue scans data and returns the last complete top-level JSON
// object or array. Diagnostic noise around the value is skipped.
func lastJSONValue(data []byte) (json.RawMessage, bool) {
	var last json.RawMessage
	pos := 0
	for pos < len(data) {
		c := data[pos]
		if c != '{' && c != '[' {
			pos++
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(data[pos:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			pos++
			continue
		}
		last = raw
		pos += int(dec.InputOffset())
	}
	if last == nil {
		return nil, false
	}
	return last, true
}

func tail(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[len(data)-n:]
}
