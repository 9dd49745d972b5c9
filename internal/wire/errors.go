package wire

import (
	"encoding/json"
	"sort"
)

// Stable error tags. Additional fields are allowed per tag; the tag names
// themselves never change.
const (
	TagInvalidJSON           = "invalid_json"
	TagSchemaError           = "schema_error"
	TagOversizedRequest      = "oversized_request"
	TagUnknownTool           = "unknown_tool"
	TagApprovalRequired      = "approval_required"
	TagServerToolProxyDenied = "server_tool_proxy_denied"
	TagDryRun                = "dry_run"
	TagSecretsEnvDenied      = "secrets_env_denied"
	TagRateLimited           = "rate_limited"
	TagShuttingDown          = "shutting_down"
	TagTimeout               = "timeout"
	TagNonZeroExit           = "non_zero_exit"
	TagChildInvalidJSON      = "child_invalid_json"
	TagTruncated             = "truncated"
	TagSandboxUnavailable    = "sandbox_unavailable"
	TagBwrapExecFailed       = "bwrap_exec_failed"
	TagRlimitSetFailed       = "rlimit_set_failed"
	TagJournalMACMismatch    = "journal_mac_mismatch"
	TagWatchdogExceeded      = "watchdog_exceeded"
)

// Error is a tagged protocol error. It marshals as {"<tag>":true, ...fields}.
type Error struct {
	Tag    string
	Fields map[string]any
}

// NewError builds a tagged error with optional key/value field pairs.
func NewError(tag string, kv ...any) *Error {
	e := &Error{Tag: tag}
	if len(kv) > 0 {
		e.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Fields[k] = kv[i+1]
		}
	}
	return e
}

// With returns e with one more field set.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

// MarshalJSON emits the tag as a boolean marker followed by the fields.
func (e *Error) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+1)
	m[e.Tag] = true
	for k, v := range e.Fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON recovers the tag by matching a known tag key set to true.
// Used by tests and the verify tooling; emission always goes through Marshal.
func (e *Error) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if b, ok := m[k].(bool); ok && b && knownTags[k] {
			e.Tag = k
			delete(m, k)
			break
		}
	}
	e.Fields = m
	return nil
}

var knownTags = map[string]bool{
	TagInvalidJSON: true, TagSchemaError: true, TagOversizedRequest: true,
	TagUnknownTool: true, TagApprovalRequired: true, TagServerToolProxyDenied: true,
	TagDryRun: true, TagSecretsEnvDenied: true, TagRateLimited: true,
	TagShuttingDown: true, TagTimeout: true, TagNonZeroExit: true,
	TagChildInvalidJSON: true, TagTruncated: true, TagSandboxUnavailable: true,
	TagBwrapExecFailed: true, TagRlimitSetFailed: true,
	TagJournalMACMismatch: true, TagWatchdogExceeded: true,
}
