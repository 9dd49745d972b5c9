package paths

import (
	"path/filepath"
	"time"
)

// Layout resolves every path under a workspace's .devit directory.
// The broker only ever writes the journal and the HMAC key; attestations,
// plugins and the context index are produced by the patch CLI and read here.
type Layout struct {
	Workspace string
}

// DevitDir returns <workspace>/.devit.
func (l Layout) DevitDir() string {
	return filepath.Join(l.Workspace, ".devit")
}

// ConfigFile returns the path to devit.toml.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.DevitDir(), "devit.toml")
}

// JournalFile returns the path to the signed audit journal.
func (l Layout) JournalFile() string {
	return filepath.Join(l.DevitDir(), "journal.jsonl")
}

// HMACKeyFile returns the path to the journal MAC key.
func (l Layout) HMACKeyFile() string {
	return filepath.Join(l.DevitDir(), "hmac.key")
}

// AttestationsFile returns the attest.jsonl path for a given day.
func (l Layout) AttestationsFile(day time.Time) string {
	return filepath.Join(l.DevitDir(), "attestations", day.Format("20060102"), "attest.jsonl")
}

// PluginDir returns the artifact directory for a plugin id.
func (l Layout) PluginDir(id string) string {
	return filepath.Join(l.DevitDir(), "plugins", id)
}

// PluginManifest returns the manifest path for a plugin id.
func (l Layout) PluginManifest(id string) string {
	return filepath.Join(l.PluginDir(id), "manifest.toml")
}

// ContextIndexFile returns the context index written by the patch CLI.
func (l Layout) ContextIndexFile() string {
	return filepath.Join(l.DevitDir(), "index.json")
}
