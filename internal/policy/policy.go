package policy

import (
	"fmt"
	"strings"
)

// Mode is the approval requirement for one tool.
type Mode string

const (
	Never     Mode = "never"
	OnRequest Mode = "on_request"
	OnFailure Mode = "on_failure"
	Untrusted Mode = "untrusted"
)

// Profile is a named preset binding tools to modes.
type Profile string

const (
	ProfileSafe   Profile = "safe"
	ProfileStd    Profile = "std"
	ProfileDanger Profile = "danger"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileSafe, ProfileStd, ProfileDanger:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown profile %q", s)
	}
}

// ParseMode validates an approval mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case Never, OnRequest, OnFailure, Untrusted:
		return Mode(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown approval mode %q", s)
	}
}

// presets bind the executing tools per profile. server.* tools are pinned
// to never and cannot be overridden; tools absent from the preset fall back
// to the profile default.
var presets = map[Profile]map[string]Mode{
	ProfileSafe: {
		"devit.tool_list": Never,
		"devit.tool_call": Untrusted,
		"plugin.invoke":   Untrusted,
		"echo":            Never,
	},
	ProfileStd: {
		"devit.tool_list": Never,
		"devit.tool_call": OnRequest,
		"plugin.invoke":   OnRequest,
		"echo":            Never,
	},
	ProfileDanger: {
		"devit.tool_list": Never,
		"devit.tool_call": OnFailure,
		"plugin.invoke":   OnFailure,
		"echo":            Never,
	},
}

var profileDefault = map[Profile]Mode{
	ProfileSafe:   Untrusted,
	ProfileStd:    OnRequest,
	ProfileDanger: OnFailure,
}

// Engine computes the effective mode per tool from a profile merged with
// config overrides. Overrides win, except for server.* tools.
type Engine struct {
	profile   Profile
	overrides map[string]Mode
}

// NewEngine builds an engine. Override keys for server.* tools are
// rejected rather than silently ignored.
func NewEngine(profile Profile, overrides map[string]Mode) (*Engine, error) {
	for tool := range overrides {
		if strings.HasPrefix(tool, "server.") {
			return nil, fmt.Errorf("approval override for %s: server tools are always %q", tool, Never)
		}
	}
	return &Engine{profile: profile, overrides: overrides}, nil
}

// Profile returns the active profile.
func (e *Engine) Profile() Profile { return e.profile }

// ModeFor returns the effective approval mode for a tool.
func (e *Engine) ModeFor(tool string) Mode {
	if strings.HasPrefix(tool, "server.") {
		return Never
	}
	if m, ok := e.overrides[tool]; ok {
		return m
	}
	if m, ok := presets[e.profile][tool]; ok {
		return m
	}
	return profileDefault[e.profile]
}

// Dump renders the effective policy for --policy-dump and server.policy.
func (e *Engine) Dump() map[string]any {
	tools := map[string]string{}
	for _, name := range []string{
		"devit.tool_list", "devit.tool_call", "plugin.invoke", "echo",
		"server.policy", "server.health", "server.stats", "server.stats.reset",
		"server.approve", "server.context_head",
	} {
		tools[name] = string(e.ModeFor(name))
	}
	for tool := range e.overrides {
		tools[tool] = string(e.ModeFor(tool))
	}

	return map[string]any{
		"profile": string(e.profile),
		"default": string(profileDefault[e.profile]),
		"tools":   tools,
	}
}
