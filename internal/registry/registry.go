// Package registry is the broker's dispatch table: tool name to handler,
// argument schema, approval default, and side-effect class. Argument
// schemas are compiled once at registration and validated before any
// policy or sandbox work happens.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/devit-tools/devit-mcpd/internal/policy"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

// SideEffects classes a tool for policy introspection.
type SideEffects string

const (
	EffectNone  SideEffects = "none"
	EffectRead  SideEffects = "read"
	EffectWrite SideEffects = "write"
	EffectExec  SideEffects = "exec"
)

// Call is one validated dispatch handed to a handler.
type Call struct {
	Tool string
	Args json.RawMessage
}

// Handler runs a tool and returns its payload or a tagged error.
type Handler func(call Call) (any, *wire.Error)

// Tool is one dispatch table entry.
type Tool struct {
	Name            string
	Description     string
	Schema          json.RawMessage
	ApprovalDefault policy.Mode
	SideEffects     SideEffects
	Handler         Handler

	compiled *jsonschema.Schema
}

// Registry maps tool names to entries, preserving registration order for
// capability listings.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's schema and adds it to the table.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return errors.New("registering tool with empty name")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q registered twice", t.Name)
	}
	if len(t.Schema) > 0 {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("devit-mcpd:///%s.schema.json", t.Name)
		if err := c.AddResource(url, strings.NewReader(string(t.Schema))); err != nil {
			return fmt.Errorf("tool %s schema: %w", t.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s schema compile: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ValidateArgs checks the call arguments against the tool's schema and
// reports the first violation as a schema_error.
func (t *Tool) ValidateArgs(args json.RawMessage) *wire.Error {
	if t.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return wire.NewError(wire.TagSchemaError, "path", "", "reason", err.Error())
	}
	if err := t.compiled.Validate(decoded); err != nil {
		path, reason := flattenValidation(err)
		return wire.NewError(wire.TagSchemaError, "path", path, "reason", reason)
	}
	return nil
}

// flattenValidation digs to the deepest cause for a usable path/reason
// pair.
func flattenValidation(err error) (string, string) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return "", err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr.InstanceLocation, verr.Message
}

// MCPTools renders the table as MCP tool descriptors for the capabilities
// payload.
func (r *Registry) MCPTools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, mcp.Tool{
			Name:           t.Name,
			Description:    t.Description,
			RawInputSchema: t.Schema,
		})
	}
	return out
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Descriptor is the introspection view of one table entry.
type Descriptor struct {
	Name            string      `json:"name"`
	ApprovalDefault policy.Mode `json:"approval_default"`
	SideEffects     SideEffects `json:"side_effects"`
}

// Descriptors lists tool metadata in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Descriptor{
			Name:            t.Name,
			ApprovalDefault: t.ApprovalDefault,
			SideEffects:     t.SideEffects,
		})
	}
	return out
}
