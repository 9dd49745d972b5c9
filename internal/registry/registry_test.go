package registry

import (
	"encoding/json"
	"testing"

	"github.com/devit-tools/devit-mcpd/internal/policy"
	"github.com/devit-tools/devit-mcpd/internal/wire"
)

func echoTool(t *testing.T) *Tool {
	t.Helper()
	return &Tool{
		Name:        "echo",
		Description: "echo a message back",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"msg": {"type": "string"}},
			"required": ["msg"],
			"additionalProperties": false
		}`),
		ApprovalDefault: policy.Never,
		SideEffects:     EffectNone,
		Handler: func(call Call) (any, *wire.Error) {
			return map[string]any{"msg": "hi"}, nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(echoTool(t)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tool, ok := r.Lookup("echo")
	if !ok || tool.Name != "echo" {
		t.Fatalf("Lookup() = (%v, %v)", tool, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) succeeded")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	_ = r.Register(echoTool(t))
	if err := r.Register(echoTool(t)); err == nil {
		t.Fatal("second Register() accepted")
	}
}

func TestValidateArgs(t *testing.T) {
	r := New()
	_ = r.Register(echoTool(t))
	tool, _ := r.Lookup("echo")

	if werr := tool.ValidateArgs(json.RawMessage(`{"msg":"hello"}`)); werr != nil {
		t.Fatalf("valid args rejected: %v", werr)
	}

	werr := tool.ValidateArgs(json.RawMessage(`{"msg":42}`))
	if werr == nil || werr.Tag != wire.TagSchemaError {
		t.Fatalf("ValidateArgs() = %v, want schema_error", werr)
	}
	if werr.Fields["path"] == nil || werr.Fields["reason"] == nil {
		t.Fatalf("schema_error fields = %v", werr.Fields)
	}

	if werr := tool.ValidateArgs(json.RawMessage(`{}`)); werr == nil {
		t.Fatal("missing required msg accepted")
	}
}

func TestValidateArgsNoSchemaAcceptsAnything(t *testing.T) {
	r := New()
	_ = r.Register(&Tool{Name: "free", Handler: func(Call) (any, *wire.Error) { return nil, nil }})
	tool, _ := r.Lookup("free")
	if werr := tool.ValidateArgs(json.RawMessage(`{"whatever":[1,2]}`)); werr != nil {
		t.Fatalf("ValidateArgs() = %v", werr)
	}
}

func TestMCPToolsPreservesOrder(t *testing.T) {
	r := New()
	_ = r.Register(&Tool{Name: "b"})
	_ = r.Register(&Tool{Name: "a"})

	tools := r.MCPTools()
	if len(tools) != 2 || tools[0].Name != "b" || tools[1].Name != "a" {
		t.Fatalf("MCPTools() = %v", tools)
	}
}
