package approval

import "testing"

func TestOnceConsumedExactlyOnce(t *testing.T) {
	s := NewStore()
	if err := s.Grant("devit.tool_call:shell_exec", ScopeOnce); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	hit, ok := s.Consume(KeyToolCall, "shell_exec")
	if !ok {
		t.Fatal("first Consume() found no token")
	}
	if hit.ApprovalKey != "inner" || hit.Scope != ScopeOnce {
		t.Fatalf("hit = %+v", hit)
	}

	if _, ok := s.Consume(KeyToolCall, "shell_exec"); ok {
		t.Fatal("second Consume() matched a spent once token")
	}
}

func TestInnerBeatsOuter(t *testing.T) {
	s := NewStore()
	if err := s.Grant(KeyToolCall, ScopeSession); err != nil {
		t.Fatalf("Grant(outer) error = %v", err)
	}
	if err := s.Grant("devit.tool_call:shell_exec", ScopeOnce); err != nil {
		t.Fatalf("Grant(inner) error = %v", err)
	}

	hit, ok := s.Consume(KeyToolCall, "shell_exec")
	if !ok || hit.ApprovalKey != "inner" || hit.Scope != ScopeOnce {
		t.Fatalf("first hit = %+v ok=%v, want inner once", hit, ok)
	}

	hit, ok = s.Consume(KeyToolCall, "shell_exec")
	if !ok || hit.ApprovalKey != "outer" || hit.Scope != ScopeSession {
		t.Fatalf("second hit = %+v ok=%v, want outer session", hit, ok)
	}
}

func TestOnceBeatsSessionAcrossLevels(t *testing.T) {
	s := NewStore()
	_ = s.Grant("devit.tool_call:fmt", ScopeSession)
	_ = s.Grant(KeyToolCall, ScopeOnce)

	hit, ok := s.Consume(KeyToolCall, "fmt")
	if !ok || hit.ApprovalKey != "outer" || hit.Scope != ScopeOnce {
		t.Fatalf("hit = %+v, want outer once before inner session", hit)
	}
}

func TestSessionSurvivesConsumption(t *testing.T) {
	s := NewStore()
	_ = s.Grant(KeyToolCall, ScopeSession)

	for i := 0; i < 3; i++ {
		if _, ok := s.Consume(KeyToolCall, "anything"); !ok {
			t.Fatalf("Consume() #%d found no token", i+1)
		}
	}
}

func TestGrantAlwaysIdempotent(t *testing.T) {
	s := NewStore()
	_ = s.Grant(KeyToolCall, ScopeAlways)
	_ = s.Grant(KeyToolCall, ScopeAlways)

	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("Snapshot() length = %d, want 1", n)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"devit.tool_call", "devit.tool_call:shell_exec", "plugin.invoke", "plugin.invoke:echo-sum"} {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q) error = %v", name, err)
		}
	}
	for _, name := range []string{"", "server.approve", "devit.tool_call:", "shell_exec"} {
		if err := ValidateName(name); err == nil {
			t.Fatalf("ValidateName(%q) accepted", name)
		}
	}
}

func TestValidateScope(t *testing.T) {
	if _, err := ValidateScope("forever"); err == nil {
		t.Fatal("ValidateScope(forever) accepted")
	}
	if sc, err := ValidateScope("session"); err != nil || sc != ScopeSession {
		t.Fatalf("ValidateScope(session) = (%v, %v)", sc, err)
	}
}
