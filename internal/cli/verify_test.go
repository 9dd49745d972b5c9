package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devit-tools/devit-mcpd/internal/journal"
)

func TestVerifyCommandCleanJournal(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".devit")
	j, err := journal.Open(filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "hmac.key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.Append(journal.Record{TS: "t", Actor: "client", Action: "ping"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	j.Close()

	if code := Run([]string{"verify", "--workspace", ws}); code != 0 {
		t.Fatalf("Run(verify) = %d, want 0", code)
	}
}

func TestVerifyCommandMissingJournal(t *testing.T) {
	if code := Run([]string{"verify", "--workspace", t.TempDir()}); code != 0 {
		t.Fatalf("Run(verify) on empty workspace = %d, want 0", code)
	}
}

func TestVerifyCommandTamperedJournal(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".devit")
	j, err := journal.Open(filepath.Join(dir, "journal.jsonl"), filepath.Join(dir, "hmac.key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = j.Append(journal.Record{TS: "t", Actor: "client", Action: "ping"})
	j.Close()

	path := filepath.Join(dir, "journal.jsonl")
	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"action":"ping"`, `"action":"pung"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("tampering journal: %v", err)
	}

	if code := Run([]string{"verify", "--workspace", ws}); code != 2 {
		t.Fatalf("Run(verify) on tampered journal = %d, want 2", code)
	}
}
