package sandbox

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestNoneRunnerCapturesOutput(t *testing.T) {
	r := &noneRunner{degradedOK: true}
	res, err := r.Run(Spec{
		Argv:    []string{"/bin/sh", "-c", "printf hi; printf err >&2"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Stdout) != "hi" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hi")
	}
	if string(res.Stderr) != "err" {
		t.Fatalf("stderr = %q, want %q", res.Stderr, "err")
	}
	if res.ExitCode != 0 || res.TimedOut || res.Truncated {
		t.Fatalf("result = %+v", res)
	}
}

func TestNoneRunnerRefusesNetOffWithoutOptIn(t *testing.T) {
	r := &noneRunner{degradedOK: false}
	_, err := r.Run(Spec{Argv: []string{"/bin/true"}, Net: NetOff})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUnavailable", err)
	}
}

func TestTimeoutKillsChild(t *testing.T) {
	r := &noneRunner{degradedOK: true}
	start := time.Now()
	res, err := r.Run(Spec{
		Argv:    []string{"/bin/sh", "-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Fatal("result not flagged TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("kill took %v", elapsed)
	}
}

func TestExitCode124NormalizedToTimeout(t *testing.T) {
	r := &noneRunner{degradedOK: true}
	res, err := r.Run(Spec{
		Argv:    []string{"/bin/sh", "-c", "exit 124"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Fatal("exit 124 not normalized to timeout")
	}
}

func TestEnvFiltered(t *testing.T) {
	t.Setenv("SANDBOX_ALLOWED", "yes")
	t.Setenv("SANDBOX_SECRET", "no")

	r := &noneRunner{degradedOK: true}
	res, err := r.Run(Spec{
		Argv:     []string{"/bin/sh", "-c", "printf '%s-%s' \"$SANDBOX_ALLOWED\" \"$SANDBOX_SECRET\""},
		EnvAllow: []string{"SANDBOX_ALLOWED"},
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Stdout) != "yes-" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "yes-")
	}
}

func TestTruncationFlagged(t *testing.T) {
	r := &noneRunner{degradedOK: true}
	res, err := r.Run(Spec{
		Argv:    []string{"/bin/sh", "-c", "head -c 2097152 /dev/zero"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Truncated {
		t.Fatal("oversize output not flagged truncated")
	}
	if len(res.Stdout) != captureLimit {
		t.Fatalf("stdout length = %d, want %d", len(res.Stdout), captureLimit)
	}
}

func TestAllowedEnv(t *testing.T) {
	name, ok := AllowedEnv([]string{"PATH", "HOME"}, map[string]string{"PATH": "/bin"})
	if !ok || name != "" {
		t.Fatalf("AllowedEnv() = (%q, %v)", name, ok)
	}
	name, ok = AllowedEnv([]string{"PATH"}, map[string]string{"AWS_SECRET_ACCESS_KEY": "x"})
	if ok || name != "AWS_SECRET_ACCESS_KEY" {
		t.Fatalf("AllowedEnv() = (%q, %v), want denial", name, ok)
	}
}

func TestSelectFallsBackWhenBwrapMissing(t *testing.T) {
	old := lookPathFn
	lookPathFn = func(string) (string, error) { return "", os.ErrNotExist }
	defer func() { lookPathFn = old }()

	r, err := Select("bwrap", false)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if r.Name() != "none" {
		t.Fatalf("Select() runner = %q, want degraded none", r.Name())
	}
	if _, err := r.Run(Spec{Argv: []string{"/bin/true"}, Net: NetOff}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("degraded net=off error = %v, want ErrUnavailable", err)
	}
}

func TestSelectRejectsUnknownKind(t *testing.T) {
	if _, err := Select("jail", false); err == nil {
		t.Fatal("Select(jail) accepted")
	}
}
