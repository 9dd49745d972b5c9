package sandbox

import (
	"errors"
	"os/exec"
	"strings"
)

// bwrapRunner wraps the child in bubblewrap. The filesystem is bound
// read-write at the workspace and read-only elsewhere; net=off unshares the
// network namespace.
type bwrapRunner struct{}

func (r *bwrapRunner) Name() string { return "bwrap" }

func (r *bwrapRunner) Run(spec Spec) (*Result, error) {
	argv := []string{
		"bwrap",
		"--die-with-parent",
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
	}
	if spec.Cwd != "" {
		argv = append(argv, "--bind", spec.Cwd, spec.Cwd, "--chdir", spec.Cwd)
	}
	if spec.Net == NetOff {
		argv = append(argv, "--unshare-net")
	}
	argv = append(argv, "--")
	argv = append(argv, spec.Argv...)

	cmd := exec.Command(argv[0], argv[1:]...)
	inner := spec
	inner.Cwd = "" // bwrap handles --chdir; the wrapper runs anywhere
	res, err := runBounded(cmd, inner)
	if err != nil {
		if errors.Is(err, ErrRlimit) {
			return nil, err
		}
		return nil, errors.Join(ErrBwrapExec, err)
	}
	// bwrap itself failing to set up reports on stderr with exit 1 before
	// the child ever runs.
	if res.ExitCode != 0 && len(res.Stdout) == 0 && strings.Contains(string(res.Stderr), "bwrap:") {
		return nil, ErrBwrapExec
	}
	return res, nil
}
