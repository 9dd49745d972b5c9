package sandbox

import (
	"os/exec"
)

// noneRunner executes the child directly. It offers rlimits and env
// filtering but no network isolation, so net=off is refused unless the
// caller opted into degraded mode.
type noneRunner struct {
	degradedOK bool
}

func (r *noneRunner) Name() string { return "none" }

func (r *noneRunner) Run(spec Spec) (*Result, error) {
	if spec.Net == NetOff && !r.degradedOK {
		return nil, ErrUnavailable
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	return runBounded(cmd, spec)
}
