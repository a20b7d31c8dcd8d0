//go:build !linux

package sandbox

import (
	"log/slog"
	"os/exec"
)

// Runner is the non-Linux stand-in for the rlimit/namespace sandbox. OS-level
// isolation for bash is Linux-only (RLIMIT_FSIZE/RLIMIT_NPROC plus
// CLONE_NEWNET/CLONE_NEWNS); on other platforms it always degrades to
// unsandboxed execution.
type Runner struct {
	policy Policy
	log    *slog.Logger
}

// NewRunner returns a Runner that is never available on this platform.
func NewRunner(policy Policy) *Runner {
	r := &Runner{policy: policy, log: slog.Default().With("component", "sandbox")}
	r.log.Warn("sandbox isolation unavailable on this platform, commands will run unsandboxed")
	return r
}

// Available always reports false outside Linux.
func (r *Runner) Available() bool { return false }

// Hook returns a no-op; there is nothing to attach to the command.
func (r *Runner) Hook() func(cmd *exec.Cmd) {
	return func(cmd *exec.Cmd) {}
}
