package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NetworkPolicy controls outbound network access for a sandboxed command.
type NetworkPolicy string

const (
	// NetworkDeny cuts off network access entirely via an unshared network
	// namespace, when the kernel supports unprivileged user namespaces.
	NetworkDeny NetworkPolicy = "deny"
	// NetworkProxy routes traffic through the configured HTTP(S) proxy
	// instead of cutting it off; the command still runs in its own mount
	// namespace but keeps network access.
	NetworkProxy NetworkPolicy = "proxy"
)

// Policy describes the OS-level isolation wrapper bash applies to a
// subprocess when a sandbox is available and enabled: resource rlimits, path
// allowances, and a network policy.
type Policy struct {
	// MaxOutputBytes caps combined stdout+stderr; enforced by the caller's
	// limited buffer, not by the sandbox itself.
	MaxOutputBytes int64
	// MaxFileSizeBytes is the per-file size rlimit (RLIMIT_FSIZE).
	MaxFileSizeBytes uint64
	// MaxProcesses is the process-count rlimit (RLIMIT_NPROC).
	MaxProcesses uint64
	// ReadOnlyPaths and ReadWritePaths are advisory: the sandbox does not
	// bind-mount a filesystem view (no root privileges assumed); they are
	// recorded so the bash tool's own path checks can enforce them.
	ReadOnlyPaths  []string
	ReadWritePaths []string
	// DenyPaths removes entries from ReadWritePaths/ReadOnlyPaths.
	DenyPaths []string
	// Network controls outbound access.
	Network NetworkPolicy
	// ProxyURL is used when Network is NetworkProxy.
	ProxyURL string
}

// DefaultPolicy returns conservative defaults: 10MB output, 50MB files, 64
// processes, network denied.
func DefaultPolicy() Policy {
	return Policy{
		MaxOutputBytes:   10 * 1024 * 1024,
		MaxFileSizeBytes: 50 * 1024 * 1024,
		MaxProcesses:     64,
		Network:          NetworkDeny,
	}
}

// Resolve subtracts DenyPaths from the allow lists and normalizes everything
// to absolute paths. workspace is prepended to ReadWritePaths when no
// read/write paths were configured, so a sandboxed command always has
// somewhere writable by default.
func (p Policy) Resolve(workspace string) Policy {
	resolved := p
	if len(resolved.ReadWritePaths) == 0 && workspace != "" {
		resolved.ReadWritePaths = []string{workspace}
	}
	resolved.ReadOnlyPaths = subtractPaths(absPaths(resolved.ReadOnlyPaths), absPaths(resolved.DenyPaths))
	resolved.ReadWritePaths = subtractPaths(absPaths(resolved.ReadWritePaths), absPaths(resolved.DenyPaths))
	return resolved
}

func absPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			out = append(out, abs)
		}
	}
	return out
}

func subtractPaths(paths, deny []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		denied := false
		for _, d := range deny {
			if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, p)
		}
	}
	return out
}

// Describe renders the active policy for diagnostics/logging.
func (p Policy) Describe() string {
	return fmt.Sprintf("network=%s max_file_size=%d max_procs=%d ro_paths=%d rw_paths=%d",
		p.Network, p.MaxFileSizeBytes, p.MaxProcesses, len(p.ReadOnlyPaths), len(p.ReadWritePaths))
}
