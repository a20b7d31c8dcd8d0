package sandbox

import (
	"path/filepath"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Network != NetworkDeny {
		t.Fatalf("expected default network policy to deny, got %q", p.Network)
	}
	if p.MaxFileSizeBytes == 0 || p.MaxProcesses == 0 {
		t.Fatalf("expected non-zero default rlimits, got %+v", p)
	}
}

func TestPolicyResolveDefaultsWorkspace(t *testing.T) {
	p := Policy{}.Resolve("/workspace")
	if len(p.ReadWritePaths) != 1 || p.ReadWritePaths[0] != "/workspace" {
		t.Fatalf("expected workspace as default read-write path, got %v", p.ReadWritePaths)
	}
}

func TestPolicyResolveSubtractsDenyPaths(t *testing.T) {
	p := Policy{
		ReadOnlyPaths:  []string{"/workspace/data", "/workspace/secrets"},
		ReadWritePaths: []string{"/workspace"},
		DenyPaths:      []string{"/workspace/secrets"},
	}.Resolve("/workspace")

	for _, ro := range p.ReadOnlyPaths {
		if ro == filepath.Clean("/workspace/secrets") {
			t.Fatalf("expected denied path to be subtracted from read-only paths, got %v", p.ReadOnlyPaths)
		}
	}
	found := false
	for _, ro := range p.ReadOnlyPaths {
		if ro == filepath.Clean("/workspace/data") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /workspace/data to remain read-only, got %v", p.ReadOnlyPaths)
	}
}

func TestPolicyResolveKeepsExplicitReadWritePaths(t *testing.T) {
	p := Policy{ReadWritePaths: []string{"/tmp/scratch"}}.Resolve("/workspace")
	if len(p.ReadWritePaths) != 1 || p.ReadWritePaths[0] != filepath.Clean("/tmp/scratch") {
		t.Fatalf("expected explicit read-write path to be preserved, got %v", p.ReadWritePaths)
	}
}

func TestPolicyDescribe(t *testing.T) {
	p := DefaultPolicy()
	desc := p.Describe()
	if desc == "" {
		t.Fatal("expected non-empty description")
	}
}

func TestNewRunnerReportsAvailability(t *testing.T) {
	r := NewRunner(DefaultPolicy())
	if r == nil {
		t.Fatal("expected non-nil runner")
	}
	// Availability depends on the host kernel; just confirm Hook never panics
	// regardless of the outcome.
	hook := r.Hook()
	if hook == nil {
		t.Fatal("expected non-nil hook")
	}
}
