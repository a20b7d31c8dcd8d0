package security

import (
	"path/filepath"
	"strings"
)

// hardcodedProtectedSuffixes are filenames/suffixes that are always
// protected, regardless of workspace policy: the device key, the
// append-only security audit log, and the workspace manifest. These can be
// extended by a signed workspace policy but never removed.
var hardcodedProtectedSuffixes = []string{
	".device_key",
	".security_audit.jsonl",
	".localgpt_manifest.json",
}

// ProtectedFiles decides whether a path is off-limits for write_file/edit_file
// (always blocked) and bash (blocked in strict mode, audited otherwise).
type ProtectedFiles struct {
	extra []string
}

// NewProtectedFiles builds a checker from the hardcoded defaults plus any
// additional paths declared by the user's signed workspace policy.
func NewProtectedFiles(policyPaths []string) *ProtectedFiles {
	return &ProtectedFiles{extra: append([]string{}, policyPaths...)}
}

// IsProtected reports whether path matches a hardcoded suffix or an
// extra policy-declared path. path should already be canonicalized.
func (p *ProtectedFiles) IsProtected(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range hardcodedProtectedSuffixes {
		if strings.HasSuffix(base, suffix) || strings.HasSuffix(path, suffix) {
			return true
		}
	}
	for _, extra := range p.extra {
		if extra == "" {
			continue
		}
		if path == extra || strings.HasSuffix(path, string(filepath.Separator)+extra) {
			return true
		}
	}
	return false
}

// References reports whether a bash command string mentions a protected
// path, used for the bash tool's best-effort strict/warn distinction since a
// shell command isn't a single resolvable path.
func (p *ProtectedFiles) References(command string) []string {
	var hits []string
	for _, suffix := range hardcodedProtectedSuffixes {
		if strings.Contains(command, suffix) {
			hits = append(hits, suffix)
		}
	}
	for _, extra := range p.extra {
		if extra != "" && strings.Contains(command, extra) {
			hits = append(hits, extra)
		}
	}
	return hits
}
