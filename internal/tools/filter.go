// Package tools implements the agent's built-in capabilities (bash, file
// access, web, memory, sub-agent delegation) and the filter that gates them.
package tools

import (
	"regexp"
	"strings"
)

// hardcodedDenySubstrings are compiled-in deny defaults for bash input
// filtering, merged after any user config and never removable.
var hardcodedDenySubstrings = []string{
	".device_key",
	".security_audit.jsonl",
	".localgpt_manifest.json",
	"rm -rf /",
	"mkfs",
	":(){ :|:& };:",
	"chmod 777",
}

// hardcodedDenyPatterns are compiled-in deny regexes, merged the same way.
var hardcodedDenyPatterns = []string{
	`\bsudo\b`,
	`curl\s.*\|\s*sh`,
	`wget\s.*\|\s*sh`,
	`curl\s.*\|\s*bash`,
	`wget\s.*\|\s*bash`,
	`curl\s.*\|\s*python`,
}

// FilterConfig is the user-supplied half of a CompiledToolFilter: additional
// allow/deny rules layered on top of the hardcoded defaults above.
type FilterConfig struct {
	AllowSubstrings []string
	DenySubstrings  []string
	DenyPatterns    []string
}

// CompiledToolFilter implements agent.ToolFilter. It denies a call's argument
// string if any deny_substring appears case-insensitively or any
// deny_pattern regex matches; deny always wins over allow.
type CompiledToolFilter struct {
	allowSubstrings []string
	denySubstrings  []string
	denyPatterns    []*regexp.Regexp
}

// NewCompiledToolFilter compiles cfg's rules together with the hardcoded
// defaults, which are always appended and can never be removed by cfg.
func NewCompiledToolFilter(cfg FilterConfig) *CompiledToolFilter {
	f := &CompiledToolFilter{
		allowSubstrings: lowerAll(cfg.AllowSubstrings),
		denySubstrings:  lowerAll(append(append([]string{}, cfg.DenySubstrings...), hardcodedDenySubstrings...)),
	}
	for _, pattern := range append(append([]string{}, cfg.DenyPatterns...), hardcodedDenyPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			f.denyPatterns = append(f.denyPatterns, re)
		}
	}
	return f
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Deny implements agent.ToolFilter. argumentsJSON is scanned as raw text:
// the filter doesn't need to parse it, since a denied substring or pattern in
// the JSON means it's present in whatever field the tool will act on (command
// line, path, query, ...).
func (f *CompiledToolFilter) Deny(toolName string, argumentsJSON string) (bool, string) {
	lower := strings.ToLower(argumentsJSON)

	for _, substr := range f.denySubstrings {
		if substr != "" && strings.Contains(lower, substr) {
			return true, "denied: matches blocked pattern \"" + substr + "\""
		}
	}
	for _, re := range f.denyPatterns {
		if re.MatchString(argumentsJSON) {
			return true, "denied: matches blocked pattern " + re.String()
		}
	}

	if len(f.allowSubstrings) == 0 {
		return false, ""
	}
	for _, substr := range f.allowSubstrings {
		if substr != "" && strings.Contains(lower, substr) {
			return false, ""
		}
	}
	return true, "denied: does not match any allowed pattern"
}

// SafeSubset lists the tool names available to a spawned sub-agent: every
// built-in except spawn_agent itself, since delegation is capped at one
// level (§4.4).
var SafeSubset = []string{
	"bash",
	"read_file",
	"write_file",
	"edit_file",
	"memory_search",
	"memory_get",
	"web_fetch",
	"web_search",
}
