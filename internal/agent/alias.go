package agent

import "strings"

// modelAliases resolves short family names to concrete provider/model-id
// pairs. Applied exactly once: an input that already contains a "/" is
// assumed pre-qualified and passed through unchanged.
var modelAliases = map[string]string{
	"gpt":       "openai/gpt-4.1",
	"gpt-mini":  "openai/gpt-4.1-mini",
	"claude":    "anthropic/claude-sonnet-4.5",
	"haiku":     "anthropic/claude-haiku-4.5",
	"opus":      "anthropic/claude-opus-4.5",
	"gemini":    "gemini/gemini-2.5-pro",
	"gemini-fl": "gemini/gemini-2.5-flash",
	"grok":      "xai/grok-4",
	"local":     "ollama/llama3",
}

// ResolveModelAlias expands a short alias into "provider/model-id". An
// already-qualified "provider/model" input is returned unchanged. An unknown,
// unqualified name is returned unchanged too — callers fall through to a
// default-provider heuristic based on which provider config is populated.
func ResolveModelAlias(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	if resolved, ok := modelAliases[name]; ok {
		return resolved
	}
	return name
}

// SplitProviderModel splits an already-aliased "provider/model-id" string.
// If there is no "/", provider is empty and model is the input unchanged.
func SplitProviderModel(qualified string) (provider, model string) {
	idx := strings.IndexByte(qualified, '/')
	if idx < 0 {
		return "", qualified
	}
	return qualified[:idx], qualified[idx+1:]
}
