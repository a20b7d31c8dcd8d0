package tools

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/agent"
)

// ValidateToolSchema compiles a tool's declared JSON schema with a full
// structural validator, catching malformed schemas at registration time
// rather than failing silently on the light required-field check the turn
// loop applies per call.
func ValidateToolSchema(tool agent.Tool) error {
	resource := fmt.Sprintf("tool:%s.schema.json", tool.Name())
	if _, err := jsonschema.CompileString(resource, string(tool.Schema())); err != nil {
		return fmt.Errorf("tool %q: schema does not compile: %w", tool.Name(), err)
	}
	return nil
}

// MustRegister validates tool's schema and registers it, panicking on a
// malformed schema — a programmer error in a built-in tool, not a runtime
// condition callers should need to handle.
func MustRegister(registry *agent.ToolRegistry, tool agent.Tool) {
	if err := ValidateToolSchema(tool); err != nil {
		panic(err)
	}
	registry.Register(tool)
}
