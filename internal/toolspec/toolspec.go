// Package toolspec validates planned tool-call arguments against a tool's
// declared input_schema before the tool runtime dispatches execution.
package toolspec

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"novelaire/internal/errs"
)

// CompiledSchema wraps a compiled JSON Schema for one tool's input_schema.
type CompiledSchema struct {
	toolName string
	schema   *jsonschema.Schema
}

// Compile validates that schemaDoc is itself a well-formed JSON Schema and
// returns a reusable validator for it.
func Compile(toolName string, schemaDoc map[string]any) (*CompiledSchema, error) {
	if schemaDoc == nil {
		return &CompiledSchema{toolName: toolName}, nil
	}
	c := jsonschema.NewCompiler()
	resourceID := "tool:" + toolName
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, errs.Wrap(errs.BadRequest, fmt.Sprintf("add schema resource for tool %q", toolName), err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, fmt.Sprintf("compile input_schema for tool %q", toolName), err)
	}
	return &CompiledSchema{toolName: toolName, schema: schema}, nil
}

// Validate checks a decoded arguments document (map[string]any from
// json.Unmarshal) against the compiled schema. A nil schema (tool declared
// no input_schema) always passes.
func (c *CompiledSchema) Validate(arguments map[string]any) error {
	if c.schema == nil {
		return nil
	}
	if err := c.schema.Validate(arguments); err != nil {
		return errs.Wrap(errs.BadRequest, fmt.Sprintf("arguments for tool %q do not match input_schema", c.toolName), err)
	}
	return nil
}

// Registry holds one compiled schema per registered tool name.
type Registry struct {
	schemas map[string]*CompiledSchema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*CompiledSchema)}
}

// Register compiles and stores schemaDoc for toolName, replacing unique-name
// enforcement errors with a clear message (tool names must be unique per
// the tool runtime's registry contract, spec §4.4).
func (r *Registry) Register(toolName string, schemaDoc map[string]any) error {
	if _, exists := r.schemas[toolName]; exists {
		return errs.New(errs.Conflict, fmt.Sprintf("tool %q already registered", toolName))
	}
	compiled, err := Compile(toolName, schemaDoc)
	if err != nil {
		return err
	}
	r.schemas[toolName] = compiled
	return nil
}

// Validate looks up toolName's compiled schema and validates arguments
// against it.
func (r *Registry) Validate(toolName string, arguments map[string]any) error {
	compiled, ok := r.schemas[toolName]
	if !ok {
		return errs.New(errs.ToolUnknown, fmt.Sprintf("tool %q is not registered", toolName))
	}
	return compiled.Validate(arguments)
}
