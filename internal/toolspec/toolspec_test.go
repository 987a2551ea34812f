package toolspec

import "testing"

func schemaDoc() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
}

func TestCompileAndValidateAccepts(t *testing.T) {
	compiled, err := Compile("read_file", schemaDoc())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := compiled.Validate(map[string]any{"path": "a.go"}); err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	compiled, err := Compile("read_file", schemaDoc())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := compiled.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected error for missing required field")
	}
}

func TestCompileNilSchemaAlwaysValidates(t *testing.T) {
	compiled, err := Compile("no_schema_tool", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := compiled.Validate(map[string]any{"anything": 1}); err != nil {
		t.Fatalf("expected nil schema to accept any arguments, got %v", err)
	}
}

func TestRegistryEnforcesUniqueNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("search", schemaDoc()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("search", schemaDoc()); err == nil {
		t.Fatalf("expected conflict error for duplicate tool name")
	}
}

func TestRegistryValidateUnknownTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Validate("missing", nil); err == nil {
		t.Fatalf("expected tool_unknown error")
	}
}

func TestRegistryValidateKnownTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("read_file", schemaDoc()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Validate("read_file", map[string]any{"path": "x"}); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}
