package config

import (
	"os"
	"path/filepath"
	"testing"

	"novelaire/internal/llm"
)

func TestLoadProcessDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadProcess(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if cfg.MaxToolTurns != DefaultMaxToolTurns {
		t.Fatalf("expected default max tool turns, got %d", cfg.MaxToolTurns)
	}
}

func TestLoadProcessParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("default_approval_mode: strict\nmax_tool_turns: 5\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	cfg, err := LoadProcess(path)
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if cfg.DefaultApprovalMode != "strict" || cfg.MaxToolTurns != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestApplyEnvOverridesYAML(t *testing.T) {
	t.Setenv("NOVELAIRE_MAX_TOOL_TURNS", "9")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("max_tool_turns: 5\n"), 0o644)
	cfg, err := LoadProcess(path)
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if cfg.MaxToolTurns != 9 {
		t.Fatalf("expected env override to win, got %d", cfg.MaxToolTurns)
	}
}

func TestLoadModelsBindsDefaultProfileToMain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	doc := `{
		"default_profile": "p1",
		"profiles": {"p1": {"profile_id": "p1", "provider_kind": "anthropic", "base_url": "https://example.test", "model_name": "m"}}
	}`
	os.WriteFile(path, []byte(doc), 0o644)

	profiles, roles, err := LoadModels(path)
	if err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	if _, ok := profiles["p1"]; !ok {
		t.Fatalf("expected profile p1 to be loaded")
	}
	if roles[llm.RoleMain] != "p1" {
		t.Fatalf("expected role main bound to default profile, got %+v", roles)
	}
}

func TestLoadModelsExplicitRoleWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	doc := `{
		"default_profile": "p1",
		"profiles": {"p1": {}, "p2": {}},
		"roles": {"main": "p2"}
	}`
	os.WriteFile(path, []byte(doc), 0o644)

	_, roles, err := LoadModels(path)
	if err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	if roles[llm.RoleMain] != "p2" {
		t.Fatalf("expected explicit role binding to win, got %+v", roles)
	}
}

func TestLoadAllowlistMissingFileIsEmpty(t *testing.T) {
	al, err := LoadAllowlist(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if al.Matches("shell__run", map[string]any{"command": "ls"}) {
		t.Fatalf("expected empty allowlist to never match")
	}
}

func TestLoadAllowlistMatchesCommandPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool_approvals.json")
	doc := `{"shell__run_allow": [{"command_prefix": "git status"}]}`
	os.WriteFile(path, []byte(doc), 0o644)

	al, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if !al.Matches("shell__run", map[string]any{"command": "git status --short"}) {
		t.Fatalf("expected prefix match to allow")
	}
	if al.Matches("shell__run", map[string]any{"command": "rm -rf /"}) {
		t.Fatalf("expected non-matching command to be denied")
	}
}

func TestResolvePathsLayout(t *testing.T) {
	paths := ResolvePaths("/proj/.novelaire")
	if paths.Sessions != "/proj/.novelaire/sessions" {
		t.Fatalf("unexpected sessions path: %s", paths.Sessions)
	}
	if paths.Approvals != "/proj/.novelaire/state/approvals" {
		t.Fatalf("unexpected approvals path: %s", paths.Approvals)
	}
}
