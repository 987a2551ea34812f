// Package config loads the on-disk configuration the orchestrator needs to
// boot: the process-wide config.yaml (trace dir, default approval mode,
// max tool turns), config/models.json (role → profile table), and
// policy/tool_approvals.json (the shell allowlist), per spec §6.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
	"novelaire/internal/toolrt"
)

// Process holds the process-wide knobs loaded from config.yaml, with
// ApplyEnv-style environment overrides layered on top, directly patterned
// on the teacher's pkg/config.Config/ApplyEnv.
type Process struct {
	DefaultApprovalMode string `yaml:"default_approval_mode"`
	MaxToolTurns        int    `yaml:"max_tool_turns"`
	TraceDir            string `yaml:"trace_dir"`
}

// DefaultMaxToolTurns bounds the tool loop when config.yaml omits one.
const DefaultMaxToolTurns = 25

func defaultProcess() Process {
	return Process{
		DefaultApprovalMode: string(toolrt.ModeStandard),
		MaxToolTurns:        DefaultMaxToolTurns,
	}
}

// LoadProcess reads path (config.yaml) if present, falling back to
// defaults for any field it doesn't set, then applies environment
// overrides.
func LoadProcess(path string) (Process, error) {
	cfg := defaultProcess()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnv(&cfg)
			return cfg, nil
		}
		return Process{}, errs.Wrap(errs.Unknown, "read config.yaml", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Process{}, errs.Wrap(errs.Unknown, "parse config.yaml", err)
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg, matching the teacher's
// GODEX_*-prefixed override convention but under the NOVELAIRE_ prefix.
func ApplyEnv(cfg *Process) {
	if v := strings.TrimSpace(os.Getenv("NOVELAIRE_DEFAULT_APPROVAL_MODE")); v != "" {
		cfg.DefaultApprovalMode = v
	}
	if v := strings.TrimSpace(os.Getenv("NOVELAIRE_MAX_TOOL_TURNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxToolTurns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("NOVELAIRE_TRACE_LLM_DIR")); v != "" {
		cfg.TraceDir = v
	}
}

// ModelsFile is the decoded shape of config/models.json.
type ModelsFile struct {
	DefaultProfile string                       `json:"default_profile,omitempty"`
	Profiles       map[string]llm.ModelProfile  `json:"profiles"`
	Roles          map[llm.ModelRole]string     `json:"roles,omitempty"`
}

// LoadModels reads config/models.json, binding the (possibly empty) roles
// table, defaulting "main" to DefaultProfile when the file leaves it unset
// per spec §6 ("the chosen default is bound to main").
func LoadModels(path string) (map[string]llm.ModelProfile, map[llm.ModelRole]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unknown, "read config/models.json", err)
	}
	var file ModelsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, errs.Wrap(errs.Unknown, "parse config/models.json", err)
	}
	roles := file.Roles
	if roles == nil {
		roles = map[llm.ModelRole]string{}
	}
	if _, ok := roles[llm.RoleMain]; !ok && file.DefaultProfile != "" {
		roles[llm.RoleMain] = file.DefaultProfile
	}
	return file.Profiles, roles, nil
}

// AllowlistFile is the decoded shape of policy/tool_approvals.json: a map
// from "<tool>_allow" to a list of command-prefix/cwd entries.
type AllowlistFile map[string][]allowlistEntryJSON

type allowlistEntryJSON struct {
	CommandPrefix string `json:"command_prefix"`
	Cwd           string `json:"cwd,omitempty"`
}

// allowlist implements toolrt.Allowlist over the decoded policy file,
// matching by tool-specific key ("<tool>_allow") and command_prefix against
// the tool call's "command" argument.
type allowlist struct {
	entries map[string][]allowlistEntryJSON
}

func (a *allowlist) Matches(toolName string, args map[string]any) bool {
	entries, ok := a.entries[toolName+"_allow"]
	if !ok {
		return false
	}
	command, _ := args["command"].(string)
	cwd, _ := args["cwd"].(string)
	for _, e := range entries {
		if !strings.HasPrefix(command, e.CommandPrefix) {
			continue
		}
		if e.Cwd != "" && e.Cwd != cwd {
			continue
		}
		return true
	}
	return false
}

// LoadAllowlist reads policy/tool_approvals.json into a toolrt.Allowlist. A
// missing file yields an always-empty allowlist rather than an error, since
// the policy is optional.
func LoadAllowlist(path string) (toolrt.Allowlist, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &allowlist{entries: map[string][]allowlistEntryJSON{}}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "read policy/tool_approvals.json", err)
	}
	var file AllowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errs.Wrap(errs.Unknown, "parse policy/tool_approvals.json", err)
	}
	return &allowlist{entries: file}, nil
}

// HiddenSubtreePaths returns the canonical file locations under a project's
// hidden subtree, spec §6.
type HiddenSubtreePaths struct {
	Root          string
	Sessions      string
	Events        string
	Artifacts     string
	Approvals     string
	PolicyDir     string
	ConfigDir     string
	CacheDir      string
}

// ResolvePaths lays out every store's root directory under hiddenRoot.
func ResolvePaths(hiddenRoot string) HiddenSubtreePaths {
	return HiddenSubtreePaths{
		Root:      hiddenRoot,
		Sessions:  filepath.Join(hiddenRoot, "sessions"),
		Events:    filepath.Join(hiddenRoot, "events"),
		Artifacts: filepath.Join(hiddenRoot, "artifacts"),
		Approvals: filepath.Join(hiddenRoot, "state", "approvals"),
		PolicyDir: filepath.Join(hiddenRoot, "policy"),
		ConfigDir: filepath.Join(hiddenRoot, "config"),
		CacheDir:  filepath.Join(hiddenRoot, "cache"),
	}
}
