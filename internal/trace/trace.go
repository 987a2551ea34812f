// Package trace writes the per-call LLM trace directory named in spec §6
// (cache/llm_trace/<session_id>/<request_id>/), gated by NOVELAIRE_TRACE_LLM.
// It implements llm.Trace so the orchestrator can pass a no-op or a real
// recorder through CallOptions without branching on whether tracing is on.
package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"novelaire/internal/llm"
)

// EnvEnabled is the boolean-ish flag spec §6 names.
const EnvEnabled = "NOVELAIRE_TRACE_LLM"

// EnvDir overrides the trace root directory; defaults to cache/llm_trace
// under the project's hidden subtree when unset.
const EnvDir = "NOVELAIRE_TRACE_LLM_DIR"

// Enabled reports whether NOVELAIRE_TRACE_LLM is set to a truthy value.
func Enabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// RootDir resolves the trace directory root: NOVELAIRE_TRACE_LLM_DIR if
// set, else cache/llm_trace under hiddenRoot.
func RootDir(hiddenRoot string) string {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir
	}
	return filepath.Join(hiddenRoot, "cache", "llm_trace")
}

// Recorder writes one call's six trace files under
// <root>/<session_id>/<request_id>/.
type Recorder struct {
	mu  sync.Mutex
	dir string
}

// New creates (but does not yet populate) the trace directory for one call.
func New(root, sessionID, requestID string) (*Recorder, error) {
	dir := filepath.Join(root, sessionID, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir}, nil
}

func (r *Recorder) writeJSON(name string, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(r.dir, name), raw, 0o644)
}

func (r *Recorder) appendJSONL(name string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(raw, '\n'))
}

func (r *Recorder) WriteMeta(v any)                      { r.writeJSON("meta.json", v) }
func (r *Recorder) WriteCanonicalRequest(v any)           { r.writeJSON("canonical_request.json", v) }
func (r *Recorder) WritePreparedRequest(v any)            { r.writeJSON("prepared_request.json", v) }
func (r *Recorder) AppendProviderStreamEvent(v any)       { r.appendJSONL("provider_stream.jsonl", v) }
func (r *Recorder) AppendCanonicalStreamEvent(v any)      { r.appendJSONL("canonical_stream.jsonl", v) }
func (r *Recorder) WriteResponse(v any)                   { r.writeJSON("response.json", v) }
func (r *Recorder) WriteError(v any)                      { r.writeJSON("error.json", v) }

var _ llm.Trace = (*Recorder)(nil)
