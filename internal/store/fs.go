package store

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"novelaire/internal/errs"
	"novelaire/internal/ids"
)

// safeWriteJSON serializes v with sanitized strings and writes it via a
// temp-file-plus-rename so readers never observe a partial document.
func safeWriteJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Unknown, "marshal json", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errs.Wrap(errs.Unknown, "round-trip json", err)
	}
	clean := sanitizeValue(generic)
	out, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Unknown, "marshal sanitized json", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "create store dir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return errs.Wrap(errs.Unknown, "write temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Unknown, "rename temp file", err)
	}
	return nil
}

// FileSessionStore persists SessionMeta documents under sessions/<id>.json.
type FileSessionStore struct {
	root string
}

func NewFileSessionStore(root string) (*FileSessionStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unknown, "create session store root", err)
	}
	return &FileSessionStore{root: root}, nil
}

func (s *FileSessionStore) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".json")
}

func (s *FileSessionStore) CreateSession(meta SessionMeta) (string, error) {
	if meta.SessionID == "" {
		meta.SessionID = ids.New(ids.PrefixSession)
	}
	now := ids.NowMS()
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	if err := safeWriteJSON(s.path(meta.SessionID), meta); err != nil {
		return "", err
	}
	return meta.SessionID, nil
}

func (s *FileSessionStore) GetSession(sessionID string) (SessionMeta, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return SessionMeta{}, errs.New(errs.NotFound, fmt.Sprintf("session not found: %s", sessionID))
	}
	if err != nil {
		return SessionMeta{}, errs.Wrap(errs.Unknown, "read session", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, errs.Wrap(errs.Unknown, "decode session", err)
	}
	return meta, nil
}

func (s *FileSessionStore) UpdateSession(sessionID string, patch map[string]any) error {
	meta, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		applySessionPatchField(&meta, k, v)
	}
	meta.UpdatedAt = ids.NowMS()
	return safeWriteJSON(s.path(sessionID), meta)
}

func applySessionPatchField(meta *SessionMeta, key string, v any) {
	switch key {
	case "last_request_id":
		if s, ok := v.(string); ok {
			meta.LastRequestID = s
		}
	case "last_event_id":
		if s, ok := v.(string); ok {
			meta.LastEventID = s
		}
	case "memory_summary":
		if s, ok := v.(string); ok {
			meta.MemorySummary = s
		}
	case "last_usage":
		if m, ok := v.(map[string]any); ok {
			meta.LastUsage = m
		}
	case "last_context_stats":
		if m, ok := v.(map[string]any); ok {
			meta.LastContextStats = m
		}
	default:
		if meta.Extra == nil {
			meta.Extra = map[string]any{}
		}
		meta.Extra[key] = v
	}
}

func (s *FileSessionStore) ListSessions() ([]SessionMeta, error) {
	entries, err := filepath.Glob(filepath.Join(s.root, "*.json"))
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "list sessions", err)
	}
	out := make([]SessionMeta, 0, len(entries))
	for _, p := range entries {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// FileArtifactStore persists write-once byte blobs under artifacts/<id>.bin.
type FileArtifactStore struct {
	root string
}

func NewFileArtifactStore(root string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unknown, "create artifact store root", err)
	}
	return &FileArtifactStore{root: root}, nil
}

func (s *FileArtifactStore) Put(content []byte, kind string, meta map[string]any) (ArtifactRef, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	artifactID := ids.New(ids.PrefixArtifact)
	locator := artifactID + ".bin"
	path := filepath.Join(s.root, locator)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return ArtifactRef{}, errs.Wrap(errs.Unknown, "write artifact", err)
	}
	ref := ArtifactRef{
		ArtifactID:   artifactID,
		ArtifactKind: kind,
		Locator:      locator,
		CreatedAtMS:  ids.NowMS(),
		SHA256:       digest,
		SizeBytes:    int64(len(content)),
		Meta:         meta,
	}
	if s, ok := meta["summary"].(string); ok {
		ref.Summary = s
	}
	return ref, nil
}

func (s *FileArtifactStore) PutString(content string, kind string, meta map[string]any) (ArtifactRef, error) {
	return s.Put([]byte(sanitizeUTF8(content)), kind, meta)
}

func (s *FileArtifactStore) Get(ref ArtifactRef) ([]byte, error) {
	return s.OpenLocator(ref.Locator)
}

func (s *FileArtifactStore) OpenLocator(locator string) ([]byte, error) {
	path := filepath.Join(s.root, locator)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("artifact not found: %s", locator))
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "read artifact", err)
	}
	return data, nil
}

func (s *FileArtifactStore) ResolvePath(ref ArtifactRef) string {
	return filepath.Join(s.root, ref.Locator)
}

// FileEventLogStore appends Events to events/<session_id>.jsonl and rebuilds
// export bundles from the log plus referenced artifacts.
type FileEventLogStore struct {
	root      string
	artifacts *FileArtifactStore
	sessions  *FileSessionStore
}

func NewFileEventLogStore(root string, artifacts *FileArtifactStore, sessions *FileSessionStore) (*FileEventLogStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unknown, "create event log root", err)
	}
	return &FileEventLogStore{root: root, artifacts: artifacts, sessions: sessions}, nil
}

func (s *FileEventLogStore) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".jsonl")
}

func (s *FileEventLogStore) Append(event Event) error {
	path := s.path(event.SessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.EventLogAppendFailed, "open event log", err)
	}
	defer f.Close()

	raw, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(errs.EventLogAppendFailed, "marshal event", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errs.Wrap(errs.EventLogAppendFailed, "round-trip event", err)
	}
	line, err := json.Marshal(sanitizeValue(generic))
	if err != nil {
		return errs.Wrap(errs.EventLogAppendFailed, "marshal sanitized event", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.Wrap(errs.EventLogAppendFailed, "append event", err)
	}
	return nil
}

// Read yields events for sessionID in log order, optionally skipping every
// event up to and including sinceEventID.
func (s *FileEventLogStore) Read(sessionID string, sinceEventID string) ([]Event, error) {
	path := s.path(sessionID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "open event log", err)
	}
	defer f.Close()

	seenAnchor := sinceEventID == ""
	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if !seenAnchor {
			if ev.EventID == sinceEventID {
				seenAnchor = true
			}
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.Unknown, "scan event log", err)
	}
	return out, nil
}

func collectArtifactRefsFromEvents(events []Event) []ArtifactRef {
	seen := map[string]bool{}
	var out []ArtifactRef
	addRef := func(raw any) {
		m, ok := raw.(map[string]any)
		if !ok {
			return
		}
		locator, _ := m["locator"].(string)
		artifactID, _ := m["artifact_id"].(string)
		if locator == "" || artifactID == "" || seen[artifactID] {
			return
		}
		seen[artifactID] = true
		ref := ArtifactRef{ArtifactID: artifactID, Locator: locator}
		if kind, ok := m["artifact_kind"].(string); ok {
			ref.ArtifactKind = kind
		}
		out = append(out, ref)
	}
	refKeys := []string{"input_ref", "output_ref", "tool_message_ref", "arguments_ref", "diff_ref"}
	for _, ev := range events {
		for _, key := range refKeys {
			if raw, ok := ev.Payload[key]; ok {
				addRef(raw)
			}
		}
		if calls, ok := ev.Payload["tool_calls"].([]any); ok {
			for _, c := range calls {
				if cm, ok := c.(map[string]any); ok {
					if raw, ok := cm["arguments_ref"]; ok {
						addRef(raw)
					}
				}
			}
		}
	}
	return out
}

// ExportBundle copies the session document, event log, and every artifact
// referenced from it into a self-contained directory.
func (s *FileEventLogStore) ExportBundle(sessionID string, outputDir string) (string, error) {
	bundleDir := filepath.Join(outputDir, fmt.Sprintf("novelaire_bundle_%s_%d", sessionID, ids.NowMS()))
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", errs.Wrap(errs.Unknown, "create bundle dir", err)
	}

	meta, err := s.sessions.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if err := safeWriteJSON(filepath.Join(bundleDir, "session.json"), meta); err != nil {
		return "", err
	}

	eventsPath := s.path(sessionID)
	dstEvents := filepath.Join(bundleDir, "events.jsonl")
	if err := copyFileOrEmpty(eventsPath, dstEvents); err != nil {
		return "", err
	}

	events, err := s.Read(sessionID, "")
	if err != nil {
		return "", err
	}
	refs := collectArtifactRefsFromEvents(events)
	artifactsDir := filepath.Join(bundleDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return "", errs.Wrap(errs.Unknown, "create bundle artifacts dir", err)
	}
	for _, ref := range refs {
		src := s.artifacts.ResolvePath(ref)
		if info, err := os.Stat(src); err == nil && !info.IsDir() {
			_ = copyFileOrEmpty(src, filepath.Join(artifactsDir, filepath.Base(ref.Locator)))
		}
	}

	bundleMeta := map[string]any{
		"session_id":  sessionID,
		"exported_at": ids.NowMS(),
		"artifacts":   refs,
	}
	if err := safeWriteJSON(filepath.Join(bundleDir, "bundle.json"), bundleMeta); err != nil {
		return "", err
	}
	return bundleDir, nil
}

func copyFileOrEmpty(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return os.WriteFile(dst, []byte{}, 0o644)
	}
	if err != nil {
		return errs.Wrap(errs.Unknown, "open source file", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errs.Wrap(errs.Unknown, "create dest file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errs.Wrap(errs.Unknown, "copy file", err)
	}
	return nil
}

// FileApprovalStore persists ApprovalRecords under state/approvals/<id>.json.
type FileApprovalStore struct {
	root string
}

func NewFileApprovalStore(root string) (*FileApprovalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unknown, "create approval store root", err)
	}
	return &FileApprovalStore{root: root}, nil
}

func (s *FileApprovalStore) path(approvalID string) string {
	return filepath.Join(s.root, approvalID+".json")
}

func (s *FileApprovalStore) Create(record ApprovalRecord) error {
	path := s.path(record.ApprovalID)
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.Conflict, fmt.Sprintf("approval already exists: %s", record.ApprovalID))
	}
	return safeWriteJSON(path, record)
}

func (s *FileApprovalStore) Get(approvalID string) (ApprovalRecord, error) {
	data, err := os.ReadFile(s.path(approvalID))
	if os.IsNotExist(err) {
		return ApprovalRecord{}, errs.New(errs.ApprovalNotFound, fmt.Sprintf("approval not found: %s", approvalID))
	}
	if err != nil {
		return ApprovalRecord{}, errs.Wrap(errs.Unknown, "read approval", err)
	}
	var rec ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ApprovalRecord{}, errs.Wrap(errs.Unknown, "decode approval", err)
	}
	return rec, nil
}

func (s *FileApprovalStore) Update(record ApprovalRecord) error {
	return safeWriteJSON(s.path(record.ApprovalID), record)
}

// ListPending returns every approval currently pending for sessionID, used
// by the orchestrator's "reject new chat ops while approval pending" guard.
func (s *FileApprovalStore) ListPending(sessionID string) ([]ApprovalRecord, error) {
	entries, err := filepath.Glob(filepath.Join(s.root, "*.json"))
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "list approvals", err)
	}
	var out []ApprovalRecord
	for _, p := range entries {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var rec ApprovalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.SessionID == sessionID && rec.Status == ApprovalPending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}
