// Command novelaire is the CLI entrypoint: it boots the orchestrator
// against a project's hidden subtree and drives it with one Op per
// invocation, printing every emitted event as a line of JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"novelaire/internal/bus"
	"novelaire/internal/config"
	"novelaire/internal/credential"
	"novelaire/internal/ids"
	"novelaire/internal/llm"
	"novelaire/internal/llm/anthropic"
	"novelaire/internal/llm/geminiinternal"
	"novelaire/internal/llm/httptransport"
	"novelaire/internal/llm/openaicompat"
	"novelaire/internal/metrics"
	"novelaire/internal/obslog"
	"novelaire/internal/orchestrator"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "--version", "version", "-v":
		fmt.Println(version)
		return
	case "chat":
		err = runChat(os.Args[2:])
	case "approve":
		err = runApprove(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: novelaire <chat|approve|sessions> [flags]")
}

// deps bundles everything runChat and runApprove need once the hidden
// subtree and config files have been loaded.
type deps struct {
	paths config.HiddenSubtreePaths
	orch  *orchestrator.Orchestrator
	log   *obslog.Logger
}

func boot(root string) (*deps, error) {
	paths := config.ResolvePaths(filepath.Join(root, ".novelaire"))
	for _, dir := range []string{paths.Sessions, paths.Events, paths.Artifacts, paths.Approvals, paths.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logPath := filepath.Join(paths.CacheDir, "bootstrap.jsonl")
	log := obslog.New(logPath)

	proc, err := config.LoadProcess(filepath.Join(root, "config.yaml"))
	if err != nil {
		return nil, err
	}
	profiles, roles, err := config.LoadModels(filepath.Join(paths.ConfigDir, "models.json"))
	if err != nil {
		return nil, err
	}
	allowlist, err := config.LoadAllowlist(filepath.Join(paths.PolicyDir, "tool_approvals.json"))
	if err != nil {
		return nil, err
	}

	sessions, err := store.NewFileSessionStore(paths.Sessions)
	if err != nil {
		return nil, err
	}
	artifacts, err := store.NewFileArtifactStore(paths.Artifacts)
	if err != nil {
		return nil, err
	}
	events, err := store.NewFileEventLogStore(paths.Events, artifacts, sessions)
	if err != nil {
		return nil, err
	}
	approvals, err := store.NewFileApprovalStore(paths.Approvals)
	if err != nil {
		return nil, err
	}
	b := bus.New(events)

	router := llm.NewRouter(profiles, roles)
	client := llm.NewMultiClient(map[llm.ProviderKind]llm.Client{
		llm.ProviderAnthropic:        anthropic.New(credential.Resolve),
		llm.ProviderOpenAICompatible: httptransport.New(openaicompat.New(), credential.Resolve),
		llm.ProviderGeminiInternal:   httptransport.New(geminiinternal.New(os.Getenv("NOVELAIRE_GCP_PROJECT")), credential.Resolve),
	})

	registry := toolrt.NewRegistry()
	tools := &toolrt.Runtime{
		Registry:     registry,
		Artifacts:    artifacts,
		ProjectRoot:  root,
		ApprovalMode: toolrt.ApprovalMode(proc.DefaultApprovalMode),
		Allowlist:    allowlist,
	}

	systemPrompt, _ := os.ReadFile(filepath.Join(root, "SYSTEM_PROMPT.md"))

	orch := orchestrator.New(sessions, events, artifacts, approvals, b, router, client, tools, string(systemPrompt), proc.MaxToolTurns)
	orch.Metrics = metrics.New()
	if proc.TraceDir != "" {
		orch.TraceRoot = proc.TraceDir
	} else {
		orch.TraceRoot = paths.CacheDir
	}

	b.Subscribe(func(ev store.Event) {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(line))
	}, bus.Filter{})

	return &deps{paths: paths, orch: orch, log: log}, nil
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	root := fs.String("root", ".", "project root")
	sessionID := fs.String("session", "", "existing session id; a new session is created if empty")
	text := fs.String("message", "", "the user's message")
	requireApproval := fs.Bool("require-approval", false, "raise an approval before this message is sent to the model")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *text == "" {
		return fmt.Errorf("chat: -message is required")
	}

	d, err := boot(*root)
	if err != nil {
		return err
	}
	d.log.Info("chat invoked", map[string]any{"session_id": *sessionID})

	sid := *sessionID
	if sid == "" {
		sid, err = d.orch.Sessions.CreateSession(store.SessionMeta{})
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "session:", sid)
	}

	op := store.Op{
		Kind:      store.OpChat,
		SessionID: sid,
		RequestID: ids.New(ids.PrefixRequest),
		Payload: map[string]any{
			"text":             *text,
			"require_approval": *requireApproval,
		},
	}
	return d.orch.Handle(context.Background(), op)
}

func runApprove(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	root := fs.String("root", ".", "project root")
	sessionID := fs.String("session", "", "session id the approval belongs to")
	approvalID := fs.String("approval", "", "approval id")
	decision := fs.String("decision", "", "approve|deny")
	note := fs.String("note", "", "optional note attached to the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *approvalID == "" || *decision == "" {
		return fmt.Errorf("approve: -session, -approval, and -decision are required")
	}

	d, err := boot(*root)
	if err != nil {
		return err
	}

	op := store.Op{
		Kind:      store.OpApprovalDecision,
		SessionID: *sessionID,
		RequestID: ids.New(ids.PrefixRequest),
		Payload: map[string]any{
			"approval_id": *approvalID,
			"decision":    *decision,
			"note":        *note,
		},
	}
	return d.orch.Handle(context.Background(), op)
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	root := fs.String("root", ".", "project root")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := boot(*root)
	if err != nil {
		return err
	}
	sessions, err := d.orch.Sessions.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		line, err := json.Marshal(s)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
	return nil
}
