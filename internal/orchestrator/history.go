package orchestrator

import (
	"encoding/json"

	"novelaire/internal/compaction"
	"novelaire/internal/llm"
	"novelaire/internal/store"
)

// historyEntry pairs a reconstructed message with the event it came from,
// so retention bookkeeping can anchor future reads to a specific event_id.
type historyEntry struct {
	msg     llm.CanonicalMessage
	eventID string
}

func refFromPayload(raw any) store.ArtifactRef {
	m, ok := raw.(map[string]any)
	if !ok {
		return store.ArtifactRef{}
	}
	ref := store.ArtifactRef{}
	ref.ArtifactID = strOf(m["artifact_id"])
	ref.ArtifactKind = strOf(m["artifact_kind"])
	ref.Locator = strOf(m["locator"])
	return ref
}

// loadHistoryEntries replays sessionID's full event log into the ordered
// message sequence spec §4.8 describes: a user message per chat
// operation_started, an assistant message (with reconstructed tool_calls)
// per llm_response_completed, and a tool message per successful
// tool_call_end.
func (o *Orchestrator) loadHistoryEntries(sessionID string) ([]historyEntry, error) {
	events, err := o.Events.Read(sessionID, "")
	if err != nil {
		return nil, err
	}

	var out []historyEntry
	for _, ev := range events {
		switch ev.Kind {
		case store.KindOperationStarted:
			if strOf(ev.Payload["op_kind"]) != "chat" {
				continue
			}
			refRaw, ok := ev.Payload["input_ref"]
			if !ok {
				continue
			}
			ref := refFromPayload(refRaw)
			if ref.Locator == "" {
				continue
			}
			data, err := o.Artifacts.OpenLocator(ref.Locator)
			if err != nil {
				continue
			}
			out = append(out, historyEntry{
				msg:     llm.CanonicalMessage{Role: llm.RoleUser, Content: string(data)},
				eventID: ev.EventID,
			})

		case store.KindLLMResponseComplete:
			msg := llm.CanonicalMessage{Role: llm.RoleAssistant}
			if refRaw, ok := ev.Payload["output_ref"]; ok {
				ref := refFromPayload(refRaw)
				if ref.Locator != "" {
					if data, err := o.Artifacts.OpenLocator(ref.Locator); err == nil {
						msg.Content = string(data)
					}
				}
			}
			if raw, ok := ev.Payload["tool_calls"].([]any); ok {
				for _, item := range raw {
					m, ok := item.(map[string]any)
					if !ok {
						continue
					}
					tc := llm.ToolCall{ToolCallID: strOf(m["tool_call_id"]), Name: strOf(m["name"])}
					if argRef, ok := m["arguments_ref"]; ok {
						ref := refFromPayload(argRef)
						if ref.Locator != "" {
							if data, err := o.Artifacts.OpenLocator(ref.Locator); err == nil {
								var args map[string]any
								if json.Unmarshal(data, &args) == nil {
									tc.Arguments = args
								}
							}
						}
					}
					msg.ToolCalls = append(msg.ToolCalls, tc)
				}
			}
			out = append(out, historyEntry{msg: msg, eventID: ev.EventID})

		case store.KindToolCallEnd:
			if strOf(ev.Payload["status"]) != string(toolCallSucceeded) {
				continue
			}
			refRaw, ok := ev.Payload["tool_message_ref"]
			if !ok {
				continue
			}
			ref := refFromPayload(refRaw)
			if ref.Locator == "" {
				continue
			}
			data, err := o.Artifacts.OpenLocator(ref.Locator)
			if err != nil {
				continue
			}
			out = append(out, historyEntry{
				msg: llm.CanonicalMessage{
					Role:       llm.RoleTool,
					Content:    string(data),
					ToolCallID: strOf(ev.Payload["tool_call_id"]),
					ToolName:   strOf(ev.Payload["tool_name"]),
				},
				eventID: ev.EventID,
			})
		}
	}
	return out, nil
}

// toolCallSucceeded mirrors toolrt.StatusSucceeded without importing toolrt
// here, since history reconstruction only needs the string constant.
const toolCallSucceeded = "succeeded"

// currentWindow returns the session's metadata and the slice of history
// entries still in scope after the compaction anchor (with any tail
// truncation override already applied), shared by LoadHistoryFromEvents and
// runCompaction so both compute the exact same window.
func (o *Orchestrator) currentWindow(sessionID string) (store.SessionMeta, []historyEntry, error) {
	meta, err := o.Sessions.GetSession(sessionID)
	if err != nil {
		return store.SessionMeta{}, nil, err
	}
	entries, err := o.loadHistoryEntries(sessionID)
	if err != nil {
		return store.SessionMeta{}, nil, err
	}

	anchor := strOf(meta.Extra["history_anchor_event_id"])
	window := entries
	if anchor != "" {
		for i, e := range entries {
			if e.eventID == anchor {
				window = entries[i+1:]
				break
			}
		}
	}

	truncatedEventID := strOf(meta.Extra["history_truncated_event_id"])
	truncatedContent := strOf(meta.Extra["history_truncated_content"])
	if truncatedEventID != "" {
		out := make([]historyEntry, len(window))
		copy(out, window)
		for i, e := range out {
			if e.eventID == truncatedEventID {
				e.msg.Content = truncatedContent
				out[i] = e
			}
		}
		window = out
	}
	return meta, window, nil
}

// LoadHistoryFromEvents rebuilds the CanonicalMessage list the orchestrator
// would send for the next turn: the persisted memory summary (if any) as a
// leading labeled message, followed by every message since the session's
// compaction anchor, per spec §4.8 and the retention design in §4.5.
func (o *Orchestrator) LoadHistoryFromEvents(sessionID string) ([]llm.CanonicalMessage, error) {
	meta, window, err := o.currentWindow(sessionID)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.CanonicalMessage, 0, len(window)+1)
	if meta.MemorySummary != "" {
		messages = append(messages, llm.CanonicalMessage{
			Role:    llm.RoleUser,
			Content: compaction.PreviousSummaryLabel + meta.MemorySummary,
		})
	}
	for _, e := range window {
		messages = append(messages, e.msg)
	}
	return messages, nil
}
