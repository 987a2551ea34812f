// Package bus implements the single-process, multi-subscriber event bus:
// mergeable progress events are coalesced and flushed before the session's
// next non-mergeable event (or on an explicit Flush),
// ephemeral events are dispatched but never persisted, and durable events
// are appended to the log before dispatch.
package bus

import (
	"fmt"
	"sort"
	"sync"

	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/store"
)

// Handler observes dispatched events. A panicking handler is swallowed:
// handlers are observers, not transactors.
type Handler func(store.Event)

// Filter narrows a subscription to a subset of events.
type Filter struct {
	Kinds     map[store.EventKind]bool
	SessionID string
	RequestID string
}

func (f Filter) matches(ev store.Event) bool {
	if f.Kinds != nil && !f.Kinds[ev.Kind] {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.RequestID != "" && ev.RequestID != f.RequestID {
		return false
	}
	return true
}

// EventLogAppender is the subset of FileEventLogStore the bus depends on.
type EventLogAppender interface {
	Append(store.Event) error
}

type mergeKey struct {
	sessionID string
	kind      store.EventKind
	requestID string
	turnID    string
	stepID    string
}

type subscription struct {
	handler Handler
	filter  Filter
}

// Bus is the in-process event bus described by spec §4.1.
type Bus struct {
	mu sync.Mutex

	log EventLogAppender

	nextSubID int
	subs      map[int]subscription

	ephemeralKinds map[store.EventKind]bool
	mergeableKinds map[store.EventKind]bool

	pendingMerge map[mergeKey]store.Event
}

func New(log EventLogAppender) *Bus {
	return &Bus{
		log:  log,
		subs: map[int]subscription{},
		ephemeralKinds: map[store.EventKind]bool{
			store.KindLLMResponseDelta: true,
			store.KindLLMThinkingDelta: true,
		},
		mergeableKinds: map[store.EventKind]bool{
			store.KindOperationProgress:  true,
			store.KindToolCallProgress:   true,
		},
		pendingMerge: map[mergeKey]store.Event{},
	}
}

// Subscribe registers handler for events matching filter and returns an id
// usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler, filter Filter) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = subscription{handler: handler, filter: filter}
	return id
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish classifies and routes event per spec §4.1. It returns a typed
// error only when a durable append fails; the bus has already emitted a
// best-effort emergency operation_failed event by the time it returns.
func (b *Bus) Publish(event store.Event) error {
	b.mu.Lock()
	if b.mergeableKinds[event.Kind] {
		key := mergeKey{event.SessionID, event.Kind, event.RequestID, event.TurnID, event.StepID}
		b.pendingMerge[key] = event
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.Flush(event.SessionID); err != nil {
		return err
	}

	if b.ephemeralKinds[event.Kind] {
		b.dispatch(event)
		return nil
	}
	return b.appendAndDispatch(event)
}

// Flush drains pending merged progress entries for sessionID (or every
// session, if sessionID is empty) in (timestamp, event_id) order.
func (b *Bus) Flush(sessionID string) error {
	b.mu.Lock()
	type kv struct {
		key mergeKey
		ev  store.Event
	}
	var items []kv
	for k, ev := range b.pendingMerge {
		if sessionID != "" && k.sessionID != sessionID {
			continue
		}
		items = append(items, kv{k, ev})
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ev.TimestampMS != items[j].ev.TimestampMS {
			return items[i].ev.TimestampMS < items[j].ev.TimestampMS
		}
		return items[i].ev.EventID < items[j].ev.EventID
	})

	for _, item := range items {
		if err := b.appendAndDispatch(item.ev); err != nil {
			return err
		}
		b.mu.Lock()
		delete(b.pendingMerge, item.key)
		b.mu.Unlock()
	}
	return nil
}

func (b *Bus) appendAndDispatch(event store.Event) error {
	if b.log != nil {
		if err := b.log.Append(event); err != nil {
			b.notifyAppendFailed(event, err)
			return errs.Wrap(errs.EventLogAppendFailed, fmt.Sprintf("append event kind=%s event_id=%s", event.Kind, event.EventID), err)
		}
	}
	b.dispatch(event)
	return nil
}

func (b *Bus) dispatch(event store.Event) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(event) {
			continue
		}
		b.safeInvoke(s.handler, event)
	}
}

// safeInvoke swallows a panicking handler: handlers are observers, not
// transactors, and must never abort a publish.
func (b *Bus) safeInvoke(handler Handler, event store.Event) {
	defer func() { _ = recover() }()
	handler(event)
}

func (b *Bus) notifyAppendFailed(event store.Event, cause error) {
	emergency := store.Event{
		Kind: store.KindOperationFailed,
		Payload: map[string]any{
			"error":      fmt.Sprintf("Failed to append event log: %v", cause),
			"error_code": string(errs.EventLogAppendFailed),
			"failed_event": map[string]any{
				"kind":     string(event.Kind),
				"event_id": event.EventID,
			},
		},
		SessionID:     event.SessionID,
		EventID:       ids.New(ids.PrefixEvent),
		TimestampMS:   ids.NowMS(),
		RequestID:     event.RequestID,
		TurnID:        event.TurnID,
		StepID:        event.StepID,
		SchemaVersion: event.SchemaVersion,
	}
	b.dispatch(emergency)
}
