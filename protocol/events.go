package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaoyuanzhu-com/devpanel/db"
)

// EventType is the tag of an outbound event. The set is closed.
type EventType string

const (
	EventSessionsSnapshot   EventType = "sessions.snapshot"
	EventSessionCreated     EventType = "session.created"
	EventSessionDestroyed   EventType = "session.destroyed"
	EventSessionOutput      EventType = "session.output"
	EventSessionExited      EventType = "session.exited"
	EventSessionAttached    EventType = "session.attached"
	EventSessionDetached    EventType = "session.detached"
	EventSessionRenamed     EventType = "session.renamed"
	EventSessionResized     EventType = "session.resized"
	EventSessionTabAssigned EventType = "session.tabAssigned"
	EventTabsSnapshot       EventType = "tabs.snapshot"
	EventTabCreated         EventType = "tab.created"
	EventTabUpdated         EventType = "tab.updated"
	EventTabDeleted         EventType = "tab.deleted"
	EventTabReordered       EventType = "tab.reordered"
	EventSyncStale          EventType = "sync.stale"
	EventSyncError          EventType = "sync.error"
)

// Event is an outbound message. SessionID scopes session.output delivery to
// attached connections and is not serialized.
type Event struct {
	Type EventType `json:"type"`
	Correlation
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"ts"`
	SessionID string `json:"-"`
}

// NewEvent stamps an event with the current time
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}
}

// WithCorrelation returns a copy of e echoing corr
func (e Event) WithCorrelation(corr Correlation) Event {
	e.Correlation = corr
	return e
}

// Lifecycle reports whether e is a broadcast state change rather than
// output or a reply addressed to one connection
func (e Event) Lifecycle() bool {
	switch e.Type {
	case EventSessionOutput, EventSessionAttached, EventSessionDetached, EventSyncStale, EventSyncError:
		return false
	}
	return true
}

// Event payloads

type SessionsSnapshot struct {
	Sessions []db.TerminalSession `json:"sessions"`
}

type TabsSnapshot struct {
	Tabs []db.TerminalTab `json:"tabs"`
}

type SessionDestroyed struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// SessionOutput carries terminal output as UTF-8 text
type SessionOutput struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type SessionExited struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
}

type SessionAttached struct {
	ID     string `json:"id"`
	Buffer string `json:"buffer"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
}

type SessionDetached struct {
	ID string `json:"id"`
}

type SessionRenamed struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type SessionResized struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type SessionTabAssigned struct {
	ID       string `json:"id"`
	TabID    string `json:"tabId"`
	Position int    `json:"position"`
}

type TabDeleted struct {
	ID string `json:"id"`
}

// TabReordered carries the full tab order after the move
type TabReordered struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Order    []string `json:"order"`
}

// Entity types named by sync.stale
const (
	EntitySession = "session"
	EntityTab     = "tab"
)

type SyncStale struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// Error codes carried by sync.error
const (
	CodeSpawnError       = "SPAWN_ERROR"
	CodeInvalidCwd       = "INVALID_CWD"
	CodeNotFound         = "NOT_FOUND"
	CodeProtectedSession = "PROTECTED_SESSION"
	CodeInvalidTab       = "INVALID_TAB"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
)

type SyncError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireEvent struct {
	Type EventType `json:"type"`
	Correlation
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"ts"`
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

var eventPayloads = map[EventType]func(json.RawMessage) (any, error){
	EventSessionsSnapshot:   decodeAs[SessionsSnapshot],
	EventSessionCreated:     decodeAs[db.TerminalSession],
	EventSessionDestroyed:   decodeAs[SessionDestroyed],
	EventSessionOutput:      decodeAs[SessionOutput],
	EventSessionExited:      decodeAs[SessionExited],
	EventSessionAttached:    decodeAs[SessionAttached],
	EventSessionDetached:    decodeAs[SessionDetached],
	EventSessionRenamed:     decodeAs[SessionRenamed],
	EventSessionResized:     decodeAs[SessionResized],
	EventSessionTabAssigned: decodeAs[SessionTabAssigned],
	EventTabsSnapshot:       decodeAs[TabsSnapshot],
	EventTabCreated:         decodeAs[db.TerminalTab],
	EventTabUpdated:         decodeAs[db.TerminalTab],
	EventTabDeleted:         decodeAs[TabDeleted],
	EventTabReordered:       decodeAs[TabReordered],
	EventSyncStale:          decodeAs[SyncStale],
	EventSyncError:          decodeAs[SyncError],
}

// DecodeEvent parses an outbound frame back into an Event whose Data has the
// same concrete type the server published
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	decode, ok := eventPayloads[w.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	data, err := decode(w.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, w.Type, err)
	}
	return Event{Type: w.Type, Correlation: w.Correlation, Data: data, Timestamp: w.Timestamp}, nil
}
