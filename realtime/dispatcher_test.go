package realtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

// =============================================================================
// Helpers
// =============================================================================

type testEngine struct {
	m    *terminal.Manager
	hub  *hub.Hub
	d    *Dispatcher
	mem  *mux.Memory
	home string
}

func createTestEngine(t *testing.T) (*testEngine, func()) {
	t.Helper()
	registry, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.sqlite")})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	mem := mux.NewMemory()
	h := hub.New(256)
	home := t.TempDir()
	m, err := terminal.NewManager(terminal.Config{DefaultCwd: home}, registry, mem, h)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	e := &testEngine{m: m, hub: h, d: NewDispatcher(m, h), mem: mem, home: home}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		h.Shutdown()
		registry.Close()
	}
	return e, cleanup
}

func (e *testEngine) connect(t *testing.T, connID string) *hub.Subscriber {
	t.Helper()
	sub, err := e.d.Connect(connID)
	if err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
	return sub
}

func (e *testEngine) frame(t *testing.T, connID string, intent protocol.Intent, corr protocol.Correlation) error {
	t.Helper()
	raw, err := protocol.Encode(intent, corr)
	if err != nil {
		t.Fatal(err)
	}
	return e.d.HandleFrame(context.Background(), connID, raw)
}

func recv(t *testing.T, sub *hub.Subscriber) protocol.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return protocol.Event{}
	}
}

func recvType(t *testing.T, sub *hub.Subscriber, want protocol.EventType) protocol.Event {
	t.Helper()
	ev := recv(t, sub)
	if ev.Type != want {
		t.Fatalf("expected %s, got %s", want, ev.Type)
	}
	return ev
}

func quiet(t *testing.T, sub *hub.Subscriber) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// =============================================================================
// Connect
// =============================================================================

func TestConnect_SnapshotsFirst(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()

	tab, err := e.m.Tabs().Create(context.Background(), terminal.CreateTabRequest{Name: "work"})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := e.m.Create(context.Background(), terminal.CreateRequest{TabID: &tab.ID})
	if err != nil {
		t.Fatal(err)
	}

	sub := e.connect(t, "c1")
	tabs := recvType(t, sub, protocol.EventTabsSnapshot).Data.(protocol.TabsSnapshot)
	if len(tabs.Tabs) != 1 || tabs.Tabs[0].ID != tab.ID {
		t.Errorf("unexpected tabs snapshot %+v", tabs)
	}
	sessions := recvType(t, sub, protocol.EventSessionsSnapshot).Data.(protocol.SessionsSnapshot)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].ID != rec.ID {
		t.Errorf("unexpected sessions snapshot %+v", sessions)
	}

	if _, err := e.d.Connect("c1"); !errors.Is(err, hub.ErrDuplicateConn) {
		t.Errorf("expected ErrDuplicateConn, got %v", err)
	}
}

// =============================================================================
// Intents
// =============================================================================

func TestHandle_CreateEchoesCorrelationToAll(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()
	a := e.connect(t, "A")
	b := e.connect(t, "B")
	for _, sub := range []*hub.Subscriber{a, b} {
		recv(t, sub)
		recv(t, sub)
	}

	corr := protocol.Correlation{CorrelationID: "c1", ProvisionalID: "tmp-1"}
	if err := e.frame(t, "A", &protocol.CreateSession{Name: "x", Cols: 80, Rows: 24}, corr); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []*hub.Subscriber{a, b} {
		ev := recvType(t, sub, protocol.EventSessionCreated)
		if ev.Correlation != corr {
			t.Errorf("expected %+v echoed, got %+v", corr, ev.Correlation)
		}
	}
}

func TestHandle_ErrorsGoToOriginatorOnly(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()

	tab, _ := e.m.Tabs().Create(context.Background(), terminal.CreateTabRequest{Name: "work"})
	rec, _ := e.m.Create(context.Background(), terminal.CreateRequest{TabID: &tab.ID})

	a := e.connect(t, "A")
	b := e.connect(t, "B")
	for _, sub := range []*hub.Subscriber{a, b} {
		recv(t, sub)
		recv(t, sub)
	}

	corr := protocol.Correlation{CorrelationID: "d1"}
	err := e.frame(t, "A", &protocol.DestroySession{ID: rec.ID}, corr)
	if !errors.Is(err, terminal.ErrProtectedSession) {
		t.Fatalf("expected ErrProtectedSession, got %v", err)
	}
	ev := recvType(t, a, protocol.EventSyncError)
	if ev.CorrelationID != "d1" || ev.Data.(protocol.SyncError).Code != protocol.CodeProtectedSession {
		t.Errorf("unexpected sync.error %+v", ev)
	}
	quiet(t, b)
}

func TestHandle_StaleEntity(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()

	rec, _ := e.m.Create(context.Background(), terminal.CreateRequest{})
	e.m.Destroy(context.Background(), rec.ID, terminal.DestroyOptions{})

	sub := e.connect(t, "A")
	recv(t, sub)
	recv(t, sub)

	corr := protocol.Correlation{CorrelationID: "r1"}
	e.frame(t, "A", &protocol.Rename{ID: rec.ID, Name: "late"}, corr)

	ev := recvType(t, sub, protocol.EventSyncStale)
	stale := ev.Data.(protocol.SyncStale)
	if stale.EntityType != protocol.EntitySession || stale.EntityID != rec.ID || ev.CorrelationID != "r1" {
		t.Errorf("unexpected sync.stale %+v", ev)
	}
}

func TestHandleFrame_BadInput(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()
	sub := e.connect(t, "A")
	recv(t, sub)
	recv(t, sub)

	frames := []string{
		`not json`,
		`{"type":"session.teleport","correlationId":"x1"}`,
		`{"type":"session.destroy","correlationId":"x2","data":{}}`,
	}
	for _, raw := range frames {
		if err := e.d.HandleFrame(context.Background(), "A", []byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
		ev := recvType(t, sub, protocol.EventSyncError)
		if code := ev.Data.(protocol.SyncError).Code; code != protocol.CodeBadRequest {
			t.Errorf("%s: expected BAD_REQUEST, got %s", raw, code)
		}
	}
}

func TestHandle_AttachAndInput(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()

	rec, _ := e.m.Create(context.Background(), terminal.CreateRequest{})
	sub := e.connect(t, "A")
	recv(t, sub)
	recv(t, sub)

	if err := e.frame(t, "A", &protocol.Attach{ID: rec.ID}, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}
	recvType(t, sub, protocol.EventSessionAttached)

	if err := e.frame(t, "A", &protocol.Input{ID: rec.ID, Data: "ls\r"}, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}
	// The loopback terminal echoes input as output.
	ev := recvType(t, sub, protocol.EventSessionOutput)
	if out := ev.Data.(protocol.SessionOutput); out.ID != rec.ID || out.Data != "ls\r" {
		t.Errorf("unexpected output %+v", out)
	}

	if err := e.frame(t, "A", &protocol.Detach{ID: rec.ID}, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}
	recvType(t, sub, protocol.EventSessionDetached)
	if e.hub.IsAttached("A", rec.ID) {
		t.Error("connection should no longer receive output")
	}
}

func TestHandle_TabIntents(t *testing.T) {
	e, cleanup := createTestEngine(t)
	defer cleanup()
	sub := e.connect(t, "A")
	recv(t, sub)
	recv(t, sub)

	corr := protocol.Correlation{CorrelationID: "t1", ProvisionalID: "tmp-tab"}
	if err := e.frame(t, "A", &protocol.CreateTab{Name: "work"}, corr); err != nil {
		t.Fatal(err)
	}
	created := recvType(t, sub, protocol.EventTabCreated)
	tab := created.Data.(db.TerminalTab)
	if created.ProvisionalID != "tmp-tab" {
		t.Errorf("expected provisional id echoed, got %q", created.ProvisionalID)
	}

	name := "renamed"
	e.frame(t, "A", &protocol.UpdateTab{ID: tab.ID, Name: &name}, protocol.Correlation{})
	recvType(t, sub, protocol.EventTabUpdated)

	e.frame(t, "A", &protocol.ReorderTab{ID: tab.ID, Position: 0}, protocol.Correlation{})
	recvType(t, sub, protocol.EventTabReordered)

	e.frame(t, "A", &protocol.CreateSession{TabID: &tab.ID}, protocol.Correlation{})
	rec := recvType(t, sub, protocol.EventSessionCreated).Data.(db.TerminalSession)

	e.frame(t, "A", &protocol.DeleteTab{ID: tab.ID}, protocol.Correlation{CorrelationID: "del"})
	destroyed := recvType(t, sub, protocol.EventSessionDestroyed).Data.(protocol.SessionDestroyed)
	if destroyed.ID != rec.ID || destroyed.Reason != terminal.ReasonTabDeleted {
		t.Errorf("unexpected destroyed %+v", destroyed)
	}
	deleted := recvType(t, sub, protocol.EventTabDeleted)
	if deleted.CorrelationID != "del" {
		t.Errorf("expected correlation on tab.deleted, got %q", deleted.CorrelationID)
	}

	err := e.frame(t, "A", &protocol.CreateSession{TabID: strPtr("ghost")}, protocol.Correlation{})
	if !errors.Is(err, terminal.ErrTabNotFound) {
		t.Errorf("expected ErrTabNotFound, got %v", err)
	}
	if code := recvType(t, sub, protocol.EventSyncError).Data.(protocol.SyncError).Code; code != protocol.CodeInvalidTab {
		t.Errorf("expected INVALID_TAB, got %s", code)
	}

	for _, intent := range []protocol.Intent{
		&protocol.UpdateTab{ID: "ghost", Name: strPtr("x")},
		&protocol.DeleteTab{ID: "ghost"},
		&protocol.ReorderTab{ID: "ghost", Position: 0},
	} {
		e.frame(t, "A", intent, protocol.Correlation{})
		if code := recvType(t, sub, protocol.EventSyncError).Data.(protocol.SyncError).Code; code != protocol.CodeNotFound {
			t.Errorf("%s: expected NOT_FOUND, got %s", intent.Type(), code)
		}
	}
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Error mapping
// =============================================================================

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: no pty", terminal.ErrSpawn), protocol.CodeSpawnError},
		{fmt.Errorf("%w: /nope", terminal.ErrInvalidCwd), protocol.CodeInvalidCwd},
		{terminal.ErrNotFound, protocol.CodeNotFound},
		{terminal.ErrProtectedSession, protocol.CodeProtectedSession},
		{terminal.ErrTabNotFound, protocol.CodeInvalidTab},
		{targetTab(fmt.Errorf("%w: t1", terminal.ErrTabNotFound)), protocol.CodeNotFound},
		{terminal.ErrWorkspaceSession, protocol.CodeInvalidTab},
		{terminal.ErrInvalidSize, protocol.CodeBadRequest},
		{terminal.ErrSessionExited, protocol.CodeBadRequest},
		{protocol.ErrMalformed, protocol.CodeBadRequest},
		{errors.New("disk full"), protocol.CodeInternalError},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, expected %s", tt.err, got, tt.want)
		}
	}
}

func TestErrorEvent_StaleIsNotAnError(t *testing.T) {
	err := fmt.Errorf("rename: %w", &terminal.StaleError{EntityType: protocol.EntityTab, EntityID: "t9"})
	ev := ErrorEvent(err, protocol.Correlation{CorrelationID: "c", ProvisionalID: "p"})
	if ev.Type != protocol.EventSyncStale {
		t.Fatalf("expected sync.stale, got %s", ev.Type)
	}
	if ev.ProvisionalID != "p" || ev.Data.(protocol.SyncStale).EntityID != "t9" {
		t.Errorf("unexpected event %+v", ev)
	}
}
