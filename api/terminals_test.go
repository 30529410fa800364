package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
	"github.com/xiaoyuanzhu-com/devpanel/server"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

type testServer struct {
	srv  *server.Server
	http *httptest.Server
	mem  *mux.Memory
	home string
	root string
}

func createTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	root := filepath.Join(dir, "workspaces")
	for _, p := range []string{home, root} {
		if err := os.MkdirAll(p, 0755); err != nil {
			t.Fatal(err)
		}
	}

	srv, err := server.New(&server.Config{
		Env:           "production",
		DatabasePath:  filepath.Join(dir, "devpanel.db"),
		MuxBackend:    "memory",
		DefaultCwd:    home,
		WorkspaceRoot: root,
		SweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	SetupRoutes(srv.Router(), NewHandlers(srv))
	hs := httptest.NewServer(srv.Router())

	ts := &testServer{srv: srv, http: hs, mem: srv.Mux().(*mux.Memory), home: home, root: root}
	return ts, func() {
		hs.Close()
		srv.Shutdown(context.Background())
	}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + server.TerminalWSPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, intent protocol.Intent, corr protocol.Correlation) {
	t.Helper()
	frame, err := protocol.Encode(intent, corr)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text frame, got %v", typ)
	}
	ev, err := protocol.DecodeEvent(msg)
	if err != nil {
		t.Fatalf("undecodable event %s: %v", msg, err)
	}
	return ev
}

func readType(t *testing.T, conn *websocket.Conn, want protocol.EventType) protocol.Event {
	t.Helper()
	ev := read(t, conn)
	if ev.Type != want {
		t.Fatalf("expected %s, got %s (%+v)", want, ev.Type, ev.Data)
	}
	return ev
}

// =============================================================================
// WebSocket
// =============================================================================

func TestTerminalWebSocket_SnapshotsThenLifecycle(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	a := ts.dial(t)
	defer a.Close(websocket.StatusNormalClosure, "")
	b := ts.dial(t)
	defer b.Close(websocket.StatusNormalClosure, "")

	for _, conn := range []*websocket.Conn{a, b} {
		tabs := readType(t, conn, protocol.EventTabsSnapshot).Data.(protocol.TabsSnapshot)
		if len(tabs.Tabs) != 1 {
			t.Errorf("expected the default tab, got %d tabs", len(tabs.Tabs))
		}
		sessions := readType(t, conn, protocol.EventSessionsSnapshot).Data.(protocol.SessionsSnapshot)
		if len(sessions.Sessions) != 0 {
			t.Errorf("expected no sessions, got %d", len(sessions.Sessions))
		}
	}

	corr := protocol.Correlation{CorrelationID: "c1", ProvisionalID: "p1"}
	send(t, a, &protocol.CreateSession{Name: "build", Cols: 80, Rows: 24}, corr)

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readType(t, conn, protocol.EventSessionCreated)
		if ev.Correlation != corr {
			t.Errorf("expected correlation %+v, got %+v", corr, ev.Correlation)
		}
		rec := ev.Data.(db.TerminalSession)
		if rec.Name != "build" || rec.Cwd != ts.home {
			t.Errorf("unexpected session %+v", rec)
		}
	}
}

func TestTerminalWebSocket_AttachInputOutput(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	a := ts.dial(t)
	defer a.Close(websocket.StatusNormalClosure, "")
	readType(t, a, protocol.EventTabsSnapshot)
	readType(t, a, protocol.EventSessionsSnapshot)

	send(t, a, &protocol.CreateSession{}, protocol.Correlation{CorrelationID: "c1"})
	id := readType(t, a, protocol.EventSessionCreated).Data.(db.TerminalSession).ID

	ts.mem.Emit(id, []byte("before\r\n"))
	time.Sleep(50 * time.Millisecond)

	send(t, a, &protocol.Attach{ID: id}, protocol.Correlation{CorrelationID: "c2"})
	attached := readType(t, a, protocol.EventSessionAttached).Data.(protocol.SessionAttached)
	if attached.Buffer != "before\r\n" {
		t.Errorf("expected buffered output, got %q", attached.Buffer)
	}

	ts.mem.Emit(id, []byte("after"))
	out := readType(t, a, protocol.EventSessionOutput).Data.(protocol.SessionOutput)
	if out.ID != id || out.Data != "after" {
		t.Errorf("unexpected output %+v", out)
	}

	send(t, a, &protocol.Input{ID: id, Data: "ls\r"}, protocol.Correlation{})
	deadline := time.Now().Add(2 * time.Second)
	for string(ts.mem.Input(id)) != "ls\r" {
		if time.Now().After(deadline) {
			t.Fatalf("expected input to reach the process, got %q", ts.mem.Input(id))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTerminalWebSocket_BadFrameAnsweredWithError(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	a := ts.dial(t)
	defer a.Close(websocket.StatusNormalClosure, "")
	readType(t, a, protocol.EventTabsSnapshot)
	readType(t, a, protocol.EventSessionsSnapshot)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Write(ctx, websocket.MessageText, []byte(`{"type":"session.explode","correlationId":"c9"}`)); err != nil {
		t.Fatal(err)
	}

	ev := readType(t, a, protocol.EventSyncError)
	if ev.CorrelationID != "c9" {
		t.Errorf("expected correlation c9, got %q", ev.CorrelationID)
	}
	if code := ev.Data.(protocol.SyncError).Code; code != protocol.CodeBadRequest {
		t.Errorf("expected %s, got %s", protocol.CodeBadRequest, code)
	}
}

func TestTerminalWebSocket_ShutdownClosesConnection(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	a := ts.dial(t)
	readType(t, a, protocol.EventTabsSnapshot)
	readType(t, a, protocol.EventSessionsSnapshot)

	ts.srv.Hub().Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := a.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("expected going away close, got %v (%v)", status, err)
	}
}

// =============================================================================
// REST
// =============================================================================

func doJSON(t *testing.T, ts *testServer, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestRest_SessionsAndTabs(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	a := ts.dial(t)
	defer a.Close(websocket.StatusNormalClosure, "")
	readType(t, a, protocol.EventTabsSnapshot)
	readType(t, a, protocol.EventSessionsSnapshot)
	send(t, a, &protocol.CreateSession{Name: "x"}, protocol.Correlation{})
	id := readType(t, a, protocol.EventSessionCreated).Data.(db.TerminalSession).ID

	resp := doJSON(t, ts, http.MethodGet, "/api/terminals/sessions", nil)
	defer resp.Body.Close()
	var list ListResponse[db.TerminalSession]
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != id {
		t.Errorf("expected session %s, got %+v", id, list.Data)
	}

	resp = doJSON(t, ts, http.MethodGet, "/api/terminals/sessions/nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodGet, "/api/terminals/tabs", nil)
	defer resp.Body.Close()
	var tabs ListResponse[db.TerminalTab]
	if err := json.NewDecoder(resp.Body).Decode(&tabs); err != nil {
		t.Fatal(err)
	}
	if len(tabs.Data) != 1 {
		t.Errorf("expected 1 tab, got %d", len(tabs.Data))
	}

	resp = doJSON(t, ts, http.MethodGet, "/api/health", nil)
	defer resp.Body.Close()
	var health DataResponse[HealthResponse]
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Data.Status != "ok" || health.Data.Sessions != 1 || health.Data.Connections != 1 {
		t.Errorf("unexpected health %+v", health.Data)
	}
}

func TestRest_TaskWorkspaceUnlinkSweepsSessions(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	ws := filepath.Join(ts.root, "task-1")
	if err := os.MkdirAll(ws, 0755); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, ts, http.MethodPut, "/api/task-workspaces", LinkTaskWorkspaceRequest{Path: ws, TaskID: "task-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodPut, "/api/task-workspaces", LinkTaskWorkspaceRequest{Path: filepath.Join(ws, "nested"), TaskID: "task-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a nested path, got %d", resp.StatusCode)
	}

	a := ts.dial(t)
	defer a.Close(websocket.StatusNormalClosure, "")
	readType(t, a, protocol.EventTabsSnapshot)
	readType(t, a, protocol.EventSessionsSnapshot)
	send(t, a, &protocol.CreateSession{Cwd: ws}, protocol.Correlation{})
	id := readType(t, a, protocol.EventSessionCreated).Data.(db.TerminalSession).ID

	// Tracked: a pass leaves the session alone
	destroyed, err := ts.srv.Sweeper().SweepOnce(context.Background())
	if err != nil || len(destroyed) != 0 {
		t.Fatalf("expected nothing swept, got %v (%v)", destroyed, err)
	}

	resp = doJSON(t, ts, http.MethodDelete, "/api/task-workspaces?path="+ws, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/terminals/sweep", nil)
	defer resp.Body.Close()
	var swept DataResponse[SweepResponse]
	if err := json.NewDecoder(resp.Body).Decode(&swept); err != nil {
		t.Fatal(err)
	}
	if len(swept.Data.Destroyed) != 1 || swept.Data.Destroyed[0] != id {
		t.Errorf("expected %s swept, got %v", id, swept.Data.Destroyed)
	}
	ev := readType(t, a, protocol.EventSessionDestroyed).Data.(protocol.SessionDestroyed)
	if ev.ID != id {
		t.Errorf("expected destroyed %s, got %s", id, ev.ID)
	}
}

func TestRest_TaskWorkspaceRejectsTabOwnedSession(t *testing.T) {
	ts, cleanup := createTestServer(t)
	defer cleanup()

	ws := filepath.Join(ts.root, "task-2")
	if err := os.MkdirAll(ws, 0755); err != nil {
		t.Fatal(err)
	}
	tabs := ts.srv.Manager().Tabs().List()
	if len(tabs) == 0 {
		t.Fatal("expected the default tab")
	}
	rec, err := ts.srv.Manager().Create(context.Background(), terminal.CreateRequest{TabID: &tabs[0].ID})
	if err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, ts, http.MethodPut, "/api/task-workspaces", LinkTaskWorkspaceRequest{Path: ws, TaskID: "task-2", TerminalSessionID: &rec.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	list, err := ts.srv.DB().ListWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected no workspace linked, got %+v", list)
	}
}
