package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Migrations
// =============================================================================

func TestOpen_AppliesMigrations(t *testing.T) {
	d := openTestDB(t)

	v, err := d.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("expected schema version 2, got %d", v)
	}
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite")

	d, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.InsertTab(&TerminalTab{ID: "t1", Name: "Main", CreatedAt: NowMs()}); err != nil {
		t.Fatal(err)
	}
	d.Close()

	d, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	tabs, err := d.ListTabs()
	if err != nil {
		t.Fatal(err)
	}
	if len(tabs) != 1 || tabs[0].ID != "t1" {
		t.Errorf("expected tab to survive reopen, got %+v", tabs)
	}
}

// =============================================================================
// Sessions
// =============================================================================

func TestSessions_RoundTrip(t *testing.T) {
	d := openTestDB(t)

	if err := d.InsertTab(&TerminalTab{ID: "tab-1", Name: "Main", CreatedAt: NowMs()}); err != nil {
		t.Fatal(err)
	}

	s := &TerminalSession{
		ID:        "s1",
		Name:      "shell",
		Cwd:       "/tmp",
		Status:    SessionStatusRunning,
		Cols:      120,
		Rows:      40,
		TabID:     strPtr("tab-1"),
		Position:  3,
		CreatedAt: NowMs(),
	}
	if err := d.InsertSession(s); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := d.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Cwd != "/tmp" || got.Cols != 120 || got.Rows != 40 || got.Position != 3 {
		t.Errorf("unexpected session: %+v", got)
	}
	if !got.TabOwned() || *got.TabID != "tab-1" {
		t.Errorf("expected tab-1 ownership, got %v", got.TabID)
	}
	if got.ExitCode != nil {
		t.Errorf("expected nil exit code, got %d", *got.ExitCode)
	}

	code := 2
	got.Status = SessionStatusExited
	got.ExitCode = &code
	got.TabID = nil
	if err := d.UpdateSession(got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, _ = d.GetSession("s1")
	if !got.Exited() || got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("expected exited with code 2, got %+v", got)
	}
	if got.TabOwned() {
		t.Error("expected task-owned session after clearing tab")
	}
}

func TestSessions_GetMissingReturnsNil(t *testing.T) {
	d := openTestDB(t)

	got, err := d.GetSession("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSessions_UpdateMissingFails(t *testing.T) {
	d := openTestDB(t)

	err := d.UpdateSession(&TerminalSession{ID: "ghost", Status: SessionStatusRunning})
	if err == nil {
		t.Fatal("expected error updating missing session")
	}
}

func TestSessions_UnknownTabRejected(t *testing.T) {
	d := openTestDB(t)

	err := d.InsertSession(&TerminalSession{
		ID: "s1", Name: "x", Cwd: "/", Status: SessionStatusRunning,
		TabID: strPtr("missing"), CreatedAt: NowMs(),
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestSessions_ListSessionsInTab(t *testing.T) {
	d := openTestDB(t)

	d.InsertTab(&TerminalTab{ID: "a", Name: "A", CreatedAt: NowMs()})
	d.InsertTab(&TerminalTab{ID: "b", Name: "B", CreatedAt: NowMs()})

	for i, tab := range []string{"a", "b", "a"} {
		err := d.InsertSession(&TerminalSession{
			ID: string(rune('x' + i)), Name: "n", Cwd: "/", Status: SessionStatusRunning,
			TabID: strPtr(tab), Position: i, CreatedAt: NowMs(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	d.InsertSession(&TerminalSession{ID: "task", Name: "n", Cwd: "/", Status: SessionStatusRunning, CreatedAt: NowMs()})

	inA, err := d.ListSessionsInTab("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(inA) != 2 || inA[0].ID != "x" || inA[1].ID != "z" {
		t.Errorf("unexpected members of tab a: %+v", inA)
	}

	all, _ := d.ListSessions()
	if len(all) != 4 {
		t.Fatalf("expected 4 sessions, got %d", len(all))
	}
	if all[len(all)-1].ID != "task" {
		t.Errorf("expected task-owned session last, got %s", all[len(all)-1].ID)
	}
}

// =============================================================================
// Tabs
// =============================================================================

func TestTabs_SaveOrder(t *testing.T) {
	d := openTestDB(t)

	for i, id := range []string{"a", "b", "c"} {
		d.InsertTab(&TerminalTab{ID: id, Name: id, Position: i, CreatedAt: NowMs()})
	}

	if err := d.SaveTabOrder([]string{"c", "a", "b"}); err != nil {
		t.Fatalf("SaveTabOrder: %v", err)
	}

	tabs, _ := d.ListTabs()
	var order []string
	for _, tab := range tabs {
		order = append(order, tab.ID)
	}
	if len(order) != 3 || order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Errorf("unexpected order %v", order)
	}
	for i, tab := range tabs {
		if tab.Position != i {
			t.Errorf("tab %s: expected position %d, got %d", tab.ID, i, tab.Position)
		}
	}
}

func TestTabs_DeleteWithMembersFails(t *testing.T) {
	d := openTestDB(t)

	d.InsertTab(&TerminalTab{ID: "a", Name: "A", CreatedAt: NowMs()})
	d.InsertSession(&TerminalSession{ID: "s", Name: "n", Cwd: "/", Status: SessionStatusRunning, TabID: strPtr("a"), CreatedAt: NowMs()})

	if err := d.DeleteTab("a"); err == nil {
		t.Fatal("expected foreign key error deleting a tab that still has sessions")
	}

	d.DeleteSession("s")
	if err := d.DeleteTab("a"); err != nil {
		t.Fatalf("DeleteTab after removing members: %v", err)
	}
}

// =============================================================================
// Meta and workspaces
// =============================================================================

func TestMeta_SetGet(t *testing.T) {
	d := openTestDB(t)

	if _, ok, _ := d.GetMeta("k"); ok {
		t.Fatal("expected missing key")
	}
	if err := d.SetMeta("k", "v1"); err != nil {
		t.Fatal(err)
	}
	d.SetMeta("k", "v2")

	v, ok, err := d.GetMeta("k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("expected v2, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestWorkspaces_TrackAndDetach(t *testing.T) {
	d := openTestDB(t)

	err := d.LinkWorkspace(&TaskWorkspace{Path: "/srv/ws/task-1/", TaskID: "task-1", TerminalSessionID: strPtr("s1")})
	if err != nil {
		t.Fatal(err)
	}

	tracked, err := d.IsTrackedWorkspace(context.Background(), "/srv/ws/task-1")
	if err != nil || !tracked {
		t.Errorf("expected tracked workspace, got %v err=%v", tracked, err)
	}
	if tracked, _ := d.IsTrackedWorkspace(context.Background(), "/srv/ws/task-2"); tracked {
		t.Error("task-2 should not be tracked")
	}

	if err := d.DetachWorkspaceTerminal("s1"); err != nil {
		t.Fatal(err)
	}
	list, _ := d.ListWorkspaces()
	if len(list) != 1 || list[0].TerminalSessionID != nil {
		t.Errorf("expected terminal link cleared, got %+v", list)
	}

	d.UnlinkWorkspace("/srv/ws/task-1")
	if tracked, _ := d.IsTrackedWorkspace(context.Background(), "/srv/ws/task-1"); tracked {
		t.Error("expected workspace to be untracked after unlink")
	}
}
