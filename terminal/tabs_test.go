package terminal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

func tabNames(tabs []db.TerminalTab) []string {
	names := make([]string, len(tabs))
	for i, tab := range tabs {
		names[i] = tab.Name
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTabs_CreateAndPositions(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()
	tabs := env.m.Tabs()

	env.createTab(t, "one", "")
	env.createTab(t, "three", "")
	zero := 0
	one := 1
	if _, err := tabs.Create(context.Background(), CreateTabRequest{Name: "two", Position: &one}); err != nil {
		t.Fatal(err)
	}
	if _, err := tabs.Create(context.Background(), CreateTabRequest{Name: "zero", Position: &zero}); err != nil {
		t.Fatal(err)
	}
	unnamed, err := tabs.Create(context.Background(), CreateTabRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if unnamed.Name != "Tab 5" {
		t.Errorf("expected default name Tab 5, got %q", unnamed.Name)
	}

	list := tabs.List()
	want := []string{"zero", "one", "two", "three", "Tab 5"}
	if got := tabNames(list); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i, tab := range list {
		if tab.Position != i {
			t.Errorf("tab %s: expected position %d, got %d", tab.Name, i, tab.Position)
		}
	}

	stored, err := env.registry.ListTabs()
	if err != nil {
		t.Fatal(err)
	}
	if got := tabNames(stored); !equalStrings(got, want) {
		t.Errorf("registry order %v, expected %v", got, want)
	}
}

func TestTabs_CreateRejectsMissingDirectory(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	_, err := env.m.Tabs().Create(context.Background(), CreateTabRequest{
		Name:      "bad",
		Directory: filepath.Join(t.TempDir(), "missing"),
	})
	if !errors.Is(err, ErrInvalidCwd) {
		t.Fatalf("expected ErrInvalidCwd, got %v", err)
	}
}

func TestTabs_DuplicateProvisionalID(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()
	tabs := env.m.Tabs()

	req := CreateTabRequest{Name: "work", Correlation: protocol.Correlation{ProvisionalID: "tmp-tab"}}
	first, err := tabs.Create(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tabs.Create(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same tab, got %s and %s", first.ID, second.ID)
	}
	if n := len(tabs.List()); n != 1 {
		t.Errorf("expected one tab, got %d", n)
	}
}

func TestTabs_UpdateAndReorder(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()
	tabs := env.m.Tabs()

	a := env.createTab(t, "a", "")
	env.createTab(t, "b", "")
	c := env.createTab(t, "c", "")
	member := env.createSession(t, CreateRequest{TabID: &a.ID})
	obs := env.observe(t, "obs")

	dir := t.TempDir()
	name := "renamed"
	updated, err := tabs.Update(context.Background(), a.ID, UpdateTabRequest{Name: &name, Directory: &dir}, protocol.Correlation{})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "renamed" || updated.Directory != dir {
		t.Errorf("unexpected update result %+v", updated)
	}
	expectType(t, obs, protocol.EventTabUpdated)

	empty := " "
	if _, err := tabs.Update(context.Background(), a.ID, UpdateTabRequest{Name: &empty}, protocol.Correlation{}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}

	order, err := tabs.Reorder(context.Background(), c.ID, 0, protocol.Correlation{CorrelationID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	ev := expectType(t, obs, protocol.EventTabReordered)
	reordered := ev.Data.(protocol.TabReordered)
	if reordered.Position != 0 || !equalStrings(reordered.Order, order) {
		t.Errorf("unexpected reorder payload %+v", reordered)
	}
	if got := tabNames(tabs.List()); !equalStrings(got, []string{"c", "renamed", "b"}) {
		t.Errorf("unexpected order %v", got)
	}

	// Reordering never touches member sessions.
	got, _ := env.m.Get(member.ID)
	if got.TabID == nil || *got.TabID != a.ID || got.Position != member.Position {
		t.Errorf("member session changed: %+v", got)
	}

	if _, err := tabs.Reorder(context.Background(), "missing", 0, protocol.Correlation{}); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("expected ErrTabNotFound, got %v", err)
	}
}

func TestTabs_DeleteCascadeOrder(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()
	tabs := env.m.Tabs()

	tab := env.createTab(t, "doomed", "")
	other := env.createTab(t, "kept", "")
	members := map[string]bool{}
	for i := 0; i < 3; i++ {
		members[env.createSession(t, CreateRequest{TabID: &tab.ID}).ID] = true
	}
	survivor := env.createSession(t, CreateRequest{TabID: &other.ID})
	loose := env.createSession(t, CreateRequest{})
	obs := env.observe(t, "obs")

	destroyed, err := tabs.Delete(context.Background(), tab.ID, protocol.Correlation{})
	if err != nil {
		t.Fatal(err)
	}
	if len(destroyed) != 3 {
		t.Errorf("expected 3 destroyed sessions, got %d", len(destroyed))
	}

	for i := 0; i < 3; i++ {
		ev := expectType(t, obs, protocol.EventSessionDestroyed)
		d := ev.Data.(protocol.SessionDestroyed)
		if !members[d.ID] || d.Reason != ReasonTabDeleted {
			t.Errorf("unexpected destroyed event %+v", d)
		}
		delete(members, d.ID)
	}
	ev := expectType(t, obs, protocol.EventTabDeleted)
	if ev.Data.(protocol.TabDeleted).ID != tab.ID {
		t.Errorf("unexpected tab.deleted %+v", ev.Data)
	}
	expectQuiet(t, obs)

	for _, id := range []string{survivor.ID, loose.ID} {
		if _, err := env.m.Get(id); err != nil {
			t.Errorf("session %s should survive: %v", id, err)
		}
	}
	if list := tabs.List(); len(list) != 1 || list[0].ID != other.ID || list[0].Position != 0 {
		t.Errorf("expected only the kept tab at position 0, got %+v", list)
	}

	if _, err := tabs.Get(tab.ID); !errors.Is(err, ErrStale) {
		t.Errorf("expected stale for deleted tab, got %v", err)
	}
	if _, err := env.m.Create(context.Background(), CreateRequest{TabID: &tab.ID}); !errors.Is(err, ErrStale) {
		t.Errorf("expected stale creating into deleted tab, got %v", err)
	}
	if _, err := tabs.Delete(context.Background(), tab.ID, protocol.Correlation{}); !errors.Is(err, ErrStale) {
		t.Errorf("expected stale on second delete, got %v", err)
	}
}

func TestTabs_DeleteSkipsSessionMovedAway(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()
	tabs := env.m.Tabs()

	doomed := env.createTab(t, "doomed", "")
	kept := env.createTab(t, "kept", "")
	a := env.createSession(t, CreateRequest{TabID: &doomed.ID})
	b := env.createSession(t, CreateRequest{TabID: &doomed.ID})

	// The first cascade destroy moves the other member out of the tab
	var destroyedIDs []string
	env.m.OnDestroyed(func(rec db.TerminalSession, reason string) {
		destroyedIDs = append(destroyedIDs, rec.ID)
		if len(destroyedIDs) != 1 {
			return
		}
		other := a.ID
		if rec.ID == a.ID {
			other = b.ID
		}
		if err := env.m.AssignTab(context.Background(), other, kept.ID, nil, protocol.Correlation{}); err != nil {
			t.Errorf("expected move during cascade to succeed, got %v", err)
		}
	})

	destroyed, err := tabs.Delete(context.Background(), doomed.ID, protocol.Correlation{})
	if err != nil {
		t.Fatal(err)
	}
	if len(destroyed) != 1 || len(destroyedIDs) != 1 {
		t.Fatalf("expected 1 destroyed session, got %v", destroyed)
	}

	moved := a.ID
	if destroyed[0] == a.ID {
		moved = b.ID
	}
	got, err := env.m.Get(moved)
	if err != nil {
		t.Fatalf("expected %s to survive, got %v", moved, err)
	}
	if got.TabID == nil || *got.TabID != kept.ID {
		t.Errorf("expected %s in tab %s, got %v", moved, kept.ID, got.TabID)
	}
}

func TestDestroy_RequireTab(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	tab := env.createTab(t, "work", "")
	other := env.createTab(t, "other", "")
	member := env.createSession(t, CreateRequest{TabID: &tab.ID})
	loose := env.createSession(t, CreateRequest{})

	for _, id := range []string{member.ID, loose.ID} {
		err := env.m.Destroy(context.Background(), id, DestroyOptions{Force: true, RequireTab: other.ID})
		if !errors.Is(err, ErrNotInTab) {
			t.Errorf("expected ErrNotInTab for %s, got %v", id, err)
		}
	}
	if err := env.m.Destroy(context.Background(), member.ID, DestroyOptions{Force: true, RequireTab: tab.ID}); err != nil {
		t.Errorf("expected destroy within its own tab, got %v", err)
	}
}

func TestTabs_EnsureDefaultOnlyOnce(t *testing.T) {
	registry := openRegistry(t)
	mem := mux.NewMemory()

	env, cleanup := createTestManagerWith(t, registry, mem, Config{})
	created, err := env.m.Tabs().EnsureDefault(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if created == nil || created.Name != DefaultTabName {
		t.Fatalf("expected %s tab, got %+v", DefaultTabName, created)
	}
	if _, err := env.m.Tabs().Delete(context.Background(), created.ID, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}
	cleanup()

	again, cleanupAgain := createTestManagerWith(t, registry, mem, Config{})
	defer cleanupAgain()
	created, err = again.m.Tabs().EnsureDefault(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if created != nil {
		t.Errorf("default tab must not be recreated, got %+v", created)
	}
	if n := len(again.m.Tabs().List()); n != 0 {
		t.Errorf("expected no tabs, got %d", n)
	}
}
