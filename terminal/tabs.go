package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

// DefaultTabName is the name of the tab created at first boot
const DefaultTabName = "Main"

const metaDefaultTabCreated = "terminal.default_tab_created"

// CreateTabRequest describes a new tab. A nil Position appends.
type CreateTabRequest struct {
	Name      string
	Position  *int
	Directory string
	ConnID    string
	protocol.Correlation
}

// UpdateTabRequest changes a tab's metadata; nil fields are left alone
type UpdateTabRequest struct {
	Name      *string
	Directory *string
}

// Tabs is the ordered set of named session groups.
//
// Lock order: Tabs.mu, then session opMu, then Manager.mu.
type Tabs struct {
	m      *Manager
	logger zerolog.Logger

	mu       sync.RWMutex
	tabs     map[string]*db.TerminalTab
	deleting map[string]bool
}

func newTabs(m *Manager) (*Tabs, error) {
	list, err := m.db.ListTabs()
	if err != nil {
		return nil, fmt.Errorf("load tabs: %w", err)
	}
	t := &Tabs{
		m:        m,
		logger:   log.GetLogger("TerminalTabs"),
		tabs:     make(map[string]*db.TerminalTab, len(list)),
		deleting: make(map[string]bool),
	}
	for i := range list {
		tab := list[i]
		t.tabs[tab.ID] = &tab
	}
	return t, nil
}

// usableLocked checks that sessions may join tabID. t.mu must be held.
func (t *Tabs) usableLocked(tabID string) error {
	if _, ok := t.tabs[tabID]; !ok || t.deleting[tabID] {
		return t.missing(tabID)
	}
	return nil
}

// missing returns the stale or not-found error for tabID. t.mu must be held.
func (t *Tabs) missing(tabID string) error {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if t.deleting[tabID] {
		return &StaleError{EntityType: protocol.EntityTab, EntityID: tabID}
	}
	return t.m.missingLocked(protocol.EntityTab, tabID)
}

// orderedLocked returns tabs sorted by position. t.mu must be held.
func (t *Tabs) orderedLocked() []*db.TerminalTab {
	list := make([]*db.TerminalTab, 0, len(t.tabs))
	for _, tab := range t.tabs {
		list = append(list, tab)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (t *Tabs) listLocked() []db.TerminalTab {
	ordered := t.orderedLocked()
	list := make([]db.TerminalTab, len(ordered))
	for i, tab := range ordered {
		list[i] = *tab
	}
	return list
}

// renumberLocked assigns positions 0..n-1 in the given order and persists it
func (t *Tabs) renumberLocked(order []*db.TerminalTab) ([]string, error) {
	ids := make([]string, len(order))
	for i, tab := range order {
		ids[i] = tab.ID
	}
	if err := t.m.db.SaveTabOrder(ids); err != nil {
		return nil, err
	}
	for i, tab := range order {
		tab.Position = i
	}
	return ids, nil
}

// List returns all tabs in display order
func (t *Tabs) List() []db.TerminalTab {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listLocked()
}

// Get returns one tab
func (t *Tabs) Get(id string) (db.TerminalTab, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tab, ok := t.tabs[id]
	if !ok {
		return db.TerminalTab{}, t.missing(id)
	}
	return *tab, nil
}

// Create adds a tab. A repeated request with the same provisional id
// returns the first tab and echoes tab.created only to the repeating
// connection.
func (t *Tabs) Create(ctx context.Context, req CreateTabRequest) (db.TerminalTab, error) {
	dir := strings.TrimSpace(req.Directory)
	if dir != "" {
		resolved, err := resolveDir(dir)
		if err != nil {
			return db.TerminalTab{}, err
		}
		dir = resolved
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	provKey := "tab:" + req.ProvisionalID
	if req.ProvisionalID != "" {
		if id, ok := t.m.provisional.Get(provKey); ok {
			tab, live := t.tabs[id]
			if !live {
				return db.TerminalTab{}, &StaleError{EntityType: protocol.EntityTab, EntityID: id}
			}
			if req.ConnID != "" {
				t.m.hub.SendTo(req.ConnID, protocol.NewEvent(protocol.EventTabCreated, *tab).WithCorrelation(req.Correlation))
			}
			return *tab, nil
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("Tab %d", len(t.tabs)+1)
	}

	tab := &db.TerminalTab{
		ID:        uuid.New().String(),
		Name:      name,
		Position:  len(t.tabs),
		Directory: dir,
		CreatedAt: db.NowMs(),
	}
	if err := t.m.db.InsertTab(tab); err != nil {
		return db.TerminalTab{}, err
	}

	order := t.orderedLocked()
	order = insertAt(order, tab, req.Position)
	if _, err := t.renumberLocked(order); err != nil {
		t.m.db.DeleteTab(tab.ID)
		return db.TerminalTab{}, err
	}
	t.tabs[tab.ID] = tab
	if req.ProvisionalID != "" {
		t.m.provisional.Add(provKey, tab.ID)
	}

	t.m.mu.Lock()
	t.m.publishLocked(protocol.NewEvent(protocol.EventTabCreated, *tab).WithCorrelation(req.Correlation))
	t.m.mu.Unlock()

	t.logger.Info().Str("tabId", tab.ID).Str("name", tab.Name).Int("position", tab.Position).Msg("tab created")
	return *tab, nil
}

func insertAt(order []*db.TerminalTab, tab *db.TerminalTab, position *int) []*db.TerminalTab {
	pos := len(order)
	if position != nil && *position >= 0 && *position < len(order) {
		pos = *position
	}
	order = append(order, nil)
	copy(order[pos+1:], order[pos:])
	order[pos] = tab
	return order
}

// Update renames a tab or changes its default directory
func (t *Tabs) Update(ctx context.Context, id string, req UpdateTabRequest, corr protocol.Correlation) (db.TerminalTab, error) {
	var name, dir string
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
		if name == "" {
			return db.TerminalTab{}, ErrInvalidName
		}
	}
	if req.Directory != nil && strings.TrimSpace(*req.Directory) != "" {
		resolved, err := resolveDir(strings.TrimSpace(*req.Directory))
		if err != nil {
			return db.TerminalTab{}, err
		}
		dir = resolved
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(id); err != nil {
		return db.TerminalTab{}, err
	}
	updated := *t.tabs[id]
	if req.Name != nil {
		updated.Name = name
	}
	if req.Directory != nil {
		updated.Directory = dir
	}
	if err := t.m.db.UpdateTab(&updated); err != nil {
		return db.TerminalTab{}, err
	}
	*t.tabs[id] = updated

	t.m.mu.Lock()
	t.m.publishLocked(protocol.NewEvent(protocol.EventTabUpdated, updated).WithCorrelation(corr))
	t.m.mu.Unlock()
	return updated, nil
}

// Reorder moves a tab to position and renumbers the rest. Member sessions
// are untouched.
func (t *Tabs) Reorder(ctx context.Context, id string, position int, corr protocol.Correlation) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(id); err != nil {
		return nil, err
	}

	var order []*db.TerminalTab
	for _, tab := range t.orderedLocked() {
		if tab.ID != id {
			order = append(order, tab)
		}
	}
	pos := max(position, 0)
	order = insertAt(order, t.tabs[id], &pos)

	ids, err := t.renumberLocked(order)
	if err != nil {
		return nil, err
	}

	t.m.mu.Lock()
	t.m.publishLocked(protocol.NewEvent(protocol.EventTabReordered, protocol.TabReordered{
		ID:       id,
		Position: t.tabs[id].Position,
		Order:    ids,
	}).WithCorrelation(corr))
	t.m.mu.Unlock()
	return ids, nil
}

// Delete removes a tab. Every member session is first destroyed with force
// and reason tab_deleted, each publishing session.destroyed; tab.deleted is
// published last. While the cascade runs the tab accepts no new members.
func (t *Tabs) Delete(ctx context.Context, id string, corr protocol.Correlation) ([]string, error) {
	t.mu.Lock()
	if err := t.usableLocked(id); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.deleting[id] = true
	t.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			t.mu.Lock()
			delete(t.deleting, id)
			t.mu.Unlock()
		}
	}()

	var members []string
	t.m.mu.RLock()
	for sid, s := range t.m.sessions {
		if s.rec.TabID != nil && *s.rec.TabID == id {
			members = append(members, sid)
		}
	}
	t.m.mu.RUnlock()
	sort.Strings(members)

	var destroyed []string
	for _, sid := range members {
		err := t.m.Destroy(ctx, sid, DestroyOptions{Force: true, Reason: ReasonTabDeleted, RequireTab: id})
		if err != nil {
			// Moved out or destroyed since the member list was taken
			if isGone(err) || errors.Is(err, ErrNotInTab) {
				continue
			}
			t.logger.Error().Err(err).Str("tabId", id).Str("sessionId", sid).Msg("failed to destroy tab member")
			return destroyed, err
		}
		destroyed = append(destroyed, sid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.m.db.DeleteTab(id); err != nil {
		return destroyed, err
	}
	delete(t.tabs, id)
	delete(t.deleting, id)
	finished = true

	t.m.mu.Lock()
	t.m.tombs.bury(protocol.EntityTab, id)
	t.m.publishLocked(protocol.NewEvent(protocol.EventTabDeleted, protocol.TabDeleted{ID: id}).WithCorrelation(corr))
	t.m.mu.Unlock()

	if _, err := t.renumberLocked(t.orderedLocked()); err != nil {
		t.logger.Warn().Err(err).Msg("failed to renumber tabs after delete")
	}

	t.logger.Info().Str("tabId", id).Int("sessions", len(destroyed)).Msg("tab deleted")
	return destroyed, nil
}

// EnsureDefault creates the "Main" tab on first boot. Later boots never
// recreate it, even if the user deleted every tab.
func (t *Tabs) EnsureDefault(ctx context.Context) (*db.TerminalTab, error) {
	_, done, err := t.m.db.GetMeta(metaDefaultTabCreated)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	var created *db.TerminalTab
	if len(t.List()) == 0 {
		tab, err := t.Create(ctx, CreateTabRequest{Name: DefaultTabName})
		if err != nil {
			return nil, err
		}
		created = &tab
	}
	if err := t.m.db.SetMeta(metaDefaultTabCreated, "1"); err != nil {
		return created, err
	}
	return created, nil
}

// isGone reports errors meaning the entity is already gone
func isGone(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrNotFound)
}
