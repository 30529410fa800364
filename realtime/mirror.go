package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

// DefaultPendingTimeout is how long an optimistic change waits for its
// confirming event before it is rolled back
const DefaultPendingTimeout = 10 * time.Second

// Sender delivers an intent to the server
type Sender func(intent protocol.Intent, corr protocol.Correlation) error

type pendingOp struct {
	corr     protocol.Correlation
	kind     string
	inverse  func()
	deadline time.Time
}

// Mirror is a client's replica of server tab and session state. Local
// changes are applied immediately and reconciled against the event stream:
// the confirming event promotes provisional ids and discards the inverse;
// sync.error, sync.stale or a timeout applies the inverse instead.
type Mirror struct {
	send    Sender
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]db.TerminalSession
	tabs     map[string]db.TerminalTab
	pending  map[string]*pendingOp
	synced   bool
}

// NewMirror creates an empty mirror. Until the snapshots arrive it holds no
// state.
func NewMirror(send Sender, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &Mirror{
		send:     send,
		timeout:  timeout,
		logger:   log.GetLogger("Mirror"),
		sessions: make(map[string]db.TerminalSession),
		tabs:     make(map[string]db.TerminalTab),
		pending:  make(map[string]*pendingOp),
	}
}

// =============================================================================
// Optimistic operations
// =============================================================================

// submit records op, then sends the intent. A failed send rolls back at once.
func (m *Mirror) submit(intent protocol.Intent, corr protocol.Correlation, apply func() func()) error {
	m.mu.Lock()
	inverse := apply()
	m.pending[corr.CorrelationID] = &pendingOp{
		corr:     corr,
		kind:     intent.Type(),
		inverse:  inverse,
		deadline: time.Now().Add(m.timeout),
	}
	m.mu.Unlock()

	if err := m.send(intent, corr); err != nil {
		m.mu.Lock()
		m.rollbackLocked(corr.CorrelationID)
		m.mu.Unlock()
		return err
	}
	return nil
}

func newCorrelation(provisional bool) protocol.Correlation {
	corr := protocol.Correlation{CorrelationID: uuid.New().String()}
	if provisional {
		corr.ProvisionalID = "tmp-" + uuid.New().String()
	}
	return corr
}

// CreateSession shows a placeholder session and asks the server to create
// it. The returned provisional id is replaced once session.created arrives.
func (m *Mirror) CreateSession(req protocol.CreateSession) (string, error) {
	corr := newCorrelation(true)
	prov := corr.ProvisionalID
	err := m.submit(&req, corr, func() func() {
		rec := db.TerminalSession{
			ID:        prov,
			Name:      req.Name,
			Cwd:       req.Cwd,
			Status:    db.SessionStatusRunning,
			Cols:      req.Cols,
			Rows:      req.Rows,
			TabID:     req.TabID,
			CreatedAt: db.NowMs(),
		}
		m.sessions[prov] = rec
		return func() { delete(m.sessions, prov) }
	})
	return prov, err
}

// DestroySession removes a session locally and asks the server to destroy it
func (m *Mirror) DestroySession(id string, force bool) error {
	return m.submit(&protocol.DestroySession{ID: id, Force: force}, newCorrelation(false), func() func() {
		old, ok := m.sessions[id]
		delete(m.sessions, id)
		return func() {
			if ok {
				m.sessions[id] = old
			}
		}
	})
}

// RenameSession renames a session locally and on the server
func (m *Mirror) RenameSession(id, name string) error {
	return m.submit(&protocol.Rename{ID: id, Name: name}, newCorrelation(false), func() func() {
		return m.updateSessionLocked(id, func(rec *db.TerminalSession) { rec.Name = name })
	})
}

// AssignTab moves a session into a tab locally and on the server
func (m *Mirror) AssignTab(id, tabID string) error {
	return m.submit(&protocol.AssignTab{ID: id, TabID: tabID}, newCorrelation(false), func() func() {
		return m.updateSessionLocked(id, func(rec *db.TerminalSession) {
			rec.TabID = &tabID
			rec.Position = m.nextPositionLocked(tabID)
		})
	})
}

// updateSessionLocked applies fn to a session and returns its inverse
func (m *Mirror) updateSessionLocked(id string, fn func(*db.TerminalSession)) func() {
	old, ok := m.sessions[id]
	if !ok {
		return func() {}
	}
	updated := old
	fn(&updated)
	m.sessions[id] = updated
	return func() {
		if _, still := m.sessions[id]; still {
			m.sessions[id] = old
		}
	}
}

func (m *Mirror) nextPositionLocked(tabID string) int {
	next := 0
	for _, rec := range m.sessions {
		if rec.TabID != nil && *rec.TabID == tabID && rec.Position >= next {
			next = rec.Position + 1
		}
	}
	return next
}

// CreateTab shows a placeholder tab and asks the server to create it
func (m *Mirror) CreateTab(name, directory string) (string, error) {
	corr := newCorrelation(true)
	prov := corr.ProvisionalID
	err := m.submit(&protocol.CreateTab{Name: name, Directory: directory}, corr, func() func() {
		m.tabs[prov] = db.TerminalTab{
			ID:        prov,
			Name:      name,
			Position:  len(m.tabs),
			Directory: directory,
			CreatedAt: db.NowMs(),
		}
		return func() { delete(m.tabs, prov) }
	})
	return prov, err
}

// RenameTab renames a tab locally and on the server
func (m *Mirror) RenameTab(id, name string) error {
	return m.submit(&protocol.UpdateTab{ID: id, Name: &name}, newCorrelation(false), func() func() {
		old, ok := m.tabs[id]
		if !ok {
			return func() {}
		}
		updated := old
		updated.Name = name
		m.tabs[id] = updated
		return func() {
			if _, still := m.tabs[id]; still {
				m.tabs[id] = old
			}
		}
	})
}

// DeleteTab removes a tab and its sessions locally and asks the server to
// delete it
func (m *Mirror) DeleteTab(id string) error {
	return m.submit(&protocol.DeleteTab{ID: id}, newCorrelation(false), func() func() {
		old, ok := m.tabs[id]
		delete(m.tabs, id)
		members := make(map[string]db.TerminalSession)
		for sid, rec := range m.sessions {
			if rec.TabID != nil && *rec.TabID == id {
				members[sid] = rec
				delete(m.sessions, sid)
			}
		}
		return func() {
			if ok {
				m.tabs[id] = old
			}
			for sid, rec := range members {
				m.sessions[sid] = rec
			}
		}
	})
}

// =============================================================================
// Reconciliation
// =============================================================================

func (m *Mirror) rollbackLocked(correlationID string) {
	op, ok := m.pending[correlationID]
	if !ok {
		return
	}
	delete(m.pending, correlationID)
	op.inverse()
}

// Apply reconciles one event from the server
func (m *Mirror) Apply(ev protocol.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	corrID := ev.CorrelationID
	switch ev.Type {
	case protocol.EventSyncError:
		if e, ok := ev.Data.(protocol.SyncError); ok {
			m.logger.Warn().Str("code", e.Code).Str("correlationId", corrID).Msg(e.Message)
		}
		m.rollbackLocked(corrID)
		return

	case protocol.EventSyncStale:
		m.rollbackLocked(corrID)
		if s, ok := ev.Data.(protocol.SyncStale); ok {
			m.purgeLocked(s.EntityType, s.EntityID)
		}
		return
	}

	// The confirming event makes the optimistic change authoritative.
	if corrID != "" {
		delete(m.pending, corrID)
	}

	switch data := ev.Data.(type) {
	case protocol.SessionsSnapshot:
		m.sessions = make(map[string]db.TerminalSession, len(data.Sessions))
		for _, rec := range data.Sessions {
			m.sessions[rec.ID] = rec
		}
		// Changes made on a previous connection are superseded by the snapshot.
		m.pending = make(map[string]*pendingOp)
		m.synced = true

	case protocol.TabsSnapshot:
		m.tabs = make(map[string]db.TerminalTab, len(data.Tabs))
		for _, tab := range data.Tabs {
			m.tabs[tab.ID] = tab
		}

	case db.TerminalSession:
		if ev.ProvisionalID != "" {
			delete(m.sessions, ev.ProvisionalID)
		}
		m.sessions[data.ID] = data

	case db.TerminalTab:
		if ev.Type == protocol.EventTabCreated {
			if ev.ProvisionalID != "" && ev.ProvisionalID != data.ID {
				m.promoteTabLocked(ev.ProvisionalID, data.ID)
			}
			m.placeTabLocked(data)
		} else {
			m.tabs[data.ID] = data
		}

	case protocol.SessionDestroyed:
		delete(m.sessions, data.ID)

	case protocol.SessionExited:
		m.updateSessionLocked(data.ID, func(rec *db.TerminalSession) {
			code := data.ExitCode
			rec.Status = db.SessionStatusExited
			rec.ExitCode = &code
		})

	case protocol.SessionRenamed:
		m.updateSessionLocked(data.ID, func(rec *db.TerminalSession) { rec.Name = data.Name })

	case protocol.SessionResized:
		m.updateSessionLocked(data.ID, func(rec *db.TerminalSession) { rec.Cols, rec.Rows = data.Cols, data.Rows })

	case protocol.SessionTabAssigned:
		m.updateSessionLocked(data.ID, func(rec *db.TerminalSession) {
			tabID := data.TabID
			rec.TabID = &tabID
			rec.Position = data.Position
		})

	case protocol.TabDeleted:
		m.purgeLocked(protocol.EntityTab, data.ID)
		m.renumberTabsLocked(nil)

	case protocol.TabReordered:
		for i, id := range data.Order {
			if tab, ok := m.tabs[id]; ok {
				tab.Position = i
				m.tabs[id] = tab
			}
		}
	}
}

// promoteTabLocked replaces a provisional tab id everywhere it was used
func (m *Mirror) promoteTabLocked(prov, id string) {
	delete(m.tabs, prov)
	for sid, rec := range m.sessions {
		if rec.TabID != nil && *rec.TabID == prov {
			tabID := id
			rec.TabID = &tabID
			m.sessions[sid] = rec
		}
	}
}

// placeTabLocked inserts tab at its position, shifting the rest the way the
// server renumbers them
func (m *Mirror) placeTabLocked(tab db.TerminalTab) {
	delete(m.tabs, tab.ID)
	m.renumberTabsLocked(&tab)
}

// renumberTabsLocked assigns positions 0..n-1 in display order, with insert
// placed at its own position when given
func (m *Mirror) renumberTabsLocked(insert *db.TerminalTab) {
	order := m.orderedTabsLocked()
	if insert != nil {
		pos := min(max(insert.Position, 0), len(order))
		order = append(order, db.TerminalTab{})
		copy(order[pos+1:], order[pos:])
		order[pos] = *insert
	}
	for i, tab := range order {
		tab.Position = i
		m.tabs[tab.ID] = tab
	}
}

func (m *Mirror) orderedTabsLocked() []db.TerminalTab {
	list := make([]db.TerminalTab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		list = append(list, tab)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (m *Mirror) purgeLocked(entityType, id string) {
	switch entityType {
	case protocol.EntitySession:
		delete(m.sessions, id)
	case protocol.EntityTab:
		delete(m.tabs, id)
		for sid, rec := range m.sessions {
			if rec.TabID != nil && *rec.TabID == id {
				delete(m.sessions, sid)
			}
		}
	}
}

// Expire rolls back every pending change whose deadline is before now and
// returns their correlations
func (m *Mirror) Expire(now time.Time) []protocol.Correlation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []protocol.Correlation
	for id, op := range m.pending {
		if now.After(op.deadline) {
			expired = append(expired, op.corr)
			m.logger.Warn().Str("correlationId", id).Str("intent", op.kind).Msg("no confirmation, rolling back")
			m.rollbackLocked(id)
		}
	}
	return expired
}

// =============================================================================
// Reads
// =============================================================================

// Synced reports whether the initial snapshot has been applied
func (m *Mirror) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

// Pending returns the number of unconfirmed changes
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Session returns one mirrored session
func (m *Mirror) Session(id string) (db.TerminalSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok
}

// Sessions returns mirrored sessions ordered by id
func (m *Mirror) Sessions() []db.TerminalSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]db.TerminalSession, 0, len(m.sessions))
	for _, rec := range m.sessions {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Tabs returns mirrored tabs in display order
func (m *Mirror) Tabs() []db.TerminalTab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedTabsLocked()
}
