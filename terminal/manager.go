// Package terminal owns interactive terminal sessions and the tabs that
// group them.
//
// The Manager is the single owner of every multiplexer handle. Clients only
// observe sessions through the hub; they never hold a handle themselves, so
// connections can come and go without affecting session lifetime.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

// Destroy reasons
const (
	ReasonUser       = "user"
	ReasonTabDeleted = "tab_deleted"
	ReasonOrphaned   = "orphaned"
)

// Size limits for cols and rows
const (
	DefaultCols = 80
	DefaultRows = 24
	maxSize     = 1000
)

// RestoredExitCode is recorded for sessions whose handle vanished while the
// server was down
const RestoredExitCode = -1

// drainTimeout bounds how long an exiting session waits for remaining output
const drainTimeout = 500 * time.Millisecond

// Config configures a Manager
type Config struct {
	DefaultCwd     string
	Shell          string
	Env            []string
	BufferBytes    int
	TombstoneLimit int

	// WorkspaceRoot and Workspaces identify task workspace sessions, which
	// may never join a tab. Both are optional.
	WorkspaceRoot string
	Workspaces    WorkspaceLookup
}

// CreateRequest describes a new session
type CreateRequest struct {
	Name   string
	Cols   int
	Rows   int
	Cwd    string
	TabID  *string
	ConnID string
	protocol.Correlation
}

// DestroyOptions controls Destroy
type DestroyOptions struct {
	Force  bool
	Reason string
	protocol.Correlation

	// RequireUntabbed refuses the destroy if the session belongs to a tab,
	// even when Force is set
	RequireUntabbed bool

	// RequireTab refuses the destroy unless the session is still in this tab
	RequireTab string
}

// DestroyedFunc is notified after a session has been destroyed
type DestroyedFunc func(rec db.TerminalSession, reason string)

type pendingCreate struct {
	done chan struct{}
	rec  db.TerminalSession
	err  error
}

// Manager is the authoritative set of terminal sessions
type Manager struct {
	db     *db.DB
	mux    mux.Multiplexer
	hub    *hub.Hub
	cfg    Config
	tabs   *Tabs
	logger zerolog.Logger

	// mu guards sessions, pending and closed. Lifecycle events are published
	// while holding mu so every connection observes one global order that is
	// consistent with Snapshot.
	mu       sync.RWMutex
	sessions map[string]*session
	pending  map[string]*pendingCreate
	closed   bool

	provisional *lru.Cache[string, string]
	tombs       *tombstones

	cbMu        sync.RWMutex
	onDestroyed []DestroyedFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and loads tabs from the registry. Call Restore
// to bring persisted sessions back.
func NewManager(cfg Config, registry *db.DB, m mux.Multiplexer, h *hub.Hub) (*Manager, error) {
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = DefaultBufferBytes
	}
	if cfg.DefaultCwd == "" {
		cfg.DefaultCwd, _ = os.UserHomeDir()
	}
	if cfg.TombstoneLimit <= 0 {
		cfg.TombstoneLimit = DefaultTombstoneLimit
	}
	provisional, err := lru.New[string, string](cfg.TombstoneLimit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		db:          registry,
		mux:         m,
		hub:         h,
		cfg:         cfg,
		logger:      log.GetLogger("TerminalManager"),
		sessions:    make(map[string]*session),
		pending:     make(map[string]*pendingCreate),
		provisional: provisional,
		tombs:       newTombstones(cfg.TombstoneLimit),
		ctx:         ctx,
		cancel:      cancel,
	}

	tabs, err := newTabs(mgr)
	if err != nil {
		cancel()
		return nil, err
	}
	mgr.tabs = tabs
	return mgr, nil
}

// Tabs returns the tab model
func (m *Manager) Tabs() *Tabs {
	return m.tabs
}

// OnDestroyed registers a callback run after every destroy
func (m *Manager) OnDestroyed(fn DestroyedFunc) {
	m.cbMu.Lock()
	m.onDestroyed = append(m.onDestroyed, fn)
	m.cbMu.Unlock()
}

// publishLocked sends a lifecycle event. m.mu must be held for writing.
func (m *Manager) publishLocked(ev protocol.Event) {
	m.hub.Publish(ev)
}

// lookup returns the live session or the appropriate error for id
func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, m.missingLocked(protocol.EntitySession, id)
}

func (m *Manager) missingLocked(entityType, id string) error {
	if m.tombs.buried(entityType, id) {
		return &StaleError{EntityType: entityType, EntityID: id}
	}
	if entityType == protocol.EntityTab {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= maxSize && rows <= maxSize
}

func resolveDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidCwd, dir)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCwd, dir)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidCwd, dir)
	}
	return abs, nil
}

// Create spawns a new session. A repeated request with the same provisional
// id returns the first session instead of spawning again; in that case the
// created event is echoed only to the repeating connection.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (db.TerminalSession, error) {
	if req.TabID != nil && *req.TabID == "" {
		req.TabID = nil
	}

	prov := req.ProvisionalID
	if prov != "" {
		m.mu.Lock()
		if id, ok := m.provisional.Get(prov); ok {
			s, live := m.sessions[id]
			var rec db.TerminalSession
			if live {
				rec = s.rec
			}
			m.mu.Unlock()
			if !live {
				return db.TerminalSession{}, &StaleError{EntityType: protocol.EntitySession, EntityID: id}
			}
			m.echoCreated(req.ConnID, rec, req.Correlation)
			return rec, nil
		}
		if p, ok := m.pending[prov]; ok {
			m.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return db.TerminalSession{}, ctx.Err()
			}
			if p.err != nil {
				return db.TerminalSession{}, p.err
			}
			m.echoCreated(req.ConnID, p.rec, req.Correlation)
			return p.rec, nil
		}
		p := &pendingCreate{done: make(chan struct{})}
		m.pending[prov] = p
		m.mu.Unlock()

		defer func() {
			m.mu.Lock()
			delete(m.pending, prov)
			m.mu.Unlock()
			close(p.done)
		}()
		rec, err := m.create(ctx, req)
		p.rec, p.err = rec, err
		return rec, err
	}

	return m.create(ctx, req)
}

func (m *Manager) echoCreated(connID string, rec db.TerminalSession, corr protocol.Correlation) {
	if connID == "" {
		return
	}
	m.hub.SendTo(connID, protocol.NewEvent(protocol.EventSessionCreated, rec).WithCorrelation(corr))
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (db.TerminalSession, error) {
	cols, rows := req.Cols, req.Rows
	if cols == 0 && rows == 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	if !validSize(cols, rows) {
		return db.TerminalSession{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return db.TerminalSession{}, ErrClosed
	}

	cwd := req.Cwd
	if req.TabID != nil {
		tab, err := m.tabs.Get(*req.TabID)
		if err != nil {
			return db.TerminalSession{}, err
		}
		if cwd == "" {
			cwd = tab.Directory
		}
	}
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	cwd, err := resolveDir(cwd)
	if err != nil {
		return db.TerminalSession{}, err
	}

	if req.TabID != nil {
		if err := m.checkNotWorkspace(ctx, cwd); err != nil {
			return db.TerminalSession{}, err
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = filepath.Base(cwd)
	}

	id := uuid.New().String()
	spec := mux.Spec{
		Handle: id,
		Cwd:    cwd,
		Cols:   cols,
		Rows:   rows,
		Shell:  m.cfg.Shell,
		Env:    append([]string{"DEVPANEL_SESSION_ID=" + id}, m.cfg.Env...),
	}
	if err := m.mux.Create(ctx, spec); err != nil {
		m.logger.Error().Err(err).Str("cwd", cwd).Msg("failed to spawn terminal")
		return db.TerminalSession{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	att, err := m.mux.Attach(ctx, id, cols, rows)
	if err != nil {
		m.mux.Destroy(id)
		m.logger.Error().Err(err).Str("sessionId", id).Msg("failed to attach new terminal")
		return db.TerminalSession{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	rec := db.TerminalSession{
		ID:        id,
		Name:      name,
		Cwd:       cwd,
		Status:    db.SessionStatusRunning,
		Cols:      cols,
		Rows:      rows,
		TabID:     req.TabID,
		CreatedAt: db.NowMs(),
	}
	s := newSession(rec, m.cfg.BufferBytes)
	s.att = att

	if err := m.commitCreate(s, req.Correlation); err != nil {
		att.Close()
		m.mux.Destroy(id)
		return db.TerminalSession{}, err
	}

	m.start(s, att)

	m.logger.Info().
		Str("sessionId", id).
		Str("cwd", cwd).
		Interface("tabId", req.TabID).
		Msg("terminal session created")
	return m.record(s), nil
}

// commitCreate records s and publishes session.created. The tab is checked
// again under the tab lock so a concurrent tab delete either sees the new
// member or rejects it.
func (m *Manager) commitCreate(s *session, corr protocol.Correlation) error {
	if s.rec.TabID != nil {
		m.tabs.mu.RLock()
		defer m.tabs.mu.RUnlock()
		if err := m.tabs.usableLocked(*s.rec.TabID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if s.rec.TabID != nil {
		s.rec.Position = m.nextPositionLocked(*s.rec.TabID)
	}
	if err := m.db.InsertSession(&s.rec); err != nil {
		return err
	}
	m.sessions[s.id] = s
	if corr.ProvisionalID != "" {
		m.provisional.Add(corr.ProvisionalID, s.id)
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionCreated, s.rec).WithCorrelation(corr))
	return nil
}

func (m *Manager) nextPositionLocked(tabID string) int {
	next := 0
	for _, other := range m.sessions {
		if other.rec.TabID != nil && *other.rec.TabID == tabID && other.rec.Position >= next {
			next = other.rec.Position + 1
		}
	}
	return next
}

func (m *Manager) record(s *session) db.TerminalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.rec
}

// start launches the output pump and exit monitor for an attached session
func (m *Manager) start(s *session, att mux.Attachment) {
	ctx, cancel := context.WithCancel(m.ctx)
	s.stop = cancel

	m.wg.Add(2)
	go m.pump(s, att)
	go m.monitor(ctx, s)
}

// pump copies process output into the buffer and to attached connections
func (m *Manager) pump(s *session, att mux.Attachment) {
	defer m.wg.Done()
	defer close(s.pumpDone)

	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := att.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var chunk []byte
			chunk, carry = splitIncompleteRune(data)
			carry = append([]byte(nil), carry...)
			if len(chunk) > 0 {
				m.emitOutput(s, chunk)
			}
		}
		if err != nil {
			if len(carry) > 0 {
				m.emitOutput(s, carry)
			}
			return
		}
	}
}

// emitOutput records and publishes one chunk. Output travels as UTF-8 text,
// so invalid bytes become U+FFFD before they reach the replay buffer.
func (m *Manager) emitOutput(s *session, chunk []byte) {
	if !utf8.Valid(chunk) {
		chunk = bytes.ToValidUTF8(chunk, []byte("\uFFFD"))
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.buf.Write(chunk)
	ev := protocol.NewEvent(protocol.EventSessionOutput, protocol.SessionOutput{ID: s.id, Data: string(chunk)})
	ev.SessionID = s.id
	m.hub.Publish(ev)
}

// monitor waits for the process to exit and records the transition
func (m *Manager) monitor(ctx context.Context, s *session) {
	defer m.wg.Done()

	code, err := m.mux.Wait(ctx, s.id)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if !errors.Is(err, mux.ErrNoSuchHandle) {
			m.logger.Error().Err(err).Str("sessionId", s.id).Msg("waiting for terminal process failed")
		}
		code = RestoredExitCode
	}
	m.markExited(s, code)
}

// markExited transitions s to exited, publishes session.exited and releases
// the multiplexer handle
func (m *Manager) markExited(s *session, code int) {
	select {
	case <-s.pumpDone:
	case <-time.After(drainTimeout):
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.destroyed {
		return
	}
	s.detach()
	if err := m.mux.Destroy(s.id); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", s.id).Msg("failed to release exited terminal")
	}

	// Output still in flight is published before the exit event.
	<-s.pumpDone

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.rec.Exited() {
		return
	}
	s.rec.Status = db.SessionStatusExited
	s.rec.ExitCode = &code
	if err := m.db.UpdateSession(&s.rec); err != nil {
		m.logger.Error().Err(err).Str("sessionId", s.id).Msg("failed to persist exit status")
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionExited, protocol.SessionExited{ID: s.id, ExitCode: code}))

	m.logger.Info().Str("sessionId", s.id).Int("exitCode", code).Msg("terminal process exited")
}

// Destroy terminates a session. Tab-owned sessions require Force.
func (m *Manager) Destroy(ctx context.Context, id string, opts DestroyOptions) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.destroyed {
		return &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}

	m.mu.RLock()
	tabOwned := s.rec.TabOwned()
	inTab := tabOwned && *s.rec.TabID == opts.RequireTab
	m.mu.RUnlock()
	if opts.RequireTab != "" && !inTab {
		return fmt.Errorf("%w: %s not in %s", ErrNotInTab, id, opts.RequireTab)
	}
	if tabOwned && (!opts.Force || opts.RequireUntabbed) {
		return fmt.Errorf("%w: %s", ErrProtectedSession, id)
	}

	reason := opts.Reason
	if reason == "" {
		reason = ReasonUser
	}

	s.destroyed = true
	if s.stop != nil {
		s.stop()
	}
	s.detach()
	if err := m.mux.Destroy(id); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", id).Msg("failed to kill terminal process")
	}
	// No output may follow the destroyed event.
	select {
	case <-s.pumpDone:
	case <-time.After(drainTimeout):
	}

	m.mu.Lock()
	rec := s.rec
	delete(m.sessions, id)
	m.tombs.bury(protocol.EntitySession, id)
	if err := m.db.DeleteSession(id); err != nil {
		m.logger.Error().Err(err).Str("sessionId", id).Msg("failed to delete session record")
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionDestroyed,
		protocol.SessionDestroyed{ID: id, Reason: reason}).WithCorrelation(opts.Correlation))
	m.hub.DropSession(id)
	m.mu.Unlock()

	m.logger.Info().Str("sessionId", id).Str("reason", reason).Msg("terminal session destroyed")

	m.cbMu.RLock()
	callbacks := append([]DestroyedFunc(nil), m.onDestroyed...)
	m.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(rec, reason)
	}
	return nil
}

// Input writes data to the session's process as a single write
func (m *Manager) Input(id string, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.destroyed {
		return &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}
	if s.att == nil {
		return fmt.Errorf("%w: %s", ErrSessionExited, id)
	}
	if _, err := s.att.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Resize changes the session's terminal size
func (m *Manager) Resize(id string, cols, rows int, corr protocol.Correlation) error {
	if !validSize(cols, rows) {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.destroyed {
		return &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}
	if s.att != nil {
		if err := s.att.Resize(cols, rows); err != nil {
			m.logger.Warn().Err(err).Str("sessionId", id).Msg("failed to resize terminal")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.rec.Cols, s.rec.Rows = cols, rows
	if err := m.db.UpdateSession(&s.rec); err != nil {
		return err
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionResized,
		protocol.SessionResized{ID: id, Cols: cols, Rows: rows}).WithCorrelation(corr))
	return nil
}

// Rename changes the session's display name
func (m *Manager) Rename(id, name string, corr protocol.Correlation) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.destroyed {
		return &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.rec.Name = name
	if err := m.db.UpdateSession(&s.rec); err != nil {
		return err
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionRenamed,
		protocol.SessionRenamed{ID: id, Name: name}).WithCorrelation(corr))
	return nil
}

// AssignTab moves a session into a tab. A nil position appends.
func (m *Manager) AssignTab(ctx context.Context, id, tabID string, position *int, corr protocol.Correlation) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.tabs.mu.RLock()
	defer m.tabs.mu.RUnlock()
	if err := m.tabs.usableLocked(tabID); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.destroyed {
		return &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}

	m.mu.RLock()
	cwd := s.rec.Cwd
	m.mu.RUnlock()
	if err := m.checkNotWorkspace(ctx, cwd); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.nextPositionLocked(tabID)
	var shifted []*session
	if position != nil && *position >= 0 && *position < pos {
		pos = *position
		shifted = m.siblingsFromLocked(tabID, pos, id)
	}
	for _, other := range shifted {
		other.rec.Position++
		if err := m.db.UpdateSession(&other.rec); err != nil {
			return err
		}
	}
	s.rec.TabID = &tabID
	s.rec.Position = pos
	if err := m.db.UpdateSession(&s.rec); err != nil {
		return err
	}
	m.publishLocked(protocol.NewEvent(protocol.EventSessionTabAssigned,
		protocol.SessionTabAssigned{ID: id, TabID: tabID, Position: pos}).WithCorrelation(corr))
	for _, other := range shifted {
		m.publishLocked(protocol.NewEvent(protocol.EventSessionTabAssigned,
			protocol.SessionTabAssigned{ID: other.id, TabID: tabID, Position: other.rec.Position}))
	}
	return nil
}

// siblingsFromLocked returns the sessions of tabID at or after pos, except
// the one with id skip. m.mu must be held.
func (m *Manager) siblingsFromLocked(tabID string, pos int, skip string) []*session {
	var list []*session
	for sid, other := range m.sessions {
		if sid != skip && other.rec.TabID != nil && *other.rec.TabID == tabID && other.rec.Position >= pos {
			list = append(list, other)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].rec.Position < list[j].rec.Position })
	return list
}

// checkNotWorkspace rejects directories that belong to a tracked task workspace
func (m *Manager) checkNotWorkspace(ctx context.Context, cwd string) error {
	if m.cfg.Workspaces == nil || m.cfg.WorkspaceRoot == "" {
		return nil
	}
	dir, ok := WorkspaceDir(m.cfg.WorkspaceRoot, cwd)
	if !ok {
		return nil
	}
	tracked, err := m.cfg.Workspaces.IsTrackedWorkspace(ctx, dir)
	if err != nil {
		return err
	}
	if tracked {
		return fmt.Errorf("%w: %s", ErrWorkspaceSession, dir)
	}
	return nil
}

// Attach subscribes connID to the session's output. The buffered output is
// sent as session.attached before any later output event.
func (m *Manager) Attach(connID, id string, corr protocol.Correlation) (protocol.SessionAttached, error) {
	s, err := m.lookup(id)
	if err != nil {
		return protocol.SessionAttached{}, err
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	m.mu.RLock()
	_, live := m.sessions[id]
	rec := s.rec
	m.mu.RUnlock()
	if !live {
		return protocol.SessionAttached{}, &StaleError{EntityType: protocol.EntitySession, EntityID: id}
	}

	attached := protocol.SessionAttached{
		ID:     id,
		Buffer: string(s.buf.Snapshot()),
		Cols:   rec.Cols,
		Rows:   rec.Rows,
	}
	if !m.hub.AttachOutput(connID, id) {
		return attached, fmt.Errorf("connection %s is not registered", connID)
	}
	m.hub.SendTo(connID, protocol.NewEvent(protocol.EventSessionAttached, attached).WithCorrelation(corr))
	return attached, nil
}

// Detach stops output delivery to connID
func (m *Manager) Detach(connID, id string, corr protocol.Correlation) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.hub.DetachOutput(connID, id)
	m.hub.SendTo(connID, protocol.NewEvent(protocol.EventSessionDetached,
		protocol.SessionDetached{ID: id}).WithCorrelation(corr))
	return nil
}

// Get returns one session
func (m *Manager) Get(id string) (db.TerminalSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return db.TerminalSession{}, m.missingLocked(protocol.EntitySession, id)
	}
	return s.rec, nil
}

// List returns every session, tab-owned first in tab order
func (m *Manager) List() []db.TerminalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []db.TerminalSession {
	list := make([]db.TerminalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.rec)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.TabOwned() != b.TabOwned() {
			return a.TabOwned()
		}
		if a.TabOwned() && *a.TabID != *b.TabID {
			return *a.TabID < *b.TabID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return list
}

// Snapshot calls fn with a consistent view of tabs and sessions. No
// lifecycle event is published while fn runs, so a connection registered
// inside fn receives exactly the deltas that follow the snapshot.
func (m *Manager) Snapshot(fn func(sessions []db.TerminalSession, tabs []db.TerminalTab)) {
	m.tabs.mu.RLock()
	defer m.tabs.mu.RUnlock()
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.listLocked(), m.tabs.listLocked())
}

// Restore rebuilds the live session set from the registry. Running sessions
// whose handle is still alive are re-attached; the rest are marked exited
// with RestoredExitCode. Handles with no registry record are destroyed.
// Sessions already live are left alone, so Restore can be re-run.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.db.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	known := make(map[string]bool, len(records))
	restored, exited := 0, 0
	for _, rec := range records {
		known[rec.ID] = true

		m.mu.RLock()
		_, live := m.sessions[rec.ID]
		m.mu.RUnlock()
		if live {
			continue
		}

		s := newSession(rec, m.cfg.BufferBytes)

		if rec.Status == db.SessionStatusRunning && m.mux.Alive(rec.ID) {
			att, err := m.mux.Attach(ctx, rec.ID, rec.Cols, rec.Rows)
			if err == nil {
				s.att = att
				m.mu.Lock()
				m.sessions[rec.ID] = s
				m.mu.Unlock()
				m.start(s, att)
				restored++
				m.logger.Info().Str("sessionId", rec.ID).Str("cwd", rec.Cwd).Msg("terminal session re-attached")
				continue
			}
			m.logger.Warn().Err(err).Str("sessionId", rec.ID).Msg("failed to re-attach terminal")
			m.mux.Destroy(rec.ID)
		}

		close(s.pumpDone)
		if rec.Status == db.SessionStatusRunning {
			code := RestoredExitCode
			s.rec.Status = db.SessionStatusExited
			s.rec.ExitCode = &code
			if err := m.db.UpdateSession(&s.rec); err != nil {
				m.logger.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to persist exit status")
			}
			m.logger.Warn().
				Str("sessionId", rec.ID).
				Str("cwd", rec.Cwd).
				Int("exitCode", code).
				Msg("terminal handle gone after restart, marking exited")
			exited++
		} else if m.mux.Alive(rec.ID) {
			m.mux.Destroy(rec.ID)
		}

		m.mu.Lock()
		m.sessions[rec.ID] = s
		if s.rec.Status == db.SessionStatusExited && rec.Status == db.SessionStatusRunning {
			m.publishLocked(protocol.NewEvent(protocol.EventSessionExited,
				protocol.SessionExited{ID: rec.ID, ExitCode: *s.rec.ExitCode}))
		}
		m.mu.Unlock()
	}

	orphans, err := mux.ListOrphanedSockets(m.mux, known)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to list multiplexer sockets")
	}
	for _, handle := range orphans {
		m.logger.Warn().Str("handle", handle).Msg("destroying multiplexer socket with no registry record")
		if err := m.mux.Destroy(handle); err != nil {
			m.logger.Warn().Err(err).Str("handle", handle).Msg("failed to destroy orphaned socket")
		}
	}

	m.logger.Info().
		Int("sessions", len(records)).
		Int("reattached", restored).
		Int("markedExited", exited).
		Int("orphanedSockets", len(orphans)).
		Msg("terminal registry restored")
	return nil
}

// Shutdown detaches from every session without killing any process, so the
// sessions survive a planned restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.opMu.Lock()
		s.detach()
		s.opMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Int("sessions", len(sessions)).Msg("detached from all terminal sessions")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
