// Package realtime connects clients to the terminal engine. The Dispatcher
// runs on the server and turns decoded intents into manager calls; the
// Mirror runs on the client and keeps an optimistic replica of server state.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

// ErrNoSuchTab marks a tab intent whose target tab was never known. A
// session intent naming an unknown tab stays INVALID_TAB.
var ErrNoSuchTab = errors.New("no such tab")

// Dispatcher routes intents from connected clients to the session manager
type Dispatcher struct {
	m      *terminal.Manager
	hub    *hub.Hub
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher over m and h
func NewDispatcher(m *terminal.Manager, h *hub.Hub) *Dispatcher {
	return &Dispatcher{
		m:      m,
		hub:    h,
		logger: log.GetLogger("Realtime"),
	}
}

// Connect registers a connection. Its queue starts with tabs.snapshot and
// sessions.snapshot, followed by exactly the deltas published afterwards.
func (d *Dispatcher) Connect(connID string) (*hub.Subscriber, error) {
	var sub *hub.Subscriber
	var err error
	d.m.Snapshot(func(sessions []db.TerminalSession, tabs []db.TerminalTab) {
		sub, err = d.hub.Register(connID,
			protocol.NewEvent(protocol.EventTabsSnapshot, protocol.TabsSnapshot{Tabs: tabs}),
			protocol.NewEvent(protocol.EventSessionsSnapshot, protocol.SessionsSnapshot{Sessions: sessions}),
		)
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Str("connId", connID).Msg("client connected")
	return sub, nil
}

// Disconnect drops the connection and its output subscriptions. Sessions are
// unaffected.
func (d *Dispatcher) Disconnect(connID string) {
	d.hub.Unregister(connID)
	d.logger.Debug().Str("connId", connID).Msg("client disconnected")
}

// HandleFrame decodes one inbound frame and handles it. Decode failures are
// answered with sync.error carrying whatever correlation could be read.
func (d *Dispatcher) HandleFrame(ctx context.Context, connID string, raw []byte) error {
	env, intent, err := protocol.Decode(raw)
	if err != nil {
		d.reply(connID, err, env.Correlation)
		return err
	}
	return d.Handle(ctx, connID, intent, env.Correlation)
}

// Handle executes intent on behalf of connID. On failure the originator gets
// sync.stale or sync.error echoing corr, and the error is returned.
func (d *Dispatcher) Handle(ctx context.Context, connID string, intent protocol.Intent, corr protocol.Correlation) error {
	err := d.dispatch(ctx, connID, intent, corr)
	if err != nil {
		d.reply(connID, err, corr)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, connID string, intent protocol.Intent, corr protocol.Correlation) error {
	tabs := d.m.Tabs()

	switch i := intent.(type) {
	case *protocol.CreateSession:
		_, err := d.m.Create(ctx, terminal.CreateRequest{
			Name:        i.Name,
			Cols:        i.Cols,
			Rows:        i.Rows,
			Cwd:         i.Cwd,
			TabID:       i.TabID,
			ConnID:      connID,
			Correlation: corr,
		})
		return err

	case *protocol.DestroySession:
		return d.m.Destroy(ctx, i.ID, terminal.DestroyOptions{
			Force:       i.Force,
			Reason:      i.Reason,
			Correlation: corr,
		})

	case *protocol.Input:
		return d.m.Input(i.ID, []byte(i.Data))

	case *protocol.Resize:
		return d.m.Resize(i.ID, i.Cols, i.Rows, corr)

	case *protocol.Attach:
		_, err := d.m.Attach(connID, i.ID, corr)
		return err

	case *protocol.Detach:
		return d.m.Detach(connID, i.ID, corr)

	case *protocol.Rename:
		return d.m.Rename(i.ID, i.Name, corr)

	case *protocol.AssignTab:
		return d.m.AssignTab(ctx, i.ID, i.TabID, i.Position, corr)

	case *protocol.CreateTab:
		_, err := tabs.Create(ctx, terminal.CreateTabRequest{
			Name:        i.Name,
			Position:    i.Position,
			Directory:   i.Directory,
			ConnID:      connID,
			Correlation: corr,
		})
		return err

	case *protocol.UpdateTab:
		_, err := tabs.Update(ctx, i.ID, terminal.UpdateTabRequest{Name: i.Name, Directory: i.Directory}, corr)
		return targetTab(err)

	case *protocol.DeleteTab:
		_, err := tabs.Delete(ctx, i.ID, corr)
		return targetTab(err)

	case *protocol.ReorderTab:
		_, err := tabs.Reorder(ctx, i.ID, i.Position, corr)
		return targetTab(err)
	}

	return fmt.Errorf("%w: %s", protocol.ErrUnknownType, intent.Type())
}

func targetTab(err error) error {
	if errors.Is(err, terminal.ErrTabNotFound) {
		return fmt.Errorf("%w: %w", ErrNoSuchTab, err)
	}
	return err
}

func (d *Dispatcher) reply(connID string, err error, corr protocol.Correlation) {
	ev := ErrorEvent(err, corr)
	if ev.Type == protocol.EventSyncError && ev.Data.(protocol.SyncError).Code == protocol.CodeInternalError {
		d.logger.Error().Err(err).Str("connId", connID).Str("correlationId", corr.CorrelationID).Msg("intent failed")
	} else {
		d.logger.Debug().Err(err).Str("connId", connID).Str("correlationId", corr.CorrelationID).Msg("intent rejected")
	}
	d.hub.SendTo(connID, ev)
}

// ErrorEvent converts a failed intent into the event sent back to its
// originator. Stale entities become sync.stale, everything else sync.error.
func ErrorEvent(err error, corr protocol.Correlation) protocol.Event {
	var stale *terminal.StaleError
	if errors.As(err, &stale) {
		return protocol.NewEvent(protocol.EventSyncStale, protocol.SyncStale{
			EntityType: stale.EntityType,
			EntityID:   stale.EntityID,
		}).WithCorrelation(corr)
	}
	return protocol.NewEvent(protocol.EventSyncError, protocol.SyncError{
		Code:    ErrorCode(err),
		Message: err.Error(),
	}).WithCorrelation(corr)
}

// ErrorCode maps an error to its wire code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, terminal.ErrSpawn):
		return protocol.CodeSpawnError
	case errors.Is(err, terminal.ErrInvalidCwd):
		return protocol.CodeInvalidCwd
	case errors.Is(err, terminal.ErrNotFound), errors.Is(err, ErrNoSuchTab):
		return protocol.CodeNotFound
	case errors.Is(err, terminal.ErrProtectedSession):
		return protocol.CodeProtectedSession
	case errors.Is(err, terminal.ErrTabNotFound), errors.Is(err, terminal.ErrWorkspaceSession):
		return protocol.CodeInvalidTab
	case errors.Is(err, terminal.ErrInvalidSize),
		errors.Is(err, terminal.ErrInvalidName),
		errors.Is(err, terminal.ErrSessionExited),
		errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, protocol.ErrUnknownType):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternalError
}
