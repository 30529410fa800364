package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

const (
	// Inbound frames carry pasted input; larger ones are refused by the reader
	maxFrameBytes = 1 << 20

	pingInterval = 30 * time.Second
)

// TerminalWebSocket handles GET /api/terminals/ws. Each connection gets the
// tabs and sessions snapshots, then every lifecycle event, and output of the
// sessions it attaches to.
func (h *Handlers) TerminalWebSocket(c *gin.Context) {
	// Get the underlying http.ResponseWriter from Gin's wrapper
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	log.MarkHijacked(c)
	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,                                 // Skip origin check - auth is handled at higher layer
		CompressionMode:    websocket.CompressionContextTakeover, // Enable permessage-deflate compression
	})
	if err != nil {
		log.Error().Err(err).Msg("terminal WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)

	// Abort Gin context to prevent middleware from writing headers on hijacked connection
	c.Abort()

	// Gin's request context doesn't cancel when WebSocket connection closes,
	// and server shutdown must end the connection too
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(h.server.ShutdownContext(), cancel)
	defer stop()

	connID := uuid.NewString()
	dispatcher := h.server.Dispatcher()
	sub, err := dispatcher.Connect(connID)
	if err != nil {
		log.Error().Err(err).Str("connId", connID).Msg("failed to register terminal connection")
		conn.Close(websocket.StatusTryAgainLater, "server unavailable")
		return
	}
	defer dispatcher.Disconnect(connID)

	// Hub → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				status, reason := closeStatusFor(sub.Err())
				log.Debug().Err(sub.Err()).Str("connId", connID).Msg("terminal connection dropped by hub")
				conn.Close(status, reason)
				return
			case ev := <-sub.Events():
				msgBytes, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal terminal event")
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					// Only log if context wasn't cancelled
					if ctx.Err() == nil {
						log.Info().Err(err).Str("connId", connID).Msg("terminal WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	// Goroutine to send periodic pings to keep connection alive
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("terminal WebSocket ping failed")
					return
				}
			}
		}
	}()

	// WebSocket → dispatcher
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			// Normal closures (page refresh, navigation) → DEBUG
			// Unexpected errors → INFO
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd ||
				ctx.Err() != nil {
				log.Debug().Str("connId", connID).Int("closeStatus", int(closeStatus)).Msg("terminal WebSocket closed normally")
			} else {
				log.Info().Err(err).Str("connId", connID).Msg("terminal WebSocket read error")
			}
			cancel()
			break
		}

		if msgType != websocket.MessageText {
			continue
		}

		// Rejections are already answered on the connection
		if err := dispatcher.HandleFrame(ctx, connID, msg); err != nil {
			log.Debug().Err(err).Str("connId", connID).Msg("terminal intent rejected")
		}
	}

	<-sendDone
	<-pingDone
}

// closeStatusFor maps why the hub dropped a connection to a close frame.
// A lagging client is told to retry; it rebuilds state from a new snapshot.
func closeStatusFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, hub.ErrLagging):
		return websocket.StatusTryAgainLater, "lagging, reconnect to resync"
	case errors.Is(err, hub.ErrClosed):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusNormalClosure, ""
	}
}

// ListTerminalSessions handles GET /api/terminals/sessions
func (h *Handlers) ListTerminalSessions(c *gin.Context) {
	RespondList(c, h.server.Manager().List())
}

// GetTerminalSession handles GET /api/terminals/sessions/:id
func (h *Handlers) GetTerminalSession(c *gin.Context) {
	rec, err := h.server.Manager().Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, terminal.ErrNotFound) || errors.Is(err, terminal.ErrStale) {
			RespondNotFound(c, "Session not found")
			return
		}
		log.Error().Err(err).Str("sessionId", c.Param("id")).Msg("failed to get terminal session")
		RespondInternalError(c, "Failed to get session")
		return
	}
	RespondData(c, rec)
}

// ListTerminalTabs handles GET /api/terminals/tabs
func (h *Handlers) ListTerminalTabs(c *gin.Context) {
	RespondList(c, h.server.Manager().Tabs().List())
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Tabs        int    `json:"tabs"`
	Connections int    `json:"connections"`
}

// Health handles GET /api/health
func (h *Handlers) Health(c *gin.Context) {
	m := h.server.Manager()
	RespondData(c, HealthResponse{
		Status:      "ok",
		Sessions:    len(m.List()),
		Tabs:        len(m.Tabs().List()),
		Connections: h.server.Hub().Count(),
	})
}

// SweepResponse is returned by POST /api/terminals/sweep
type SweepResponse struct {
	Destroyed []string `json:"destroyed"`
}

// SweepTerminals handles POST /api/terminals/sweep by running one orphan
// pass immediately
func (h *Handlers) SweepTerminals(c *gin.Context) {
	sweeper := h.server.Sweeper()
	if sweeper == nil {
		RespondServiceUnavailable(c, "Orphan sweep is not configured")
		return
	}
	destroyed, err := sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("orphan sweep failed")
		RespondInternalError(c, "Orphan sweep failed")
		return
	}
	if destroyed == nil {
		destroyed = []string{}
	}
	RespondData(c, SweepResponse{Destroyed: destroyed})
}
