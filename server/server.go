package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/realtime"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

// TerminalWSPath is the WebSocket endpoint; it must bypass gzip
const TerminalWSPath = "/api/terminals/ws"

// Server owns and coordinates all application components
type Server struct {
	cfg *Config

	// Components (owned by server)
	database   *db.DB
	mux        mux.Multiplexer
	hub        *hub.Hub
	manager    *terminal.Manager
	dispatcher *realtime.Dispatcher
	sweeper    *terminal.Sweeper

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (WebSocket) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized. Persisted
// sessions are restored before it returns.
func New(cfg *Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	if err := s.init(); err != nil {
		cancel()
		if s.database != nil {
			s.database.Close()
		}
		return nil, err
	}

	log.Info().Msg("server initialized successfully")
	return s, nil
}

func (s *Server) init() error {
	// 1. Open database
	log.Info().Str("path", s.cfg.DatabasePath).Msg("initializing database")
	database, err := db.Open(s.cfg.ToDBConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.database = database

	// 2. Multiplexer backend
	log.Info().Str("backend", s.cfg.MuxBackend).Msg("initializing multiplexer")
	m, err := NewMultiplexer(s.cfg)
	if err != nil {
		return err
	}
	s.mux = m

	// 3. Broadcast hub
	s.hub = hub.New(s.cfg.ClientQueue)

	// 4. Session manager, restored from the registry
	log.Info().Msg("initializing terminal manager")
	termCfg := s.cfg.ToTerminalConfig()
	termCfg.Workspaces = s.database
	s.manager, err = terminal.NewManager(termCfg, s.database, s.mux, s.hub)
	if err != nil {
		return fmt.Errorf("failed to create terminal manager: %w", err)
	}
	s.manager.OnDestroyed(s.detachWorkspaceTerminal)
	if err := s.manager.Restore(s.shutdownCtx); err != nil {
		return fmt.Errorf("failed to restore terminal sessions: %w", err)
	}

	// 5. Default tab on first boot
	if tab, err := s.manager.Tabs().EnsureDefault(s.shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to create default tab")
	} else if tab != nil {
		log.Info().Str("tabId", tab.ID).Msg("created default tab")
	}

	// 6. Sync protocol dispatcher
	s.dispatcher = realtime.NewDispatcher(s.manager, s.hub)

	// 7. Orphan sweep
	if s.cfg.SweepEnabled() {
		s.sweeper = terminal.NewSweeper(s.manager, s.database, s.cfg.ToSweepConfig())
	}

	// 8. Setup HTTP router
	s.setupRouter()
	return nil
}

// detachWorkspaceTerminal clears task workspace links to a destroyed session
func (s *Server) detachWorkspaceTerminal(rec db.TerminalSession, reason string) {
	if err := s.database.DetachWorkspaceTerminal(rec.ID); err != nil {
		log.Warn().Err(err).Str("sessionId", rec.ID).Str("reason", reason).Msg("failed to clear workspace terminal link")
	}
}

// NewMultiplexer builds the backend named by cfg.MuxBackend
func NewMultiplexer(cfg *Config) (mux.Multiplexer, error) {
	switch cfg.MuxBackend {
	case "", "tmux":
		t, err := mux.NewTmux(cfg.ToTmuxConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tmux: %w", err)
		}
		return t, nil
	case "memory":
		return mux.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown multiplexer backend %q", cfg.MuxBackend)
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	// Set Gin mode
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// CORS for development
	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip the WebSocket endpoint)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		TerminalWSPath,
	})))

	s.router.SetTrustedProxies(nil)

	// Note: API routes are set up by the caller (main.go) to avoid import cycles
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:12345": true,
			"http://localhost:12346": true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// StartBackground starts the orphan sweep. Start calls it; tests that serve
// the router themselves call it directly.
func (s *Server) StartBackground() {
	if s.sweeper == nil || s.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	s.sweepCancel = cancel
	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		s.sweeper.Run(ctx)
	}()
}

// Start starts all background services and the HTTP server
func (s *Server) Start() error {
	log.Info().Msg("starting server components")
	s.StartBackground()

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Str("mux", s.cfg.MuxBackend).
		Msg("HTTP server starting")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Terminal processes keep running
// and are re-attached on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Signal long-running handlers (WebSocket) to stop
	log.Info().Msg("signaling handlers to stop")
	s.shutdownCancel()

	// Give handlers a moment to process the cancellation and close connections.
	time.Sleep(100 * time.Millisecond)

	// 2. Stop the sweep so it cannot destroy sessions mid-shutdown
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepWG.Wait()
	}

	// 3. Close every client queue
	s.hub.Shutdown()

	// 4. Shutdown HTTP server
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// 5. Detach from sessions without killing them
	if err := s.manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("terminal manager shutdown error")
	}

	// Close database last
	if err := s.database.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
		return err
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors for API handlers
func (s *Server) DB() *db.DB                       { return s.database }
func (s *Server) Mux() mux.Multiplexer             { return s.mux }
func (s *Server) Hub() *hub.Hub                    { return s.hub }
func (s *Server) Manager() *terminal.Manager       { return s.manager }
func (s *Server) Dispatcher() *realtime.Dispatcher { return s.dispatcher }
func (s *Server) Sweeper() *terminal.Sweeper       { return s.sweeper }
func (s *Server) Router() *gin.Engine              { return s.router }
func (s *Server) ShutdownContext() context.Context { return s.shutdownCtx }
func (s *Server) Config() *Config                  { return s.cfg }
