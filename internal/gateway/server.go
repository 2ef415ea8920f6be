// Package gateway serves the REST API and the WebSocket event feed the
// office dashboard runs on. One mux carries both surfaces; every bus
// broadcast fans out to the connected clients as a typed frame.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/cliauth"
	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/oauth"
	"github.com/nextlevelbuilder/climpire/internal/orchestrator"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/usage"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// AppName labels health responses and the connected frame.
const AppName = "climpire"

// Deps are the subsystems the handlers call into.
type Deps struct {
	Store   store.Store
	Bus     bus.EventPublisher
	Orc     *orchestrator.Orchestrator
	Usage   *usage.Service
	CliAuth *cliauth.Detector
	OAuth   *oauth.Service
	Version string
	Logger  *slog.Logger
}

// Server is the HTTP front of the orchestration server.
type Server struct {
	cfg     *config.Config
	store   store.Store
	bus     bus.EventPublisher
	orc     *orchestrator.Orchestrator
	usage   *usage.Service
	cliauth *cliauth.Detector
	oauth   *oauth.Service
	version string
	logger  *slog.Logger

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		bus:     deps.Bus,
		orc:     deps.Orc,
		usage:   deps.Usage,
		cliauth: deps.CliAuth,
		oauth:   deps.OAuth,
		version: deps.Version,
		logger:  logger.With("component", "gateway"),
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Loopback-bound local tool; the dashboard may be served from a
		// dev server on another port.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the mux with every route registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	for _, path := range []string{"/api/health", "/health", "/healthz"} {
		mux.HandleFunc("GET "+path, s.handleHealth)
	}

	mux.HandleFunc("GET /api/departments", s.handleListDepartments)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handlePatchAgent)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", s.handleAssignTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /api/tasks/{id}/terminal", s.handleTaskTerminal)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /api/tasks/{id}/subtasks", s.handleTaskSubtasks)
	mux.HandleFunc("GET /api/tasks/{id}/diff", s.handleTaskDiff)
	mux.HandleFunc("POST /api/tasks/{id}/merge", s.handleTaskMerge)
	mux.HandleFunc("POST /api/tasks/{id}/discard", s.handleTaskDiscard)
	mux.HandleFunc("GET /api/tasks/{id}/meeting-minutes", s.handleMeetingMinutes)

	mux.HandleFunc("POST /api/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("DELETE /api/messages", s.handleDeleteMessages)
	mux.HandleFunc("POST /api/announcements", s.handlePostAnnouncement)

	mux.HandleFunc("GET /api/cli-status", s.handleCliStatus)
	mux.HandleFunc("GET /api/cli-usage", s.handleCliUsage)
	mux.HandleFunc("POST /api/cli-usage/refresh", s.handleCliUsageRefresh)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.HandleFunc("GET /api/oauth/status", s.handleOAuthStatus)
	mux.HandleFunc("GET /api/oauth/start", s.handleOAuthStart)
	mux.HandleFunc("GET /api/oauth/callback/github-copilot", s.handleGitHubCallback)
	mux.HandleFunc("GET /api/oauth/callback/antigravity", s.handleGoogleCallback)
	mux.HandleFunc("POST /api/oauth/disconnect", s.handleOAuthDisconnect)
	mux.HandleFunc("POST /api/oauth/github-copilot/device-start", s.handleDeviceStart)
	mux.HandleFunc("POST /api/oauth/github-copilot/device-poll", s.handleDevicePoll)

	s.mux = mux
	return mux
}

// Start listens on the configured address until the context ends, then
// waves the WebSocket clients goodbye and drains the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Addr()
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("gateway listening", "addr", addr)

	go func() {
		<-ctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleWebSocket upgrades the connection, sends the connected frame
// and bridges bus broadcasts into the socket until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.logger)
	c.enqueue(protocol.Frame{
		Type:    protocol.EventConnected,
		Payload: protocol.ConnectedPayload{Version: s.version, App: AppName},
		TS:      time.Now().UnixMilli(),
	})

	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close(websocket.CloseNormalClosure)
	}()

	go c.writePump()

	// Inbound frames are ignored; the read loop only notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(event bus.Event) {
		c.enqueue(protocol.Frame{
			Type:    event.Type,
			Payload: event.Payload,
			TS:      time.Now().UnixMilli(),
		})
	})

	s.logger.Debug("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	s.logger.Debug("client disconnected", "id", c.id)
}

// closeClients tells every connected client the server is going away.
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		s.bus.Unsubscribe(c.id)
		c.close(websocket.CloseGoingAway)
	}
}

// broadcast pushes one event through the bus, which loops back into
// every connected WebSocket client.
func (s *Server) broadcast(eventType string, payload any) {
	if s.bus != nil {
		s.bus.Broadcast(bus.Event{Type: eventType, Payload: payload})
	}
}

func newClientID() string { return uuid.NewString() }
