package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/canvashub/pkg/database"
	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

const (
	metricsLogInterval = time.Minute
	shutdownTimeout    = 5 * time.Second
)

// Options are the collaborators of a Server. Zero values get defaults.
type Options struct {
	InfoLog  *log.Logger
	ErrorLog *log.Logger
	DebugLog *log.Logger

	Announcer  Announcer
	Identities IdentityProvider
}

// DefaultOptions logs to stdout and stderr. Debug output is discarded
// unless debug is set.
func DefaultOptions(debug bool) Options {
	debugOut := io.Discard
	if debug {
		debugOut = os.Stdout
	}
	return Options{
		InfoLog:  log.New(os.Stdout, "", log.LstdFlags),
		ErrorLog: log.New(os.Stderr, "ERROR: ", log.LstdFlags),
		DebugLog: log.New(debugOut, "DEBUG: ", log.LstdFlags),
	}
}

// Server accepts connections, logs clients in and hands them to sessions
type Server struct {
	config     ServerConfig
	db         *database.DB // nil keeps histories in memory
	registry   *Registry
	events     *serverlog.Log
	metrics    *Metrics
	identities IdentityProvider
	announcer  Announcer
	startTime  time.Time

	infoLog  *log.Logger
	errorLog *log.Logger
	debugLog *log.Logger

	upgrader websocket.Upgrader

	listener    net.Listener
	wsServer    *http.Server
	adminServer *http.Server

	group    *errgroup.Group
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu       sync.Mutex
	conns    map[*Client]struct{}
	stopping bool
}

// NewServer creates a server and opens its database
func NewServer(config ServerConfig, opts Options) (*Server, error) {
	if opts.InfoLog == nil {
		opts.InfoLog = log.New(io.Discard, "", 0)
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = log.New(io.Discard, "", 0)
	}
	if opts.DebugLog == nil {
		opts.DebugLog = log.New(io.Discard, "", 0)
	}
	if opts.Announcer == nil {
		opts.Announcer = NewHTTPAnnouncer(config.PublicHost, config.TCPPort)
	}
	if opts.Identities == nil {
		opts.Identities = NewConfigIdentities(config.Users, config.AllowGuests)
	}

	s := &Server{
		config:     config,
		registry:   NewRegistry(config.MaxSessions),
		events:     serverlog.New(opts.InfoLog, config.LogLimit),
		metrics:    NewMetrics(),
		identities: opts.Identities,
		announcer:  opts.Announcer,
		startTime:  time.Now(),
		infoLog:    opts.InfoLog,
		errorLog:   opts.ErrorLog,
		debugLog:   opts.DebugLog,
		conns:      make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		// Clients are drawing applications, not browsers bound to an origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(config.DatabasePath, database.Options{Logger: opts.ErrorLog})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
	}
	return s, nil
}

// Start restores persistent sessions, binds the listeners and starts
// serving. The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.restoreSessions(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort)))
	if err != nil {
		return fmt.Errorf("failed to listen on TCP port %d: %w", s.config.TCPPort, err)
	}
	s.listener = listener
	s.infoLog.Printf("Listening for TCP clients on %s", listener.Addr())

	var wsListener, adminListener net.Listener
	if s.config.WebSocketPort > 0 {
		wsListener, err = net.Listen("tcp", net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.WebSocketPort)))
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on WebSocket port %d: %w", s.config.WebSocketPort, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.infoLog.Printf("Listening for WebSocket clients on %s (/ws)", wsListener.Addr())
	}
	if s.config.AdminPort > 0 {
		adminListener, err = net.Listen("tcp", net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.AdminPort)))
		if err != nil {
			listener.Close()
			if wsListener != nil {
				wsListener.Close()
			}
			return fmt.Errorf("failed to listen on admin port %d: %w", s.config.AdminPort, err)
		}
		s.adminServer = &http.Server{Handler: s.AdminHandler(), ReadHeaderTimeout: 10 * time.Second}
		s.infoLog.Printf("Admin API listening on %s (/api, /metrics, /health) - INTERNAL ONLY", adminListener.Addr())
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return s.acceptLoop(gctx) })
	if s.wsServer != nil {
		g.Go(func() error { return serveHTTP(s.wsServer, wsListener) })
	}
	if s.adminServer != nil {
		g.Go(func() error { return serveHTTP(s.adminServer, adminListener) })
	}
	g.Go(func() error {
		s.metricsLoggingLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})
	return nil
}

// Addr is the address of the TCP listener
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func serveHTTP(srv *http.Server, l net.Listener) error {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server on %s failed: %w", l.Addr(), err)
	}
	return nil
}

func (s *Server) closeListeners() {
	s.listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.wsServer != nil {
		s.wsServer.Shutdown(ctx)
	}
	if s.adminServer != nil {
		s.adminServer.Shutdown(ctx)
	}
}

// Stop gracefully stops the server: listeners close, every session shuts
// down and disconnects its users, and the database is flushed.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.infoLog.Println("Graceful shutdown initiated...")
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		s.stopping = true
		pending := make([]*Client, 0, len(s.conns))
		for c := range s.conns {
			pending = append(pending, c)
		}
		s.mu.Unlock()

		s.registry.CloseAll()
		for _, c := range pending {
			if c.Session() == nil {
				c.Disconnect(protocol.DisconnectShutdown, "Server shutting down")
			}
		}

		if s.group != nil {
			err = s.group.Wait()
		}
		if s.db != nil {
			if cerr := s.db.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close database: %w", cerr)
			}
		}
		s.infoLog.Println("Graceful shutdown complete")
	})
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.acceptClient(NewMessageQueue(conn, s.debugLog), "tcp")
	}
}

// HandleWebSocket upgrades an HTTP request and serves the canvas protocol
// over binary WebSocket messages
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.acceptClient(NewMessageQueue(newWSConn(ws), s.debugLog), "websocket")
}

func (s *Server) acceptClient(t Transport, kind string) {
	c := NewClient(t, s.handleLogin)
	c.onClose = s.connectionClosed

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionAccepted(kind)
	s.debugLog.Printf("New %s connection from %s", kind, t.RemoteIP())

	s.greet(c)
	t.Start(c)
}

func (s *Server) connectionClosed(c *Client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.debugLog.Printf("Connection from %s closed", c.RemoteIP())
}

func (s *Server) sessionDeps() SessionDeps {
	return SessionDeps{
		Config:    s.config.Session,
		Events:    s.events,
		Logger:    s.infoLog,
		Metrics:   s.metrics,
		Announcer: s.announcer,
		OnEnded:   s.sessionEnded,
	}
}

func (s *Server) historyOptions() history.Options {
	return history.Options{
		SizeLimit:     s.config.Session.SizeLimit,
		BatchMessages: s.config.Session.BatchMessages,
		BatchBytes:    s.config.Session.BatchBytes,
		Logger:        s.errorLog,
	}
}

func (s *Server) historyStore(id string) history.Store {
	if s.db == nil {
		return history.NewMemoryStore()
	}
	return s.db.HistoryStore(id)
}

// createSession creates and registers a new session in Initialization
func (s *Server) createSession(meta history.Meta) (*Session, error) {
	store := s.historyStore(meta.ID)
	h, err := history.New(store, meta, s.historyOptions())
	if err != nil {
		store.Terminate()
		return nil, fmt.Errorf("failed to create session history: %w", err)
	}

	sess := NewSession(h, s.sessionDeps())
	if err := s.registry.Add(sess); err != nil {
		sess.Kill(true)
		return nil, err
	}
	return sess, nil
}

func (s *Server) sessionEnded(sess *Session) {
	s.registry.Remove(sess)
	s.infoLog.Printf("Session %s: ended", sess.ID())
}

// restoreSessions brings back the persistent sessions of the previous
// run. Leftovers of non-persistent sessions are deleted.
func (s *Server) restoreSessions() error {
	if s.db == nil {
		return nil
	}
	metas, err := s.db.Sessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	for _, meta := range metas {
		store := s.db.HistoryStore(meta.ID)
		if !meta.Persistent || !s.config.Session.AllowPersistent {
			if err := store.Terminate(); err != nil {
				s.errorLog.Printf("Session %s: failed to delete stale history: %v", meta.ID, err)
			}
			continue
		}

		h, err := history.New(store, meta, s.historyOptions())
		if err != nil {
			s.errorLog.Printf("Session %s: failed to restore: %v", meta.ID, err)
			store.Close()
			continue
		}
		if h.IsEmpty() {
			h.Terminate()
			continue
		}

		size := h.SizeInBytes()
		sess := NewSession(h, s.sessionDeps())
		if err := s.registry.Add(sess); err != nil {
			s.errorLog.Printf("Session %s: failed to restore: %v", meta.ID, err)
			sess.Kill(false)
			continue
		}
		s.infoLog.Printf("Session %s: restored (%s)", meta.ID, humanize.Bytes(uint64(size)))
	}
	return nil
}

// Registry returns the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := len(s.conns)
			s.mu.Unlock()
			s.infoLog.Printf("[METRICS] Sessions: %d, users: %d, connections: %d, goroutines: %d",
				s.registry.Count(), s.registry.CountUsers(), conns, runtime.NumGoroutine())
		}
	}
}
