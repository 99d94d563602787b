package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/siohaza/oxine/internal/callbacks"
	"github.com/siohaza/oxine/internal/metrics"
	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/session"
	"github.com/siohaza/oxine/internal/vote"
	"github.com/siohaza/oxine/pkg/config"
	"github.com/siohaza/oxine/pkg/lua"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

type Server struct {
	config      *config.Config
	registry    *session.Registry
	luaCommands *lua.CommandManager
	votes       *vote.Manager
	callbacks   *callbacks.CallbackChain
	metrics     *metrics.Metrics
	logger      *slog.Logger
	startTime   time.Time

	listener net.Listener
	conns    map[*Conn]struct{}
	players  map[string]*Conn
	mu       sync.Mutex
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, registry *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    cfg,
		registry:  registry,
		metrics:   metrics.New(),
		votes:     vote.NewManager(vote.DefaultTimeout, vote.DefaultCooldown),
		callbacks: callbacks.NewCallbackChain(),
		logger:    logger,
		startTime: time.Now(),
		conns:     make(map[*Conn]struct{}),
		players:   make(map[string]*Conn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) SetCommands(cm *lua.CommandManager) {
	s.luaCommands = cm
}

// AddCallbacks registers cb for player events. Call it before Start.
func (s *Server) AddCallbacks(cb callbacks.Callbacks) {
	s.callbacks.Register(cb)
}

func (s *Server) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) Registry() *session.Registry { return s.registry }

// Start listens on the configured address and accepts in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}

	s.logger.Info("server started", "name", s.config.Name, "address", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(s.ctx, ln); err != nil {
			s.logger.Error("accept loop stopped", "error", err)
		}
	}()

	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		go s.ServeConn(ctx, nc, TransportTCP)
	}
}

// ServeConn runs one client connection to completion. Connections that
// arrive after Stop are closed straight away.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn, transport string) {
	c := newConn(s, nc, transport)
	if !s.track(c) {
		nc.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.ConnectionsTotal.WithLabelValues(transport).Inc()
	s.callbacks.OnConnect(c.ip)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	c.serve(ctx)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) addPlayer(c *Conn) {
	s.mu.Lock()
	s.players[strings.ToLower(c.name)] = c
	s.mu.Unlock()
	s.metrics.PlayersOnline.Inc()
}

func (s *Server) removePlayer(c *Conn) {
	s.mu.Lock()
	key := strings.ToLower(c.name)
	if s.players[key] == c {
		delete(s.players, key)
	}
	s.mu.Unlock()
	s.metrics.PlayersOnline.Dec()
}

func (s *Server) findPlayer(name string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.players[strings.ToLower(name)]
	return c, ok
}

func (s *Server) onlinePlayers() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Conn, 0, len(s.players))
	for _, c := range s.players {
		list = append(list, c)
	}
	slices.SortFunc(list, func(a, b *Conn) int { return strings.Compare(a.name, b.name) })
	return list
}

func (s *Server) Stop() {
	s.logger.Info("stopping server")

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.votes.Stop()

	s.logger.Info("server stopped")
}

type Status struct {
	Name           string         `json:"name"`
	MOTD           string         `json:"motd"`
	PlayersCurrent int            `json:"players_current"`
	PlayersMax     int            `json:"players_max"`
	Connections    int            `json:"connections"`
	Players        []string       `json:"players"`
	Worlds         []string       `json:"worlds"`
	WorldPlayers   map[string]int `json:"world_players"`
	Public         bool           `json:"public"`
	Software       string         `json:"software"`
	ProtocolVer    int            `json:"protocol_version"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
}

func (s *Server) Status() Status {
	entries := s.registry.Players()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}

	worlds := s.registry.WorldNames()
	perWorld := make(map[string]int, len(worlds))
	for _, name := range worlds {
		if w, ok := s.registry.World(name); ok {
			perWorld[name] = w.Count()
		}
	}

	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	return Status{
		Name:           s.config.Name,
		MOTD:           s.config.MOTD,
		PlayersCurrent: len(entries),
		PlayersMax:     s.config.MaxPlayers,
		Connections:    conns,
		Players:        names,
		Worlds:         worlds,
		WorldPlayers:   perWorld,
		Public:         s.config.Public,
		Software:       Software,
		ProtocolVer:    protocol.ProtocolVersion,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
	}
}

// Software is reported to clients and the server list.
var Software = "oxine"
