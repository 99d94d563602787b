// Package gateway serves the HTTP side of the server: Prometheus metrics, a
// JSON status document, and a websocket entry point for browser clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siohaza/oxine/internal/server"
)

// Subprotocol is what ClassiCube's web client asks for.
const Subprotocol = "ClassiCube"

type Gateway struct {
	addr       string
	game       *server.Server
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

func New(addr string, game *server.Server, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		addr:   addr,
		game:   game,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.game.Metrics().Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/ws", g.handleWebSocket)
	return mux
}

// Start listens and serves in the background. The returned channel reports
// a serve failure and is closed when the gateway stops.
func (g *Gateway) Start() (<-chan error, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, errors.New("gateway already running")
	}

	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		g.running.Store(false)
		return nil, fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}
	g.listener = ln

	httpSrv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway error", "error", err)
			errCh <- err
		}
	}()

	g.logger.Info("gateway started", "address", ln.Addr().String())
	return errCh, nil
}

// Stop shuts the HTTP server down and drops websocket players.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()

	if g.running.CompareAndSwap(true, false) && g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down gateway: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.game.Status()); err != nil {
		g.logger.Debug("failed to write status", "error", err)
	}
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	g.game.ServeConn(g.ctx, newWSConn(ws), server.TransportWebSocket)
}
