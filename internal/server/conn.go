package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/session"
	"github.com/siohaza/oxine/internal/validation"
	"github.com/siohaza/oxine/internal/world"
	"github.com/siohaza/oxine/pkg/lua"
)

const (
	outboundQueueSize  = 4096
	controlQueueSize   = 8
	maxWriteBatch      = 64 * 1024
	writerDrainTimeout = 2 * time.Second
)

type connState int

const (
	stateAwaitingIdentification connState = iota
	stateIdentified
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateAwaitingIdentification:
		return "awaiting_identification"
	case stateIdentified:
		return "identified"
	default:
		return "disconnected"
	}
}

// Conn is one client. Its state is owned by the supervisor goroutine in
// serve; other goroutines reach it only through Send and Do.
type Conn struct {
	srv       *Server
	nc        net.Conn
	ip        string
	transport string
	logger    *slog.Logger

	out        chan protocol.Outgoing
	ctrl       chan func()
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	state      connState
	kicked     bool
	registered bool
	pingSent   bool
	name       string
	world      *world.World
	id         int8
	operator   atomic.Bool
}

func newConn(srv *Server, nc net.Conn, transport string) *Conn {
	ip := nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return &Conn{
		srv:        srv,
		nc:         nc,
		ip:         ip,
		transport:  transport,
		logger:     srv.logger.With("remote", nc.RemoteAddr().String(), "transport", transport),
		out:        make(chan protocol.Outgoing, outboundQueueSize),
		ctrl:       make(chan func(), controlQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		state:      stateAwaitingIdentification,
	}
}

// Send queues a packet without blocking. A client that cannot keep up with
// its queue is dropped.
func (c *Conn) Send(p protocol.Outgoing) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.out <- p:
	default:
		c.logger.Warn("outbound queue full, dropping connection", "name", c.name)
		c.close()
	}
}

// Do runs fn on the supervisor goroutine. It reports false when the
// connection is gone or too busy to take the call.
func (c *Conn) Do(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.ctrl <- fn:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

func (c *Conn) serve(ctx context.Context) {
	c.logger.Debug("connection accepted")

	packets := make(chan protocol.Incoming)
	readErrs := make(chan error, 1)
	readerDone := make(chan struct{})

	go c.writeLoop()
	go c.readLoop(packets, readErrs, readerDone)
	defer c.teardown(readerDone)

	timeout := c.srv.config.PacketTimeout.Std()
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	ping := time.NewTicker(c.srv.config.PingSpacing.Std())
	defer ping.Stop()

	for c.state != stateDisconnected {
		select {
		case <-ctx.Done():
			c.kick("Server shutting down", "shutdown")

		case <-c.done:
			c.state = stateDisconnected

		case err := <-readErrs:
			c.handleReadError(err)

		case p := <-packets:
			idle.Reset(timeout)
			c.pingSent = false
			c.handle(p)

		case <-ping.C:
			if c.state == stateIdentified {
				c.Send(protocol.Ping{})
				c.pingSent = true
			}

		case <-idle.C:
			if c.state == stateAwaitingIdentification || c.pingSent {
				c.kick("Timed out", "timeout")
				continue
			}
			idle.Reset(timeout)

		case fn := <-c.ctrl:
			fn()
		}
	}
}

func (c *Conn) readLoop(packets chan<- protocol.Incoming, errs chan<- error, done chan<- struct{}) {
	defer close(done)

	dec := protocol.NewDecoder(bufio.NewReader(c.nc))
	for {
		p, err := protocol.ReadIncoming(dec)
		if err != nil {
			select {
			case errs <- err:
			case <-c.done:
			}
			return
		}

		select {
		case packets <- p:
		case <-c.done:
			return
		}
	}
}

// writeLoop is the only goroutine that writes to the socket. Queued packets
// are coalesced into one write. After a Disconnect is written the loop stops.
// A packet that fails to encode ends the connection with a Disconnect.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	pkt := protocol.NewEncoder()
	batch := make([]byte, 0, 4096)
	writeTimeout := c.srv.config.PacketTimeout.Std()

	for {
		var p protocol.Outgoing
		select {
		case <-c.done:
			return
		case p = <-c.out:
		}

		batch = batch[:0]
		last, failed := false, false
		for {
			pkt.Reset()
			if err := protocol.AppendOutgoing(pkt, p); err != nil {
				c.logger.Error("failed to encode packet", "type", p.Type(), "error", err)
				p = encodeFallback(p)
				failed = true
				pkt.Reset()
				if err := protocol.AppendOutgoing(pkt, p); err != nil {
					c.close()
					return
				}
			}
			batch = append(batch, pkt.Bytes()...)

			if _, ok := p.(protocol.Disconnect); ok {
				last = true
				break
			}
			if len(c.out) == 0 || len(batch) >= maxWriteBatch {
				break
			}
			p = <-c.out
		}

		if len(batch) > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(batch); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		}

		if failed {
			c.close()
			return
		}
		if last {
			return
		}
	}
}

// encodeFallback stands in for a packet that could not be encoded. The
// client is always told why it is being dropped.
func encodeFallback(p protocol.Outgoing) protocol.Outgoing {
	if d, ok := p.(protocol.Disconnect); ok {
		return protocol.Disconnect{Reason: protocol.Printable(d.Reason)}
	}
	return protocol.Disconnect{Reason: "Internal server error"}
}

func (c *Conn) teardown(readerDone <-chan struct{}) {
	if c.kicked {
		select {
		case <-c.writerDone:
		case <-time.After(writerDrainTimeout):
			c.logger.Debug("gave up flushing disconnect")
		}
	}
	c.close()
	<-c.writerDone
	<-readerDone

	if !c.registered {
		c.logger.Debug("connection closed")
		return
	}

	c.srv.removePlayer(c)
	c.srv.registry.Disconnect(c.name)
	c.srv.votes.HandlePlayerDisconnect(c.name)
	c.srv.callbacks.OnPlayerLeave(c.name, c.world.Name())
	c.srv.broadcastChat(fmt.Sprintf("&e%s left the game", c.name))
	c.logger.Info("player disconnected")
}

func (c *Conn) handleReadError(err error) {
	switch {
	case errors.Is(err, protocol.ErrUnknownPacket):
		c.logger.Warn("protocol violation", "error", err)
		c.kick("Unknown packet", "protocol")
		return
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("client closed connection", "state", c.state)
	default:
		c.logger.Warn("read failed", "state", c.state, "error", err)
	}
	c.state = stateDisconnected
}

// kick tells the client why it is being dropped and ends the session.
func (c *Conn) kick(reason, label string) {
	if c.state == stateDisconnected {
		return
	}

	c.Send(protocol.Disconnect{Reason: reason})
	c.kicked = true
	c.state = stateDisconnected
	c.srv.metrics.KicksTotal.WithLabelValues(label).Inc()
	c.logger.Info("connection kicked", "name", c.name, "reason", reason)
}

func (c *Conn) handle(p protocol.Incoming) {
	c.srv.metrics.PacketsReceived.WithLabelValues(packetName(p)).Inc()
	if n, ok := protocol.IncomingSize(p.Type()); ok {
		c.srv.metrics.BytesReceived.Add(float64(n))
	}

	if c.state == stateAwaitingIdentification {
		ident, ok := p.(protocol.PlayerIdentification)
		if !ok {
			c.kick("Expected player identification", "protocol")
			return
		}
		c.identify(ident)
		return
	}

	switch p := p.(type) {
	case protocol.PlayerIdentification:
		c.kick("Already identified", "protocol")
	case protocol.SetBlock:
		if current, ok := c.world.Block(p.Position); ok &&
			!c.srv.callbacks.OnBlockPlace(c.name, c.world.Name(), p.Position, p.State) {
			c.Send(protocol.BlockUpdate{Position: p.Position, Block: current})
			return
		}
		if err := c.world.PlaceBlock(c.id, p.Position, p.State); err != nil {
			c.logger.Debug("block change rejected", "position", p.Position, "block", p.State, "error", err)
		}
	case protocol.SetLocation:
		if !validation.IsValidLocation(p.Location, c.world.Size()) {
			c.logger.Debug("location out of range, returning to spawn", "position", p.Location.Position)
			if err := c.world.Teleport(c.id, c.world.Spawn()); err != nil {
				c.logger.Debug("teleport failed", "error", err)
			}
			return
		}
		if err := c.world.Move(c.id, p.Location); err != nil {
			c.logger.Debug("move rejected", "error", err)
		}
	case protocol.Message:
		c.handleMessage(p.Text)
	}
}

func (c *Conn) identify(p protocol.PlayerIdentification) {
	reg := c.srv.registry
	cfg := c.srv.config

	if p.Version != protocol.ProtocolVersion {
		c.kick(fmt.Sprintf("Unsupported protocol version %d", p.Version), "version")
		return
	}
	if !validation.IsValidUsername(p.Username) {
		c.kick("Invalid username!", "username")
		return
	}
	if reason, banned := reg.CheckBan(c.ip, p.Username); banned {
		if reason == "" {
			reason = "You are banned from this server"
		}
		c.kick(reason, "banned")
		return
	}
	if !reg.Verify(p.Username, p.Key) {
		c.kick("Login failed! Close the game and sign in again.", "verify")
		return
	}
	if _, online := reg.Lookup(p.Username); online {
		c.kick("Already logged in!", "duplicate")
		return
	}
	if reg.Full() {
		c.kick("Server is full!", "full")
		return
	}
	w, ok := reg.DefaultWorld()
	if !ok {
		c.kick("No world to join", "world")
		return
	}

	c.name = p.Username
	c.logger = c.logger.With("player", c.name)

	op := reg.IsOperator(c.name)
	c.operator.Store(op)
	c.Send(protocol.ServerIdentification{
		Version:  protocol.ProtocolVersion,
		Name:     cfg.Name,
		MOTD:     cfg.MOTD,
		Operator: op,
	})

	id, err := w.Join(c.name, c)
	if err != nil {
		c.logger.Warn("failed to join world", "world", w.Name(), "error", err)
		c.kick("World is full!", "full")
		return
	}
	if err := reg.Register(c.name, w.Name(), id); err != nil {
		w.RemovePlayer(id)
		if errors.Is(err, session.ErrFull) {
			c.kick("Server is full!", "full")
		} else {
			c.kick("Already logged in!", "duplicate")
		}
		return
	}

	c.world = w
	c.id = id
	c.registered = true
	c.state = stateIdentified
	c.srv.addPlayer(c)

	c.logger.Info("player joined", "world", w.Name(), "id", id, "operator", op)
	c.srv.broadcastChat(fmt.Sprintf("&e%s joined the game", c.name))
	c.srv.callbacks.OnPlayerJoin(c.name, w.Name())
}

func (c *Conn) handleMessage(text string) {
	text = validation.SanitizeChat(strings.TrimSpace(text))
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		c.runCommand(text)
		return
	}

	if r := []rune(text); len(r) > c.srv.config.MaxMessageLength {
		text = validation.SanitizeChat(string(r[:c.srv.config.MaxMessageLength]))
	}
	if text == "" || !c.srv.callbacks.OnChatMessage(c.name, text) {
		return
	}

	for _, line := range wrapChat(fmt.Sprintf("%s: &f%s", c.name, text)) {
		c.world.Chat(c.id, line)
	}
}

func (c *Conn) runCommand(text string) {
	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		return
	}

	cm := c.srv.luaCommands
	if cm == nil {
		c.sendChat("Commands are not available.")
		return
	}

	name := strings.ToLower(parts[0])
	caller := lua.Caller{Name: c.name, World: c.world.Name(), Operator: c.operator.Load()}

	result, err := cm.Execute(caller, name, parts[1:])
	switch {
	case errors.Is(err, lua.ErrUnknownCommand):
		c.sendChat("Unknown command. Type /help for available commands.")
	case errors.Is(err, lua.ErrPermissionDenied):
		c.sendChat("&c" + capitalize(err.Error()))
	case err != nil:
		c.logger.Error("lua command error", "command", name, "error", err)
		c.sendChat("&cCommand failed.")
	case result != "":
		c.sendChat(result)
	}
}

// transfer moves the player to target. If target cannot take it the player
// goes back to the world it came from.
func (c *Conn) transfer(target *world.World) {
	if c.state != stateIdentified || target == c.world {
		return
	}

	reg := c.srv.registry
	from := c.world
	from.RemovePlayer(c.id)

	id, err := target.Join(c.name, c)
	if err != nil {
		c.logger.Warn("failed to change world", "world", target.Name(), "error", err)
		c.sendChat(fmt.Sprintf("&cCould not join %s: %v", target.Name(), err))
		target = from
		id, err = from.Join(c.name, c)
		if err != nil {
			// The old id may already belong to someone else, so the entry
			// must not point at it when the registry cleans up.
			_ = reg.Transfer(c.name, from.Name(), protocol.SelfID)
			c.kick("World is full!", "full")
			return
		}
	}

	c.world = target
	c.id = id
	if err := reg.Transfer(c.name, target.Name(), id); err != nil {
		c.logger.Error("failed to record world change", "world", target.Name(), "error", err)
	}

	if target != from {
		c.logger.Info("player changed world", "from", from.Name(), "to", target.Name(), "id", id)
		c.sendChat("&eMoved to " + target.Name())
		c.srv.callbacks.OnWorldChange(c.name, from.Name(), target.Name())
	}
}

func (c *Conn) setOperator(op bool) {
	if c.operator.Swap(op) == op {
		return
	}
	c.Send(protocol.UpdateUser{Operator: op})
	if op {
		c.sendChat("&eYou are now an operator")
	} else {
		c.sendChat("&eYou are no longer an operator")
	}
}

func (c *Conn) sendChat(text string) {
	for _, line := range wrapChat(text) {
		c.Send(protocol.ChatMessage{ID: protocol.SelfID, Text: line})
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func packetName(p protocol.Incoming) string {
	switch p.(type) {
	case protocol.PlayerIdentification:
		return "player_identification"
	case protocol.SetBlock:
		return "set_block"
	case protocol.SetLocation:
		return "set_location"
	case protocol.Message:
		return "message"
	default:
		return "unknown"
	}
}
