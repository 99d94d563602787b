package world

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/validation"
	"github.com/siohaza/oxine/pkg/classicgen"
	"github.com/siohaza/oxine/pkg/config"
)

const (
	// MaxMembers is the number of non-negative player ids.
	MaxMembers = 128
	eyeHeight  = 51
)

var (
	ErrWorldFull     = errors.New("world is full")
	ErrUnknownPlayer = errors.New("player is not in this world")
	ErrOutOfBounds   = errors.New("position is outside the world")
	ErrInvalidBlock  = errors.New("invalid block")
)

// Sink receives the packets a world produces for one member.
type Sink interface {
	Send(p protocol.Outgoing)
}

type BlockStore interface {
	Put(world string, pos protocol.Vec3[uint16], block byte) error
	Range(world string, fn func(pos protocol.Vec3[uint16], block byte) error) error
}

type Member struct {
	ID       int8
	Name     string
	Location protocol.Location
	sink     Sink
}

type World struct {
	name   string
	size   protocol.Vec3[uint16]
	blocks []byte
	spawn  protocol.Location
	store  BlockStore
	logger *slog.Logger

	// level holds the compressed level until the next edit.
	level   []protocol.LevelDataChunk
	members map[int8]*Member
	mu      sync.RWMutex

	// storeMu is taken before mu is released so edits reach the store in
	// the order they were applied.
	storeMu sync.Mutex
}

func New(cfg config.WorldConfig, store BlockStore, logger *slog.Logger) (*World, error) {
	if logger == nil {
		logger = slog.Default()
	}

	level, err := classicgen.Generate(cfg.Generator, cfg.Seed, cfg.Width, cfg.Height, cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate world %s: %w", cfg.Name, err)
	}

	w := &World{
		name: cfg.Name,
		size: protocol.Vec3[uint16]{
			X: uint16(cfg.Width),
			Y: uint16(cfg.Height),
			Z: uint16(cfg.Length),
		},
		blocks:  level.Blocks,
		store:   store,
		logger:  logger.With("world", cfg.Name),
		members: make(map[int8]*Member),
	}

	cx, cz := cfg.Width/2, cfg.Length/2
	w.spawn = protocol.Location{
		Position: protocol.Vec3[protocol.Fixed16]{
			X: protocol.Fixed16(cx*protocol.FixedScale + protocol.FixedScale/2),
			Y: protocol.Fixed16((level.Surface(cx, cz)+1)*protocol.FixedScale + eyeHeight),
			Z: protocol.Fixed16(cz*protocol.FixedScale + protocol.FixedScale/2),
		},
	}

	if store != nil {
		applied := 0
		err := store.Range(cfg.Name, func(pos protocol.Vec3[uint16], block byte) error {
			if !w.inBounds(pos) || !validation.IsValidBlock(block) {
				return nil
			}
			w.blocks[w.index(pos)] = block
			applied++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load edits for world %s: %w", cfg.Name, err)
		}
		if applied > 0 {
			w.logger.Info("restored block edits", "count", applied)
		}
	}

	return w, nil
}

func (w *World) Name() string { return w.name }

func (w *World) Size() protocol.Vec3[uint16] { return w.size }

func (w *World) Spawn() protocol.Location { return w.spawn }

func (w *World) inBounds(pos protocol.Vec3[uint16]) bool {
	return validation.IsValidBlockPosition(pos, w.size)
}

func (w *World) index(pos protocol.Vec3[uint16]) int {
	return (int(pos.Y)*int(w.size.Z)+int(pos.Z))*int(w.size.X) + int(pos.X)
}

func (w *World) Block(pos protocol.Vec3[uint16]) (byte, bool) {
	if !w.inBounds(pos) {
		return 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.blocks[w.index(pos)], true
}

// Join adds a player to the world and streams the level to it. The level
// snapshot and the spawn announcements happen under one lock so no block
// update can fall between them.
func (w *World) Join(name string, sink Sink) (int8, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.freeIDLocked()
	if !ok {
		return 0, ErrWorldFull
	}

	chunks, err := w.levelLocked()
	if err != nil {
		return 0, err
	}

	sink.Send(protocol.LevelInit{})
	for _, chunk := range chunks {
		sink.Send(chunk)
	}
	sink.Send(protocol.LevelFinalize{Size: w.size})
	sink.Send(protocol.SpawnPlayer{ID: protocol.SelfID, Name: name, Location: w.spawn})

	joined := protocol.SpawnPlayer{ID: id, Name: name, Location: w.spawn}
	for _, m := range w.sortedMembersLocked() {
		sink.Send(protocol.SpawnPlayer{ID: m.ID, Name: m.Name, Location: m.Location})
		m.sink.Send(joined)
	}

	w.members[id] = &Member{ID: id, Name: name, Location: w.spawn, sink: sink}
	w.logger.Debug("player joined world", "name", name, "id", id)

	return id, nil
}

func (w *World) levelLocked() ([]protocol.LevelDataChunk, error) {
	if w.level != nil {
		return w.level, nil
	}
	data, err := compressLevel(w.blocks)
	if err != nil {
		return nil, err
	}
	w.level = chunkLevel(data)
	return w.level, nil
}

// setLocked applies a change and hands the store lock to the caller when
// the change must be persisted. The caller must unlock mu.
func (w *World) setLocked(idx int, block byte) bool {
	if w.blocks[idx] == block {
		return false
	}
	w.blocks[idx] = block
	w.level = nil
	if w.store == nil {
		return false
	}
	w.storeMu.Lock()
	return true
}

func (w *World) persist(pos protocol.Vec3[uint16], block byte) error {
	defer w.storeMu.Unlock()
	return w.store.Put(w.name, pos, block)
}

func (w *World) freeIDLocked() (int8, bool) {
	for i := 0; i < MaxMembers; i++ {
		if _, taken := w.members[int8(i)]; !taken {
			return int8(i), true
		}
	}
	return 0, false
}

func (w *World) sortedMembersLocked() []*Member {
	members := make([]*Member, 0, len(w.members))
	for _, m := range w.members {
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b *Member) int { return int(a.ID) - int(b.ID) })
	return members
}

// RemovePlayer frees the id and despawns the player for everyone else.
// Removing an absent id does nothing.
func (w *World) RemovePlayer(id int8) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.members[id]
	if !ok {
		return false
	}
	delete(w.members, id)
	w.broadcastLocked(protocol.DespawnPlayer{ID: id}, -1)
	w.logger.Debug("player left world", "name", m.Name, "id", id)

	return true
}

// PlaceBlock applies a block change from a member. Rejected changes are
// reverted on the sender's client.
func (w *World) PlaceBlock(id int8, pos protocol.Vec3[uint16], block byte) error {
	w.mu.Lock()

	m, ok := w.members[id]
	if !ok {
		w.mu.Unlock()
		return ErrUnknownPlayer
	}
	if !w.inBounds(pos) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}

	idx := w.index(pos)
	if !validation.IsValidBlock(block) {
		m.sink.Send(protocol.BlockUpdate{Position: pos, Block: w.blocks[idx]})
		w.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidBlock, block)
	}

	changed := w.blocks[idx] != block
	persist := w.setLocked(idx, block)
	if changed {
		w.broadcastLocked(protocol.BlockUpdate{Position: pos, Block: block}, id)
	}
	w.mu.Unlock()

	if persist {
		if err := w.persist(pos, block); err != nil {
			w.logger.Warn("failed to persist block", "position", pos, "error", err)
		}
	}

	return nil
}

// SetBlock changes a block on behalf of the server and shows it to everyone.
func (w *World) SetBlock(pos protocol.Vec3[uint16], block byte) error {
	if !w.inBounds(pos) {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}
	if !validation.IsValidBlock(block) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, block)
	}

	w.mu.Lock()
	persist := w.setLocked(w.index(pos), block)
	w.broadcastLocked(protocol.BlockUpdate{Position: pos, Block: block}, -1)
	w.mu.Unlock()

	if persist {
		return w.persist(pos, block)
	}
	return nil
}

// Move records a member's new location and relays it with the smallest
// packet that can describe the change.
func (w *World) Move(id int8, loc protocol.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.members[id]
	if !ok {
		return ErrUnknownPlayer
	}

	p := movePacket(id, m.Location, loc)
	m.Location = loc
	if p != nil {
		w.broadcastLocked(p, id)
	}

	return nil
}

// Teleport moves a member on every client, its own included.
func (w *World) Teleport(id int8, loc protocol.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.members[id]
	if !ok {
		return ErrUnknownPlayer
	}
	m.Location = loc
	m.sink.Send(protocol.TeleportPlayer{ID: protocol.SelfID, Location: loc})
	w.broadcastLocked(protocol.TeleportPlayer{ID: id, Location: loc}, id)

	return nil
}

func movePacket(id int8, from, to protocol.Location) protocol.Outgoing {
	dx := int(to.Position.X) - int(from.Position.X)
	dy := int(to.Position.Y) - int(from.Position.Y)
	dz := int(to.Position.Z) - int(from.Position.Z)

	moved := dx != 0 || dy != 0 || dz != 0
	turned := to.Yaw != from.Yaw || to.Pitch != from.Pitch

	if !moved && !turned {
		return nil
	}
	if !moved {
		return protocol.UpdatePlayerRotation{ID: id, Yaw: to.Yaw, Pitch: to.Pitch}
	}
	if !fitsFixed8(dx) || !fitsFixed8(dy) || !fitsFixed8(dz) {
		return protocol.TeleportPlayer{ID: id, Location: to}
	}

	delta := protocol.Vec3[protocol.Fixed8]{
		X: protocol.Fixed8(dx),
		Y: protocol.Fixed8(dy),
		Z: protocol.Fixed8(dz),
	}
	if !turned {
		return protocol.UpdatePlayerPosition{ID: id, Delta: delta}
	}
	return protocol.UpdatePlayerLocation{ID: id, Delta: delta, Yaw: to.Yaw, Pitch: to.Pitch}
}

func fitsFixed8(v int) bool {
	return v >= -128 && v <= 127
}

// Chat sends a line to every member, the speaker included.
func (w *World) Chat(id int8, text string) {
	w.Broadcast(protocol.ChatMessage{ID: id, Text: text})
}

// Broadcast takes the write lock so concurrent events reach every member in
// the same order.
func (w *World) Broadcast(p protocol.Outgoing) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(p, -1)
}

// broadcastLocked delivers in id order. except of -1 skips nobody.
func (w *World) broadcastLocked(p protocol.Outgoing, except int8) {
	for _, m := range w.sortedMembersLocked() {
		if m.ID == except {
			continue
		}
		m.sink.Send(p)
	}
}

type MemberInfo struct {
	ID       int8
	Name     string
	Location protocol.Location
}

func (w *World) Members() []MemberInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]MemberInfo, 0, len(w.members))
	for _, m := range w.sortedMembersLocked() {
		out = append(out, MemberInfo{ID: m.ID, Name: m.Name, Location: m.Location})
	}
	return out
}

func (w *World) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.members)
}
