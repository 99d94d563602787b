package world

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/pkg/config"
)

type recorder struct {
	mu      sync.Mutex
	packets []protocol.Outgoing
}

func (r *recorder) Send(p protocol.Outgoing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recorder) take() []protocol.Outgoing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.packets
	r.packets = nil
	return out
}

type memStore struct {
	edits map[string]map[protocol.Vec3[uint16]]byte
}

func (s *memStore) Put(world string, pos protocol.Vec3[uint16], block byte) error {
	if s.edits[world] == nil {
		s.edits[world] = map[protocol.Vec3[uint16]]byte{}
	}
	s.edits[world][pos] = block
	return nil
}

func (s *memStore) Range(world string, fn func(protocol.Vec3[uint16], byte) error) error {
	for pos, b := range s.edits[world] {
		if err := fn(pos, b); err != nil {
			return err
		}
	}
	return nil
}

func testWorld(t *testing.T, store BlockStore) *World {
	t.Helper()
	w, err := New(config.WorldConfig{Name: "test", Width: 16, Height: 16, Length: 16, Generator: config.GeneratorFlat}, store, nil)
	require.NoError(t, err)
	return w
}

func TestJoinStreamsLevel(t *testing.T) {
	w := testWorld(t, nil)
	alice := &recorder{}

	id, err := w.Join("Alice", alice)
	require.NoError(t, err)
	assert.Equal(t, int8(0), id)

	packets := alice.take()
	require.GreaterOrEqual(t, len(packets), 4)
	assert.Equal(t, protocol.LevelInit{}, packets[0])

	var chunks []protocol.LevelDataChunk
	i := 1
	for ; i < len(packets); i++ {
		c, ok := packets[i].(protocol.LevelDataChunk)
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	assert.Equal(t, uint8(100), chunks[len(chunks)-1].Percent)

	blocks, err := DecompressLevel(chunks)
	require.NoError(t, err)
	assert.Len(t, blocks, 16*16*16)

	assert.Equal(t, protocol.LevelFinalize{Size: protocol.Vec3[uint16]{X: 16, Y: 16, Z: 16}}, packets[i])
	spawn, ok := packets[i+1].(protocol.SpawnPlayer)
	require.True(t, ok)
	assert.Equal(t, protocol.SelfID, spawn.ID)
	assert.Equal(t, "Alice", spawn.Name)
	assert.Equal(t, w.Spawn(), spawn.Location)
	assert.Len(t, packets, i+2)
}

func TestJoinAnnouncesBothWays(t *testing.T) {
	w := testWorld(t, nil)
	alice, bob := &recorder{}, &recorder{}

	aliceID, err := w.Join("Alice", alice)
	require.NoError(t, err)
	alice.take()

	bobID, err := w.Join("Bob", bob)
	require.NoError(t, err)
	assert.Equal(t, int8(1), bobID)

	assert.Equal(t, []protocol.Outgoing{protocol.SpawnPlayer{ID: bobID, Name: "Bob", Location: w.Spawn()}}, alice.take())

	bobPackets := bob.take()
	assert.Equal(t, protocol.SpawnPlayer{ID: aliceID, Name: "Alice", Location: w.Spawn()}, bobPackets[len(bobPackets)-1])
	assert.Equal(t, 2, w.Count())
}

func TestRemovePlayer(t *testing.T) {
	w := testWorld(t, nil)
	alice, bob := &recorder{}, &recorder{}
	aliceID, _ := w.Join("Alice", alice)
	bobID, _ := w.Join("Bob", bob)
	alice.take()
	bob.take()

	assert.True(t, w.RemovePlayer(bobID))
	assert.Equal(t, []protocol.Outgoing{protocol.DespawnPlayer{ID: bobID}}, alice.take())

	assert.False(t, w.RemovePlayer(bobID))
	assert.Empty(t, alice.take())

	// freed ids are reused
	id, err := w.Join("Carol", &recorder{})
	require.NoError(t, err)
	assert.Equal(t, bobID, id)
	assert.NotEqual(t, aliceID, id)
}

func TestWorldFull(t *testing.T) {
	w, err := New(config.WorldConfig{Name: "tiny", Width: 1, Height: 1, Length: 1, Generator: config.GeneratorFlat}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < MaxMembers; i++ {
		id, err := w.Join("p", &recorder{})
		require.NoError(t, err)
		assert.Equal(t, int8(i), id)
	}
	_, err = w.Join("overflow", &recorder{})
	assert.ErrorIs(t, err, ErrWorldFull)
}

func TestPlaceBlock(t *testing.T) {
	store := &memStore{edits: map[string]map[protocol.Vec3[uint16]]byte{}}
	w := testWorld(t, store)
	alice, bob := &recorder{}, &recorder{}
	aliceID, _ := w.Join("Alice", alice)
	_, _ = w.Join("Bob", bob)
	alice.take()
	bob.take()

	pos := protocol.Vec3[uint16]{X: 3, Y: 12, Z: 4}
	require.NoError(t, w.PlaceBlock(aliceID, pos, 1))
	assert.Empty(t, alice.take())
	assert.Equal(t, []protocol.Outgoing{protocol.BlockUpdate{Position: pos, Block: 1}}, bob.take())
	assert.Equal(t, byte(1), store.edits["test"][pos])

	b, ok := w.Block(pos)
	require.True(t, ok)
	assert.Equal(t, byte(1), b)

	err := w.PlaceBlock(aliceID, pos, 200)
	assert.ErrorIs(t, err, ErrInvalidBlock)
	assert.Equal(t, []protocol.Outgoing{protocol.BlockUpdate{Position: pos, Block: 1}}, alice.take())
	assert.Empty(t, bob.take())

	err = w.PlaceBlock(aliceID, protocol.Vec3[uint16]{X: 16}, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	assert.ErrorIs(t, w.PlaceBlock(99, pos, 1), ErrUnknownPlayer)
}

func TestEditsRestoredFromStore(t *testing.T) {
	pos := protocol.Vec3[uint16]{X: 1, Y: 15, Z: 1}
	store := &memStore{edits: map[string]map[protocol.Vec3[uint16]]byte{
		"test": {pos: 45, {X: 99}: 1},
	}}
	w := testWorld(t, store)

	b, ok := w.Block(pos)
	require.True(t, ok)
	assert.Equal(t, byte(45), b)
}

func TestMovePacket(t *testing.T) {
	at := func(x, y, z int16, yaw, pitch uint8) protocol.Location {
		return protocol.Location{
			Position: protocol.Vec3[protocol.Fixed16]{X: protocol.Fixed16(x), Y: protocol.Fixed16(y), Z: protocol.Fixed16(z)},
			Yaw:      yaw,
			Pitch:    pitch,
		}
	}
	from := at(100, 100, 100, 10, 20)

	tests := []struct {
		name string
		to   protocol.Location
		want protocol.Outgoing
	}{
		{"no change", from, nil},
		{"rotation", at(100, 100, 100, 11, 20), protocol.UpdatePlayerRotation{ID: 5, Yaw: 11, Pitch: 20}},
		{"position", at(101, 99, 100, 10, 20), protocol.UpdatePlayerPosition{ID: 5, Delta: protocol.Vec3[protocol.Fixed8]{X: 1, Y: -1, Z: 0}}},
		{"location", at(227, -28, 100, 0, 0), protocol.UpdatePlayerLocation{ID: 5, Delta: protocol.Vec3[protocol.Fixed8]{X: 127, Y: -128, Z: 0}, Yaw: 0, Pitch: 0}},
		{"teleport", at(228, 100, 100, 10, 20), protocol.TeleportPlayer{ID: 5, Location: at(228, 100, 100, 10, 20)}},
		{"teleport back", at(-29, 100, 100, 1, 2), protocol.TeleportPlayer{ID: 5, Location: at(-29, 100, 100, 1, 2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, movePacket(5, from, tt.to))
		})
	}
}

func TestMoveBroadcastsToOthers(t *testing.T) {
	w := testWorld(t, nil)
	alice, bob := &recorder{}, &recorder{}
	aliceID, _ := w.Join("Alice", alice)
	_, _ = w.Join("Bob", bob)
	alice.take()
	bob.take()

	loc := w.Spawn()
	loc.Yaw = 64
	require.NoError(t, w.Move(aliceID, loc))
	assert.Empty(t, alice.take())
	assert.Equal(t, []protocol.Outgoing{protocol.UpdatePlayerRotation{ID: aliceID, Yaw: 64}}, bob.take())

	assert.Equal(t, loc, w.Members()[0].Location)
	assert.ErrorIs(t, w.Move(42, loc), ErrUnknownPlayer)
}

func TestChatReachesEveryone(t *testing.T) {
	w := testWorld(t, nil)
	alice, bob := &recorder{}, &recorder{}
	aliceID, _ := w.Join("Alice", alice)
	_, _ = w.Join("Bob", bob)
	alice.take()
	bob.take()

	w.Chat(aliceID, "hi")
	want := []protocol.Outgoing{protocol.ChatMessage{ID: aliceID, Text: "hi"}}
	assert.Equal(t, want, alice.take())
	assert.Equal(t, want, bob.take())
}

func TestChunkLevel(t *testing.T) {
	data := make([]byte, 2500)
	chunks := chunkLevel(data)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint16(1024), chunks[0].Length)
	assert.Equal(t, uint16(452), chunks[2].Length)
	assert.Equal(t, []uint8{33, 66, 100}, []uint8{chunks[0].Percent, chunks[1].Percent, chunks[2].Percent})
}

func TestSetBlock(t *testing.T) {
	store := &memStore{edits: map[string]map[protocol.Vec3[uint16]]byte{}}
	w := testWorld(t, store)
	alice := &recorder{}
	_, _ = w.Join("Alice", alice)
	alice.take()

	pos := protocol.Vec3[uint16]{X: 5, Y: 10, Z: 5}
	require.NoError(t, w.SetBlock(pos, 20))
	assert.Equal(t, []protocol.Outgoing{protocol.BlockUpdate{Position: pos, Block: 20}}, alice.take())
	assert.Equal(t, byte(20), store.edits["test"][pos])

	assert.ErrorIs(t, w.SetBlock(pos, 200), ErrInvalidBlock)
	assert.ErrorIs(t, w.SetBlock(protocol.Vec3[uint16]{Y: 16}, 1), ErrOutOfBounds)
	assert.Empty(t, alice.take())
}

func levelChunks(packets []protocol.Outgoing) []protocol.LevelDataChunk {
	var chunks []protocol.LevelDataChunk
	for _, p := range packets {
		if c, ok := p.(protocol.LevelDataChunk); ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func TestJoinSeesLatestEdits(t *testing.T) {
	w := testWorld(t, nil)
	alice, bob, carol := &recorder{}, &recorder{}, &recorder{}

	aliceID, err := w.Join("Alice", alice)
	require.NoError(t, err)
	_, err = w.Join("Bob", bob)
	require.NoError(t, err)
	assert.Equal(t, levelChunks(alice.take()), levelChunks(bob.take()))

	pos := protocol.Vec3[uint16]{X: 2, Y: 14, Z: 9}
	require.NoError(t, w.PlaceBlock(aliceID, pos, 41))

	_, err = w.Join("Carol", carol)
	require.NoError(t, err)
	blocks, err := DecompressLevel(levelChunks(carol.take()))
	require.NoError(t, err)
	assert.Equal(t, byte(41), blocks[w.index(pos)])
}

type lockedStore struct {
	mu   sync.Mutex
	last map[protocol.Vec3[uint16]]byte
}

func (s *lockedStore) Put(world string, pos protocol.Vec3[uint16], block byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[pos] = block
	return nil
}

func (s *lockedStore) Range(string, func(protocol.Vec3[uint16], byte) error) error { return nil }

func TestConcurrentEditsPersistLastBlock(t *testing.T) {
	store := &lockedStore{last: map[protocol.Vec3[uint16]]byte{}}
	w := testWorld(t, store)

	ids := make([]int8, 4)
	for i := range ids {
		id, err := w.Join("p", &recorder{})
		require.NoError(t, err)
		ids[i] = id
	}

	pos := protocol.Vec3[uint16]{X: 8, Y: 8, Z: 8}
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range 200 {
				assert.NoError(t, w.PlaceBlock(id, pos, byte(1+(i+n)%40)))
			}
		}()
	}
	wg.Wait()

	b, _ := w.Block(pos)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, b, store.last[pos])
}
