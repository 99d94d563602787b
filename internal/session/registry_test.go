package session

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/world"
	"github.com/siohaza/oxine/pkg/config"
)

type sink struct {
	packets []protocol.Outgoing
}

func (s *sink) Send(p protocol.Outgoing) { s.packets = append(s.packets, p) }

func newRegistry(t *testing.T, mutate func(*config.Config)) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Worlds = []config.WorldConfig{
		{Name: "default", Width: 8, Height: 8, Length: 8, Generator: config.GeneratorFlat},
		{Name: "build", Width: 8, Height: 8, Length: 8, Generator: config.GeneratorFlat},
	}
	if mutate != nil {
		mutate(cfg)
	}

	var worlds []*world.World
	for _, wc := range cfg.Worlds {
		w, err := world.New(wc, nil, nil)
		require.NoError(t, err)
		worlds = append(worlds, w)
	}

	r, err := New(cfg, worlds, nil, nil)
	require.NoError(t, err)
	return r
}

func TestRegisterAndDisconnect(t *testing.T) {
	r := newRegistry(t, nil)
	w, ok := r.DefaultWorld()
	require.True(t, ok)

	alice, bob := &sink{}, &sink{}
	aliceID, err := w.Join("Alice", alice)
	require.NoError(t, err)
	require.NoError(t, r.Register("Alice", "default", aliceID))

	bobID, err := w.Join("Bob", bob)
	require.NoError(t, err)
	require.NoError(t, r.Register("Bob", "default", bobID))
	assert.Equal(t, 2, r.Count())

	err = r.Register("alice", "default", 5)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	entry, ok := r.Lookup("ALICE")
	require.True(t, ok)
	assert.Equal(t, Entry{Name: "Alice", World: "default", ID: aliceID}, entry)

	bob.packets = nil
	assert.True(t, r.Disconnect("Alice"))
	assert.Equal(t, []protocol.Outgoing{protocol.DespawnPlayer{ID: aliceID}}, bob.packets)
	assert.Equal(t, 1, w.Count())

	_, ok = r.Lookup("Alice")
	assert.False(t, ok)
}

func TestDisconnectIdempotent(t *testing.T) {
	r := newRegistry(t, nil)
	require.NoError(t, r.Register("Carol", "build", 0))
	before := r.Players()

	assert.False(t, r.Disconnect("nobody"))
	assert.Equal(t, before, r.Players())

	assert.True(t, r.Disconnect("Carol"))
	assert.False(t, r.Disconnect("Carol"))
	assert.Zero(t, r.Count())
}

func TestRegisterUnknownWorld(t *testing.T) {
	r := newRegistry(t, nil)
	assert.ErrorIs(t, r.Register("Dave", "nether", 0), ErrUnknownWorld)
	assert.Zero(t, r.Count())
}

func TestTransfer(t *testing.T) {
	r := newRegistry(t, nil)
	require.NoError(t, r.Register("Alice", "default", 3))
	require.NoError(t, r.Transfer("Alice", "build", 0))

	entry, ok := r.Lookup("Alice")
	require.True(t, ok)
	assert.Equal(t, "build", entry.World)
	assert.Equal(t, int8(0), entry.ID)

	assert.ErrorIs(t, r.Transfer("ghost", "build", 0), ErrNotConnected)
	assert.ErrorIs(t, r.Transfer("Alice", "void", 0), ErrUnknownWorld)
	assert.Equal(t, []string{"build", "default"}, r.WorldNames())
}

func TestFull(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) { c.MaxPlayers = 1 })
	assert.False(t, r.Full())
	require.NoError(t, r.Register("Alice", "default", 0))
	assert.True(t, r.Full())
	assert.ErrorIs(t, r.Register("Bob", "default", 1), ErrFull)
	assert.Equal(t, 1, r.Count())

	unlimited := newRegistry(t, func(c *config.Config) { c.MaxPlayers = 0 })
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, unlimited.Register(name, "default", int8(i)))
	}
	assert.False(t, unlimited.Full())
}

func TestRegisterConcurrentLoginsRespectLimit(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) { c.MaxPlayers = 3 })

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Register(fmt.Sprintf("player%d", i), "default", int8(i))
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrFull)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, 3, r.Count())
}

func TestSaltHistoryEviction(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) {
		c.KeptSalts = 3
		c.HeartbeatURL = "http://localhost/heartbeat"
	})

	var issued []string
	for i := 0; i < 5; i++ {
		salt, err := r.IssueSalt(rand.Reader)
		require.NoError(t, err)
		issued = append(issued, salt)
	}

	assert.Equal(t, issued[2:], r.Salts())
}

func TestSaltEncoding(t *testing.T) {
	r := newRegistry(t, nil)

	salt, err := r.IssueSalt(bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)
	assert.Equal(t, "0", salt)

	raw := bytes.Repeat([]byte{0xff}, 16)
	salt, err = r.IssueSalt(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Len(t, salt, 22)
	decoded, ok := new(big.Int).SetString(salt, 62)
	require.True(t, ok)
	assert.Equal(t, raw, decoded.Bytes())

	_, err = r.IssueSalt(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestVerifyWithoutSalts(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) { c.KeptSalts = 0 })

	_, err := r.IssueSalt(rand.Reader)
	require.NoError(t, err)
	assert.Empty(t, r.Salts())

	assert.True(t, r.Verify("Alice", ""))
	assert.True(t, r.Verify("Alice", "garbage"))
}

func TestVerifyAgainstAnyKeptSalt(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) {
		c.KeptSalts = 2
		c.HeartbeatURL = "http://localhost/heartbeat"
	})

	first, err := r.IssueSalt(rand.Reader)
	require.NoError(t, err)
	second, err := r.IssueSalt(rand.Reader)
	require.NoError(t, err)

	assert.True(t, r.Verify("Alice", LoginKey(first, "Alice")))
	assert.True(t, r.Verify("Alice", strings.ToUpper(LoginKey(second, "Alice"))))
	assert.False(t, r.Verify("Bob", LoginKey(first, "Alice")))
	assert.False(t, r.Verify("Alice", ""))

	_, err = r.IssueSalt(rand.Reader)
	require.NoError(t, err)
	assert.False(t, r.Verify("Alice", LoginKey(first, "Alice")), "evicted salt must no longer verify")
	assert.True(t, r.Verify("Alice", LoginKey(second, "Alice")))
}

func TestCheckBanAndOperators(t *testing.T) {
	r := newRegistry(t, func(c *config.Config) {
		c.BannedIPs = map[string]string{"10.1.1.1": "bad address"}
		c.BannedUsers = map[string]string{"Mallory": "bad name"}
		c.Operators = []string{"Root"}
	})

	reason, banned := r.CheckBan("10.1.1.1", "Alice")
	assert.True(t, banned)
	assert.Equal(t, "bad address", reason)

	reason, banned = r.CheckBan("10.1.1.2", "mallory")
	assert.True(t, banned)
	assert.Equal(t, "bad name", reason)

	_, banned = r.CheckBan("10.1.1.2", "Alice")
	assert.False(t, banned)

	assert.True(t, r.IsOperator("root"))
	assert.False(t, r.IsOperator("Alice"))
	r.SetOperator("Alice", true)
	assert.True(t, r.IsOperator("Alice"))
	r.SetOperator("Alice", false)
	assert.False(t, r.IsOperator("Alice"))
}
