package bans

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigBans(t *testing.T) {
	m := NewManager("", map[string]string{"10.0.0.1": "griefing"}, map[string]string{"Mallory": "spam"})

	banned, ban := m.IsBanned("10.0.0.1")
	require.True(t, banned)
	assert.Equal(t, "griefing", ban.Reason)
	assert.True(t, ban.Permanent())

	banned, ban = m.IsBannedByName("mallory")
	require.True(t, banned)
	assert.Equal(t, "spam", ban.Reason)

	banned, _ = m.IsBanned("10.0.0.2")
	assert.False(t, banned)

	// config bans cannot be lifted at runtime
	require.NoError(t, m.RemoveBanByName("Mallory"))
	banned, _ = m.IsBannedByName("Mallory")
	assert.True(t, banned)
}

func TestIPv6Normalized(t *testing.T) {
	m := NewManager("", map[string]string{"::ffff:10.0.0.1": "mapped"}, nil)
	banned, _ := m.IsBanned("10.0.0.1")
	assert.True(t, banned)
}

func TestRuntimeBansPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "bans.json")

	m := NewManager(path, nil, nil)
	require.NoError(t, m.AddBan("192.168.1.5", "xray", "alice", 0))
	require.NoError(t, m.AddBanByName("Eve", "flying", "alice", time.Hour))

	_, err := os.Stat(path)
	require.NoError(t, err)

	reloaded := NewManager(path, nil, nil)
	require.NoError(t, reloaded.Load())

	banned, ban := reloaded.IsBanned("192.168.1.5")
	require.True(t, banned)
	assert.Equal(t, "alice", ban.BannedBy)

	banned, ban = reloaded.IsBannedByName("eve")
	require.True(t, banned)
	assert.False(t, ban.Permanent())
	assert.Len(t, reloaded.GetAll(), 2)

	require.NoError(t, reloaded.RemoveBan("192.168.1.5"))
	banned, _ = reloaded.IsBanned("192.168.1.5")
	assert.False(t, banned)
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager("", nil, nil)
	m.now = func() time.Time { return now }

	require.NoError(t, m.AddBanByName("Eve", "temp", "op", time.Minute))
	banned, _ := m.IsBannedByName("Eve")
	assert.True(t, banned)

	now = now.Add(2 * time.Minute)
	banned, _ = m.IsBannedByName("Eve")
	assert.False(t, banned)

	require.NoError(t, m.Cleanup())
	assert.Empty(t, m.GetAll())
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "none.json"), nil, nil)
	assert.NoError(t, m.Load())
}
