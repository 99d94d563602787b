package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/oxine/internal/gamemode"
	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/pkg/lua"
)

const hookScript = `
name = "hooktest"

function on_block_place(player, world, x, y, z, block)
    return y ~= 0
end

function on_chat_message(player, message)
    if message == "secret" then
        send_message(player, "&cnot allowed")
        return false
    end
end

function on_player_join(player, world)
    broadcast("&a" .. player .. " arrived in " .. world)
end

function on_world_change(player, from, to)
    send_message(player, "&a" .. from .. " -> " .. to)
end
`

func withGameMode(t *testing.T, script string) func(*Server) {
	return func(srv *Server) {
		path := filepath.Join(t.TempDir(), "mode.lua")
		require.NoError(t, os.WriteFile(path, []byte(script), 0644))

		gm, err := gamemode.Load(path, lua.NewGameAPI(srv, nil), nil)
		require.NoError(t, err)
		assert.Equal(t, "hooktest", gm.Name())
		srv.AddCallbacks(gm)
	}
}

func TestGameModeHooks(t *testing.T) {
	ts := startServer(t, newTestConfig(), withGameMode(t, hookScript), withCommands(t))

	alice := dial(t, ts.addr)
	alice.login("Alice")
	alice.readUntil(chatFrom(protocol.SelfID, "&aAlice arrived in default"))

	bob := dial(t, ts.addr)
	bob.login("Bob")
	alice.readUntil(chatFrom(protocol.SelfID, "&aBob arrived in default"))

	floor := protocol.Vec3[uint16]{X: 2, Y: 0, Z: 2}
	w, ok := ts.registry.World("default")
	require.True(t, ok)
	before, ok := w.Block(floor)
	require.True(t, ok)

	alice.send(protocol.SetBlock{Position: floor, State: 0})
	revert := alice.readUntil(func(p protocol.Outgoing) bool {
		_, ok := p.(protocol.BlockUpdate)
		return ok
	}).(protocol.BlockUpdate)
	assert.Equal(t, floor, revert.Position)
	assert.Equal(t, before, revert.Block)
	after, _ := w.Block(floor)
	assert.Equal(t, before, after)

	alice.send(protocol.Message{Text: "secret"})
	alice.readUntil(chatFrom(protocol.SelfID, "&cnot allowed"))

	alice.send(protocol.Message{Text: "public"})
	bob.readUntil(func(p protocol.Outgoing) bool {
		m, ok := p.(protocol.ChatMessage)
		if !ok {
			return false
		}
		assert.NotEqual(t, "Alice: &fsecret", m.Text)
		return m.Text == "Alice: &fpublic"
	})

	alice.send(protocol.Message{Text: "/goto other"})
	alice.readUntil(chatFrom(protocol.SelfID, "&adefault -> other"))
}

func TestGameModeLoadErrors(t *testing.T) {
	_, err := gamemode.Load(filepath.Join(t.TempDir(), "missing.lua"), nil, nil)
	assert.Error(t, err)

	gm, err := gamemode.Load("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, gamemode.DefaultName, gm.Name())
	assert.True(t, gm.OnBlockPlace("Alice", "default", protocol.Vec3[uint16]{}, 1))
}
