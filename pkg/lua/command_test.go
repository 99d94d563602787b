package lua

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	messages  map[string][]string
	broadcast []string
	kicked    map[string]string
	ops       map[string]bool
	moved     map[string]string
	blocks    []string
	votes     []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		messages: map[string][]string{},
		kicked:   map[string]string{},
		ops:      map[string]bool{},
		moved:    map[string]string{},
	}
}

func (f *fakeServer) SendMessage(name, message string) bool {
	f.messages[name] = append(f.messages[name], message)
	return true
}

func (f *fakeServer) Broadcast(message string) { f.broadcast = append(f.broadcast, message) }

func (f *fakeServer) Kick(name, reason string) bool {
	if name == "ghost" {
		return false
	}
	f.kicked[name] = reason
	return true
}

func (f *fakeServer) Ban(name, reason, bannedBy string, duration time.Duration) error { return nil }

func (f *fakeServer) SetOperator(name string, operator bool) bool {
	f.ops[name] = operator
	return true
}

func (f *fakeServer) GotoWorld(name, world string) error {
	f.moved[name] = world
	return nil
}

func (f *fakeServer) SetBlock(world string, x, y, z, block int) error {
	if block > 49 {
		return errors.New("invalid block")
	}
	f.blocks = append(f.blocks, fmt.Sprintf("%s %d,%d,%d=%d", world, x, y, z, block))
	return nil
}

func (f *fakeServer) StartVotekick(instigator, victim, reason string) error {
	if victim == "Alice" {
		return errors.New("cannot votekick operators")
	}
	f.votes = append(f.votes, instigator+" kick "+victim+": "+reason)
	return nil
}

func (f *fakeServer) CastVote(voter string, yes bool) error {
	f.votes = append(f.votes, fmt.Sprintf("%s %t", voter, yes))
	return nil
}

func (f *fakeServer) CancelVote(name string) error {
	f.votes = append(f.votes, name+" cancel")
	return nil
}

func (f *fakeServer) VoteStatus() string { return "No active vote" }

func (f *fakeServer) Players() []PlayerInfo {
	return []PlayerInfo{{Name: "Alice", World: "default", ID: 0, Operator: true}, {Name: "Bob", World: "build", ID: 0}}
}

func (f *fakeServer) Worlds() []string { return []string{"build", "default"} }

func (f *fakeServer) ServerName() string { return "Test" }

func loadScripts(t *testing.T, files map[string]string) (*CommandManager, *fakeServer) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	srv := newFakeServer()
	cm := NewCommandManager(nil)
	require.NoError(t, cm.LoadCommands(dir, NewGameAPI(srv, cm)))
	return cm, srv
}

func TestExecuteCommand(t *testing.T) {
	cm, srv := loadScripts(t, map[string]string{
		"echo.lua": `
name = "echo"
aliases = "e, repeat"
description = "Echoes"
function execute(caller, args)
    send_message(caller.name, args[0] .. ":" .. (args[1] or ""))
    return "done " .. caller.world
end`,
	})

	out, err := cm.Execute(Caller{Name: "Alice", World: "default"}, "E", []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "done default", out)
	assert.Equal(t, []string{"E:hi"}, srv.messages["Alice"])
}

func TestPermissions(t *testing.T) {
	cm, srv := loadScripts(t, map[string]string{
		"kick.lua": `
name = "kick"
permission = "operator"
function execute(caller, args)
    local ok, err = kick(args[1], "bye")
    if not ok then return err end
    return "kicked"
end`,
	})

	_, err := cm.Execute(Caller{Name: "Bob"}, "kick", []string{"Alice"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, srv.kicked)

	out, err := cm.Execute(Caller{Name: "Root", Operator: true}, "kick", []string{"Alice"})
	require.NoError(t, err)
	assert.Equal(t, "kicked", out)
	assert.Equal(t, "bye", srv.kicked["Alice"])

	out, err = cm.Execute(Caller{Name: "Root", Operator: true}, "kick", []string{"ghost"})
	require.NoError(t, err)
	assert.Equal(t, "player not found", out)

	assert.Empty(t, cm.List(Caller{Name: "Bob"}))
	assert.Len(t, cm.List(Caller{Operator: true}), 1)
}

func TestUnknownCommand(t *testing.T) {
	cm, _ := loadScripts(t, nil)
	_, err := cm.Execute(Caller{Name: "Alice"}, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestScriptErrorsAreReturned(t *testing.T) {
	cm, _ := loadScripts(t, map[string]string{
		"boom.lua": `
name = "boom"
function execute(caller, args)
    error("kaboom")
end`,
	})

	_, err := cm.Execute(Caller{Name: "Alice"}, "boom", nil)
	assert.ErrorContains(t, err, "kaboom")

	// the VM stays usable after a failed call
	_, err = cm.Execute(Caller{Name: "Alice"}, "boom", nil)
	assert.Error(t, err)
}

func TestBrokenScriptsAreSkipped(t *testing.T) {
	cm, _ := loadScripts(t, map[string]string{
		"noname.lua":    `function execute() end`,
		"nohandler.lua": `name = "x"`,
		"syntax.lua":    `name = `,
		"readme.txt":    `not lua`,
	})
	assert.Empty(t, cm.List(Caller{Operator: true}))
}

func TestShippedCommands(t *testing.T) {
	srv := newFakeServer()
	cm := NewCommandManager(nil)
	require.NoError(t, cm.LoadCommands(filepath.Join("..", "..", "scripts", "commands"), NewGameAPI(srv, cm)))

	out, err := cm.Execute(Caller{Name: "Bob"}, "help", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "/players")
	assert.NotContains(t, out, "/kick")

	out, err = cm.Execute(Caller{Name: "Bob"}, "who", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Bob (build)")

	out, err = cm.Execute(Caller{Name: "Bob", World: "default"}, "goto", []string{"build"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "build", srv.moved["Bob"])

	out, err = cm.Execute(Caller{Name: "Root", Operator: true}, "op", []string{"Bob"})
	require.NoError(t, err)
	assert.Contains(t, out, "now an operator")
	assert.True(t, srv.ops["Bob"])

	_, err = cm.Execute(Caller{Name: "Root", Operator: true}, "say", []string{"hello", "all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"&d[Test] hello all"}, srv.broadcast)

	out, err = cm.Execute(Caller{Name: "Root", Operator: true}, "ban", []string{"Eve", "2", "being", "rude"})
	require.NoError(t, err)
	assert.Equal(t, "&eBanned Eve", out)
	assert.Equal(t, "being rude", srv.kicked["Eve"])

	out, err = cm.Execute(Caller{Name: "Bob"}, "vk", []string{"Eve", "breaking", "stuff"})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = cm.Execute(Caller{Name: "Bob"}, "votekick", []string{"Alice"})
	require.NoError(t, err)
	assert.Equal(t, "&ccannot votekick operators", out)

	out, err = cm.Execute(Caller{Name: "Bob"}, "votekick", nil)
	require.NoError(t, err)
	assert.Equal(t, "Usage: /votekick <player> <reason>", out)

	_, err = cm.Execute(Caller{Name: "Carol"}, "yes", nil)
	require.NoError(t, err)
	_, err = cm.Execute(Caller{Name: "Dave"}, "n", nil)
	require.NoError(t, err)
	_, err = cm.Execute(Caller{Name: "Bob"}, "cancelvote", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob kick Eve: breaking stuff", "Carol true", "Dave false", "Bob cancel"}, srv.votes)

	_, err = cm.Execute(Caller{Name: "Bob", World: "build"}, "setblock", []string{"1", "2", "3", "4"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	out, err = cm.Execute(Caller{Name: "Root", World: "build", Operator: true}, "setblock", []string{"1", "2", "3", "4"})
	require.NoError(t, err)
	assert.Equal(t, "&ePlaced block 4 at 1 2 3", out)
	assert.Equal(t, []string{"build 1,2,3=4"}, srv.blocks)

	out, err = cm.Execute(Caller{Name: "Root", World: "build", Operator: true}, "setblock", []string{"1", "2", "3", "99"})
	require.NoError(t, err)
	assert.Equal(t, "&cinvalid block", out)

	out, err = cm.Execute(Caller{Name: "Root", World: "build", Operator: true}, "setblock", []string{"1", "x"})
	require.NoError(t, err)
	assert.Equal(t, "Usage: /setblock <x> <y> <z> <block>", out)
}

func TestSandbox(t *testing.T) {
	vm := NewVM()
	require.NoError(t, vm.LoadString(`has_os = os ~= nil; has_io = io ~= nil`))
	require.NoError(t, vm.LoadString(`result = tostring(has_os) .. tostring(has_io)`))
	got, err := vm.GetGlobalString("result")
	require.NoError(t, err)
	assert.Equal(t, "falsefalse", got)
}

func TestCallHook(t *testing.T) {
	vm := NewVM()
	require.NoError(t, vm.LoadString(`
function deny_high(y) return y < 10 end
function silent(name) seen = name end
function broken() error("boom") end
`))

	allow, err := vm.CallHook("deny_high", 3)
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = vm.CallHook("deny_high", 30)
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = vm.CallHook("silent", "Alice")
	require.NoError(t, err)
	assert.True(t, allow)
	seen, err := vm.GetGlobalString("seen")
	require.NoError(t, err)
	assert.Equal(t, "Alice", seen)

	allow, err = vm.CallHook("missing", true)
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = vm.CallHook("broken")
	assert.Error(t, err)
	assert.True(t, allow)
	assert.Equal(t, 0, vm.State().Top())
}
