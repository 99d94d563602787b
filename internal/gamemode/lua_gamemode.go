package gamemode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/pkg/lua"
)

// LuaGameMode forwards player events to hook functions in a script:
//
//	on_connect(ip)
//	on_player_join(name, world)
//	on_player_leave(name, world)
//	on_chat_message(name, message)           -> false to drop the message
//	on_block_place(name, world, x, y, z, id) -> false to revert the change
//	on_world_change(name, from, to)
//
// Hooks may call the same functions as chat commands.
type LuaGameMode struct {
	vm     *lua.VM
	name   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLuaGameMode(scriptPath string, api *lua.GameAPI, logger *slog.Logger) (*LuaGameMode, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vm := lua.NewVM()
	if api != nil {
		api.RegisterFunctions(vm)
	}

	if err := vm.LoadFile(scriptPath); err != nil {
		return nil, fmt.Errorf("failed to load gamemode script: %w", err)
	}

	name, err := vm.GetGlobalString("name")
	if err != nil {
		name = "lua_gamemode"
	}

	if vm.HasFunction("on_init") {
		if err := vm.CallFunction("on_init"); err != nil {
			return nil, fmt.Errorf("failed to call on_init: %w", err)
		}
	}

	return &LuaGameMode{
		vm:     vm,
		name:   name,
		logger: logger,
	}, nil
}

func (gm *LuaGameMode) Name() string {
	return gm.name
}

// hook runs one script function. Script errors are logged and never block
// the action.
func (gm *LuaGameMode) hook(name string, args ...any) bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	allow, err := gm.vm.CallHook(name, args...)
	if err != nil {
		gm.logger.Error("lua gamemode hook error", "gamemode", gm.name, "hook", name, "error", err)
		return true
	}
	return allow
}

func (gm *LuaGameMode) OnConnect(ip string) {
	gm.hook("on_connect", ip)
}

func (gm *LuaGameMode) OnPlayerJoin(name, world string) {
	gm.hook("on_player_join", name, world)
}

func (gm *LuaGameMode) OnPlayerLeave(name, world string) {
	gm.hook("on_player_leave", name, world)
}

func (gm *LuaGameMode) OnChatMessage(name, message string) bool {
	return gm.hook("on_chat_message", name, message)
}

func (gm *LuaGameMode) OnBlockPlace(name, world string, pos protocol.Vec3[uint16], block byte) bool {
	return gm.hook("on_block_place", name, world, int(pos.X), int(pos.Y), int(pos.Z), int(block))
}

func (gm *LuaGameMode) OnWorldChange(name, from, to string) {
	gm.hook("on_world_change", name, from, to)
}
