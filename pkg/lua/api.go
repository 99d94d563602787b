package lua

import (
	"time"

	"github.com/Shopify/go-lua"
)

type PlayerInfo struct {
	Name     string
	World    string
	ID       int8
	Operator bool
}

// ServerInterface is what command scripts can do to the running server.
type ServerInterface interface {
	SendMessage(name, message string) bool
	Broadcast(message string)
	Kick(name, reason string) bool
	Ban(name, reason, bannedBy string, duration time.Duration) error
	SetOperator(name string, operator bool) bool
	GotoWorld(name, world string) error
	SetBlock(world string, x, y, z, block int) error
	StartVotekick(instigator, victim, reason string) error
	CastVote(voter string, yes bool) error
	CancelVote(name string) error
	VoteStatus() string
	Players() []PlayerInfo
	Worlds() []string
	ServerName() string
}

type GameAPI struct {
	server         ServerInterface
	commandManager *CommandManager
}

func NewGameAPI(srv ServerInterface, cm *CommandManager) *GameAPI {
	return &GameAPI{
		server:         srv,
		commandManager: cm,
	}
}

func (api *GameAPI) RegisterFunctions(vm *VM) {
	vm.RegisterFunction("send_message", api.sendMessage)
	vm.RegisterFunction("broadcast", api.broadcast)
	vm.RegisterFunction("kick", api.kick)
	vm.RegisterFunction("ban", api.ban)
	vm.RegisterFunction("set_operator", api.setOperator)
	vm.RegisterFunction("goto_world", api.gotoWorld)
	vm.RegisterFunction("set_block", api.setBlock)
	vm.RegisterFunction("start_votekick", api.startVotekick)
	vm.RegisterFunction("cast_vote", api.castVote)
	vm.RegisterFunction("cancel_vote", api.cancelVote)
	vm.RegisterFunction("vote_status", api.voteStatus)
	vm.RegisterFunction("get_players", api.getPlayers)
	vm.RegisterFunction("get_player_count", api.getPlayerCount)
	vm.RegisterFunction("get_worlds", api.getWorlds)
	vm.RegisterFunction("get_server_name", api.getServerName)
	vm.RegisterFunction("get_commands", api.getCommands)
}

func pushResult(state *lua.State, err error) int {
	if err != nil {
		state.PushBoolean(false)
		state.PushString(err.Error())
		return 2
	}
	state.PushBoolean(true)
	state.PushString("")
	return 2
}

func (api *GameAPI) sendMessage(state *lua.State) int {
	name := lua.CheckString(state, 1)
	message := lua.CheckString(state, 2)
	state.PushBoolean(api.server.SendMessage(name, message))
	return 1
}

func (api *GameAPI) broadcast(state *lua.State) int {
	api.server.Broadcast(lua.CheckString(state, 1))
	return 0
}

func (api *GameAPI) kick(state *lua.State) int {
	name := lua.CheckString(state, 1)
	reason := lua.OptString(state, 2, "Kicked by an operator")
	if !api.server.Kick(name, reason) {
		state.PushBoolean(false)
		state.PushString("player not found")
		return 2
	}
	return pushResult(state, nil)
}

// ban(name, reason, banned_by, hours) with 0 hours meaning forever.
func (api *GameAPI) ban(state *lua.State) int {
	name := lua.CheckString(state, 1)
	reason := lua.OptString(state, 2, "Banned by an operator")
	bannedBy := lua.OptString(state, 3, "server")
	hours := lua.OptNumber(state, 4, 0)

	duration := time.Duration(hours * float64(time.Hour))
	return pushResult(state, api.server.Ban(name, reason, bannedBy, duration))
}

func (api *GameAPI) setOperator(state *lua.State) int {
	name := lua.CheckString(state, 1)
	op := state.ToBoolean(2)
	state.PushBoolean(api.server.SetOperator(name, op))
	return 1
}

func (api *GameAPI) gotoWorld(state *lua.State) int {
	name := lua.CheckString(state, 1)
	world := lua.CheckString(state, 2)
	return pushResult(state, api.server.GotoWorld(name, world))
}

// set_block(world, x, y, z, block) changes a block for everyone in world.
func (api *GameAPI) setBlock(state *lua.State) int {
	world := lua.CheckString(state, 1)
	x := lua.CheckInteger(state, 2)
	y := lua.CheckInteger(state, 3)
	z := lua.CheckInteger(state, 4)
	block := lua.CheckInteger(state, 5)
	return pushResult(state, api.server.SetBlock(world, x, y, z, block))
}

func (api *GameAPI) startVotekick(state *lua.State) int {
	instigator := lua.CheckString(state, 1)
	victim := lua.CheckString(state, 2)
	reason := lua.OptString(state, 3, "")
	return pushResult(state, api.server.StartVotekick(instigator, victim, reason))
}

func (api *GameAPI) castVote(state *lua.State) int {
	voter := lua.CheckString(state, 1)
	yes := state.ToBoolean(2)
	return pushResult(state, api.server.CastVote(voter, yes))
}

func (api *GameAPI) cancelVote(state *lua.State) int {
	return pushResult(state, api.server.CancelVote(lua.CheckString(state, 1)))
}

func (api *GameAPI) voteStatus(state *lua.State) int {
	state.PushString(api.server.VoteStatus())
	return 1
}

func (api *GameAPI) getPlayers(state *lua.State) int {
	state.NewTable()
	for i, p := range api.server.Players() {
		state.NewTable()
		state.PushString(p.Name)
		state.SetField(-2, "name")
		state.PushString(p.World)
		state.SetField(-2, "world")
		state.PushInteger(int(p.ID))
		state.SetField(-2, "id")
		state.PushBoolean(p.Operator)
		state.SetField(-2, "operator")
		state.RawSetInt(-2, i+1)
	}
	return 1
}

func (api *GameAPI) getPlayerCount(state *lua.State) int {
	state.PushInteger(len(api.server.Players()))
	return 1
}

func (api *GameAPI) getWorlds(state *lua.State) int {
	state.NewTable()
	for i, name := range api.server.Worlds() {
		state.PushString(name)
		state.RawSetInt(-2, i+1)
	}
	return 1
}

func (api *GameAPI) getServerName(state *lua.State) int {
	state.PushString(api.server.ServerName())
	return 1
}

// get_commands(caller) lists what the caller may run. Scripts only run
// inside CommandManager.Execute, which already holds the manager lock.
func (api *GameAPI) getCommands(state *lua.State) int {
	caller := Caller{}
	if state.IsTable(1) {
		state.Field(1, "operator")
		caller.Operator = state.ToBoolean(-1)
		state.Pop(1)
	}

	state.NewTable()
	if api.commandManager == nil {
		return 1
	}
	for i, cmd := range api.commandManager.listLocked(caller) {
		state.NewTable()
		state.PushString(cmd.Name)
		state.SetField(-2, "name")
		state.PushString(cmd.Description)
		state.SetField(-2, "description")
		state.PushString(cmd.Usage)
		state.SetField(-2, "usage")
		state.RawSetInt(-2, i+1)
	}
	return 1
}
