package lua

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrPermissionDenied = errors.New("you don't have permission to use this command")
)

type CommandPermission int

const (
	PermissionNone CommandPermission = iota
	PermissionOperator
)

// Caller is the player running a command.
type Caller struct {
	Name     string
	World    string
	Operator bool
}

type LuaCommand struct {
	Name        string
	Aliases     []string
	Permission  CommandPermission
	Description string
	Usage       string
	Handler     string
	VM          *VM
}

func (c *LuaCommand) allowed(caller Caller) bool {
	return c.Permission == PermissionNone || caller.Operator
}

// CommandManager owns the command scripts. Each script has its own VM and
// calls into all of them are serialized.
type CommandManager struct {
	commands map[string]*LuaCommand
	aliases  map[string]string
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewCommandManager(logger *slog.Logger) *CommandManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandManager{
		commands: make(map[string]*LuaCommand),
		aliases:  make(map[string]string),
		logger:   logger,
	}
}

func (cm *CommandManager) LoadCommands(commandsDir string, api *GameAPI) error {
	files, err := os.ReadDir(commandsDir)
	if err != nil {
		return fmt.Errorf("failed to read commands directory: %w", err)
	}

	loaded := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".lua") {
			continue
		}

		if err := cm.LoadCommandFile(filepath.Join(commandsDir, file.Name()), api); err != nil {
			cm.logger.Warn("failed to load command file", "file", file.Name(), "error", err)
			continue
		}
		loaded++
	}

	cm.logger.Info("loaded lua commands", "count", loaded)
	return nil
}

func (cm *CommandManager) Reload(commandsDir string, api *GameAPI) error {
	cm.mu.Lock()
	cm.commands = make(map[string]*LuaCommand)
	cm.aliases = make(map[string]string)
	cm.mu.Unlock()

	return cm.LoadCommands(commandsDir, api)
}

func (cm *CommandManager) LoadCommandFile(path string, api *GameAPI) error {
	vm := NewVM()
	if api != nil {
		api.RegisterFunctions(vm)
	}

	if err := vm.LoadFile(path); err != nil {
		return err
	}

	name, err := vm.GetGlobalString("name")
	if err != nil {
		return fmt.Errorf("command missing 'name': %w", err)
	}

	cmd := &LuaCommand{
		Name:    strings.ToLower(name),
		Handler: "execute",
		VM:      vm,
	}
	if aliases, err := vm.GetGlobalString("aliases"); err == nil {
		for _, alias := range strings.Split(aliases, ",") {
			if alias = strings.TrimSpace(alias); alias != "" {
				cmd.Aliases = append(cmd.Aliases, strings.ToLower(alias))
			}
		}
	}
	if desc, err := vm.GetGlobalString("description"); err == nil {
		cmd.Description = desc
	}
	if usage, err := vm.GetGlobalString("usage"); err == nil {
		cmd.Usage = usage
	}
	if perm, err := vm.GetGlobalString("permission"); err == nil {
		cmd.Permission = parsePermission(perm)
	}
	if handler, err := vm.GetGlobalString("handler"); err == nil {
		cmd.Handler = handler
	}
	if !vm.HasFunction(cmd.Handler) {
		return fmt.Errorf("command %s has no handler function %s", cmd.Name, cmd.Handler)
	}

	cm.Register(cmd)
	return nil
}

func (cm *CommandManager) Register(cmd *LuaCommand) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		cm.aliases[alias] = cmd.Name
	}
}

func (cm *CommandManager) get(name string) *LuaCommand {
	name = strings.ToLower(name)
	if canonical, ok := cm.aliases[name]; ok {
		return cm.commands[canonical]
	}
	return cm.commands[name]
}

func (cm *CommandManager) Get(name string) *LuaCommand {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.get(name)
}

// Execute runs a command handler as handler(caller, args) where args[0] is
// the command name as typed. A string return value is the reply.
func (cm *CommandManager) Execute(caller Caller, cmdName string, args []string) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cmd := cm.get(cmdName)
	if cmd == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmdName)
	}
	if !cmd.allowed(caller) {
		return "", ErrPermissionDenied
	}

	state := cmd.VM.State()
	top := state.Top()
	defer state.SetTop(top)

	state.Global(cmd.Handler)
	if !state.IsFunction(-1) {
		return "", fmt.Errorf("command handler not found: %s", cmd.Handler)
	}

	pushCaller(state, caller)

	state.NewTable()
	state.PushString(cmdName)
	state.RawSetInt(-2, 0)
	for i, arg := range args {
		state.PushString(arg)
		state.RawSetInt(-2, i+1)
	}

	if err := state.ProtectedCall(2, 1, 0); err != nil {
		return "", fmt.Errorf("command execution failed: %w", err)
	}

	result := ""
	if state.IsString(-1) {
		result, _ = state.ToString(-1)
	}

	return result, nil
}

// List returns the commands caller may run, sorted by name.
func (cm *CommandManager) List(caller Caller) []*LuaCommand {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.listLocked(caller)
}

func (cm *CommandManager) listLocked(caller Caller) []*LuaCommand {
	var commands []*LuaCommand
	for _, cmd := range cm.commands {
		if cmd.allowed(caller) {
			commands = append(commands, cmd)
		}
	}
	slices.SortFunc(commands, func(a, b *LuaCommand) int { return strings.Compare(a.Name, b.Name) })
	return commands
}

func parsePermission(perm string) CommandPermission {
	switch strings.ToLower(perm) {
	case "operator", "op", "admin":
		return PermissionOperator
	default:
		return PermissionNone
	}
}

func pushCaller(state *lua.State, caller Caller) {
	state.NewTable()
	state.PushString(caller.Name)
	state.SetField(-2, "name")
	state.PushString(caller.World)
	state.SetField(-2, "world")
	state.PushBoolean(caller.Operator)
	state.SetField(-2, "operator")
}
