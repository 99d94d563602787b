package lua

import (
	"fmt"

	"github.com/Shopify/go-lua"
)

// VM is one sandboxed Lua state. It is not safe for concurrent use.
type VM struct {
	state *lua.State
}

func NewVM() *VM {
	state := lua.NewState()
	openSafeLibraries(state)
	return &VM{state: state}
}

func openSafeLibraries(state *lua.State) {
	lua.OpenLibraries(state)

	for _, name := range []string{"io", "os", "debug", "dofile", "loadfile", "require", "package"} {
		state.PushNil()
		state.SetGlobal(name)
	}
}

func (vm *VM) LoadFile(path string) error {
	if err := lua.DoFile(vm.state, path); err != nil {
		return fmt.Errorf("failed to load lua file %s: %w", path, err)
	}
	return nil
}

func (vm *VM) LoadString(code string) error {
	if err := lua.DoString(vm.state, code); err != nil {
		return fmt.Errorf("failed to load lua string: %w", err)
	}
	return nil
}

func (vm *VM) GetGlobalString(name string) (string, error) {
	vm.state.Global(name)
	defer vm.state.Pop(1)
	if !vm.state.IsString(-1) {
		return "", fmt.Errorf("global %s is not a string", name)
	}
	value, _ := vm.state.ToString(-1)
	return value, nil
}

func (vm *VM) HasFunction(name string) bool {
	vm.state.Global(name)
	isFunc := vm.state.IsFunction(-1)
	vm.state.Pop(1)
	return isFunc
}

func (vm *VM) CallFunction(name string, args ...string) error {
	vm.state.Global(name)
	if !vm.state.IsFunction(-1) {
		vm.state.Pop(1)
		return fmt.Errorf("global %s is not a function", name)
	}
	for _, arg := range args {
		vm.state.PushString(arg)
	}
	if err := vm.state.ProtectedCall(len(args), 0, 0); err != nil {
		return fmt.Errorf("[Lua Error] function %s: %w", name, err)
	}
	return nil
}

// CallHook calls the global function name and reads its result as a
// verdict. A missing function, or one that returns nothing, allows.
func (vm *VM) CallHook(name string, args ...any) (bool, error) {
	top := vm.state.Top()
	defer vm.state.SetTop(top)

	vm.state.Global(name)
	if !vm.state.IsFunction(-1) {
		return true, nil
	}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			vm.state.PushString(v)
		case int:
			vm.state.PushInteger(v)
		case bool:
			vm.state.PushBoolean(v)
		default:
			return true, fmt.Errorf("hook %s: unsupported argument type %T", name, arg)
		}
	}
	if err := vm.state.ProtectedCall(len(args), 1, 0); err != nil {
		return true, fmt.Errorf("[Lua Error] hook %s: %w", name, err)
	}
	if vm.state.IsNil(-1) {
		return true, nil
	}
	return vm.state.ToBoolean(-1), nil
}

func (vm *VM) RegisterFunction(name string, fn lua.Function) {
	vm.state.Register(name, fn)
}

func (vm *VM) State() *lua.State {
	return vm.state
}
