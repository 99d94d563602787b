package gamemode

import (
	"log/slog"

	"github.com/siohaza/oxine/internal/callbacks"
	"github.com/siohaza/oxine/pkg/lua"
)

const DefaultName = "freebuild"

type GameMode interface {
	callbacks.Callbacks
	Name() string
}

// BaseGameMode allows everything.
type BaseGameMode struct {
	callbacks.DefaultCallbacks
	name string
}

func NewBaseGameMode(name string) *BaseGameMode {
	return &BaseGameMode{name: name}
}

func (b *BaseGameMode) Name() string {
	return b.name
}

// Load runs the script at path, or returns a mode without rules when path
// is empty.
func Load(path string, api *lua.GameAPI, logger *slog.Logger) (GameMode, error) {
	if path == "" {
		return NewBaseGameMode(DefaultName), nil
	}
	gm, err := NewLuaGameMode(path, api, logger)
	if err != nil {
		return nil, err
	}
	return gm, nil
}
