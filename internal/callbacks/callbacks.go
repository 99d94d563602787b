package callbacks

import (
	"github.com/siohaza/oxine/internal/protocol"
)

// Callbacks observes player activity. Hooks returning bool may veto the
// action by returning false.
type Callbacks interface {
	OnConnect(ip string)
	OnPlayerJoin(name, world string)
	OnPlayerLeave(name, world string)
	OnChatMessage(name, message string) bool
	OnBlockPlace(name, world string, pos protocol.Vec3[uint16], block byte) bool
	OnWorldChange(name, from, to string)
}

type DefaultCallbacks struct{}

func (d *DefaultCallbacks) OnConnect(ip string)                     {}
func (d *DefaultCallbacks) OnPlayerJoin(name, world string)         {}
func (d *DefaultCallbacks) OnPlayerLeave(name, world string)        {}
func (d *DefaultCallbacks) OnChatMessage(name, message string) bool { return true }
func (d *DefaultCallbacks) OnWorldChange(name, from, to string)     {}
func (d *DefaultCallbacks) OnBlockPlace(name, world string, pos protocol.Vec3[uint16], block byte) bool {
	return true
}

// CallbackChain fans events out to every registered Callbacks in order.
// Register everything before the server starts accepting players.
type CallbackChain struct {
	callbacks []Callbacks
}

func NewCallbackChain() *CallbackChain {
	return &CallbackChain{
		callbacks: make([]Callbacks, 0),
	}
}

func (c *CallbackChain) Register(cb Callbacks) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *CallbackChain) OnConnect(ip string) {
	for _, cb := range c.callbacks {
		cb.OnConnect(ip)
	}
}

func (c *CallbackChain) OnPlayerJoin(name, world string) {
	for _, cb := range c.callbacks {
		cb.OnPlayerJoin(name, world)
	}
}

func (c *CallbackChain) OnPlayerLeave(name, world string) {
	for _, cb := range c.callbacks {
		cb.OnPlayerLeave(name, world)
	}
}

func (c *CallbackChain) OnChatMessage(name, message string) bool {
	for _, cb := range c.callbacks {
		if !cb.OnChatMessage(name, message) {
			return false
		}
	}
	return true
}

func (c *CallbackChain) OnBlockPlace(name, world string, pos protocol.Vec3[uint16], block byte) bool {
	for _, cb := range c.callbacks {
		if !cb.OnBlockPlace(name, world, pos, block) {
			return false
		}
	}
	return true
}

func (c *CallbackChain) OnWorldChange(name, from, to string) {
	for _, cb := range c.callbacks {
		cb.OnWorldChange(name, from, to)
	}
}
