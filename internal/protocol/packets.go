package protocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	ProtocolVersion = 7

	operatorFlag = 0x64
)

type PacketType uint8

// Client to server.
const (
	PacketTypePlayerIdentification PacketType = 0x00
	PacketTypeSetBlock             PacketType = 0x05
	PacketTypeSetLocation          PacketType = 0x08
	PacketTypeMessage              PacketType = 0x0d
)

// Server to client.
const (
	PacketTypeServerIdentification PacketType = 0x00
	PacketTypePing                 PacketType = 0x01
	PacketTypeLevelInit            PacketType = 0x02
	PacketTypeLevelDataChunk       PacketType = 0x03
	PacketTypeLevelFinalize        PacketType = 0x04
	PacketTypeBlockUpdate          PacketType = 0x06
	PacketTypeSpawnPlayer          PacketType = 0x07
	PacketTypeTeleportPlayer       PacketType = 0x08
	PacketTypeUpdatePlayerLocation PacketType = 0x09
	PacketTypeUpdatePlayerPosition PacketType = 0x0a
	PacketTypeUpdatePlayerRotation PacketType = 0x0b
	PacketTypeDespawnPlayer        PacketType = 0x0c
	PacketTypeChatMessage          PacketType = 0x0d
	PacketTypeDisconnect           PacketType = 0x0e
	PacketTypeUpdateUser           PacketType = 0x0f
)

// SelfID is the player id a client uses to refer to itself.
const SelfID int8 = -1

var ErrUnknownPacket = errors.New("unknown packet type")

var incomingSizes = map[PacketType]int{
	PacketTypePlayerIdentification: 131,
	PacketTypeSetBlock:             9,
	PacketTypeSetLocation:          10,
	PacketTypeMessage:              66,
}

// IncomingSize returns the full wire length of a client packet, discriminant
// included.
func IncomingSize(t PacketType) (int, bool) {
	n, ok := incomingSizes[t]
	return n, ok
}

type Incoming interface {
	Type() PacketType
	incoming()
}

type PlayerIdentification struct {
	Version  uint8
	Username string
	Key      string
}

type SetBlock struct {
	Position Vec3[uint16]
	// State is the placed block id, or 0 when the block was cleared.
	State uint8
}

type SetLocation struct {
	Location Location
}

type Message struct {
	Text string
}

func (PlayerIdentification) Type() PacketType { return PacketTypePlayerIdentification }
func (SetBlock) Type() PacketType             { return PacketTypeSetBlock }
func (SetLocation) Type() PacketType          { return PacketTypeSetLocation }
func (Message) Type() PacketType              { return PacketTypeMessage }

func (PlayerIdentification) incoming() {}
func (SetBlock) incoming()             {}
func (SetLocation) incoming()          {}
func (Message) incoming()              {}

type Outgoing interface {
	Type() PacketType
	outgoing()
}

type ServerIdentification struct {
	Version  uint8
	Name     string
	MOTD     string
	Operator bool
}

type Ping struct{}

type LevelInit struct{}

type LevelDataChunk struct {
	Length  uint16
	Data    Chunk
	Percent uint8
}

type LevelFinalize struct {
	Size Vec3[uint16]
}

type BlockUpdate struct {
	Position Vec3[uint16]
	Block    uint8
}

type SpawnPlayer struct {
	ID       int8
	Name     string
	Location Location
}

type TeleportPlayer struct {
	ID       int8
	Location Location
}

type UpdatePlayerLocation struct {
	ID    int8
	Delta Vec3[Fixed8]
	Yaw   uint8
	Pitch uint8
}

type UpdatePlayerPosition struct {
	ID    int8
	Delta Vec3[Fixed8]
}

type UpdatePlayerRotation struct {
	ID    int8
	Yaw   uint8
	Pitch uint8
}

type DespawnPlayer struct {
	ID int8
}

type ChatMessage struct {
	ID   int8
	Text string
}

type Disconnect struct {
	Reason string
}

type UpdateUser struct {
	Operator bool
}

func (ServerIdentification) Type() PacketType { return PacketTypeServerIdentification }
func (Ping) Type() PacketType                 { return PacketTypePing }
func (LevelInit) Type() PacketType            { return PacketTypeLevelInit }
func (LevelDataChunk) Type() PacketType       { return PacketTypeLevelDataChunk }
func (LevelFinalize) Type() PacketType        { return PacketTypeLevelFinalize }
func (BlockUpdate) Type() PacketType          { return PacketTypeBlockUpdate }
func (SpawnPlayer) Type() PacketType          { return PacketTypeSpawnPlayer }
func (TeleportPlayer) Type() PacketType       { return PacketTypeTeleportPlayer }
func (UpdatePlayerLocation) Type() PacketType { return PacketTypeUpdatePlayerLocation }
func (UpdatePlayerPosition) Type() PacketType { return PacketTypeUpdatePlayerPosition }
func (UpdatePlayerRotation) Type() PacketType { return PacketTypeUpdatePlayerRotation }
func (DespawnPlayer) Type() PacketType        { return PacketTypeDespawnPlayer }
func (ChatMessage) Type() PacketType          { return PacketTypeChatMessage }
func (Disconnect) Type() PacketType           { return PacketTypeDisconnect }
func (UpdateUser) Type() PacketType           { return PacketTypeUpdateUser }

func (ServerIdentification) outgoing() {}
func (Ping) outgoing()                 {}
func (LevelInit) outgoing()            {}
func (LevelDataChunk) outgoing()       {}
func (LevelFinalize) outgoing()        {}
func (BlockUpdate) outgoing()          {}
func (SpawnPlayer) outgoing()          {}
func (TeleportPlayer) outgoing()       {}
func (UpdatePlayerLocation) outgoing() {}
func (UpdatePlayerPosition) outgoing() {}
func (UpdatePlayerRotation) outgoing() {}
func (DespawnPlayer) outgoing()        {}
func (ChatMessage) outgoing()          {}
func (Disconnect) outgoing()           {}
func (UpdateUser) outgoing()           {}

// ReadIncoming decodes one client packet. An unknown discriminant consumes
// only the discriminant byte.
func ReadIncoming(d *Decoder) (Incoming, error) {
	id, err := d.Uint8()
	if err != nil {
		return nil, err
	}

	switch PacketType(id) {
	case PacketTypePlayerIdentification:
		var p PlayerIdentification
		if p.Version, err = d.Uint8(); err != nil {
			return nil, err
		}
		if p.Username, err = d.Text(); err != nil {
			return nil, err
		}
		if p.Key, err = d.Text(); err != nil {
			return nil, err
		}
		if err := d.Skip(1); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeSetBlock:
		var p SetBlock
		if p.Position, err = ReadVec3[uint16](d); err != nil {
			return nil, err
		}
		mode, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		block, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		if mode != 0 {
			p.State = block
		}
		return p, nil

	case PacketTypeSetLocation:
		if err := d.Skip(1); err != nil {
			return nil, err
		}
		loc, err := d.Location()
		if err != nil {
			return nil, err
		}
		return SetLocation{Location: loc}, nil

	case PacketTypeMessage:
		if err := d.Skip(1); err != nil {
			return nil, err
		}
		text, err := d.Text()
		if err != nil {
			return nil, err
		}
		return Message{Text: text}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacket, id)
}

// WriteIncoming encodes a client packet. It is the client half of the
// codec, used by bots and tests.
func WriteIncoming(w io.Writer, p Incoming) error {
	e := NewEncoder()
	e.Uint8(uint8(p.Type()))

	switch p := p.(type) {
	case PlayerIdentification:
		e.Uint8(p.Version)
		if err := e.Text(p.Username); err != nil {
			return err
		}
		if err := e.Text(p.Key); err != nil {
			return err
		}
		e.Pad(1)
	case SetBlock:
		WriteVec3(e, p.Position)
		if p.State == 0 {
			e.Uint8(0)
		} else {
			e.Uint8(1)
		}
		e.Uint8(p.State)
	case SetLocation:
		e.Int8(SelfID)
		e.Location(p.Location)
	case Message:
		e.Int8(SelfID)
		if err := e.Text(p.Text); err != nil {
			return err
		}
	}

	return e.Flush(w)
}

// AppendOutgoing encodes p onto the encoder without flushing it.
func AppendOutgoing(e *Encoder, p Outgoing) error {
	e.Uint8(uint8(p.Type()))

	switch p := p.(type) {
	case ServerIdentification:
		e.Uint8(p.Version)
		if err := e.Text(p.Name); err != nil {
			return err
		}
		if err := e.Text(p.MOTD); err != nil {
			return err
		}
		e.Bool(p.Operator)
	case Ping, LevelInit:
	case LevelDataChunk:
		e.Uint16(p.Length)
		e.Chunk(&p.Data)
		e.Uint8(p.Percent)
	case LevelFinalize:
		WriteVec3(e, p.Size)
	case BlockUpdate:
		WriteVec3(e, p.Position)
		e.Uint8(p.Block)
	case SpawnPlayer:
		e.Int8(p.ID)
		if err := e.Text(p.Name); err != nil {
			return err
		}
		e.Location(p.Location)
	case TeleportPlayer:
		e.Int8(p.ID)
		e.Location(p.Location)
	case UpdatePlayerLocation:
		e.Int8(p.ID)
		WriteVec3(e, p.Delta)
		e.Uint8(p.Yaw)
		e.Uint8(p.Pitch)
	case UpdatePlayerPosition:
		e.Int8(p.ID)
		WriteVec3(e, p.Delta)
	case UpdatePlayerRotation:
		e.Int8(p.ID)
		e.Uint8(p.Yaw)
		e.Uint8(p.Pitch)
	case DespawnPlayer:
		e.Int8(p.ID)
	case ChatMessage:
		e.Int8(p.ID)
		if err := e.Text(p.Text); err != nil {
			return err
		}
	case Disconnect:
		if err := e.Text(p.Reason); err != nil {
			return err
		}
	case UpdateUser:
		e.Bool(p.Operator)
	default:
		return fmt.Errorf("cannot encode packet %T", p)
	}

	return nil
}

func WriteOutgoing(w io.Writer, p Outgoing) error {
	e := NewEncoder()
	if err := AppendOutgoing(e, p); err != nil {
		return fmt.Errorf("failed to encode packet 0x%02x: %w", uint8(p.Type()), err)
	}
	return e.Flush(w)
}

// ReadOutgoing decodes a server packet the way a client would.
func ReadOutgoing(d *Decoder) (Outgoing, error) {
	id, err := d.Uint8()
	if err != nil {
		return nil, err
	}

	switch PacketType(id) {
	case PacketTypeServerIdentification:
		var p ServerIdentification
		if p.Version, err = d.Uint8(); err != nil {
			return nil, err
		}
		if p.Name, err = d.Text(); err != nil {
			return nil, err
		}
		if p.MOTD, err = d.Text(); err != nil {
			return nil, err
		}
		flag, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		p.Operator = flag == operatorFlag
		return p, nil

	case PacketTypePing:
		return Ping{}, nil

	case PacketTypeLevelInit:
		return LevelInit{}, nil

	case PacketTypeLevelDataChunk:
		var p LevelDataChunk
		if p.Length, err = d.Uint16(); err != nil {
			return nil, err
		}
		if p.Data, err = d.Chunk(); err != nil {
			return nil, err
		}
		if p.Percent, err = d.Uint8(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeLevelFinalize:
		size, err := ReadVec3[uint16](d)
		if err != nil {
			return nil, err
		}
		return LevelFinalize{Size: size}, nil

	case PacketTypeBlockUpdate:
		var p BlockUpdate
		if p.Position, err = ReadVec3[uint16](d); err != nil {
			return nil, err
		}
		if p.Block, err = d.Uint8(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeSpawnPlayer:
		var p SpawnPlayer
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Name, err = d.Text(); err != nil {
			return nil, err
		}
		if p.Location, err = d.Location(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeTeleportPlayer:
		var p TeleportPlayer
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Location, err = d.Location(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeUpdatePlayerLocation:
		var p UpdatePlayerLocation
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Delta, err = ReadVec3[Fixed8](d); err != nil {
			return nil, err
		}
		if p.Yaw, err = d.Uint8(); err != nil {
			return nil, err
		}
		if p.Pitch, err = d.Uint8(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeUpdatePlayerPosition:
		var p UpdatePlayerPosition
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Delta, err = ReadVec3[Fixed8](d); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeUpdatePlayerRotation:
		var p UpdatePlayerRotation
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Yaw, err = d.Uint8(); err != nil {
			return nil, err
		}
		if p.Pitch, err = d.Uint8(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeDespawnPlayer:
		pid, err := d.Int8()
		if err != nil {
			return nil, err
		}
		return DespawnPlayer{ID: pid}, nil

	case PacketTypeChatMessage:
		var p ChatMessage
		if p.ID, err = d.Int8(); err != nil {
			return nil, err
		}
		if p.Text, err = d.Text(); err != nil {
			return nil, err
		}
		return p, nil

	case PacketTypeDisconnect:
		reason, err := d.Text()
		if err != nil {
			return nil, err
		}
		return Disconnect{Reason: reason}, nil

	case PacketTypeUpdateUser:
		flag, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		return UpdateUser{Operator: flag == operatorFlag}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacket, id)
}
