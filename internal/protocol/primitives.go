package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	TextLength  = 64
	ChunkLength = 1024

	// FixedScale is the number of fixed-point units in one block.
	FixedScale = 32
)

type Fixed8 int8

func Fixed8FromBits(b uint8) Fixed8 { return Fixed8(int8(b)) }

func (f Fixed8) Bits() uint8 { return uint8(f) }

func (f Fixed8) Float() float64 { return float64(f) / FixedScale }

type Fixed16 int16

func Fixed16FromBits(b uint16) Fixed16 { return Fixed16(int16(b)) }

func Fixed16FromFloat(v float64) Fixed16 {
	return Fixed16(math.Round(v * FixedScale))
}

func (f Fixed16) Bits() uint16 { return uint16(f) }

func (f Fixed16) Float() float64 { return float64(f) / FixedScale }

// Field is the closed set of scalar types that may form a vector on the wire.
type Field interface {
	uint8 | int8 | uint16 | Fixed8 | Fixed16
}

type Vec3[T Field] struct {
	X, Y, Z T
}

func (v Vec3[T]) String() string {
	return fmt.Sprintf("(%v, %v, %v)", v.X, v.Y, v.Z)
}

type Location struct {
	Position Vec3[Fixed16]
	Yaw      uint8
	Pitch    uint8
}

type Chunk [ChunkLength]byte

type Decoder struct {
	r       io.Reader
	scratch [TextLength]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) fill(n int) ([]byte, error) {
	b := d.scratch[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Int8() (int8, error) {
	v, err := d.Uint8()
	return int8(v), err
}

func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) Fixed8() (Fixed8, error) {
	v, err := d.Uint8()
	return Fixed8FromBits(v), err
}

func (d *Decoder) Fixed16() (Fixed16, error) {
	v, err := d.Uint16()
	return Fixed16FromBits(v), err
}

func (d *Decoder) Skip(n int) error {
	_, err := d.fill(n)
	return err
}

func (d *Decoder) Text() (string, error) {
	b, err := d.fill(TextLength)
	if err != nil {
		return "", err
	}
	return decodeText(b), nil
}

func (d *Decoder) Chunk() (Chunk, error) {
	var c Chunk
	if _, err := io.ReadFull(d.r, c[:]); err != nil {
		return c, err
	}
	return c, nil
}

func (d *Decoder) Location() (Location, error) {
	var loc Location
	pos, err := ReadVec3[Fixed16](d)
	if err != nil {
		return loc, err
	}
	loc.Position = pos
	if loc.Yaw, err = d.Uint8(); err != nil {
		return loc, err
	}
	if loc.Pitch, err = d.Uint8(); err != nil {
		return loc, err
	}
	return loc, nil
}

func ReadVec3[T Field](d *Decoder) (Vec3[T], error) {
	var v Vec3[T]
	var err error
	if v.X, err = readField[T](d); err != nil {
		return v, err
	}
	if v.Y, err = readField[T](d); err != nil {
		return v, err
	}
	if v.Z, err = readField[T](d); err != nil {
		return v, err
	}
	return v, nil
}

func readField[T Field](d *Decoder) (T, error) {
	var v T
	var err error
	switch p := any(&v).(type) {
	case *uint8:
		*p, err = d.Uint8()
	case *int8:
		*p, err = d.Int8()
	case *uint16:
		*p, err = d.Uint16()
	case *Fixed8:
		*p, err = d.Fixed8()
	case *Fixed16:
		*p, err = d.Fixed16()
	}
	return v, err
}

// Encoder builds one packet in memory. Flush hands the whole packet to the
// writer in a single call.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 136)}
}

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Int8(v int8) { e.buf = append(e.buf, uint8(v)) }

func (e *Encoder) Uint16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *Encoder) Fixed8(v Fixed8) { e.Uint8(v.Bits()) }

func (e *Encoder) Fixed16(v Fixed16) { e.Uint16(v.Bits()) }

func (e *Encoder) Pad(n int) {
	for range n {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(operatorFlag)
		return
	}
	e.Uint8(0)
}

func (e *Encoder) Text(s string) error {
	b, err := encodeText(s)
	if err != nil {
		return err
	}
	e.buf = append(e.buf, b[:]...)
	return nil
}

func (e *Encoder) Chunk(c *Chunk) { e.buf = append(e.buf, c[:]...) }

func (e *Encoder) Location(loc Location) {
	WriteVec3(e, loc.Position)
	e.Uint8(loc.Yaw)
	e.Uint8(loc.Pitch)
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Reset() { e.buf = e.buf[:0] }

func (e *Encoder) Flush(w io.Writer) error {
	_, err := w.Write(e.buf)
	return err
}

func WriteVec3[T Field](e *Encoder, v Vec3[T]) {
	writeField(e, v.X)
	writeField(e, v.Y)
	writeField(e, v.Z)
}

func writeField[T Field](e *Encoder, v T) {
	switch x := any(v).(type) {
	case uint8:
		e.Uint8(x)
	case int8:
		e.Int8(x)
	case uint16:
		e.Uint16(x)
	case Fixed8:
		e.Fixed8(x)
	case Fixed16:
		e.Fixed16(x)
	}
}
