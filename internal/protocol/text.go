package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var ErrUnrepresentable = errors.New("text is not representable in code page 437")

// glyphs replaces the control range of code page 437 with the symbols the
// classic client draws for those bytes.
var glyphs = [32]rune{
	0x00, '☺', '☻', '♥', '♦', '♣', '♠', '•', '◘', '○', '◙', '♂', '♀', '♪', '♫', '☼',
	'►', '◄', '↕', '‼', '¶', '§', '▬', '↨', '↑', '↓', '→', '←', '∟', '↔', '▲', '▼',
}

const houseGlyph = '⌂'

var glyphBytes = func() map[rune]byte {
	m := make(map[rune]byte, len(glyphs))
	for i, r := range glyphs[1:] {
		m[r] = byte(i + 1)
	}
	m[houseGlyph] = 0x7f
	return m
}()

func decodeByte(b byte) rune {
	switch {
	case b < 0x20:
		return glyphs[b]
	case b == 0x7f:
		return houseGlyph
	default:
		return charmap.CodePage437.DecodeByte(b)
	}
}

func encodeRune(r rune) (byte, bool) {
	if b, ok := glyphBytes[r]; ok {
		return b, true
	}
	if r == 0 {
		return 0, true
	}
	if r < 0x20 || r == 0x7f {
		return 0, false
	}
	return charmap.CodePage437.EncodeRune(r)
}

func decodeText(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(decodeByte(c))
	}
	return strings.TrimRight(sb.String(), " ")
}

// encodeText converts s to a space padded field. Text longer than the field
// is clipped.
func encodeText(s string) ([TextLength]byte, error) {
	var out [TextLength]byte
	n := 0
	for i, r := range s {
		if r == utf8.RuneError {
			return out, fmt.Errorf("%w: invalid UTF-8 at byte %d", ErrUnrepresentable, i)
		}
		b, ok := encodeRune(r)
		if !ok {
			return out, fmt.Errorf("%w: %q", ErrUnrepresentable, r)
		}
		if n < TextLength {
			out[n] = b
			n++
		}
	}
	for ; n < TextLength; n++ {
		out[n] = ' '
	}
	return out, nil
}

// EncodeText returns the wire form of s.
func EncodeText(s string) ([TextLength]byte, error) {
	return encodeText(s)
}

func DecodeText(b [TextLength]byte) string {
	return decodeText(b[:])
}

// Representable reports whether every rune of s has a code page byte.
func Representable(s string) bool {
	_, err := encodeText(s)
	return err == nil
}

// Printable replaces every rune without a code page byte with '?'.
func Printable(s string) string {
	if Representable(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError {
			return '?'
		}
		if _, ok := encodeRune(r); !ok {
			return '?'
		}
		return r
	}, s)
}
