package validation

import (
	"strings"

	"github.com/siohaza/oxine/internal/protocol"
)

const (
	MaxUsernameLength = 16
	MaxBlock          = 49

	// locationMargin is how far, in blocks, a player may stray past the
	// edges of a world before its position is treated as bogus.
	locationMargin = 64
)

func IsValidUsername(name string) bool {
	if name == "" || len(name) > MaxUsernameLength {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func IsValidBlock(block byte) bool {
	return block <= MaxBlock
}

func IsValidBlockPosition(pos, size protocol.Vec3[uint16]) bool {
	return pos.X < size.X && pos.Y < size.Y && pos.Z < size.Z
}

// IsValidLocation reports whether loc lies near a world of the given size.
// Flying above the world is fine, falling far below it is not.
func IsValidLocation(loc protocol.Location, size protocol.Vec3[uint16]) bool {
	x := int(loc.Position.X) / protocol.FixedScale
	y := int(loc.Position.Y) / protocol.FixedScale
	z := int(loc.Position.Z) / protocol.FixedScale

	return x >= -locationMargin && x <= int(size.X)+locationMargin &&
		z >= -locationMargin && z <= int(size.Z)+locationMargin &&
		y >= -locationMargin
}

func IsColourCode(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// SanitizeChat drops colour markers that do not introduce a colour. A lone
// '&' at the end of a line crashes some clients.
func SanitizeChat(text string) string {
	if !strings.Contains(text, "&") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == '&' && (i+1 >= len(text) || !IsColourCode(text[i+1])) {
			continue
		}
		b.WriteByte(text[i])
	}
	return strings.TrimRight(b.String(), " ")
}
