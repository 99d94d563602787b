package server

import (
	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/validation"
)

const continuationPrefix = "> "

// wrapChat splits text into lines that fit one chat packet. Breaks prefer
// spaces, never split a colour code, and continuation lines start with
// "> " followed by the colour in effect where the previous line ended.
// Runes the client cannot draw become '?'.
func wrapChat(text string) []string {
	text = protocol.Printable(text)
	r := []rune(text)
	if len(r) <= protocol.TextLength {
		return []string{text}
	}

	var lines []string
	var prefix []rune
	colour := ""

	for len(r) > 0 {
		avail := protocol.TextLength - len(prefix)
		if len(r) <= avail {
			lines = append(lines, string(prefix)+string(r))
			break
		}

		cut := breakAt(r, avail)
		line := r[:cut]
		colour = lastColour(line, colour)
		lines = append(lines, string(prefix)+string(line))

		r = r[cut:]
		for len(r) > 0 && r[0] == ' ' {
			r = r[1:]
		}
		prefix = []rune(continuationPrefix + colour)
	}

	return lines
}

// breakAt picks where a line of at most avail runes ends. It prefers the
// last space, avoids ending a line on '&' and always makes progress.
func breakAt(r []rune, avail int) int {
	for i := avail; i > 1; i-- {
		if r[i] == ' ' && r[i-1] != '&' {
			return i
		}
	}

	cut := avail
	for cut > avail/2 && r[cut-1] == '&' {
		cut--
	}
	return cut
}

func lastColour(line []rune, current string) string {
	for i := 0; i+1 < len(line); i++ {
		if line[i] == '&' && isColourCode(line[i+1]) {
			current = string(line[i : i+2])
			i++
		}
	}
	return current
}

func isColourCode(r rune) bool {
	return r < 0x80 && validation.IsColourCode(byte(r))
}
