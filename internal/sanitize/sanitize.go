// Package sanitize strips terminal control sequences and non-printable
// characters from captured command output.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// String returns text with ANSI escape sequences removed (when
// stripTerminal is set) and every remaining non-printable rune dropped,
// except newline, carriage return and tab. Invalid UTF-8 bytes are dropped.
//
// String is idempotent: String(String(x, b), b) == String(x, b).
func String(text string, stripTerminal bool) string {
	if stripTerminal {
		text = ansi.Strip(text)
	}
	return printable(text)
}

// Bytes is String for raw captured output.
func Bytes(b []byte, stripTerminal bool) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(String(string(b), stripTerminal))
}

// printable drops control characters, lone escape bytes and undecodable
// bytes in a single pass.
func printable(text string) string {
	clean := true
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !keep(r, size) {
			clean = false
			break
		}
		i += size
	}
	if clean {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if keep(r, size) {
			b.WriteString(text[i : i+size])
		}
		i += size
	}
	return b.String()
}

func keep(r rune, size int) bool {
	if r == utf8.RuneError && size <= 1 {
		return false
	}
	switch r {
	case '\n', '\r', '\t':
		return true
	}
	return unicode.IsGraphic(r)
}
