package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString_StripsCSI(t *testing.T) {
	assert.Equal(t, "RED", String("\x1b[31mRED\x1b[0m", true))
}

func TestString_KeepsWhitespace(t *testing.T) {
	assert.Equal(t, "a\tb\r\nc\n", String("a\tb\r\nc\n", true))
}

func TestString_DropsControlBytes(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		strip bool
		want  string
	}{
		{"bell and backspace", "ding\a\bdone", false, "dingdone"},
		{"nul byte", "a\x00b", true, "ab"},
		{"delete", "x\x7fy", true, "xy"},
		{"invalid utf8", "ok\xffok", false, "okok"},
		{"unicode kept", "grüße ✓", true, "grüße ✓"},
		{"lone escape without stripping", "a\x1bb", false, "ab"},
		{"escape kept as text when not stripping", "\x1b[1mbold", false, "[1mbold"},
		{"single character escape", "\x1bcreset", true, "reset"},
		{"osc title", "\x1b]0;title\x07body", true, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in, tt.strip))
		})
	}
}

func TestString_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"\x1b[31mRED\x1b[0m",
		"\x1b[1;32mgreen\x1b[0m and \x1b[4munderline\x1b[24m",
		"\x1b\x1b[[31m",
		"\x1b[",
		"a\x00\x01\x02b\xff\xfe",
		"\x1b]8;;https://example.com\x1b\\link\x1b]8;;\x1b\\",
		"progress\r50%\r100%\n",
	}
	for _, in := range inputs {
		for _, strip := range []bool{true, false} {
			once := String(in, strip)
			assert.Equal(t, once, String(once, strip), "input %q strip=%v", in, strip)
		}
	}
}

func TestBytes(t *testing.T) {
	assert.Equal(t, []byte("RED"), Bytes([]byte("\x1b[31mRED\x1b[0m"), true))
	assert.Empty(t, Bytes(nil, true))
}
