package printer

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ReplacementByte is written for glyphs the code page cannot represent
const ReplacementByte byte = '?'

var codePages = map[string]*charmap.Charmap{
	"cp437":      charmap.CodePage437,
	"cp850":      charmap.CodePage850,
	"cp860":      charmap.CodePage860,
	"cp1252":     charmap.Windows1252,
	"iso-8859-1": charmap.ISO8859_1,
	"latin1":     charmap.ISO8859_1,
}

// CodePage looks up a code page by name. An empty name selects CP850.
func CodePage(name string) (*charmap.Charmap, error) {
	if name == "" {
		return charmap.CodePage850, nil
	}
	cp, ok := codePages[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported code page: %s", name)
	}
	return cp, nil
}

// EncodeText maps text onto an 8-bit code page. Control characters other than
// newline and tab, and runes missing from the page, become ReplacementByte.
func EncodeText(text string, cp *charmap.Charmap) []byte {
	if cp == nil {
		cp = charmap.CodePage850
	}

	out := make([]byte, 0, len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			out = append(out, byte(r))
		case r < 0x20 || r == 0x7F:
			out = append(out, ReplacementByte)
		case r < 0x80:
			out = append(out, byte(r))
		default:
			if b, ok := cp.EncodeRune(r); ok {
				out = append(out, b)
			} else {
				out = append(out, ReplacementByte)
			}
		}
	}
	return out
}
