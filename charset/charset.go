// Package charset converts between Go strings and the byte encodings declared
// on columns, using the encodings of golang.org/x/text.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/laurentperez/jaybird/sqlerr"
)

// Well known character set names.
const (
	None   = "NONE"
	Octets = "OCTETS"
	UTF8   = "UTF8"
)

// Codec encodes and decodes column text.
type Codec interface {
	Encode(text string, charset string) ([]byte, error)
	Decode(data []byte, charset string) (string, error)
}

var table = map[string]encoding.Encoding{
	"ISO8859_1":  charmap.ISO8859_1,
	"ISO8859_2":  charmap.ISO8859_2,
	"ISO8859_3":  charmap.ISO8859_3,
	"ISO8859_4":  charmap.ISO8859_4,
	"ISO8859_5":  charmap.ISO8859_5,
	"ISO8859_6":  charmap.ISO8859_6,
	"ISO8859_7":  charmap.ISO8859_7,
	"ISO8859_8":  charmap.ISO8859_8,
	"ISO8859_9":  charmap.ISO8859_9,
	"ISO8859_13": charmap.ISO8859_13,
	"WIN1250":    charmap.Windows1250,
	"WIN1251":    charmap.Windows1251,
	"WIN1252":    charmap.Windows1252,
	"WIN1253":    charmap.Windows1253,
	"WIN1254":    charmap.Windows1254,
	"WIN1255":    charmap.Windows1255,
	"WIN1256":    charmap.Windows1256,
	"WIN1257":    charmap.Windows1257,
	"WIN1258":    charmap.Windows1258,
	"KOI8R":      charmap.KOI8R,
	"KOI8U":      charmap.KOI8U,
	"DOS437":     charmap.CodePage437,
	"DOS850":     charmap.CodePage850,
	"DOS866":     charmap.CodePage866,
}

// Normalize returns the canonical upper case form of a character set name.
// The empty name means NONE. UTF-8 and UNICODE_FSS are reported as UTF8.
func Normalize(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch n {
	case "":
		return None
	case "UTF-8", "UNICODE_FSS":
		return UTF8
	}
	return n
}

// Supported reports whether the codec knows the character set.
func Supported(name string) bool {
	switch n := Normalize(name); n {
	case None, Octets, UTF8:
		return true
	default:
		_, ok := table[n]
		return ok
	}
}

// Default is the codec backed by golang.org/x/text.
var Default Codec = xtextCodec{}

type xtextCodec struct{}

func (xtextCodec) Encode(text string, name string) ([]byte, error) {
	switch n := Normalize(name); n {
	case None, Octets:
		return []byte(text), nil
	case UTF8:
		if !utf8.ValidString(text) {
			return nil, sqlerr.Conversion(nil, "value is not valid UTF-8")
		}
		return []byte(text), nil
	default:
		enc, ok := table[n]
		if !ok {
			return nil, sqlerr.Conversion(nil, "unsupported character set %q", name)
		}
		b, err := enc.NewEncoder().Bytes([]byte(text))
		if err != nil {
			return nil, sqlerr.Conversion(err, "cannot encode value as %s", n)
		}
		return b, nil
	}
}

func (xtextCodec) Decode(data []byte, name string) (string, error) {
	switch n := Normalize(name); n {
	case None, Octets:
		return string(data), nil
	case UTF8:
		if !utf8.Valid(data) {
			return "", sqlerr.Conversion(nil, "column data is not valid UTF-8")
		}
		return string(data), nil
	default:
		enc, ok := table[n]
		if !ok {
			return "", sqlerr.Conversion(nil, "unsupported character set %q", name)
		}
		b, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return "", sqlerr.Conversion(err, "cannot decode value from %s", n)
		}
		return string(b), nil
	}
}
