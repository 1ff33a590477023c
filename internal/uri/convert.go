package uri

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncoding is used when a connector does not name a URI encoding.
const DefaultEncoding = "UTF-8"

// Converter turns decoded URI bytes into a string using a fixed character
// set. Invalid input sequences are replaced with U+FFFD.
type Converter struct {
	name string
	enc  encoding.Encoding
	utf8 bool
}

// NewConverter returns a converter for the IANA charset name.
func NewConverter(name string) (*Converter, error) {
	if name == "" {
		name = DefaultEncoding
	}
	var enc encoding.Encoding
	isUTF8 := false
	switch strings.ToUpper(name) {
	case "UTF-8", "UTF8":
		enc = unicode.UTF8
		isUTF8 = true
	case "ISO-8859-1", "ISO8859-1", "LATIN1":
		enc = charmap.ISO8859_1
	default:
		e, err := ianaindex.IANA.Encoding(name)
		if err != nil {
			return nil, fmt.Errorf("unsupported URI encoding %q: %w", name, err)
		}
		if e == nil {
			return nil, fmt.Errorf("unsupported URI encoding %q", name)
		}
		enc = e
	}
	return &Converter{name: name, enc: enc, utf8: isUTF8}, nil
}

// Name returns the configured charset name.
func (c *Converter) Name() string { return c.name }

// Convert decodes b into a string.
func (c *Converter) Convert(b []byte) (string, error) {
	if isASCII(b) {
		return string(b), nil
	}
	if c.utf8 && utf8.Valid(b) {
		return string(b), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("convert URI from %s: %w", c.name, err)
	}
	return string(out), nil
}

// DecodeLenient is Convert without the error, for path-parameter values.
func (c *Converter) DecodeLenient(b []byte) string {
	s, err := c.Convert(b)
	if err != nil {
		return string(b)
	}
	return s
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
