package uri

import (
	"bytes"
	"strings"
)

// Param is a name/value pair removed from a path segment.
type Param struct {
	Name  string
	Value string
}

// ParsePathParameters removes every ";name=value" suffix from the segments
// of b in place and returns the shortened slice together with the extracted
// pairs in order of appearance. A parameter ends at the next ';' or '/'.
// Parameters without '=' are removed from the path but not returned.
//
// decode converts the raw parameter bytes to a string; nil copies them as is.
func ParsePathParameters(b []byte, decode func([]byte) string) ([]byte, []Param) {
	semicolon := bytes.IndexByte(b, ';')
	if semicolon < 0 {
		return b, nil
	}
	if decode == nil {
		decode = func(p []byte) string { return string(p) }
	}

	var params []Param
	for semicolon >= 0 {
		start := semicolon + 1
		var pv string
		if rel := bytes.IndexAny(b[start:], ";/"); rel >= 0 {
			end := start + rel
			pv = decode(b[start:end])
			n := copy(b[semicolon:], b[end:])
			b = b[:semicolon+n]
		} else {
			pv = decode(b[start:])
			b = b[:semicolon]
		}

		if eq := strings.IndexByte(pv, '='); eq >= 0 {
			params = append(params, Param{Name: pv[:eq], Value: pv[eq+1:]})
		}

		rel := bytes.IndexByte(b[semicolon:], ';')
		if rel < 0 {
			break
		}
		semicolon += rel
	}
	return b, params
}

// StripPathParameters truncates an already decoded path at its first ';'.
func StripPathParameters(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return s[:i]
	}
	return s
}
