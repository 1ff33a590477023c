// Package uri implements the byte-level request path transformations applied
// before mapping: path-parameter extraction, percent-decoding, normalization
// and character conversion.
package uri

import (
	"bytes"
	"strings"
)

var (
	dotSegment    = []byte("/./")
	dotDotSegment = []byte("/../")
)

// Normalize rewrites b in place into its canonical form and returns the
// resulting slice. It returns false when the path is rejected.
//
// The returned slice may be longer than the input by one byte when a
// trailing "/." or "/.." gets its slash appended; callers that own spare
// capacity keep the rewrite allocation free.
func Normalize(b []byte, allowBackslash bool) ([]byte, bool) {
	end := len(b)
	if end == 0 {
		return b, false
	}
	if end == 1 && b[0] == '*' {
		return b, true
	}

	for i := 0; i < end; i++ {
		switch b[i] {
		case '\\':
			if !allowBackslash {
				return b, false
			}
			b[i] = '/'
		case 0:
			return b, false
		}
	}

	if b[0] != '/' {
		return b, false
	}

	for pos := 0; pos < end-1; pos++ {
		if b[pos] != '/' {
			continue
		}
		for pos+1 < end && b[pos+1] == '/' {
			copy(b[pos:], b[pos+1:end])
			end--
		}
	}
	b = b[:end]

	if end >= 2 && b[end-1] == '.' {
		if b[end-2] == '/' || (end >= 3 && b[end-2] == '.' && b[end-3] == '/') {
			b = append(b, '/')
		}
	}

	index := 0
	for {
		i := bytes.Index(b[index:], dotSegment)
		if i < 0 {
			break
		}
		index += i
		copy(b[index:], b[index+2:])
		b = b[:len(b)-2]
	}

	index = 0
	for {
		i := bytes.Index(b[index:], dotDotSegment)
		if i < 0 {
			break
		}
		index += i
		// "/../" at the root would escape the application.
		if index == 0 {
			return b, false
		}
		prev := bytes.LastIndexByte(b[:index], '/')
		copy(b[prev:], b[index+3:])
		b = b[:len(b)-(index+3-prev)]
		index = prev
	}

	return b, true
}

// CheckNormalize reports whether the character form of a path is still
// normalized. Character conversion can produce sequences the byte pass never
// saw, so this runs again after conversion.
func CheckNormalize(s string) bool {
	end := len(s)
	if end == 0 {
		return false
	}
	if s == "*" {
		return true
	}
	for i := 0; i < end; i++ {
		if s[i] == '\\' || s[i] == 0 {
			return false
		}
	}
	for i := 0; i < end-1; i++ {
		if s[i] == '/' && s[i+1] == '/' {
			return false
		}
	}
	if end >= 2 && s[end-1] == '.' {
		if s[end-2] == '/' || (end >= 3 && s[end-2] == '.' && s[end-3] == '/') {
			return false
		}
	}
	if strings.Contains(s, "/./") || strings.Contains(s, "/../") {
		return false
	}
	return true
}
