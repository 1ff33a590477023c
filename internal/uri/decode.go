package uri

import (
	"bytes"
	"errors"
)

var (
	// ErrTruncatedEscape is returned when a '%' is not followed by two bytes.
	ErrTruncatedEscape = errors.New("truncated percent escape")
	// ErrInvalidEscape is returned when a '%' is followed by non-hex bytes.
	ErrInvalidEscape = errors.New("invalid hex digit in percent escape")
	// ErrEncodedSlash is returned for %2F when encoded slashes are disallowed.
	ErrEncodedSlash = errors.New("encoded slash is not allowed")
)

// Decode percent-decodes b in place and returns the shortened slice. '+' is
// left alone since this is path decoding, not form decoding.
func Decode(b []byte, allowEncodedSlash bool) ([]byte, error) {
	idx := bytes.IndexByte(b, '%')
	if idx < 0 {
		return b, nil
	}
	end := len(b)
	for j := idx; j < end; j, idx = j+1, idx+1 {
		if b[j] != '%' {
			b[idx] = b[j]
			continue
		}
		if j+2 >= end {
			return b, ErrTruncatedEscape
		}
		hi, ok1 := unhex(b[j+1])
		lo, ok2 := unhex(b[j+2])
		if !ok1 || !ok2 {
			return b, ErrInvalidEscape
		}
		j += 2
		c := hi<<4 | lo
		if c == '/' && !allowEncodedSlash {
			return b, ErrEncodedSlash
		}
		b[idx] = c
	}
	return b[:idx], nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
