package accesslog

import (
	"strconv"
	"strings"
)

// StatusRange represents a contiguous range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// Contains reports whether code falls inside the range.
func (r StatusRange) Contains(code int) bool {
	return code >= r.Lo && code <= r.Hi
}

// ParseStatusRange parses a status range string like "4xx", "200", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	// Nxx
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: base, Hi: base + 99}, nil
	}
	// N-M
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 100 || h > 599 || l > h {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: l, Hi: h}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, &ParseError{Input: s}
	}
	return StatusRange{Lo: code, Hi: code}, nil
}

// ParseError is returned when a status range string is invalid.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "invalid status range: " + e.Input
}
