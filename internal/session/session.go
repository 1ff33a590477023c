// Package session resolves requested session ids and stores sessions.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Default names used when a context does not override them.
const (
	DefaultCookieName   = "JSESSIONID"
	DefaultURIParamName = "jsessionid"
)

// TrackingMode is a mechanism by which a client presents its session id.
type TrackingMode uint8

const (
	TrackingCookie TrackingMode = 1 << iota
	TrackingURL
	TrackingSSL
)

func (m TrackingMode) String() string {
	switch m {
	case TrackingCookie:
		return "cookie"
	case TrackingURL:
		return "url"
	case TrackingSSL:
		return "ssl"
	default:
		return fmt.Sprintf("TrackingMode(%d)", uint8(m))
	}
}

// Modes is a set of tracking modes.
type Modes uint8

// DefaultModes is cookie plus URL tracking.
const DefaultModes = Modes(TrackingCookie | TrackingURL)

// Has reports whether m contains mode.
func (m Modes) Has(mode TrackingMode) bool { return m&Modes(mode) != 0 }

// Only reports whether mode is the sole member of m.
func (m Modes) Only(mode TrackingMode) bool { return m == Modes(mode) }

// ParseModes parses names such as "cookie", "url" and "ssl". An empty list
// yields DefaultModes.
func ParseModes(names []string) (Modes, error) {
	if len(names) == 0 {
		return DefaultModes, nil
	}
	var m Modes
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "cookie":
			m |= Modes(TrackingCookie)
		case "url":
			m |= Modes(TrackingURL)
		case "ssl":
			m |= Modes(TrackingSSL)
		default:
			return 0, fmt.Errorf("unknown session tracking mode %q", n)
		}
	}
	if m.Has(TrackingSSL) && m != Modes(TrackingSSL) {
		return 0, fmt.Errorf("ssl session tracking cannot be combined with other modes")
	}
	return m, nil
}

// Session is a server-side session.
type Session struct {
	ID           string    `json:"id"`
	Context      string    `json:"context"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Manager stores the sessions of one context.
type Manager interface {
	// FindSession returns the session with id or nil when it does not exist.
	FindSession(ctx context.Context, id string) (*Session, error)
	// CreateSession starts a new session.
	CreateSession(ctx context.Context) (*Session, error)
	// Invalidate removes the session with id.
	Invalidate(ctx context.Context, id string) error
}
