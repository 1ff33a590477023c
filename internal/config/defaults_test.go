package config

import (
	"testing"
	"time"
)

func TestApplyContextDefaults(t *testing.T) {
	off := false
	defaults := ContextConfig{
		RootRedirect: &off,
		Forbidden:    []string{"/META-INF/**"},
		Valves:       []ValveConfig{{Type: "request_id"}},
		Session: SessionConfig{
			TrackingModes: []string{"cookie"},
			CookieName:    "SID",
			Store:         "redis",
			TTL:           time.Hour,
		},
		Auth:   AuthConfig{Method: "basic", Users: []UserConfig{{Name: "admin"}}},
		Paused: true,
	}

	t.Run("unset fields inherit", func(t *testing.T) {
		got := ApplyContextDefaults(defaults, ContextConfig{Path: "/a"})
		if got.RootRedirect == nil || *got.RootRedirect {
			t.Error("expected inherited root_redirect=false")
		}
		if got.Session.CookieName != "SID" || got.Session.Store != "redis" || got.Session.TTL != time.Hour {
			t.Errorf("session not inherited: %+v", got.Session)
		}
		if got.Auth.Method != "basic" {
			t.Error("expected inherited auth")
		}
		if got.Paused {
			t.Error("paused must not be inherited")
		}
	})

	t.Run("set fields win", func(t *testing.T) {
		on := true
		got := ApplyContextDefaults(defaults, ContextConfig{
			Path:         "/b",
			RootRedirect: &on,
			Forbidden:    []string{"/private/**"},
			Session:      SessionConfig{CookieName: "B"},
		})
		if !*got.RootRedirect {
			t.Error("expected own root_redirect")
		}
		if got.Forbidden[0] != "/private/**" || len(got.Forbidden) != 1 {
			t.Errorf("expected own forbidden list, got %v", got.Forbidden)
		}
		if got.Session.CookieName != "B" || got.Session.Store != "redis" {
			t.Errorf("unexpected session %+v", got.Session)
		}
	})

	t.Run("root redirect copied", func(t *testing.T) {
		got := ApplyContextDefaults(defaults, ContextConfig{})
		*got.RootRedirect = true
		if *defaults.RootRedirect {
			t.Error("defaults mutated through merged context")
		}
	})
}
