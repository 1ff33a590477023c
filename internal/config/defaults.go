package config

// ApplyContextDefaults fills the unset fields of c from defaults. Lists
// replace rather than append; Paused is never inherited.
func ApplyContextDefaults(defaults, c ContextConfig) ContextConfig {
	if c.RootRedirect == nil && defaults.RootRedirect != nil {
		v := *defaults.RootRedirect
		c.RootRedirect = &v
	}
	if len(c.Forbidden) == 0 {
		c.Forbidden = defaults.Forbidden
	}
	if len(c.Valves) == 0 {
		c.Valves = defaults.Valves
	}

	s, d := &c.Session, defaults.Session
	if len(s.TrackingModes) == 0 {
		s.TrackingModes = d.TrackingModes
	}
	s.CookieName = orString(s.CookieName, d.CookieName)
	s.URIParamName = orString(s.URIParamName, d.URIParamName)
	s.Store = orString(s.Store, d.Store)
	if s.MaxActive == 0 {
		s.MaxActive = d.MaxActive
	}
	if s.TTL == 0 {
		s.TTL = d.TTL
	}

	if c.Auth.Method == "" && len(c.Auth.Users) == 0 {
		c.Auth = defaults.Auth
	}
	return c
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
