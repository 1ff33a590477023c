package session

// Source records where a requested session id came from.
type Source uint8

const (
	SourceNone Source = iota
	SourceURL
	SourceCookie
	SourceSSL
)

func (s Source) String() string {
	switch s {
	case SourceURL:
		return "url"
	case SourceCookie:
		return "cookie"
	case SourceSSL:
		return "ssl"
	default:
		return "none"
	}
}

// Cookie is a name/value pair presented by the client.
type Cookie struct {
	Name  string
	Value string
}

// Input is everything Resolve looks at.
type Input struct {
	Modes        Modes
	CookieName   string
	URIParamName string

	// PathParameter looks up a parameter extracted from the request path.
	PathParameter func(name string) (string, bool)
	Cookies       []Cookie

	// Secure is the connector's secure flag.
	Secure       bool
	SSLSessionID string

	// Valid reports whether id names a live session in the mapped context.
	Valid func(id string) bool
}

// Result is the resolved id and its source.
type Result struct {
	ID     string
	Source Source
}

// Resolve picks the requested session id in precedence order: a URL path
// parameter, then the first matching cookie, then the SSL session id.
//
// A later cookie with the same name replaces the chosen one only while the
// current id does not name a valid session. The SSL id is considered only
// when nothing else produced an id, SSL is the only enabled mode and the
// connector is secure.
func Resolve(in Input) Result {
	var res Result

	if in.Modes.Has(TrackingURL) && in.PathParameter != nil {
		name := in.URIParamName
		if name == "" {
			name = DefaultURIParamName
		}
		if id, ok := in.PathParameter(name); ok {
			res = Result{ID: id, Source: SourceURL}
		}
	}

	if in.Modes.Has(TrackingCookie) {
		name := in.CookieName
		if name == "" {
			name = DefaultCookieName
		}
		for _, c := range in.Cookies {
			if c.Name != name {
				continue
			}
			if res.Source != SourceCookie {
				res = Result{ID: c.Value, Source: SourceCookie}
				continue
			}
			if in.Valid == nil || !in.Valid(res.ID) {
				res.ID = c.Value
			}
		}
	}

	if res.ID == "" && in.Modes.Only(TrackingSSL) && in.Secure && in.SSLSessionID != "" {
		res = Result{ID: in.SSLSessionID, Source: SourceSSL}
	}

	return res
}
