package container

// Principal is an authenticated user.
type Principal interface {
	Name() string
	HasRole(role string) bool
}

// UserPrincipal is a principal with a fixed name and role set.
type UserPrincipal struct {
	User  string
	Roles []string
}

// NewPrincipal returns a principal for name.
func NewPrincipal(name string, roles ...string) *UserPrincipal {
	return &UserPrincipal{User: name, Roles: roles}
}

// Name returns the user name.
func (p *UserPrincipal) Name() string { return p.User }

// HasRole reports whether the principal holds role.
func (p *UserPrincipal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Realm turns a user name supplied by the transport into a principal.
type Realm interface {
	Authenticate(username string) Principal
}

// Authenticator runs per-context authentication.
type Authenticator interface {
	Authenticate(req *Request, resp *Response) (bool, error)
	// HandlesConnectorUsers reports whether Authenticate authorizes users
	// supplied by the transport itself. When false, the adapter consults the
	// context realm before the pipeline runs.
	HandlesConnectorUsers() bool
}
