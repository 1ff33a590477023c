package valves

import (
	"net/http"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"golang.org/x/crypto/bcrypt"
)

// AuthTypeBasic is recorded on requests authenticated by BasicAuth.
const AuthTypeBasic = "BASIC"

type userData struct {
	passwordHash []byte
	roles        []string
}

// Users is a realm backed by a fixed user list with bcrypt password hashes.
type Users struct {
	name      string
	users     map[string]*userData
	dummyHash []byte // timing-safe comparison for unknown users
}

// NewUsers builds the realm of a context.
func NewUsers(cfg config.AuthConfig) *Users {
	name := cfg.Realm
	if name == "" {
		name = "Restricted"
	}
	u := &Users{name: name, users: make(map[string]*userData, len(cfg.Users))}
	cost := bcrypt.MinCost
	for _, user := range cfg.Users {
		u.users[user.Name] = &userData{
			passwordHash: []byte(user.PasswordHash),
			roles:        user.Roles,
		}
		if c, err := bcrypt.Cost([]byte(user.PasswordHash)); err == nil && c > cost {
			cost = c
		}
	}
	u.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy"), cost)
	return u
}

// Name returns the realm name sent in challenges.
func (u *Users) Name() string { return u.name }

// Authenticate returns the principal of a user the transport already
// authenticated, or nil when the realm does not know the user.
func (u *Users) Authenticate(username string) container.Principal {
	user, ok := u.users[username]
	if !ok {
		return nil
	}
	return container.NewPrincipal(username, user.roles...)
}

// Check verifies a password and returns the principal, or nil.
func (u *Users) Check(username, password string) container.Principal {
	user, ok := u.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(u.dummyHash, []byte(password))
		return nil
	}
	if bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)) != nil {
		return nil
	}
	return container.NewPrincipal(username, user.roles...)
}

// BasicAuth authenticates requests with HTTP Basic credentials against a
// Users realm. It does not authorize users supplied by the transport; the
// adapter asks the realm for those.
type BasicAuth struct {
	users *Users
}

// NewBasicAuth creates the authenticator.
func NewBasicAuth(users *Users) *BasicAuth {
	return &BasicAuth{users: users}
}

func (a *BasicAuth) HandlesConnectorUsers() bool { return false }

// Authenticate reports whether the request may proceed. On failure the
// response already carries a 401 challenge.
func (a *BasicAuth) Authenticate(req *container.Request, resp *container.Response) (bool, error) {
	if req.UserPrincipal() != nil {
		return true, nil
	}
	username, password, ok := (&http.Request{Header: req.Header()}).BasicAuth()
	if ok {
		if p := a.users.Check(username, password); p != nil {
			req.SetUserPrincipal(p)
			req.SetAuthType(AuthTypeBasic)
			return true, nil
		}
	}
	resp.Header().Set("WWW-Authenticate", `Basic realm="`+a.users.Name()+`"`)
	return false, resp.SendError(http.StatusUnauthorized, "Unauthorized")
}

// Auth runs the mapped context's authenticator.
type Auth struct{}

// NewAuth creates the valve.
func NewAuth() *Auth { return &Auth{} }

func (Auth) AsyncSupported() bool { return true }

func (Auth) Invoke(req *container.Request, resp *container.Response, chain *container.Chain) error {
	c := req.MappedContext()
	if c == nil || c.Authenticator() == nil {
		return chain.Next(req, resp)
	}
	ok, err := c.Authenticator().Authenticate(req, resp)
	if err != nil || !ok {
		return err
	}
	return chain.Next(req, resp)
}
