package valves

import (
	"net/http"
	"net/netip"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
)

// RemoteAddr filters clients by address. Deny entries win over allow
// entries; with a non-empty allow list, unlisted clients are refused.
type RemoteAddr struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// NewRemoteAddr parses the allow and deny lists. Entries are CIDR prefixes
// or single addresses.
func NewRemoteAddr(allow, deny []string) (*RemoteAddr, error) {
	a, err := config.ParsePrefixes(allow)
	if err != nil {
		return nil, err
	}
	d, err := config.ParsePrefixes(deny)
	if err != nil {
		return nil, err
	}
	return &RemoteAddr{allow: a, deny: d}, nil
}

func (v *RemoteAddr) AsyncSupported() bool { return true }

func (v *RemoteAddr) Invoke(req *container.Request, resp *container.Response, chain *container.Chain) error {
	if !v.Allowed(req.Wire().RemoteAddr) {
		return resp.SendError(http.StatusForbidden, "Forbidden")
	}
	return chain.Next(req, resp)
}

// Allowed reports whether the transport remote address may pass.
func (v *RemoteAddr) Allowed(remote string) bool {
	key, ok := clientKey(remote).(netip.Addr)
	if !ok {
		return false
	}
	for _, p := range v.deny {
		if p.Contains(key) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, p := range v.allow {
		if p.Contains(key) {
			return true
		}
	}
	return false
}
