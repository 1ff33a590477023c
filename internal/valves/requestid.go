// Package valves holds optional pipeline stages that can be configured on
// any container.
package valves

import (
	"github.com/google/uuid"
	"github.com/wudi/admission/internal/container"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// DefaultRequestIDHeader is used when no header is configured.
const DefaultRequestIDHeader = "X-Request-ID"

// RequestIDAttribute names the request attribute holding the id.
const RequestIDAttribute = "valves.request_id"

// RequestID tags every exchange with an id, trusting one sent by the
// client.
type RequestID struct {
	header    string
	generator func() string
}

// NewRequestID creates the valve. An empty header selects
// DefaultRequestIDHeader.
func NewRequestID(header string) *RequestID {
	if header == "" {
		header = DefaultRequestIDHeader
	}
	return &RequestID{
		header:    header,
		generator: func() string { return uuid.New().String() },
	}
}

func (v *RequestID) AsyncSupported() bool { return true }

func (v *RequestID) Invoke(req *container.Request, resp *container.Response, chain *container.Chain) error {
	id := req.Header().Get(v.header)
	if id == "" {
		id = v.generator()
		req.Header().Set(v.header, id)
	}
	req.SetAttribute(RequestIDAttribute, id)
	resp.Header().Set(v.header, id)
	return chain.Next(req, resp)
}

// RequestIDOf returns the id assigned by a RequestID valve, if any.
func RequestIDOf(req *container.Request) string {
	v, _ := req.Attribute(RequestIDAttribute)
	id, _ := v.(string)
	return id
}
