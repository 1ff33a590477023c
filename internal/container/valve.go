// Package container holds the request-processing hierarchy: an engine
// with hosts, contexts and wrappers, each running a pipeline of valves that
// ends in the container's basic valve.
package container

// Valve is one stage of a Pipeline. A valve either short-circuits by
// returning without calling chain.Next, or forwards to the rest of the
// pipeline.
type Valve interface {
	Invoke(req *Request, resp *Response, chain *Chain) error
	// AsyncSupported reports whether the valve tolerates the request
	// outliving the Invoke call.
	AsyncSupported() bool
}

// BackgroundProcessor is implemented by valves with periodic work.
type BackgroundProcessor interface {
	BackgroundProcess() error
}

// Chain is a cursor over the valves of one pipeline invocation.
type Chain struct {
	valves []Valve
	pos    int
}

// Next invokes the next valve. Calling Next after the basic valve ran is a
// no-op.
func (c *Chain) Next(req *Request, resp *Response) error {
	if c.pos >= len(c.valves) {
		return nil
	}
	v := c.valves[c.pos]
	c.pos++
	return v.Invoke(req, resp, c)
}

// Remaining returns the number of valves not yet invoked.
func (c *Chain) Remaining() int {
	return len(c.valves) - c.pos
}

type funcValve struct {
	name  string
	fn    func(req *Request, resp *Response, chain *Chain) error
	async bool
}

// NewValve wraps fn as a named Valve.
func NewValve(name string, async bool, fn func(req *Request, resp *Response, chain *Chain) error) Valve {
	return &funcValve{name: name, fn: fn, async: async}
}

func (v *funcValve) Invoke(req *Request, resp *Response, chain *Chain) error {
	return v.fn(req, resp, chain)
}

func (v *funcValve) AsyncSupported() bool { return v.async }

func (v *funcValve) String() string { return v.name }
