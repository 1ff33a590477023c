package container

import (
	"fmt"
	"sync"

	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
)

// Pipeline is an ordered list of valves terminated by a basic valve.
// Mutations replace the valve slice, so in-flight invocations keep the
// snapshot they started with.
type Pipeline struct {
	owner string

	mu     sync.RWMutex
	valves []Valve
	basic  Valve
	chain  []Valve
}

// NewPipeline creates a pipeline for the named container.
func NewPipeline(owner string, basic Valve) *Pipeline {
	p := &Pipeline{owner: owner, basic: basic}
	p.rebuild()
	return p
}

func (p *Pipeline) rebuild() {
	chain := make([]Valve, 0, len(p.valves)+1)
	chain = append(chain, p.valves...)
	if p.basic != nil {
		chain = append(chain, p.basic)
	}
	p.chain = chain
}

// AddValve appends v ahead of the basic valve.
func (p *Pipeline) AddValve(v Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()
	valves := make([]Valve, len(p.valves), len(p.valves)+1)
	copy(valves, p.valves)
	p.valves = append(valves, v)
	p.rebuild()
}

// RemoveValve removes v and reports whether it was present.
func (p *Pipeline) RemoveValve(v Valve) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.valves {
		if cur == v {
			valves := make([]Valve, 0, len(p.valves)-1)
			valves = append(valves, p.valves[:i]...)
			p.valves = append(valves, p.valves[i+1:]...)
			p.rebuild()
			return true
		}
	}
	return false
}

// SetValves replaces every non-basic valve at once.
func (p *Pipeline) SetValves(vs []Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valves = append([]Valve(nil), vs...)
	p.rebuild()
}

// SetBasic replaces the terminal valve.
func (p *Pipeline) SetBasic(v Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.basic = v
	p.rebuild()
}

// Basic returns the terminal valve.
func (p *Pipeline) Basic() Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.basic
}

// Valves returns every valve in invocation order, basic valve last.
func (p *Pipeline) Valves() []Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Valve, len(p.chain))
	copy(out, p.chain)
	return out
}

// First returns the first valve to run, which is the basic valve when no
// other valves were added.
func (p *Pipeline) First() Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.chain) == 0 {
		return nil
	}
	return p.chain[0]
}

// Next returns the valve after v, or nil when v is last or absent.
func (p *Pipeline) Next(v Valve) Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, cur := range p.chain {
		if cur == v && i+1 < len(p.chain) {
			return p.chain[i+1]
		}
	}
	return nil
}

// Invoke runs the pipeline from its first valve.
func (p *Pipeline) Invoke(req *Request, resp *Response) error {
	p.mu.RLock()
	chain := &Chain{valves: p.chain}
	p.mu.RUnlock()
	return chain.Next(req, resp)
}

// AsyncSupported reports whether every valve supports async processing.
func (p *Pipeline) AsyncSupported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.chain {
		if !v.AsyncSupported() {
			return false
		}
	}
	return true
}

// BackgroundProcess runs periodic work for every valve that has some.
// A failing valve does not stop the others.
func (p *Pipeline) BackgroundProcess() {
	for _, v := range p.Valves() {
		bp, ok := v.(BackgroundProcessor)
		if !ok {
			continue
		}
		if err := runBackground(bp); err != nil {
			logging.Warn("valve background processing failed",
				zap.String("container", p.owner),
				zap.String("valve", fmt.Sprintf("%T", v)),
				zap.Error(err),
			)
		}
	}
}

func runBackground(bp BackgroundProcessor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return bp.BackgroundProcess()
}
