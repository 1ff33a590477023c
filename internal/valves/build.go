package valves

import (
	"fmt"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
)

// Build creates the valve described by cfg.
func Build(cfg config.ValveConfig) (container.Valve, error) {
	switch cfg.Type {
	case "request_id":
		return NewRequestID(cfg.Header), nil
	case "rate_limit":
		if cfg.Rate <= 0 {
			return nil, fmt.Errorf("rate_limit: rate must be positive")
		}
		return NewRateLimit(cfg.Rate, cfg.Burst), nil
	case "error_report":
		return NewErrorReport(), nil
	case "remote_addr":
		v, err := NewRemoteAddr(cfg.Allow, cfg.Deny)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "auth":
		return NewAuth(), nil
	default:
		return nil, fmt.Errorf("unknown valve type %q", cfg.Type)
	}
}

// BuildAll creates every valve in order.
func BuildAll(cfgs []config.ValveConfig) ([]container.Valve, error) {
	out := make([]container.Valve, 0, len(cfgs))
	for i, c := range cfgs {
		v, err := Build(c)
		if err != nil {
			return nil, fmt.Errorf("valve %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
