package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Router picks a provider per request and guards each one with a circuit
// breaker.
type Router struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the first healthy provider serving req.Model, or the
// cheapest healthy provider when no model is named.
func (r *Router) Route(ctx context.Context, req *Request) (Provider, error) {
	var candidates []Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		if req.Model == "" || supports(p, req.Model) {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func supports(p Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

func (r *Router) Execute(ctx context.Context, req *Request, p Provider) (*Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

// ExecuteStream opens a stream through the provider's breaker. Failures seen
// later while reading the body are fed back with Observe.
func (r *Router) ExecuteStream(ctx context.Context, req *Request, p Provider) (*Stream, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.CompleteStream(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", p.Name(), err)
	}
	return result.(*Stream), nil
}

// Observe records the outcome of a stream that was already open.
func (r *Router) Observe(p Provider, streamErr error) {
	cb, ok := r.breakers[p.Name()]
	if !ok {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, streamErr
	})
}
