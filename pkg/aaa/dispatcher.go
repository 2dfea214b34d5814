package aaa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Attempt records the outcome of an operation on one endpoint.
type Attempt struct {
	Endpoint string
	Err      error
}

// DispatchError is returned when an operation failed on every endpoint.
type DispatchError struct {
	Op       string
	Attempts []Attempt
}

func (e *DispatchError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Endpoint, a.Err))
	}
	return fmt.Sprintf("%s failed on all endpoints (%s)", e.Op, strings.Join(parts, "; "))
}

// Is matches ErrNotFound when every endpoint reported not-found, and
// ErrAllEndpointsFailed otherwise.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		if len(e.Attempts) == 0 {
			return false
		}
		for _, a := range e.Attempts {
			if !errors.Is(a.Err, ErrNotFound) {
				return false
			}
		}
		return true
	case ErrAllEndpointsFailed:
		return true
	}
	return false
}

// FanoutResult collects per-endpoint outcomes of All.
type FanoutResult struct {
	Op        string
	Succeeded []string
	Failed    []Attempt
}

// Applied reports whether at least one endpoint succeeded.
func (r *FanoutResult) Applied() bool {
	return len(r.Succeeded) > 0
}

// Err returns a DispatchError if nothing succeeded.
func (r *FanoutResult) Err() error {
	if r.Applied() {
		return nil
	}
	return &DispatchError{Op: r.Op, Attempts: r.Failed}
}

// Dispatcher executes operations against an ordered list of endpoints.
type Dispatcher struct {
	clients []*Client
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. Order is priority order.
func NewDispatcher(clients []*Client, logger *zap.Logger) (*Dispatcher, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one AAA endpoint required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{clients: clients, logger: logger}, nil
}

// NewDispatcherFromConfig builds one client per endpoint.
func NewDispatcherFromConfig(endpoints []EndpointConfig, cfg ClientConfig, logger *zap.Logger) (*Dispatcher, error) {
	clients := make([]*Client, 0, len(endpoints))
	for _, ep := range endpoints {
		c, err := NewClient(ep, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
		clients = append(clients, c)
	}
	return NewDispatcher(clients, logger)
}

// Endpoints returns the endpoint names in priority order.
func (d *Dispatcher) Endpoints() []string {
	names := make([]string, len(d.clients))
	for i, c := range d.clients {
		names[i] = c.Name()
	}
	return names
}

// SetObserver installs an observer on every client.
func (d *Dispatcher) SetObserver(o Observer) {
	for _, c := range d.clients {
		c.SetObserver(o)
	}
}

// First tries fn on each endpoint in order and returns after the first
// success. Not-found on one endpoint moves on to the next.
func (d *Dispatcher) First(ctx context.Context, op string, fn func(context.Context, *Client) error) (string, error) {
	var attempts []Attempt
	for _, c := range d.clients {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := fn(ctx, c)
		if err == nil {
			return c.Name(), nil
		}
		attempts = append(attempts, Attempt{Endpoint: c.Name(), Err: err})
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("AAA endpoint failed, trying next",
				zap.String("op", op),
				zap.String("endpoint", c.Name()),
				zap.Error(err),
			)
		}
	}
	return "", &DispatchError{Op: op, Attempts: attempts}
}

// All runs fn on every endpoint and collects the outcomes.
func (d *Dispatcher) All(ctx context.Context, op string, fn func(context.Context, *Client) error) *FanoutResult {
	result := &FanoutResult{Op: op}
	for _, c := range d.clients {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, Attempt{Endpoint: c.Name(), Err: err})
			continue
		}
		if err := fn(ctx, c); err != nil {
			result.Failed = append(result.Failed, Attempt{Endpoint: c.Name(), Err: err})
			d.logger.Warn("AAA endpoint failed",
				zap.String("op", op),
				zap.String("endpoint", c.Name()),
				zap.Error(err),
			)
			continue
		}
		result.Succeeded = append(result.Succeeded, c.Name())
	}
	return result
}
