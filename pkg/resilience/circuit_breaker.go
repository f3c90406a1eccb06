package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

type Settings struct {
	Interval            time.Duration
	Timeout             time.Duration
	MaxRequests         uint32
	ConsecutiveFailures uint32
	// OnStateChange receives the breaker name and the new state
	// ("closed", "half-open" or "open").
	OnStateChange func(name, state string)
}

func DefaultSettings() Settings {
	return Settings{
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		MaxRequests:         5,
		ConsecutiveFailures: 5,
	}
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func New(name string, s Settings) *CircuitBreaker {
	defaults := DefaultSettings()
	if s.Interval <= 0 {
		s.Interval = defaults.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = defaults.Timeout
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = defaults.MaxRequests
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	threshold := s.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Caller cancellation says nothing about the remote side.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if s.OnStateChange != nil {
		notify := s.OnStateChange
		settings.OnStateChange = func(name string, _ gobreaker.State, to gobreaker.State) {
			notify(name, to.String())
		}
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.cb.Execute(fn)
}

// Do runs fn through the breaker when only the error matters.
func (c *CircuitBreaker) Do(ctx context.Context, fn func() error) error {
	_, err := c.Execute(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}
