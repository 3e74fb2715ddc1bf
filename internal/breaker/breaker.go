// Package breaker wraps sony/gobreaker with the per-dependency settings
// spec.md §4.4 names for the upstream master-data service and the
// database.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantlayer/position-loader/internal/errors"
)

// Settings configures one circuit breaker instance.
type Settings struct {
	Name           string
	FailureRatePct float64
	Window         uint32
	Cooldown       time.Duration
}

// Breaker guards one external dependency behind CLOSED/OPEN/HALF_OPEN
// state, per spec.md §4.4.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker from Settings. It opens once at least Window calls
// have been observed and the failure ratio reaches FailureRatePct, stays
// open for Cooldown, then allows a single half-open probe.
func New(s Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.Window {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio*100 >= s.FailureRatePct
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs op through the breaker. When the breaker is OPEN it refuses
// immediately with a capacity-kind error instead of calling op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Classify(errors.KindCapacity, "execute", b.cb.Name(), "", err)
	}
	return err
}

// State returns the breaker's current state name, for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
