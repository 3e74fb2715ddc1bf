// Package drain implements the graceful-drain coordinator of spec.md
// §4.4: on a shutdown signal, stop admitting new pipeline work, wait
// bounded for in-flight operations to finish, then flush producers.
package drain

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantlayer/position-loader/internal/errors"
)

// Flusher flushes any buffered outbound messages before exit; satisfied
// by *streaming.Writer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Coordinator tracks the process-wide shuttingDown flag and the count of
// in-flight pipeline invocations, so Shutdown can wait for them to drain
// before returning.
type Coordinator struct {
	mu         sync.Mutex
	shutting   bool
	inFlight   int
	drained    chan struct{}
	flushers   []Flusher
	logger     *zap.Logger
}

// New builds a Coordinator over the given flushers, closed during
// Shutdown in the order given.
func New(logger *zap.Logger, flushers ...Flusher) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{flushers: flushers, logger: logger}
}

// ShuttingDown reports whether shutdown has begun. Pipelines pass this as
// their admission check (spec.md §4.1 step 1 / §4.2 step 1).
func (c *Coordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutting
}

// Begin marks the start of one in-flight pipeline invocation. The
// returned func must be deferred to mark its end. Wrap every
// eod.Pipeline.Run / intraday.Pipeline.RunOne call with it.
func (c *Coordinator) Begin() func() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.inFlight--
		n := c.inFlight
		drained := c.drained
		c.mu.Unlock()
		if n == 0 && drained != nil {
			select {
			case drained <- struct{}{}:
			default:
			}
		}
	}
}

// Shutdown sets the shuttingDown flag, waits up to timeout for in-flight
// operations to reach zero, then flushes every registered Flusher.
// Returns an error if operations did not drain in time or a flush
// failed; callers should still proceed to exit.
func (c *Coordinator) Shutdown(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	c.shutting = true
	pending := c.inFlight
	ready := make(chan struct{}, 1)
	c.drained = ready
	c.mu.Unlock()

	var drainErr error
	if pending > 0 {
		select {
		case <-ready:
		case <-time.After(timeout):
			drainErr = errors.Classify(errors.KindCapacity, "drain in-flight operations", "drain", "", nil)
			c.logger.Warn("graceful drain timed out with operations still in flight", zap.Int("pending", pending))
		}
	}

	var flushErrs []error
	for _, f := range c.flushers {
		if err := f.Flush(ctx); err != nil {
			flushErrs = append(flushErrs, err)
		}
	}
	if drainErr != nil {
		flushErrs = append([]error{drainErr}, flushErrs...)
	}
	return errors.Chain(flushErrs...)
}
