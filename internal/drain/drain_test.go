package drain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantlayer/position-loader/internal/drain"
)

type fakeFlusher struct {
	flushed bool
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.flushed = true
	return nil
}

func TestCoordinator_ShuttingDownDefaultsFalse(t *testing.T) {
	c := drain.New(nil)
	require.False(t, c.ShuttingDown())
}

func TestCoordinator_ShutdownSetsFlagAndFlushes(t *testing.T) {
	f := &fakeFlusher{}
	c := drain.New(nil, f)

	err := c.Shutdown(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, c.ShuttingDown())
	require.True(t, f.flushed)
}

func TestCoordinator_ShutdownWaitsForInFlight(t *testing.T) {
	c := drain.New(nil)
	end := c.Begin()

	done := make(chan struct{})
	go func() {
		_ = c.Shutdown(context.Background(), time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	end()
	<-done
	require.True(t, c.ShuttingDown())
}

func TestCoordinator_ShutdownTimesOutIfNeverDrains(t *testing.T) {
	c := drain.New(nil)
	_ = c.Begin()

	err := c.Shutdown(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}
