package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"readyline/internal/engine"
)

type countingSweeper struct {
	calls  atomic.Int32
	cancel context.CancelFunc
	stopAt int32
}

func (s *countingSweeper) RunEscalationSweep(ctx context.Context, now time.Time) (engine.SweepResult, error) {
	n := s.calls.Add(1)
	if n >= s.stopAt {
		s.cancel()
	}
	if n == 1 {
		return engine.SweepResult{}, errors.New("transient")
	}
	return engine.SweepResult{Skipped: n == 2}, nil
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw := &countingSweeper{cancel: cancel, stopAt: 3}
	done := make(chan error, 1)
	go func() { done <- Scheduler{Sweeper: sw, Interval: time.Millisecond}.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, int32(3), sw.calls.Load(), "errors and skips must not stop the loop")
}
