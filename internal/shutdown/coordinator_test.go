package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
)

type recordingStopper struct {
	calls  atomic.Int32
	reason atomic.Value
	delay  time.Duration
}

func (s *recordingStopper) Stop(ctx context.Context, reason blueprint.StopReason) error {
	s.calls.Add(1)
	s.reason.Store(reason)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func TestCoordinator_StopsLoopThenSupervisorsThenReaps(t *testing.T) {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		<-loopCtx.Done()
		close(loopDone)
	}()

	a := &recordingStopper{}
	b := &recordingStopper{}

	c := New(Config{LoopTimeout: time.Second, SupervisorTimeout: time.Second})
	c.Shutdown(loopCancel, loopDone, []Instance{
		{Key: ids.InstanceKey{BlueprintID: 1, ServiceID: 1}, Stopper: a},
		{Key: ids.InstanceKey{BlueprintID: 1, ServiceID: 2}, Stopper: b},
	}, nil)

	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, blueprint.StopOperatorRequested, a.reason.Load())
}

func TestCoordinator_ProceedsWhenLoopDoesNotExitInTime(t *testing.T) {
	_, loopCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{}) // never closed

	stopper := &recordingStopper{}
	c := New(Config{LoopTimeout: 20 * time.Millisecond, SupervisorTimeout: time.Second})

	done := make(chan struct{})
	go func() {
		c.Shutdown(loopCancel, loopDone, []Instance{
			{Key: ids.InstanceKey{BlueprintID: 1, ServiceID: 1}, Stopper: stopper},
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return despite the loop timeout")
	}
	assert.Equal(t, int32(1), stopper.calls.Load())
}

func TestCoordinator_SupervisorStopRespectsOverallDeadline(t *testing.T) {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		<-loopCtx.Done()
		close(loopDone)
	}()

	slow := &recordingStopper{delay: time.Second}
	c := New(Config{LoopTimeout: time.Second, SupervisorTimeout: 20 * time.Millisecond})

	start := time.Now()
	c.Shutdown(loopCancel, loopDone, []Instance{
		{Key: ids.InstanceKey{BlueprintID: 1, ServiceID: 1}, Stopper: slow},
	}, nil)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "Shutdown must not wait out the slow stopper's full delay")
	assert.Equal(t, int32(1), slow.calls.Load())
}
