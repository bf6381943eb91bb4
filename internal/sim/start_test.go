package sim

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStartCoordinatorReleaseUnblocksWaiters(t *testing.T) {
	coord := NewStartCoordinator(100 * time.Millisecond)

	const waiters = 8
	results := make([]time.Time, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start, err := coord.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			results[i] = start
		}(i)
	}

	released := coord.Release()
	wg.Wait()

	for i, got := range results {
		if !got.Equal(released) {
			t.Errorf("waiter %d saw %v, want %v", i, got, released)
		}
	}
}

func TestStartCoordinatorReleaseOnce(t *testing.T) {
	coord := NewStartCoordinator(time.Second)
	first := coord.Release()
	second := coord.Release()
	if !first.Equal(second) {
		t.Errorf("second Release returned %v, want the original %v", second, first)
	}
}

func TestStartCoordinatorLeadTimeFloor(t *testing.T) {
	coord := NewStartCoordinator(0)
	before := time.Now()
	released := coord.Release()
	if lead := released.Sub(before); lead < 40*time.Millisecond {
		t.Errorf("lead time %v below the 50ms floor", lead)
	}
}

func TestStartCoordinatorWaitCancelled(t *testing.T) {
	coord := NewStartCoordinator(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := coord.Wait(ctx); err == nil {
		t.Error("Wait must fail when the context is cancelled before release")
	}
}
