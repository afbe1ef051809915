package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/util"
)

// TestRunTickLoop drives the loop with a manual clock: one tick fires the
// pending order, cancellation stops the loop.
func TestRunTickLoop(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9")); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock := util.NewManualClock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx, clock, time.Second) }()

	clock.Tick()

	deadline := time.After(2 * time.Second)
	for len(env.dispatcher.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("tick did not dispatch the pending order")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
