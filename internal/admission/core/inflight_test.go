package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInFlight_BeginAfterCloseRefused(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	if !f.Begin() {
		t.Fatalf("begin before close must succeed")
	}
	f.Close()
	if f.Begin() {
		t.Fatalf("begin after close must be refused")
	}
	f.End()
}

func TestInFlight_CloseWithNoRequestsDrainsImmediately(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestInFlight_WaitReturnsAfterLastRequestEnds(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	f.Begin()
	f.Begin()
	f.Close()

	waited := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		waited <- f.Wait(ctx)
	}()

	f.End()
	select {
	case err := <-waited:
		t.Fatalf("wait returned with a request still in flight: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	f.End()
	if err := <-waited; err != nil {
		t.Fatalf("wait after drain: %v", err)
	}
}

func TestInFlight_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	f.Begin()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Wait(ctx); err != context.Canceled {
		t.Fatalf("wait = %v, want context.Canceled", err)
	}
	f.End()
}

func TestInFlight_DoubleCloseIsSafe(t *testing.T) {
	t.Parallel()

	f := NewInFlight()
	f.Close()
	f.Close()
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// The last End and Close racing must close the drain channel exactly once; a
// double close panics and a missed close leaves Wait hanging.
func TestInFlight_ConcurrentEndCloseDrainsOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 5000; i++ {
		f := NewInFlight()
		f.Begin()

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			f.End()
		}()
		go func() {
			defer wg.Done()
			<-start
			f.Close()
		}()
		close(start)
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := f.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("iteration %d: drain channel never closed: %v", i, err)
		}
	}
}
