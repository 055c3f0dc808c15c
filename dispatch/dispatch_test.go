package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatchRunsStrictlyFIFO(t *testing.T) {
	d := New(16)
	defer d.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		d.Dispatch(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, nil, false)
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order broken at index %d: got %d", i, v)
		}
	}
}

func TestContinuationRunsAfterTaskRegardlessOfPanic(t *testing.T) {
	d := New(4)
	defer d.Close()

	done := make(chan bool, 1)
	d.Dispatch(func(ctx context.Context) {
		panic("handler_failure")
	}, func(ctx context.Context) {
		done <- true
	}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation never ran after a panicking task")
	}
}

func TestConditionalContinuationSkippedOnFailure(t *testing.T) {
	d := New(4)
	defer d.Close()

	ran := make(chan bool, 1)
	finished := make(chan struct{})
	d.Dispatch(func(ctx context.Context) {
		panic("ClientConnected handler failed")
	}, func(ctx context.Context) {
		ran <- true
	}, true /* continuationOnSuccessOnly */)

	// Enqueue a sentinel task so we know the failing job has already run.
	d.Dispatch(func(ctx context.Context) { close(finished) }, nil, false)
	<-finished

	select {
	case <-ran:
		t.Fatal("continuation ran despite onSuccessOnly and a failing task")
	default:
	}
}

func TestDispatchIfNeededRunsSynchronouslyOnDispatcherGoroutine(t *testing.T) {
	d := New(4)
	defer d.Close()

	outer := make(chan context.Context, 1)
	innerRanBeforeOuterReturned := false

	d.Dispatch(func(ctx context.Context) {
		d.DispatchIfNeeded(ctx, func(ctx context.Context) {
			innerRanBeforeOuterReturned = true
		}, nil, false)
		outer <- ctx
	}, nil, false)

	<-outer
	if !innerRanBeforeOuterReturned {
		t.Fatal("DispatchIfNeeded did not run synchronously when already on the dispatcher")
	}
}

func TestDispatchIfNeededEnqueuesFromForeignGoroutine(t *testing.T) {
	d := New(4)
	defer d.Close()

	done := make(chan struct{})
	d.DispatchIfNeeded(context.Background(), func(ctx context.Context) {
		close(done)
	}, nil, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchIfNeeded never ran task submitted from a foreign goroutine")
	}
}
