// Package dispatch implements the cooperative serial queue of spec.md §4.5:
// a single logical consumer that serializes extension callbacks onto an
// "application" execution context. Submission is thread-safe; execution is
// strictly serial and FIFO.
//
// The shape — one goroutine draining a buffered channel of closures — is
// the same pattern LeGamerDc-gio/server/tx.go uses for its timerWheel
// (a single goroutine reading a ticker channel until a stop channel
// closes); here the channel carries tasks instead of ticks.
package dispatch

import (
	"context"
	"sync"
)

// Task is a unit of work run on the dispatcher goroutine. It receives the
// dispatcher-scoped context so that, if it needs to submit further work
// via DispatchIfNeeded, that call can recognize it is already running on
// the dispatcher and execute synchronously instead of re-enqueuing.
type Task func(ctx context.Context)

type job struct {
	task            Task
	continuation    Task
	continuationIff bool // if true, continuation only runs when task did not panic
}

type dispatcherKeyType struct{}

var dispatcherKey dispatcherKeyType

// Dispatcher is the single cooperative queue. Construct with New.
type Dispatcher struct {
	tasks     chan job
	ctx       context.Context
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a running Dispatcher with a task queue bounded by
// maxQueuedTasks (spec.md §6 "maxDispatcherTasks"). Submissions beyond the
// bound block the submitter: there is no spec-mandated drop policy, and
// blocking the caller (rather than silently dropping extension work) is
// the safer default for game server traffic.
func New(maxQueuedTasks int) *Dispatcher {
	if maxQueuedTasks <= 0 {
		maxQueuedTasks = 4096
	}
	d := &Dispatcher{
		tasks: make(chan job, maxQueuedTasks),
		done:  make(chan struct{}),
	}
	d.ctx = context.WithValue(context.Background(), dispatcherKey, d)
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case j, ok := <-d.tasks:
			if !ok {
				return
			}
			d.run(j)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain runs every task already queued at the time Close was called, so a
// continuation like the client manager's disconnect finalize step is never
// skipped by shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case j, ok := <-d.tasks:
			if !ok {
				return
			}
			d.run(j)
		default:
			return
		}
	}
}

func (d *Dispatcher) run(j job) {
	succeeded := true
	if j.task != nil {
		func() {
			defer func() {
				if recover() != nil {
					succeeded = false
				}
			}()
			j.task(d.ctx)
		}()
	}
	if j.continuation == nil {
		return
	}
	if j.continuationIff && !succeeded {
		return
	}
	j.continuation(d.ctx)
}

// Dispatch unconditionally enqueues task to run strictly after every
// previously enqueued task. An optional continuation runs immediately
// after task on the dispatcher goroutine; per spec.md §4.5, continuations
// run even if task panics unless continuationOnSuccessOnly is set (used
// for ClientConnected: a failing handler must skip StartListening).
func (d *Dispatcher) Dispatch(task Task, continuation Task, continuationOnSuccessOnly bool) {
	d.tasks <- job{task: task, continuation: continuation, continuationIff: continuationOnSuccessOnly}
}

// DispatchIfNeeded runs task synchronously if ctx identifies the calling
// goroutine as already being this dispatcher's loop goroutine (i.e. ctx
// was handed to the caller by a Task this dispatcher is running),
// otherwise it enqueues exactly like Dispatch. Pass context.Background()
// (or any context not derived from a Task's ctx) to always enqueue.
func (d *Dispatcher) DispatchIfNeeded(ctx context.Context, task Task, continuation Task, continuationOnSuccessOnly bool) {
	if onDispatcher, _ := ctx.Value(dispatcherKey).(*Dispatcher); onDispatcher == d {
		d.run(job{task: task, continuation: continuation, continuationIff: continuationOnSuccessOnly})
		return
	}
	d.Dispatch(task, continuation, continuationOnSuccessOnly)
}

// Close stops the dispatcher after draining any tasks already queued. It
// blocks until the loop goroutine exits.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
