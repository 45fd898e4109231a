// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigblock"
)

// RunState enumerates the states of a Run.
type RunState int

const (
	// RunIdle indicates the run has not yet started dispatching.
	RunIdle RunState = iota
	// RunDispatching indicates tasks remain queued and are being
	// handed to idle workers.
	RunDispatching
	// RunDraining indicates the queue is empty and the run is
	// waiting for in-flight tasks to finish.
	RunDraining
	// RunCompleted indicates every task completed successfully.
	RunCompleted
	// RunAborted indicates the run stopped before completing all
	// tasks. The run's error describes why.
	RunAborted
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "IDLE"
	case RunDispatching:
		return "DISPATCHING"
	case RunDraining:
		return "DRAINING"
	case RunCompleted:
		return "COMPLETED"
	case RunAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// A TaskResult is the outcome of one task in a Run. Either Value or
// Err is set.
type TaskResult struct {
	// Task is the task's index in the argument pool.
	Task int
	// Arg is the task's argument.
	Arg interface{}
	// Value is the task func's return value.
	Value interface{}
	// Worker is the ID of the worker that produced the outcome.
	Worker string
	// Err is set if the task failed permanently.
	Err error
}

// A ScheduleOption configures a Run.
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	retries int
}

// Retries overrides the session's per-task retry budget for a single
// Run.
func Retries(n int) ScheduleOption {
	if n < 0 {
		panic("exec.Retries: n < 0")
	}
	return func(opts *scheduleOptions) {
		opts.retries = n
	}
}

// A Run is a single scheduling of a pool of tasks over a set of
// workers. Results are delivered on the Results channel as tasks
// complete, in completion order; the channel is closed when the run
// completes or aborts. Runs progress in the background once created
// by Schedule.
type Run struct {
	name  string
	tasks []*task

	resultc chan TaskResult
	donec   chan struct{}

	mu    sync.Mutex
	cond  *ctxsync.Cond
	state RunState
	err   error
}

// Results returns the channel on which the run's task results are
// delivered. The channel is buffered with the full pool size: results
// delivered before an abort remain readable after it.
func (r *Run) Results() <-chan TaskResult { return r.resultc }

// State returns the run's current state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that aborted the run, if any. Err returns nil
// while the run is still in progress.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait returns once the run has completed or aborted, returning the
// run's error, or the context's error if the context is done first.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.donec:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitState returns when the run's state is at least the provided
// state, or with an error if the context is done first.
func (r *Run) WaitState(ctx context.Context, state RunState) (RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.state < state {
		if err := r.cond.Wait(ctx); err != nil {
			return r.state, err
		}
	}
	return r.state, nil
}

func (r *Run) setState(state RunState) {
	r.mu.Lock()
	r.state = state
	r.cond.Broadcast()
	r.mu.Unlock()
}

// finish moves the run to a terminal state and closes its channels.
func (r *Run) finish(state RunState, err error) {
	r.mu.Lock()
	r.state, r.err = state, err
	r.cond.Broadcast()
	r.mu.Unlock()
	close(r.resultc)
	close(r.donec)
}

// Schedule runs the provided task func over a pool of arguments on
// the provided workers and returns the in-progress Run. Task i is the
// application of the func to args[i]. Tasks are dispatched to idle
// workers in pool order; workers that finish early receive further
// tasks, so faster workers process more of the pool. Tasks on lost
// workers are requeued at the front of the queue and redispatched.
// Tasks that fail with an application error are retried up to the
// run's retry budget; a task exhausting its budget aborts the run
// with a TaskError, as does losing the last live worker, with a
// NoWorkersAvailableError.
func (s *Session) Schedule(ctx context.Context, fn *bigblock.TaskFuncValue, args []interface{},
	workers []*Worker, opts ...ScheduleOption) (*Run, error) {
	options := scheduleOptions{retries: s.taskRetries}
	for _, opt := range opts {
		opt(&options)
	}
	if len(workers) == 0 {
		return nil, &bigblock.NoWorkersAvailableError{}
	}
	run := &Run{
		name:    s.newName("run"),
		tasks:   make([]*task, len(args)),
		resultc: make(chan TaskResult, len(args)),
		donec:   make(chan struct{}),
	}
	run.cond = ctxsync.NewCond(&run.mu)
	for i, arg := range args {
		// Invocation typechecks the argument, so that a mistyped pool
		// fails here rather than on a worker.
		run.tasks[i] = newTask(i, arg, fn.Invocation(arg))
	}
	var group *status.Group
	if s.status != nil {
		group = s.status.Group(run.name)
	}
	go run.loop(ctx, workers, options.retries, group)
	return run, nil
}

// A dispatch is the outcome of running one task on one worker.
type dispatch struct {
	task   *task
	worker *Worker
	value  interface{}
	err    error
	lost   bool
}

// loop is the run's scheduler. It owns the task queue and the worker
// pool; per-dispatch goroutines report back on a channel sized so
// that they never block, even after an abort.
func (r *Run) loop(ctx context.Context, workers []*Worker, retries int, group *status.Group) {
	if len(r.tasks) == 0 {
		r.finish(RunCompleted, nil)
		return
	}
	r.setState(RunDispatching)
	var (
		queue    = append([]*task{}, r.tasks...)
		idle     = append([]*Worker{}, workers...)
		live     = workersByID(workers)
		inflight = 0
		done     = 0
		donec    = make(chan dispatch, len(workers))
		lostc    = make(chan *Worker, len(workers))
	)
	for _, w := range workers {
		w := w
		go func() {
			select {
			case <-w.Lost():
				lostc <- w
			case <-r.donec:
			}
		}()
	}
	for _, t := range r.tasks {
		t.Lock()
		t.Set(TaskWaiting)
		t.Unlock()
	}
	for {
		if ctx.Err() != nil {
			r.finish(RunAborted, ctx.Err())
			return
		}
		// Dispatch greedily: every idle live worker gets the next
		// queued task.
		for len(queue) > 0 && len(idle) > 0 {
			t, w := queue[0], idle[0]
			queue, idle = queue[1:], idle[1:]
			t.Lock()
			t.worker = w.ID()
			t.Set(TaskRunning)
			t.Unlock()
			inflight++
			log.Debug.Printf("exec: %s: dispatching task %d to %s (%d queued)", r.name, t.Index, w.ID(), len(queue))
			go runTask(ctx, t, w, donec)
		}
		if group != nil {
			group.Printf("%d/%d tasks, %d running, %d workers", done, len(r.tasks), inflight, len(live))
		}
		if inflight == 0 && len(queue) == 0 {
			if group != nil {
				group.Printf("done: %d tasks", done)
			}
			r.finish(RunCompleted, nil)
			return
		}
		if len(queue) == 0 {
			r.setState(RunDraining)
		} else {
			r.setState(RunDispatching)
		}
		select {
		case d := <-donec:
			inflight--
			switch {
			case d.lost:
				// The worker died under the task: charge the worker,
				// not the task, and requeue it first so pool order is
				// preserved.
				log.Printf("exec: %s: task %d lost on worker %s: %v", r.name, d.task.Index, d.worker.ID(), d.err)
				d.task.Lock()
				d.task.Set(TaskLost)
				d.task.Set(TaskWaiting)
				d.task.Unlock()
				queue = append([]*task{d.task}, queue...)
				if _, ok := live[d.worker.ID()]; ok {
					delete(live, d.worker.ID())
					idle = removeWorker(idle, d.worker)
				}
			case d.err != nil:
				d.task.Lock()
				d.task.retries++
				budgetSpent := d.task.retries > retries
				if budgetSpent {
					d.task.Error(d.err)
				} else {
					d.task.Set(TaskWaiting)
				}
				d.task.Unlock()
				if budgetSpent {
					err := &bigblock.TaskError{Task: d.task.Index, Worker: d.worker.ID(), Err: d.err}
					log.Error.Printf("exec: %s: %v", r.name, err)
					r.resultc <- TaskResult{Task: d.task.Index, Arg: d.task.Arg, Worker: d.worker.ID(), Err: err}
					r.finish(RunAborted, err)
					return
				}
				log.Printf("exec: %s: task %d failed on worker %s (retry %d/%d): %v",
					r.name, d.task.Index, d.worker.ID(), d.task.retries, retries, d.err)
				queue = append(queue, d.task)
				idle = returnWorker(idle, live, d.worker)
			default:
				done++
				d.task.Lock()
				d.task.result = d.value
				d.task.Set(TaskOk)
				d.task.Unlock()
				r.resultc <- TaskResult{Task: d.task.Index, Arg: d.task.Arg, Value: d.value, Worker: d.worker.ID()}
				idle = returnWorker(idle, live, d.worker)
			}
		case w := <-lostc:
			if _, ok := live[w.ID()]; ok {
				log.Printf("exec: %s: worker %s lost", r.name, w.ID())
				delete(live, w.ID())
				idle = removeWorker(idle, w)
			}
		case <-ctx.Done():
			r.finish(RunAborted, ctx.Err())
			return
		}
		if len(live) == 0 {
			err := &bigblock.NoWorkersAvailableError{}
			log.Error.Printf("exec: %s: aborting: %v", r.name, err)
			r.finish(RunAborted, err)
			return
		}
	}
}

// runTask runs a single task on a worker, classifying the outcome:
// worker loss and network failure are reported as lost, everything
// else as an application error.
func runTask(ctx context.Context, t *task, w *Worker, donec chan<- dispatch) {
	var reply taskRunReply
	err := w.Call(ctx, "Worker.RunTask", taskRunRequest{Inv: t.inv, Task: t.Index}, &reply)
	d := dispatch{task: t, worker: w}
	switch {
	case err == nil:
		d.value = reply.Result
	case w.lost(), errors.Is(errors.Net, err),
		errors.IsTemporary(err) && !errors.Match(fatalErr, err):
		d.lost = true
		d.err = err
	default:
		d.err = err
	}
	donec <- d
}

// returnWorker returns a worker to the idle list if it is still live.
func returnWorker(idle []*Worker, live map[string]*Worker, w *Worker) []*Worker {
	if _, ok := live[w.ID()]; !ok {
		return idle
	}
	return append(idle, w)
}

// removeWorker removes a worker from the idle list, if present.
func removeWorker(idle []*Worker, w *Worker) []*Worker {
	for i, o := range idle {
		if o == w {
			return append(idle[:i], idle[i+1:]...)
		}
	}
	return idle
}
