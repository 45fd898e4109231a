// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/bigblock"
)

// TaskState enumerates the states of a scheduled task. Tasks move
// monotonically through the state space except for TaskLost, which
// returns the task to TaskWaiting when it is requeued.
type TaskState int

const (
	// TaskInit is the initial state of a task, before it has been
	// handed to the scheduler.
	TaskInit TaskState = iota
	// TaskWaiting tasks are queued and waiting for a worker.
	TaskWaiting
	// TaskRunning tasks are currently executing on a worker.
	TaskRunning
	// TaskOk indicates the task completed and its result is
	// available.
	TaskOk
	// TaskErr indicates the task failed with an application error.
	TaskErr
	// TaskLost indicates the task's worker was lost while the task
	// was running. Lost tasks are requeued.
	TaskLost

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
	TaskLost:    "LOST",
}

func (s TaskState) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("TaskState(%d)", s)
	}
	return states[s]
}

// A task is a single unit of scheduled work: one invocation of a task
// func on one argument. Tasks are managed by a Run's scheduler.
// A task's mutex protects its state; changes are announced via
// Broadcast and awaited via Wait and WaitState.
type task struct {
	Index int
	Arg   interface{}

	inv bigblock.Invocation

	sync.Mutex
	waitc chan struct{}

	state   TaskState
	err     error
	result  interface{}
	worker  string
	retries int
}

func newTask(index int, arg interface{}, inv bigblock.Invocation) *task {
	return &task{Index: index, Arg: arg, inv: inv}
}

// Set sets the task's state, broadcasting the change to waiters. The
// task's lock must be held.
func (t *task) Set(state TaskState) {
	t.state = state
	t.Broadcast()
}

// Error sets the task's state to TaskErr and records the given error.
// The task's lock must be held.
func (t *task) Error(err error) {
	t.err = err
	t.Set(TaskErr)
}

// State returns the task's current state.
func (t *task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Err returns the task's error, if any. Err may be called only after
// the task has reached TaskErr.
func (t *task) Err() error {
	t.Lock()
	defer t.Unlock()
	if t.state != TaskErr {
		panic(fmt.Sprintf("task %d: Err called in state %s", t.Index, t.state))
	}
	return t.err
}

// Broadcast wakes all waiters. The task's lock must be held.
func (t *task) Broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
}

// Wait returns after the next state change, or with the context's
// error if the context is done first. The task's lock must be held;
// it is released while waiting and reacquired before returning.
func (t *task) Wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Lock()
	return err
}

// WaitState returns when the task's state is at least the provided
// state, or with an error if the context is done first.
func (t *task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}
