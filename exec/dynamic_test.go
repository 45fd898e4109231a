// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/bigblock"
)

var squareTask = bigblock.TaskFunc(func(ctx context.Context, shot int) (int, error) {
	return shot * shot, nil
})

var failTask = bigblock.TaskFunc(func(ctx context.Context, shot int) (int, error) {
	return 0, fmt.Errorf("shot %d corrupt", shot)
})

var slowTask = bigblock.TaskFunc(func(ctx context.Context, shot int) (int, error) {
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return shot, nil
})

func taskArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = i
	}
	return args
}

func TestSchedule(t *testing.T) {
	sess, workers := localSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	const N = 8
	run, err := sess.Schedule(ctx, squareTask, taskArgs(N), workers)
	if err != nil {
		t.Fatal(err)
	}
	if err = run.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := run.State(), RunCompleted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	state, err := run.WaitState(ctx, RunCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, RunCompleted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	seen := make(map[int]bool)
	for result := range run.Results() {
		if result.Err != nil {
			t.Fatal(result.Err)
		}
		if seen[result.Task] {
			t.Errorf("task %d: duplicate result", result.Task)
		}
		seen[result.Task] = true
		if got, want := result.Value.(int), result.Arg.(int)*result.Arg.(int); got != want {
			t.Errorf("task %d: got %v, want %v", result.Task, got, want)
		}
	}
	if got, want := len(seen), N; got != want {
		t.Errorf("got %v results, want %v", got, want)
	}
	for _, task := range run.tasks {
		if got, want := task.State(), TaskOk; got != want {
			t.Errorf("task %d: got %v, want %v", task.Index, got, want)
		}
	}
}

func TestScheduleEmpty(t *testing.T) {
	sess, workers := localSession(t, 1)
	defer sess.Shutdown()
	ctx := context.Background()
	run, err := sess.Schedule(ctx, squareTask, nil, workers)
	if err != nil {
		t.Fatal(err)
	}
	if err = run.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-run.Results(); ok {
		t.Error("expected no results")
	}
}

func TestScheduleNoWorkers(t *testing.T) {
	sess, _ := localSession(t, 1)
	defer sess.Shutdown()
	ctx := context.Background()
	_, err := sess.Schedule(ctx, squareTask, taskArgs(4), nil)
	var noWorkers *bigblock.NoWorkersAvailableError
	if !errors.As(err, &noWorkers) {
		t.Fatalf("got %v, want NoWorkersAvailableError", err)
	}
}

func TestScheduleTaskError(t *testing.T) {
	sess, workers := localSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	run, err := sess.Schedule(ctx, failTask, taskArgs(4), workers, Retries(1))
	if err != nil {
		t.Fatal(err)
	}
	err = run.Wait(ctx)
	var taskErr *bigblock.TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("got %v, want TaskError", err)
	}
	if got, want := run.State(), RunAborted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if run.Err() == nil {
		t.Error("expected run error")
	}
	// The failed task's result is delivered before the channel
	// closes.
	var sawErr bool
	for result := range run.Results() {
		if result.Err != nil {
			sawErr = true
			if got, want := result.Task, taskErr.Task; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}
	if !sawErr {
		t.Error("expected a failed result")
	}
}

func TestScheduleLostWorker(t *testing.T) {
	sess, workers := localSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	// Kill one worker up front: tasks dispatched to it fail with a
	// network error and must be requeued onto the survivor.
	local := sess.executor.(*localExecutor)
	local.Kill(workers[1].ID())
	const N = 6
	run, err := sess.Schedule(ctx, squareTask, taskArgs(N), workers)
	if err != nil {
		t.Fatal(err)
	}
	if err = run.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]bool)
	for result := range run.Results() {
		if result.Err != nil {
			t.Fatal(result.Err)
		}
		if got, want := result.Worker, workers[0].ID(); got != want {
			t.Errorf("task %d: got worker %v, want %v", result.Task, got, want)
		}
		seen[result.Task] = true
	}
	if got, want := len(seen), N; got != want {
		t.Errorf("got %v results, want %v", got, want)
	}
}

func TestScheduleAllWorkersLost(t *testing.T) {
	sess, workers := localSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	local := sess.executor.(*localExecutor)
	for _, w := range workers {
		local.Kill(w.ID())
	}
	run, err := sess.Schedule(ctx, squareTask, taskArgs(4), workers)
	if err != nil {
		t.Fatal(err)
	}
	err = run.Wait(ctx)
	var noWorkers *bigblock.NoWorkersAvailableError
	if !errors.As(err, &noWorkers) {
		t.Fatalf("got %v, want NoWorkersAvailableError", err)
	}
	if got, want := run.State(), RunAborted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScheduleCancel(t *testing.T) {
	sess, workers := localSession(t, 1)
	defer sess.Shutdown()
	ctx, cancel := context.WithCancel(context.Background())
	run, err := sess.Schedule(ctx, slowTask, taskArgs(16), workers)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if err = run.Wait(context.Background()); err != context.Canceled {
		t.Fatalf("got %v, want %v", err, context.Canceled)
	}
	if got, want := run.State(), RunAborted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
