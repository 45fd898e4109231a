// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/bigblock"
	"github.com/grailbio/bigblock/stats"
	"github.com/grailbio/bigmachine/testsystem"
)

func bigmachineSession(t *testing.T, n int) (*testsystem.System, *Session, []*Worker) {
	t.Helper()
	system := testsystem.New()
	system.Machineprocs = 1
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	sess := Start(Bigmachine(system))
	workers, err := sess.Workers(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(workers), n; got != want {
		t.Fatalf("got %v workers, want %v", got, want)
	}
	return system, sess, workers
}

func TestBigmachineOperator(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bigmachine test in -short mode")
	}
	_, sess, workers := bigmachineSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	shape := bigblock.BlockShape{Rows: 4, Cols: 4}
	op, err := sess.BuildOperator(ctx, shape, scaleCtor.Invocation(2.0), workers,
		bigblock.Distribution{2, 2}, Diagonal)
	if err != nil {
		t.Fatal(err)
	}
	// Blocks round-trip through real RPC and gob here.
	block, err := op.GetBlock(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	scale, ok := block.(*bigblock.Scale)
	if !ok {
		t.Fatalf("got %T, want *bigblock.Scale", block)
	}
	if got, want := scale.C, 2.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x, err := op.NewDomainArray(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < x.NumSegments(); i++ {
		if err = x.SetSegment(ctx, i, []float64{1, 1}); err != nil {
			t.Fatal(err)
		}
	}
	y, err := op.Apply(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	elems, err := y.ToLocal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range elems {
		if v != 2 {
			t.Errorf("element %d: got %v, want 2", i, v)
		}
	}
}

func TestBigmachineSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bigmachine test in -short mode")
	}
	_, sess, workers := bigmachineSession(t, 2)
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
	seen := make(map[int]bool)
	for result := range run.Results() {
		if result.Err != nil {
			t.Fatal(result.Err)
		}
		seen[result.Task] = true
	}
	if got, want := len(seen), N; got != want {
		t.Errorf("got %v results, want %v", got, want)
	}
}

func TestBigmachineScheduleMachineLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bigmachine test in -short mode")
	}
	system, sess, workers := bigmachineSession(t, 2)
	defer sess.Shutdown()
	ctx := context.Background()
	const N = 16
	run, err := sess.Schedule(ctx, slowTask, taskArgs(N), workers)
	if err != nil {
		t.Fatal(err)
	}
	// Claim a machine mid-run: its in-flight task must be requeued
	// and the pool drained by the survivor.
	<-run.Results()
	if !system.Kill(nil) {
		t.Fatal("no machine to kill")
	}
	if err = run.Wait(ctx); err != nil {
		t.Fatal(err)
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
	}
	if got, want := len(seen), N-1; got != want {
		t.Errorf("got %v results, want %v", got, want)
	}
}

func TestMergeStats(t *testing.T) {
	e := newBigmachineExecutor(nil)
	e.mergeStats("machine0", stats.Values{"tasks": 2, "blocks": 1})
	total := e.mergeStats("machine1", stats.Values{"tasks": 3, "segments": 5})
	if got, want := total.String(), "blocks:1 segments:5 tasks:5"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	// A refreshed snapshot replaces the machine's previous one.
	total = e.mergeStats("machine1", stats.Values{"tasks": 4, "segments": 5})
	if got, want := total.String(), "blocks:1 segments:5 tasks:6"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
