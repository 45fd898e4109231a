// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

// RetryPolicy is the default retry policy used for worker calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// Executor defines an interface used to provide implementations of
// worker runtimes. An Executor is responsible for starting worker
// processes, installing the worker service on them, and reporting
// worker loss.
type Executor interface {
	// Start starts the executor. It is called before any work is
	// handed out and after all constructors and task funcs have been
	// registered.
	Start(*Session) (shutdown func())

	// Name returns a human-readable name for the executor.
	Name() string

	// Workers returns a set of at least n live workers, starting new
	// worker processes as needed. Fewer than n workers may be returned
	// when the executor cannot allocate; an error is returned only if
	// no workers at all are available.
	Workers(ctx context.Context, n int) ([]*Worker, error)

	// HandleDebug adds executor-specific debug handlers to the
	// provided http.ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// A Worker is a handle to a single worker process capable of holding
// local blocks and executing submitted calls. A worker processes its
// own blocks exclusively: all external access goes through the
// worker's transfer methods.
type Worker struct {
	id   string
	call func(ctx context.Context, method string, arg, reply interface{}) error

	stop  sync.Once
	stopc chan struct{}
}

func newWorker(id string, call func(ctx context.Context, method string, arg, reply interface{}) error) *Worker {
	return &Worker{id: id, call: call, stopc: make(chan struct{})}
}

// ID returns the worker's identifier. For bigmachine workers this is
// the machine address; worker IDs are stable for the lifetime of the
// worker process.
func (w *Worker) ID() string { return w.id }

func (w *Worker) String() string {
	health := "ok"
	if w.lost() {
		health = "lost"
	}
	return fmt.Sprintf("%s (%s)", w.id, health)
}

// Call invokes the named method on the worker. Call fails
// immediately with a network-kind error if the worker is lost.
func (w *Worker) Call(ctx context.Context, method string, arg, reply interface{}) error {
	if w.lost() {
		return errors.E(errors.Net, fmt.Sprintf("worker %s is lost", w.id))
	}
	return w.call(ctx, method, arg, reply)
}

// RetryCall invokes Call, retrying temporary errors with the default
// retry policy. Retrying stops if the worker is lost.
func (w *Worker) RetryCall(ctx context.Context, method string, arg, reply interface{}) error {
	for retries := 0; ; retries++ {
		err := w.Call(ctx, method, arg, reply)
		if err == nil || w.lost() || !errors.IsTemporary(err) {
			return err
		}
		if err = retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

// Lost returns a channel that is closed when the worker is lost.
func (w *Worker) Lost() <-chan struct{} { return w.stopc }

func (w *Worker) lost() bool {
	select {
	case <-w.stopc:
		return true
	default:
		return false
	}
}

// markLost marks the worker lost. Calls in flight fail on their own;
// subsequent calls fail immediately.
func (w *Worker) markLost() {
	w.stop.Do(func() { close(w.stopc) })
}

// workerIDs returns the IDs of the provided workers in order.
func workerIDs(workers []*Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID()
	}
	return ids
}

// workersByID indexes the provided workers by their IDs.
func workersByID(workers []*Worker) map[string]*Worker {
	byID := make(map[string]*Worker, len(workers))
	for _, w := range workers {
		byID[w.ID()] = w
	}
	return byID
}
