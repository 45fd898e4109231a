// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
)

// localExecutor runs worker services inside the coordinator's own
// process. Calls are dispatched directly; the services' copy
// discipline keeps direct dispatch equivalent to going over the wire.
// It is the substrate for exec.Local, and is intended for testing,
// debugging, and small local runs.
type localExecutor struct {
	sess *Session

	mu       sync.Mutex
	workers  []*Worker
	services map[string]*worker
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{services: make(map[string]*worker)}
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return nil
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Workers(ctx context.Context, n int) ([]*Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.workers) < n {
		id := fmt.Sprintf("local%d", len(l.workers))
		svc := newLocalWorker(localDialer{l})
		l.services[id] = svc
		l.workers = append(l.workers, newWorker(id, svc.dispatch))
	}
	return append([]*Worker{}, l.workers[:n]...), nil
}

func (*localExecutor) HandleDebug(handler *http.ServeMux) {}

// Kill marks the named worker lost and detaches its service. It is
// used by tests to exercise worker-loss handling.
func (l *localExecutor) Kill(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if w.ID() == id {
			w.markLost()
		}
	}
	delete(l.services, id)
}

// localDialer resolves peer worker IDs within the executor's own
// process.
type localDialer struct {
	l *localExecutor
}

func (d localDialer) Dial(ctx context.Context, id string) (caller, error) {
	d.l.mu.Lock()
	svc, ok := d.l.services[id]
	d.l.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.Net, fmt.Sprintf("worker %s is lost", id))
	}
	return localCaller{svc}, nil
}

type localCaller struct {
	svc *worker
}

func (c localCaller) Call(ctx context.Context, method string, arg, reply interface{}) error {
	return c.svc.dispatch(ctx, method, arg, reply)
}
