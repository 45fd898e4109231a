// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs block containers, distributed arrays, and
// dynamic task schedules on clusters of workers. A Session, created
// by Start, pins a cluster configuration and is then used to allocate
// workers, build operators and arrays on them, and schedule task
// runs:
//
//	sess := exec.Start(exec.Local)
//	defer sess.Shutdown()
//	workers, err := sess.Workers(ctx, 4)
//	...
//	op, err := sess.BuildOperator(ctx, shape, ctor.Invocation(args...), workers, dist)
//
// The default executor runs workers as separate processes on the
// local machine via bigmachine; exec.Local runs them in-process,
// which is primarily useful for testing and debugging.
package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

// DefaultMaxLoad is the default machine max load.
const DefaultMaxLoad = 0.95

// DefaultTaskRetries is the number of times a failing task is re-run
// before its Run is aborted.
const DefaultTaskRetries = 3

// DefaultHeartbeatInterval is the default interval at which executors
// probe worker health and refresh worker stats.
const DefaultHeartbeatInterval = 10 * time.Second

// A Session is a handle to a cluster of workers. Sessions are
// created by Start; Sessions must be shut down by Shutdown after
// use. All Session methods are safe for concurrent use.
type Session struct {
	context.Context
	shutdown func()

	maxLoad     float64
	p           int
	taskRetries int
	heartbeat   time.Duration
	executor    Executor
	status      *status.Status

	nameIndex uint64
}

// An Option represents a session configuration parameter.
type Option func(s *Session)

// Local configures a session to run workers in the session's own
// process.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session to launch workers as bigmachine
// machines on the provided system. The params are passed on to each
// started machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism sets the number of procs requested per worker machine.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// MaxLoad sets the maximum machine load per allocated machine.
func MaxLoad(maxLoad float64) Option {
	return func(s *Session) {
		s.maxLoad = maxLoad
	}
}

// TaskRetries sets the default per-task retry budget used by
// Schedule. It may be overridden per Run with the Retries option.
func TaskRetries(n int) Option {
	return func(s *Session) {
		s.taskRetries = n
	}
}

// HeartbeatInterval sets the interval at which the session's executor
// probes worker health.
func HeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		s.heartbeat = d
	}
}

// Status configures the session with a status object to which
// cluster and run status are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

func newSession() *Session {
	return &Session{
		p:           1,
		maxLoad:     DefaultMaxLoad,
		taskRetries: DefaultTaskRetries,
		heartbeat:   DefaultHeartbeatInterval,
	}
}

// Start creates and starts a new session, configured by the provided
// options. If no executor is configured, the session launches worker
// processes on the local machine through bigmachine.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	s.Context = ctx
	shutdown := s.executor.Start(s)
	s.shutdown = func() {
		cancel()
		if shutdown != nil {
			shutdown()
		}
	}
	log.Printf("exec: started session with executor %s", s.executor.Name())
}

// Workers returns n live workers from the session's executor,
// starting new ones as needed.
func (s *Session) Workers(ctx context.Context, n int) ([]*Worker, error) {
	if n <= 0 {
		panic("exec.Workers: n <= 0")
	}
	return s.executor.Workers(ctx, n)
}

// Shutdown tears down the session's cluster and releases its
// resources.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Parallelism returns the session's configured per-machine
// parallelism.
func (s *Session) Parallelism() int { return s.p }

// MaxLoad returns the session's maximum per-machine load.
func (s *Session) MaxLoad() float64 { return s.maxLoad }

// Status returns the session's status object, if any.
func (s *Session) Status() *status.Status { return s.status }

// HandleDebug registers the session's debug handlers with the
// provided ServeMux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
}

// newName returns a session-unique name with the given prefix. Names
// identify containers and arrays on workers.
func (s *Session) newName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, atomic.AddUint64(&s.nameIndex, 1))
}
