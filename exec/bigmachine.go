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

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigblock/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// bigmachineExecutor runs workers as bigmachine machines. Each
// machine carries one worker service; machine loss is propagated to
// the corresponding Worker handle so that schedulers can reassign its
// work.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess  *Session
	b     *bigmachine.B
	group *status.Group

	mu      sync.Mutex
	workers []*Worker
	// machineStats holds the latest counter snapshot from each live
	// machine, keyed by address.
	machineStats map[string]stats.Values
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{
		system:       system,
		params:       params,
		machineStats: make(map[string]stats.Values),
	}
}

func (e *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	e.sess = sess
	e.b = bigmachine.Start(e.system)
	if sess.status != nil {
		e.group = sess.status.Group("bigmachine")
	}
	return e.b.Shutdown
}

func (e *bigmachineExecutor) Name() string {
	return "bigmachine:" + e.system.Name()
}

func (e *bigmachineExecutor) Workers(ctx context.Context, n int) ([]*Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Cull lost workers so that callers always get live ones.
	live := e.workers[:0]
	for _, w := range e.workers {
		if !w.lost() {
			live = append(live, w)
		}
	}
	e.workers = live
	if need := n - len(e.workers); need > 0 {
		params := append([]bigmachine.Param{
			bigmachine.Services{"Worker": &worker{}},
		}, e.params...)
		machines, err := e.b.Start(ctx, need, params...)
		if err != nil {
			return nil, err
		}
		g, gctx := errgroup.WithContext(ctx)
		started := make([]*Worker, len(machines))
		for i, m := range machines {
			i, m := i, m
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-m.Wait(bigmachine.Running):
				}
				if err := m.Err(); err != nil {
					return errors.E(errors.Net,
						fmt.Sprintf("machine %s failed to start", m.Addr), err)
				}
				log.Printf("exec: machine %v is ready", m.Addr)
				started[i] = e.startWorker(m)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		e.workers = append(e.workers, started...)
	}
	if len(e.workers) < n {
		n = len(e.workers)
	}
	return append([]*Worker{}, e.workers[:n]...), nil
}

// startWorker wraps a booted machine in a Worker handle and starts
// its monitoring goroutine.
func (e *bigmachineExecutor) startWorker(m *bigmachine.Machine) *Worker {
	w := newWorker(m.Addr, m.Call)
	var mstatus *status.Task
	if e.group != nil {
		mstatus = e.group.Start()
		mstatus.Title(m.Addr)
		mstatus.Print("running")
	}
	go e.monitor(m, w, mstatus)
	return w
}

// monitor tracks a machine until it stops, polling its worker's
// counters for the status display and marking the Worker handle lost
// when the machine dies.
func (e *bigmachineExecutor) monitor(m *bigmachine.Machine, w *Worker, mstatus *status.Task) {
	stopped := m.Wait(bigmachine.Stopped)
	tick := time.NewTicker(e.sess.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			ctx, cancel := context.WithTimeout(e.sess, e.sess.heartbeat)
			var (
				values stats.Values
				mem    bigmachine.MemInfo
				merr   error
			)
			err := m.Call(ctx, "Worker.Stats", struct{}{}, &values)
			if err == nil {
				mem, merr = m.MemInfo(ctx, false)
			}
			cancel()
			if err != nil {
				log.Debug.Printf("exec: stats %s: %v", m.Addr, err)
				continue
			}
			total := e.mergeStats(m.Addr, values)
			if e.group != nil {
				e.group.Printf("%s", total)
			}
			if mstatus == nil {
				continue
			}
			if merr != nil {
				mstatus.Print(values)
			} else {
				mstatus.Printf("mem %s/%s %s",
					data.Size(mem.System.Used), data.Size(mem.System.Total), values)
			}
		case <-stopped:
			if err := m.Err(); err != nil {
				log.Error.Printf("exec: machine %s stopped: %v", m.Addr, err)
			} else {
				log.Printf("exec: machine %s stopped", m.Addr)
			}
			w.markLost()
			e.mu.Lock()
			delete(e.machineStats, m.Addr)
			e.mu.Unlock()
			if mstatus != nil {
				mstatus.Printf("lost")
				mstatus.Done()
			}
			return
		}
	}
}

// mergeStats records the latest snapshot for addr and returns the
// cluster-wide totals across all live machines.
func (e *bigmachineExecutor) mergeStats(addr string, values stats.Values) stats.Values {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machineStats[addr] = values
	total := make(stats.Values)
	for _, v := range e.machineStats {
		total.Merge(v)
	}
	return total
}

func (e *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	e.b.HandleDebug(handler)
}
