// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigblock", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 1, "procs requested per worker machine")
		inst.IntVar(&sess.taskRetries, "task-retries", DefaultTaskRetries, "per-task retry budget for scheduled runs")
		inst.FloatVar(&sess.maxLoad, "max-load", DefaultMaxLoad, "per-machine maximum load")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used to run workers")
		inst.Doc = "bigblock configures the bigblock runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
