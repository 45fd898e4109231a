// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bigblock implements distributed block-operator algebra. A
block operator is a linear operator whose action is defined
block-wise over a grid of smaller operators; bigblock distributes
the blocks of such a grid over a set of worker processes, together
with the block-aligned arrays the operator acts upon. Blocks are
constructed where they are owned, so no process ever materializes
the whole grid.

Bigblock jobs can run locally, but use bigmachine for distribution
among a cluster of compute nodes. In either case, user code does not
change; the details of distribution are handled by the combination
of bigmachine and the bigblock exec package.

Because Go cannot easily serialize code to be sent over the wire and
executed remotely, bigblock programs have to be written with a few
constraints:

1. All block constructors must be registered by bigblock.Ctor, and
all task functions by bigblock.TaskFunc, before exec.Start is
called. This rule is easy to follow: if the values returned by Ctor
and TaskFunc are global variables, and exec.Start is called from a
program's main, then the program is compliant.

2. The driver program must be compiled on the same GOOS and GOARCH
as the target architecture when distributing work among a cluster.
When running locally, this is not a concern.

The exec package contains the session, executor, and scheduling
machinery that gives the types in this package their distributed
semantics.
*/
package bigblock
