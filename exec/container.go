// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigblock"
	"golang.org/x/sync/errgroup"
)

// A BlockOperator is a linear operator stored as a distributed grid
// of blocks. Block (i,j) lives on the worker assigned by the
// operator's partition and is applied there; the coordinator holds
// only the partition and the per-block size tables. BlockOperators
// are created by Session.BuildOperator.
type BlockOperator struct {
	sess *Session
	name string
	part bigblock.Partition
	// workers maps worker IDs from the partition to their handles.
	workers map[string]*Worker
	// domSizes and rngSizes are the global size tables: domSizes[j]
	// is the domain size of column j, rngSizes[i] the range size of
	// row i. They are assembled from the sizes reported by the
	// builds and validated for consistency.
	domSizes []int
	rngSizes []int
	diagonal bool
}

// A BuildOption configures the construction of a BlockOperator.
type BuildOption func(*buildOptions)

type buildOptions struct {
	diagonal bool
}

// Diagonal marks the operator as block diagonal: off-diagonal blocks
// are known to be zero and are skipped by Apply. The constructor must
// still return operators for every cell so that block sizes are
// defined.
var Diagonal BuildOption = func(opts *buildOptions) {
	opts.diagonal = true
}

// BuildOperator constructs a new distributed block operator of the
// given block shape on the given workers. The invocation must be of
// a func registered with bigblock.Ctor; it is run remotely on each
// owning worker to construct that worker's blocks. The distribution
// gives the number of blocks per grid cell in each dimension; workers
// are assigned to cells cyclically, in row-major order.
func (s *Session) BuildOperator(ctx context.Context, shape bigblock.BlockShape, inv bigblock.Invocation,
	workers []*Worker, dist bigblock.Distribution, opts ...BuildOption) (*BlockOperator, error) {
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}
	part, err := bigblock.ComputePartition(shape, workerIDs(workers), dist)
	if err != nil {
		return nil, err
	}
	op := &BlockOperator{
		sess:     s,
		name:     s.newName("op"),
		part:     part,
		workers:  workersByID(workers),
		diagonal: options.diagonal,
	}
	log.Debug.Printf("exec: building operator %s: shape %s on %d workers", op.name, shape, len(workers))
	sizes, err := op.build(ctx, inv)
	if err != nil {
		return nil, err
	}
	op.domSizes, op.rngSizes, err = mergeSizes(shape, sizes)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// build fans the construction out to the owning workers and collects
// the reported block sizes.
func (op *BlockOperator) build(ctx context.Context, inv bigblock.Invocation) ([]blockSize, error) {
	var (
		mu    sync.Mutex
		sizes []blockSize
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range op.part.Workers() {
		w, cells := op.workers[id], ownedCells(op.part, id)
		g.Go(func() error {
			var reply buildReply
			req := buildRequest{Container: op.name, Inv: inv, Cells: cells}
			if err := w.RetryCall(ctx, "Worker.Build", req, &reply); err != nil {
				return errors.E(err, "building operator on worker "+w.ID())
			}
			mu.Lock()
			sizes = append(sizes, reply.Sizes...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

// ownedCells returns the cells of the partition owned by the given
// worker.
func ownedCells(part bigblock.Partition, id string) []cellRanges {
	var cells []cellRanges
	for _, cell := range part.Cells() {
		if cell.Worker == id {
			cells = append(cells, cellRanges{Rows: cell.Rows, Cols: cell.Cols})
		}
	}
	return cells
}

// mergeSizes assembles the global size tables from per-block sizes,
// checking that every block agrees with its row and column.
func mergeSizes(shape bigblock.BlockShape, sizes []blockSize) (dom, rng []int, err error) {
	dom = make([]int, shape.Cols)
	rng = make([]int, shape.Rows)
	seenDom := make([]bool, shape.Cols)
	seenRng := make([]bool, shape.Rows)
	for _, size := range sizes {
		if seenDom[size.J] && dom[size.J] != size.Domain {
			return nil, nil, &bigblock.InconsistentBlockSizeError{
				I: size.I, J: size.J,
				Axis: "domain",
				Got:  size.Domain,
				Want: dom[size.J],
			}
		}
		dom[size.J], seenDom[size.J] = size.Domain, true
		if seenRng[size.I] && rng[size.I] != size.Range {
			return nil, nil, &bigblock.InconsistentBlockSizeError{
				I: size.I, J: size.J,
				Axis: "range",
				Got:  size.Range,
				Want: rng[size.I],
			}
		}
		rng[size.I], seenRng[size.I] = size.Range, true
	}
	return dom, rng, nil
}

// Name returns the operator's session-unique name.
func (op *BlockOperator) Name() string { return op.name }

// Shape returns the operator's block shape.
func (op *BlockOperator) Shape() bigblock.BlockShape { return op.part.Shape() }

// Partition returns the operator's partition.
func (op *BlockOperator) Partition() bigblock.Partition { return op.part }

// OwnerOf returns the ID of the worker owning block (i,j).
func (op *BlockOperator) OwnerOf(i, j int) (string, error) {
	return op.part.Owner(i, j)
}

// LocalRanges returns the cells of the operator owned by the worker
// with the given ID.
func (op *BlockOperator) LocalRanges(id string) []bigblock.Cell {
	var cells []bigblock.Cell
	for _, cell := range op.part.Cells() {
		if cell.Worker == id {
			cells = append(cells, cell)
		}
	}
	return cells
}

// GetBlock retrieves a copy of block (i,j) from its owning worker.
func (op *BlockOperator) GetBlock(ctx context.Context, i, j int) (bigblock.Operator, error) {
	return op.GetBlockAsync(i, j).Resolve(ctx)
}

// A BlockHandle is a deferred block retrieval, returned by
// GetBlockAsync. The retrieval proceeds in the background; Resolve
// and TryResolve retrieve its outcome.
type BlockHandle struct {
	donec chan struct{}
	op    bigblock.Operator
	err   error
}

// Resolve returns the retrieved block, blocking until the retrieval
// completes or the context is done.
func (h *BlockHandle) Resolve(ctx context.Context) (bigblock.Operator, error) {
	select {
	case <-h.donec:
		return h.op, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryResolve returns the retrieved block if the retrieval has
// completed, otherwise ok is false.
func (h *BlockHandle) TryResolve() (op bigblock.Operator, err error, ok bool) {
	select {
	case <-h.donec:
		return h.op, h.err, true
	default:
		return nil, nil, false
	}
}

// GetBlockAsync begins retrieving block (i,j) from its owning worker
// and returns a handle to the pending retrieval.
func (op *BlockOperator) GetBlockAsync(i, j int) *BlockHandle {
	h := &BlockHandle{donec: make(chan struct{})}
	go func() {
		defer close(h.donec)
		owner, err := op.part.Owner(i, j)
		if err != nil {
			h.err = err
			return
		}
		var payload blockPayload
		err = op.workers[owner].RetryCall(op.sess, "Worker.GetBlock", blockRef{op.name, i, j}, &payload)
		if err != nil {
			h.err = err
			return
		}
		h.op = payload.Op
	}()
	return h
}

// SetBlock replaces block (i,j) on its owning worker. The new block
// must match the sizes recorded for row i and column j; on mismatch,
// the stored block is left unchanged and a ShapeMismatchError is
// returned.
func (op *BlockOperator) SetBlock(ctx context.Context, i, j int, block bigblock.Operator) error {
	owner, err := op.part.Owner(i, j)
	if err != nil {
		return err
	}
	if block.DomainSize() != op.domSizes[j] || block.RangeSize() != op.rngSizes[i] {
		return &bigblock.ShapeMismatchError{
			GotRows: block.RangeSize(), GotCols: block.DomainSize(),
			WantRows: op.rngSizes[i], WantCols: op.domSizes[j],
		}
	}
	req := setBlockRequest{Container: op.name, I: i, J: j, Op: block}
	return op.workers[owner].RetryCall(ctx, "Worker.SetBlock", req, &struct{}{})
}

// Free releases the operator's blocks on all owning workers. The
// operator must not be used after Free.
func (op *BlockOperator) Free(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range op.part.Workers() {
		w := op.workers[id]
		g.Go(func() error {
			return w.RetryCall(ctx, "Worker.Free", freeRequest{Names: []string{op.name}}, &struct{}{})
		})
	}
	return g.Wait()
}
