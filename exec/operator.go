// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigblock"
	"golang.org/x/sync/errgroup"
)

// DomainSize returns the total domain size of the operator, the sum
// of its block columns' domain sizes.
func (op *BlockOperator) DomainSize() int {
	var n int
	for _, size := range op.domSizes {
		n += size
	}
	return n
}

// RangeSize returns the total range size of the operator, the sum of
// its block rows' range sizes.
func (op *BlockOperator) RangeSize() int {
	var n int
	for _, size := range op.rngSizes {
		n += size
	}
	return n
}

// Domain returns the single-column partition that domain-aligned
// arrays follow.
func (op *BlockOperator) Domain() bigblock.Partition {
	return op.part.DomainPartition()
}

// Range returns the single-column partition that range-aligned arrays
// follow.
func (op *BlockOperator) Range() bigblock.Partition {
	return op.part.RangePartition()
}

// Apply applies the operator to the domain-aligned array x and
// returns a new range-aligned array holding the result. Each output
// segment is computed on its owning worker: out_i = sum_j A(i,j)*x_j,
// with remote blocks and input segments read from their owners. For
// diagonal operators, off-diagonal terms are skipped, and with
// aligned arrays the product involves no cross-worker reads at all.
func (op *BlockOperator) Apply(ctx context.Context, x *Array) (*Array, error) {
	if got, want := x.Size(), op.DomainSize(); got != want {
		return nil, &bigblock.ShapeMismatchError{
			GotRows: got, GotCols: 1,
			WantRows: want, WantCols: 1,
		}
	}
	out, err := op.NewRangeArray(ctx)
	if err != nil {
		return nil, err
	}
	shape := op.part.Shape()
	// Group block rows by the worker owning their output segment.
	rows := make(map[string][]applyRow)
	for i := 0; i < shape.Rows; i++ {
		owner, err := out.OwnerOf(i)
		if err != nil {
			return nil, err
		}
		row := applyRow{I: i, OutSize: op.rngSizes[i]}
		for j := 0; j < shape.Cols; j++ {
			if op.diagonal && i != j {
				continue
			}
			arg := applyBlockArg{J: j}
			if blockOwner, _ := op.part.Owner(i, j); blockOwner != owner {
				arg.OpWorker = blockOwner
			}
			if segOwner, _ := x.OwnerOf(j); segOwner != owner {
				arg.SegWorker = segOwner
			}
			row.Blocks = append(row.Blocks, arg)
		}
		rows[owner] = append(rows[owner], row)
	}
	log.Debug.Printf("exec: applying operator %s to array %s on %d workers", op.name, x.name, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	for id, workerRows := range rows {
		w := op.workers[id]
		req := applyRequest{Op: op.name, In: x.name, Out: out.name, Rows: workerRows}
		g.Go(func() error {
			if err := w.RetryCall(gctx, "Worker.Apply", req, &struct{}{}); err != nil {
				return errors.E(err, "applying operator on worker "+w.ID())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Adjoint returns the adjoint of the operator as a new block
// operator. Each block is adjointed in place on its owning worker and
// becomes block (j,i) of the new operator, whose partition is the
// transpose of the original's; no blocks move between workers. Every
// block must implement bigblock.Adjointer, else an
// UnsupportedOperationError is returned.
func (op *BlockOperator) Adjoint(ctx context.Context) (*BlockOperator, error) {
	adj := &BlockOperator{
		sess:     op.sess,
		name:     op.sess.newName("op"),
		part:     op.part.Transpose(),
		workers:  op.workers,
		diagonal: op.diagonal,
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		replies = make([]adjointReply, len(op.part.Workers()))
	)
	for k, id := range op.part.Workers() {
		k, w := k, op.workers[id]
		req := adjointRequest{
			Container:    op.name,
			NewContainer: adj.name,
			Cells:        ownedCells(op.part, id),
		}
		g.Go(func() error {
			return w.RetryCall(gctx, "Worker.Adjoint", req, &replies[k])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var sizes []blockSize
	for _, reply := range replies {
		if reply.Unsupported != "" {
			return nil, &bigblock.UnsupportedOperationError{Op: reply.Unsupported}
		}
		sizes = append(sizes, reply.Sizes...)
	}
	var err error
	adj.domSizes, adj.rngSizes, err = mergeSizes(adj.part.Shape(), sizes)
	if err != nil {
		return nil, err
	}
	return adj, nil
}
