// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigblock"
	"golang.org/x/sync/errgroup"
)

// An Array is a distributed vector stored as per-block segments on
// workers. Arrays are created from a BlockOperator so that their
// segments align with the operator's block columns (NewDomainArray)
// or block rows (NewRangeArray); aligned segments are stored on the
// workers that consume or produce them.
type Array struct {
	sess    *Session
	name    string
	part    bigblock.Partition
	workers map[string]*Worker
	// sizes[i] is the length of segment i.
	sizes []int
}

// NewDomainArray creates a zero-filled array aligned with the
// operator's domain: segment j has the domain size of block column j
// and is stored with column j's diagonal-adjacent block.
func (op *BlockOperator) NewDomainArray(ctx context.Context) (*Array, error) {
	return op.sess.buildArray(ctx, op.part.DomainPartition(), op.workers, op.domSizes)
}

// NewRangeArray creates a zero-filled array aligned with the
// operator's range: segment i has the range size of block row i.
func (op *BlockOperator) NewRangeArray(ctx context.Context) (*Array, error) {
	return op.sess.buildArray(ctx, op.part.RangePartition(), op.workers, op.rngSizes)
}

// buildArray allocates the array's segments on their owning workers.
func (s *Session) buildArray(ctx context.Context, part bigblock.Partition,
	workers map[string]*Worker, sizes []int) (*Array, error) {
	arr := &Array{
		sess:    s,
		name:    s.newName("array"),
		part:    part,
		workers: workers,
		sizes:   sizes,
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range part.Workers() {
		w, req := workers[id], arrayBuildRequest{Array: arr.name}
		for _, index := range arr.ownedSegments(id) {
			req.Segments = append(req.Segments, segmentSpec{Index: index, Size: sizes[index]})
		}
		g.Go(func() error {
			if err := w.RetryCall(ctx, "Worker.BuildArray", req, &struct{}{}); err != nil {
				return errors.E(err, "building array on worker "+w.ID())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arr, nil
}

// ownedSegments returns the indices of the segments owned by the
// given worker.
func (a *Array) ownedSegments(id string) []int {
	var segments []int
	for _, cell := range a.part.Ranges(id) {
		for i := cell.Rows.Lo; i < cell.Rows.Hi; i++ {
			segments = append(segments, i)
		}
	}
	return segments
}

// Name returns the array's session-unique name.
func (a *Array) Name() string { return a.name }

// NumSegments returns the number of segments in the array.
func (a *Array) NumSegments() int { return len(a.sizes) }

// Size returns the total number of elements in the array.
func (a *Array) Size() int {
	var n int
	for _, size := range a.sizes {
		n += size
	}
	return n
}

// OwnerOf returns the ID of the worker owning segment i.
func (a *Array) OwnerOf(i int) (string, error) {
	return a.part.Owner(i, 0)
}

// Segment retrieves a copy of segment i from its owning worker.
func (a *Array) Segment(ctx context.Context, i int) ([]float64, error) {
	owner, err := a.part.Owner(i, 0)
	if err != nil {
		return nil, err
	}
	var payload segmentPayload
	err = a.workers[owner].RetryCall(ctx, "Worker.GetSegment", segmentRef{a.name, i}, &payload)
	if err != nil {
		return nil, err
	}
	return payload.Elems, nil
}

// SetSegment replaces segment i on its owning worker. The new
// segment must have the segment's recorded length; on mismatch, the
// stored segment is left unchanged and a ShapeMismatchError is
// returned.
func (a *Array) SetSegment(ctx context.Context, i int, elems []float64) error {
	owner, err := a.part.Owner(i, 0)
	if err != nil {
		return err
	}
	if len(elems) != a.sizes[i] {
		return &bigblock.ShapeMismatchError{
			GotRows: len(elems), GotCols: 1,
			WantRows: a.sizes[i], WantCols: 1,
		}
	}
	req := setSegmentRequest{Array: a.name, Index: i, Elems: elems}
	return a.workers[owner].RetryCall(ctx, "Worker.SetSegment", req, &struct{}{})
}

// FillRandom fills the array with uniform random values in [0, 1).
// The values are generated on the owning workers, each segment seeded
// by the given seed and the segment's identity, so that a fill is
// deterministic in seed and independent of the worker assignment.
func (a *Array) FillRandom(ctx context.Context, seed uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range a.part.Workers() {
		w := a.workers[id]
		req := fillRequest{Array: a.name, Seed: seed, Segments: a.ownedSegments(id)}
		g.Go(func() error {
			return w.RetryCall(ctx, "Worker.FillRandom", req, &struct{}{})
		})
	}
	return g.Wait()
}

// ToLocal gathers the whole array into a single local slice, with
// segments concatenated in index order. ToLocal materializes the full
// vector in the caller's memory and is intended for small arrays and
// testing.
func (a *Array) ToLocal(ctx context.Context) ([]float64, error) {
	segments := make([][]float64, len(a.sizes))
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range a.part.Workers() {
		w := a.workers[id]
		req := gatherRequest{Array: a.name, Segments: a.ownedSegments(id)}
		g.Go(func() error {
			var reply gatherReply
			if err := w.RetryCall(ctx, "Worker.Gather", req, &reply); err != nil {
				return err
			}
			for index, elems := range reply.Segments {
				segments[index] = elems
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elems := make([]float64, 0, a.Size())
	for _, seg := range segments {
		elems = append(elems, seg...)
	}
	return elems, nil
}

// Free releases the array's segments on all owning workers. The
// array must not be used after Free.
func (a *Array) Free(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range a.part.Workers() {
		w := a.workers[id]
		g.Go(func() error {
			return w.RetryCall(ctx, "Worker.Free", freeRequest{Names: []string{a.name}}, &struct{}{})
		})
	}
	return g.Wait()
}
