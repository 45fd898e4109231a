// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"fmt"
	"strings"
)

// A Cell is one element of a partition map: a contiguous sub-grid of
// blocks, given by a row range and a column range, together with the
// worker that owns it.
type Cell struct {
	Rows, Cols Range
	Worker     string
}

// String returns the cell formatted as "[lo,hi)x[lo,hi)@worker".
func (c Cell) String() string {
	return fmt.Sprintf("%sx%s@%s", c.Rows, c.Cols, c.Worker)
}

// A Partition maps every block of a grid to its owning worker. The
// grid is carved into contiguous cells, one worker per cell; the cells
// tile the grid exactly, with no gaps and no overlaps. Partitions are
// immutable values: repeated lookups always return the same owner.
type Partition struct {
	shape   BlockShape
	rows    []Range
	cols    []Range
	workers []string // row-major cell assignment; len(rows)*len(cols) entries
}

// ComputePartition carves shape into cells of dist[0] x dist[1] blocks
// (the trailing cells along each dimension may be smaller when the
// distribution does not divide the shape evenly) and assigns the cells
// to workers in row-major order. When there are fewer workers than
// cells, the worker list is reused cyclically, so a worker may own
// several cells.
func ComputePartition(shape BlockShape, workers []string, dist Distribution) (Partition, error) {
	if !shape.Ok() {
		return Partition{}, configErrorf("bad grid shape %s", shape)
	}
	if len(dist) != 2 {
		return Partition{}, configErrorf("distribution has %d entries, need 2", len(dist))
	}
	if !dist.Ok() {
		return Partition{}, configErrorf("bad distribution %v", dist)
	}
	if len(workers) == 0 {
		return Partition{}, configErrorf("no workers")
	}
	p := Partition{
		shape: shape,
		rows:  chunk(shape.Rows, dist[0]),
		cols:  chunk(shape.Cols, dist[1]),
	}
	ncell := len(p.rows) * len(p.cols)
	p.workers = make([]string, ncell)
	for i := range p.workers {
		p.workers[i] = workers[i%len(workers)]
	}
	return p, nil
}

// chunk carves n indices into contiguous ranges of at most size each.
func chunk(n, size int) []Range {
	ranges := make([]Range, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		ranges = append(ranges, Range{lo, hi})
	}
	return ranges
}

// Shape returns the partitioned grid's shape.
func (p Partition) Shape() BlockShape { return p.shape }

// NumCells returns the number of cells in the partition.
func (p Partition) NumCells() int { return len(p.workers) }

// Owner returns the worker that owns block (i, j). Owner fails with
// OutOfRangeError if the block falls outside of the grid.
func (p Partition) Owner(i, j int) (string, error) {
	if !p.shape.Contains(i, j) {
		return "", &OutOfRangeError{I: i, J: j, Shape: p.shape}
	}
	r := rangeIndex(p.rows, i)
	c := rangeIndex(p.cols, j)
	return p.workers[r*len(p.cols)+c], nil
}

// Cell returns the cell containing block (i, j).
func (p Partition) Cell(i, j int) (Cell, error) {
	if !p.shape.Contains(i, j) {
		return Cell{}, &OutOfRangeError{I: i, J: j, Shape: p.shape}
	}
	r := rangeIndex(p.rows, i)
	c := rangeIndex(p.cols, j)
	return Cell{
		Rows:   p.rows[r],
		Cols:   p.cols[c],
		Worker: p.workers[r*len(p.cols)+c],
	}, nil
}

// Cells enumerates the partition's cells in row-major order.
func (p Partition) Cells() []Cell {
	cells := make([]Cell, 0, len(p.workers))
	for r, rows := range p.rows {
		for c, cols := range p.cols {
			cells = append(cells, Cell{
				Rows:   rows,
				Cols:   cols,
				Worker: p.workers[r*len(p.cols)+c],
			})
		}
	}
	return cells
}

// Ranges returns the cells owned by the named worker, in row-major
// order. A worker owns multiple cells when the worker list was reused
// cyclically.
func (p Partition) Ranges(worker string) []Cell {
	var cells []Cell
	for _, cell := range p.Cells() {
		if cell.Worker == worker {
			cells = append(cells, cell)
		}
	}
	return cells
}

// Workers returns the set of workers named by the partition, in order
// of first appearance.
func (p Partition) Workers() []string {
	var (
		workers []string
		seen    = make(map[string]bool)
	)
	for _, w := range p.workers {
		if !seen[w] {
			seen[w] = true
			workers = append(workers, w)
		}
	}
	return workers
}

// Transpose returns the partition with row and column roles swapped,
// keeping each cell on its original worker. It is used to partition
// the adjoint of a block operator without moving blocks between
// workers.
func (p Partition) Transpose() Partition {
	t := Partition{
		shape:   BlockShape{Rows: p.shape.Cols, Cols: p.shape.Rows},
		rows:    p.cols,
		cols:    p.rows,
		workers: make([]string, len(p.workers)),
	}
	for r := range p.rows {
		for c := range p.cols {
			t.workers[c*len(p.rows)+r] = p.workers[r*len(p.cols)+c]
		}
	}
	return t
}

// DomainPartition returns the single-column partition that aligns a
// distributed array with the operator grid's block columns. Segment j
// is owned by the worker holding block (min(j, Rows-1), j), so that
// diagonal operators apply without cross-worker traffic.
func (p Partition) DomainPartition() Partition {
	d := Partition{
		shape:   BlockShape{Rows: p.shape.Cols, Cols: 1},
		rows:    chunk(p.shape.Cols, 1),
		cols:    []Range{{0, 1}},
		workers: make([]string, p.shape.Cols),
	}
	for j := 0; j < p.shape.Cols; j++ {
		i := j
		if i > p.shape.Rows-1 {
			i = p.shape.Rows - 1
		}
		d.workers[j], _ = p.Owner(i, j)
	}
	return d
}

// RangePartition returns the single-column partition that aligns a
// distributed array with the operator grid's block rows. Segment i is
// owned by the worker holding block (i, min(i, Cols-1)).
func (p Partition) RangePartition() Partition {
	d := Partition{
		shape:   BlockShape{Rows: p.shape.Rows, Cols: 1},
		rows:    chunk(p.shape.Rows, 1),
		cols:    []Range{{0, 1}},
		workers: make([]string, p.shape.Rows),
	}
	for i := 0; i < p.shape.Rows; i++ {
		j := i
		if j > p.shape.Cols-1 {
			j = p.shape.Cols - 1
		}
		d.workers[i], _ = p.Owner(i, j)
	}
	return d
}

// String returns a schematic representation of the partition.
func (p Partition) String() string {
	cells := p.Cells()
	strs := make([]string, len(cells))
	for i, cell := range cells {
		strs[i] = cell.String()
	}
	return fmt.Sprintf("partition %s: %s", p.shape, strings.Join(strs, " "))
}

// rangeIndex returns the index of the range containing i. The ranges
// are contiguous and sorted, so a linear scan suffices: partitions are
// small relative to the blocks they describe.
func rangeIndex(ranges []Range, i int) int {
	for k, r := range ranges {
		if r.Contains(i) {
			return k
		}
	}
	panic("index out of range")
}
