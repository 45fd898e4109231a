// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import "fmt"

// A Range is a half-open interval [Lo, Hi) of block indices along one
// dimension of a block grid.
type Range struct {
	Lo, Hi int
}

// N returns the number of indices spanned by r.
func (r Range) N() int { return r.Hi - r.Lo }

// Contains tells whether i falls within r.
func (r Range) Contains(i int) bool { return r.Lo <= i && i < r.Hi }

// String returns the range formatted as "[lo,hi)".
func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi) }

// A BlockShape is the size of a block grid: the grid comprises
// Rows x Cols blocks. Both dimensions must be at least 1.
type BlockShape struct {
	Rows, Cols int
}

// Ok tells whether the shape describes a valid, nonempty grid.
func (s BlockShape) Ok() bool { return s.Rows >= 1 && s.Cols >= 1 }

// NumBlocks returns the total number of blocks in the grid.
func (s BlockShape) NumBlocks() int { return s.Rows * s.Cols }

// Contains tells whether block (i, j) falls within the grid.
func (s BlockShape) Contains(i, j int) bool {
	return 0 <= i && i < s.Rows && 0 <= j && j < s.Cols
}

// String returns the shape formatted as "RxC".
func (s BlockShape) String() string { return fmt.Sprintf("%dx%d", s.Rows, s.Cols) }

// A Distribution determines how many blocks each worker holds along
// each dimension of a block grid. Distributions always have one entry
// per grid dimension (two), and every entry must be positive. For
// example, distributing an 8x4 grid with Distribution{2, 4} carves the
// grid into cells of 2x4 blocks, four cells in all, each assigned to
// one worker.
type Distribution []int

// Ok tells whether the distribution is valid for a two-dimensional
// block grid.
func (d Distribution) Ok() bool {
	if len(d) != 2 {
		return false
	}
	for _, n := range d {
		if n < 1 {
			return false
		}
	}
	return true
}
