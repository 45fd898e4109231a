// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"errors"
	"testing"
)

// TestPartitionTiling exhaustively verifies that, for small grids, the
// computed cells tile the grid with no gaps and no overlaps.
func TestPartitionTiling(t *testing.T) {
	workers := []string{"w0", "w1", "w2"}
	for rows := 1; rows <= 6; rows++ {
		for cols := 1; cols <= 6; cols++ {
			for dr := 1; dr <= rows; dr++ {
				for dc := 1; dc <= cols; dc++ {
					shape := BlockShape{Rows: rows, Cols: cols}
					p, err := ComputePartition(shape, workers, Distribution{dr, dc})
					if err != nil {
						t.Fatalf("%s/%d,%d: %v", shape, dr, dc, err)
					}
					covered := make(map[[2]int]int)
					for _, cell := range p.Cells() {
						for i := cell.Rows.Lo; i < cell.Rows.Hi; i++ {
							for j := cell.Cols.Lo; j < cell.Cols.Hi; j++ {
								covered[[2]int{i, j}]++
							}
						}
					}
					if got, want := len(covered), shape.NumBlocks(); got != want {
						t.Errorf("%s/%d,%d: covered %v blocks, want %v", shape, dr, dc, got, want)
					}
					for block, n := range covered {
						if n != 1 {
							t.Errorf("%s/%d,%d: block %v covered %d times", shape, dr, dc, block, n)
						}
					}
				}
			}
		}
	}
}

func TestPartitionOwner(t *testing.T) {
	p, err := ComputePartition(BlockShape{4, 4}, []string{"a", "b", "c", "d"}, Distribution{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		i, j  int
		owner string
	}{
		{0, 0, "a"}, {1, 1, "a"},
		{0, 2, "b"}, {1, 3, "b"},
		{2, 0, "c"}, {3, 1, "c"},
		{2, 2, "d"}, {3, 3, "d"},
	} {
		owner, err := p.Owner(c.i, c.j)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := owner, c.owner; got != want {
			t.Errorf("block (%d,%d): got %v, want %v", c.i, c.j, got, want)
		}
		// Repeated lookups are idempotent.
		again, _ := p.Owner(c.i, c.j)
		if got, want := again, owner; got != want {
			t.Errorf("block (%d,%d): got %v, want %v", c.i, c.j, got, want)
		}
	}
	if _, err := p.Owner(4, 0); err == nil {
		t.Error("expected error")
	} else {
		var oor *OutOfRangeError
		if !errors.As(err, &oor) {
			t.Errorf("got %v, want OutOfRangeError", err)
		}
	}
}

// TestPartitionCyclic verifies that a tall-and-skinny grid with fewer
// workers than cells reuses the worker list cyclically.
func TestPartitionCyclic(t *testing.T) {
	p, err := ComputePartition(BlockShape{4, 1}, []string{"a", "b"}, Distribution{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.NumCells(), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	owners := make([]string, 4)
	for i := range owners {
		owners[i], _ = p.Owner(i, 0)
	}
	want := []string{"a", "b", "a", "b"}
	for i := range owners {
		if owners[i] != want[i] {
			t.Errorf("segment %d: got %v, want %v", i, owners[i], want[i])
		}
	}
	if got, want := len(p.Ranges("a")), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPartitionConfigErrors(t *testing.T) {
	workers := []string{"a"}
	for _, c := range []struct {
		shape BlockShape
		w     []string
		dist  Distribution
	}{
		{BlockShape{0, 4}, workers, Distribution{1, 1}},
		{BlockShape{4, 4}, workers, Distribution{1}},
		{BlockShape{4, 4}, workers, Distribution{1, 1, 1}},
		{BlockShape{4, 4}, workers, Distribution{0, 1}},
		{BlockShape{4, 4}, nil, Distribution{1, 1}},
	} {
		_, err := ComputePartition(c.shape, c.w, c.dist)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("%s %v %v: got %v, want ConfigurationError", c.shape, c.w, c.dist, err)
		}
	}
}

func TestPartitionTranspose(t *testing.T) {
	p, err := ComputePartition(BlockShape{4, 2}, []string{"a", "b", "c"}, Distribution{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	tr := p.Transpose()
	if got, want := tr.Shape(), (BlockShape{2, 4}); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			owner, _ := p.Owner(i, j)
			towner, _ := tr.Owner(j, i)
			if got, want := towner, owner; got != want {
				t.Errorf("block (%d,%d): got %v, want %v", j, i, got, want)
			}
		}
	}
}

func TestAlignedPartitions(t *testing.T) {
	p, err := ComputePartition(BlockShape{4, 4}, []string{"a", "b", "c", "d"}, Distribution{1, 4})
	if err != nil {
		t.Fatal(err)
	}
	dom := p.DomainPartition()
	if got, want := dom.Shape(), (BlockShape{4, 1}); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	rng := p.RangePartition()
	if got, want := rng.Shape(), (BlockShape{4, 1}); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// With one whole block row per worker, segment i of both domain
	// and range lives with row i.
	for i := 0; i < 4; i++ {
		rowOwner, _ := p.Owner(i, 0)
		segOwner, _ := rng.Owner(i, 0)
		if got, want := segOwner, rowOwner; got != want {
			t.Errorf("range segment %d: got %v, want %v", i, got, want)
		}
		domOwner, _ := dom.Owner(i, 0)
		diagOwner, _ := p.Owner(i, i)
		if got, want := domOwner, diagOwner; got != want {
			t.Errorf("domain segment %d: got %v, want %v", i, got, want)
		}
	}
}
