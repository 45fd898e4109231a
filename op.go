// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"encoding/gob"
)

func init() {
	gob.Register(&Dense{})
	gob.Register(&Diag{})
	gob.Register(&Zero{})
	gob.Register(&Scale{})
}

// Operator is a linear operator over flat float64 segments. Operators
// stored in a distributed container must be gob-encodable so that they
// can be constructed on, and transferred between, worker processes;
// user-defined operator types should be registered with gob.Register
// during package initialization.
type Operator interface {
	// Apply applies the operator to in, whose length must equal
	// DomainSize, returning a fresh segment of length RangeSize.
	Apply(in []float64) ([]float64, error)
	// DomainSize returns the length of the operator's input segments.
	DomainSize() int
	// RangeSize returns the length of the operator's output segments.
	RangeSize() int
}

// Adjointer is implemented by operators that can produce their
// adjoint. Operators that do not implement Adjointer cause block
// adjoints to fail with UnsupportedOperationError.
type Adjointer interface {
	Adjoint() Operator
}

// Dense is a dense matrix operator stored in row-major order.
type Dense struct {
	Rows, Cols int
	Elems      []float64
}

// NewDense returns a dense Rows x Cols operator with zero elements.
func NewDense(rows, cols int) *Dense {
	return &Dense{Rows: rows, Cols: cols, Elems: make([]float64, rows*cols)}
}

// At returns element (i, j).
func (d *Dense) At(i, j int) float64 { return d.Elems[i*d.Cols+j] }

// Set sets element (i, j) to v.
func (d *Dense) Set(i, j int, v float64) { d.Elems[i*d.Cols+j] = v }

func (d *Dense) Apply(in []float64) ([]float64, error) {
	if len(in) != d.Cols {
		return nil, &ShapeMismatchError{GotRows: len(in), GotCols: 1, WantRows: d.Cols, WantCols: 1}
	}
	out := make([]float64, d.Rows)
	for i := 0; i < d.Rows; i++ {
		row := d.Elems[i*d.Cols : (i+1)*d.Cols]
		var sum float64
		for j, v := range in {
			sum += row[j] * v
		}
		out[i] = sum
	}
	return out, nil
}

func (d *Dense) DomainSize() int { return d.Cols }

func (d *Dense) RangeSize() int { return d.Rows }

// Adjoint returns the transpose of d.
func (d *Dense) Adjoint() Operator {
	t := NewDense(d.Cols, d.Rows)
	for i := 0; i < d.Rows; i++ {
		for j := 0; j < d.Cols; j++ {
			t.Set(j, i, d.At(i, j))
		}
	}
	return t
}

// Diag is a diagonal operator: element i of the output is Elems[i]
// times element i of the input.
type Diag struct {
	Elems []float64
}

func (d *Diag) Apply(in []float64) ([]float64, error) {
	if len(in) != len(d.Elems) {
		return nil, &ShapeMismatchError{GotRows: len(in), GotCols: 1, WantRows: len(d.Elems), WantCols: 1}
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = d.Elems[i] * v
	}
	return out, nil
}

func (d *Diag) DomainSize() int { return len(d.Elems) }

func (d *Diag) RangeSize() int { return len(d.Elems) }

// Adjoint returns d: diagonal operators are self-adjoint.
func (d *Diag) Adjoint() Operator { return d }

// Zero is the no-op block: it maps any domain segment to a zero range
// segment. Off-diagonal placeholders in diagonal block operators are
// Zero blocks.
type Zero struct {
	Rows, Cols int
}

func (z *Zero) Apply(in []float64) ([]float64, error) {
	if len(in) != z.Cols {
		return nil, &ShapeMismatchError{GotRows: len(in), GotCols: 1, WantRows: z.Cols, WantCols: 1}
	}
	return make([]float64, z.Rows), nil
}

func (z *Zero) DomainSize() int { return z.Cols }

func (z *Zero) RangeSize() int { return z.Rows }

// Adjoint returns the transposed zero block.
func (z *Zero) Adjoint() Operator { return &Zero{Rows: z.Cols, Cols: z.Rows} }

// Scale multiplies a segment of length N by the constant C.
type Scale struct {
	N int
	C float64
}

func (s *Scale) Apply(in []float64) ([]float64, error) {
	if len(in) != s.N {
		return nil, &ShapeMismatchError{GotRows: len(in), GotCols: 1, WantRows: s.N, WantCols: 1}
	}
	out := make([]float64, s.N)
	for i, v := range in {
		out[i] = s.C * v
	}
	return out, nil
}

func (s *Scale) DomainSize() int { return s.N }

func (s *Scale) RangeSize() int { return s.N }

// Adjoint returns s: scalar multiples of the identity are
// self-adjoint.
func (s *Scale) Adjoint() Operator { return s }
