// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"errors"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestDense(t *testing.T) {
	d := NewDense(2, 3)
	d.Set(0, 0, 1)
	d.Set(0, 2, 2)
	d.Set(1, 1, 3)
	out, err := d.Apply([]float64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(out), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := out[0], 7.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out[1], 6.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err = d.Apply([]float64{1, 2}); err == nil {
		t.Error("expected error")
	} else {
		var shape *ShapeMismatchError
		if !errors.As(err, &shape) {
			t.Errorf("got %v, want ShapeMismatchError", err)
		}
	}
}

// TestDenseAdjoint verifies <Ax, y> == <x, A'y> for random dense
// operators.
func TestDenseAdjoint(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(12, 12)
	for iter := 0; iter < 20; iter++ {
		d := NewDense(3, 4)
		f.NumElements(12, 12).Fuzz(&d.Elems)
		var x, y []float64
		f.NumElements(4, 4).Fuzz(&x)
		f.NumElements(3, 3).Fuzz(&y)
		ax, err := d.Apply(x)
		if err != nil {
			t.Fatal(err)
		}
		aty, err := d.Adjoint().Apply(y)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := dot(ax, y), dot(x, aty); math.Abs(got-want) > 1e-9*(1+math.Abs(want)) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func dot(x, y []float64) float64 {
	var sum float64
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

func TestDiag(t *testing.T) {
	d := &Diag{Elems: []float64{1, 2, 3}}
	out, err := d.Apply([]float64{4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{4, 10, 18} {
		if got := out[i]; got != want {
			t.Errorf("element %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := d.Adjoint(), Operator(d); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestZero(t *testing.T) {
	z := &Zero{Rows: 2, Cols: 3}
	out, err := z.Apply([]float64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 0 {
			t.Errorf("element %d: got %v, want 0", i, v)
		}
	}
	adj := z.Adjoint().(*Zero)
	if got, want := adj.Rows, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := adj.Cols, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScale(t *testing.T) {
	s := &Scale{N: 3, C: 2.5}
	out, err := s.Apply([]float64{2, 4, 6})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{5, 10, 15} {
		if got := out[i]; got != want {
			t.Errorf("element %d: got %v, want %v", i, got, want)
		}
	}
}
