// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"context"
	"strings"
	"testing"

	"github.com/grailbio/bigblock/typecheck"
)

var testCtor = Ctor(func(scale float64) Constructor {
	return func(rows, cols Range) ([]Operator, error) {
		ops := make([]Operator, 0, rows.N()*cols.N())
		for i := rows.Lo; i < rows.Hi; i++ {
			for j := cols.Lo; j < cols.Hi; j++ {
				if i == j {
					ops = append(ops, &Scale{N: 2, C: scale})
				} else {
					ops = append(ops, &Zero{Rows: 2, Cols: 2})
				}
			}
		}
		return ops, nil
	}
})

var testTask = TaskFunc(func(ctx context.Context, shot int) (int, error) {
	return shot * shot, nil
})

func TestCtorInvocation(t *testing.T) {
	inv := testCtor.Invocation(3.0)
	ops, err := inv.Construct(Range{0, 2}, Range{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(ops), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := ops[0].(*Scale).C, 3.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := ops[1].(*Zero); !ok {
		t.Errorf("got %T, want *Zero", ops[1])
	}
}

func TestCtorTypecheck(t *testing.T) {
	expectTypecheckPanic(t, "wrong type", func() {
		testCtor.Invocation("not a float")
	})
	expectTypecheckPanic(t, "number of arguments", func() {
		testCtor.Invocation()
	})
}

func TestTaskFuncInvocation(t *testing.T) {
	inv := testTask.Invocation(7)
	result, err := inv.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := result.(int), 49; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTaskFuncTypecheck(t *testing.T) {
	expectTypecheckPanic(t, "wrong type", func() {
		testTask.Invocation("seven")
	})
	expectTypecheckPanic(t, "must return", func() {
		TaskFunc(func(ctx context.Context, i int) int { return i })
	})
	expectTypecheckPanic(t, "must take", func() {
		TaskFunc(func(i int) (int, error) { return i, nil })
	})
}

func expectTypecheckPanic(t *testing.T, message string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		e := recover()
		if e == nil {
			t.Fatal("expected panic")
		}
		err, ok := e.(*typecheck.Error)
		if !ok {
			t.Fatalf("recovered %v, want *typecheck.Error", e)
		}
		if !strings.Contains(err.Error(), message) {
			t.Errorf("error %v does not mention %q", err, message)
		}
	}()
	f()
}
