// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/grailbio/bigblock/typecheck"
)

func init() {
	gob.Register([]interface{}{})
}

// A Constructor builds the operator blocks for one cell of a block
// grid. It is invoked on the worker that owns the cell with the
// cell's row and column ranges, and returns the cell's blocks in
// row-major order: rows.N()*cols.N() operators, the operator for
// block (i, j) at index (i-rows.Lo)*cols.N()+(j-cols.Lo).
type Constructor func(rows, cols Range) ([]Operator, error)

var (
	typeOfConstructor = reflect.TypeOf(Constructor(nil))
	typeOfContext     = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError       = reflect.TypeOf((*error)(nil)).Elem()
)

type funcKind int

const (
	ctorKind funcKind = iota
	taskKind
)

var (
	// funcs is the global registry of constructors and task funcs. We
	// rely on deterministic registration order, guaranteed by Go's
	// variable initialization for a single binary, so that funcs can be
	// named across process boundaries by their index.
	funcs []*funcValue
	// funcsBusy is used to detect data races in registration.
	funcsBusy int32
)

type funcValue struct {
	kind  funcKind
	fn    reflect.Value
	args  []reflect.Type
	index int
}

func registerFunc(fv *funcValue) {
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("bigblock: func registration data race")
	}
	fv.index = len(funcs)
	funcs = append(funcs, fv)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("bigblock: func registration data race")
	}
}

func (f *funcValue) typecheck(args ...reflect.Type) {
	if len(args) != len(f.args) {
		typecheck.Panicf(3, "wrong number of arguments: function takes %d arguments, got %d",
			len(f.args), len(args))
	}
	for i := range args {
		expect, have := f.args[i], args[i]
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				typecheck.Panicf(3, "wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		default:
			if have != expect {
				typecheck.Panicf(3, "wrong type for argument %d: expected %s, got %s", i, expect, have)
			}
		}
	}
}

func (f *funcValue) invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	return Invocation{
		Index: atomic.AddUint64(&invocationIndex, 1),
		Func:  uint64(f.index),
		Args:  args,
	}
}

// A CtorValue represents a registered block constructor, as returned
// by Ctor.
type CtorValue struct {
	*funcValue
}

// Ctor registers a block constructor from the provided function
// value, which must return a single Constructor. Because constructor
// invocations are dispatched to workers by registry index, all calls
// to Ctor must happen before exec.Start, in deterministic order;
// registering constructors as global variables satisfies both rules.
func Ctor(fn interface{}) *CtorValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "bigblock.Ctor: argument is a %T, not a func", fn)
	}
	if ftype.NumOut() != 1 || ftype.Out(0) != typeOfConstructor {
		typecheck.Panicf(1, "bigblock.Ctor: func must return a single bigblock.Constructor")
	}
	v := &funcValue{kind: ctorKind, fn: fv}
	for i := 0; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	registerFunc(v)
	return &CtorValue{v}
}

// Invocation creates an invocation of the constructor bound to the
// provided arguments. Invocation panics with a type error if the
// arguments do not match in type or arity.
func (c *CtorValue) Invocation(args ...interface{}) Invocation {
	return c.invocation(args...)
}

// A TaskFuncValue represents a registered task function, as returned
// by TaskFunc. Task functions are the unit tasks dispatched by the
// dynamic scheduler.
type TaskFuncValue struct {
	*funcValue
}

// TaskFunc registers a task function from the provided function
// value, which must have the form
//
//	func(ctx context.Context, arg ArgType) (ResultType, error)
//
// The registration rules of Ctor apply: all TaskFunc calls must
// happen before exec.Start, in deterministic order.
func TaskFunc(fn interface{}) *TaskFuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "bigblock.TaskFunc: argument is a %T, not a func", fn)
	}
	if ftype.NumIn() != 2 || ftype.In(0) != typeOfContext {
		typecheck.Panicf(1, "bigblock.TaskFunc: func must take (context.Context, arg)")
	}
	if ftype.NumOut() != 2 || ftype.Out(1) != typeOfError {
		typecheck.Panicf(1, "bigblock.TaskFunc: func must return (result, error)")
	}
	v := &funcValue{kind: taskKind, fn: fv, args: []reflect.Type{ftype.In(1)}}
	if typ := ftype.In(1); typ.Kind() != reflect.Interface {
		gob.Register(reflect.Zero(typ).Interface())
	}
	if typ := ftype.Out(0); typ.Kind() != reflect.Interface {
		gob.Register(reflect.Zero(typ).Interface())
	}
	registerFunc(v)
	return &TaskFuncValue{v}
}

// Invocation creates an invocation of the task function applied to
// the provided task argument. Invocation panics with a type error if
// the argument type does not match.
func (f *TaskFuncValue) Invocation(arg interface{}) Invocation {
	return f.invocation(arg)
}

// An Invocation names a registered constructor or task function
// together with bound arguments. Invocations are gob-encodable and
// may be transmitted across process boundaries, where they are
// resolved against the (deterministic) registry and invoked.
type Invocation struct {
	Index uint64
	Func  uint64
	Args  []interface{}
}

var invocationIndex uint64

func (inv Invocation) funcValue() (*funcValue, error) {
	if inv.Func >= uint64(len(funcs)) {
		return nil, fmt.Errorf("invalid invocation: func %d not registered", inv.Func)
	}
	return funcs[inv.Func], nil
}

// Construct resolves and invokes a constructor invocation for the
// cell given by rows and cols, returning the cell's blocks. It is
// called on the worker that owns the cell.
func (inv Invocation) Construct(rows, cols Range) ([]Operator, error) {
	fv, err := inv.funcValue()
	if err != nil {
		return nil, err
	}
	if fv.kind != ctorKind {
		return nil, fmt.Errorf("invalid invocation: func %d is not a constructor", inv.Func)
	}
	argv := make([]reflect.Value, len(inv.Args))
	for i, arg := range inv.Args {
		argv[i] = reflect.ValueOf(arg)
	}
	ctor := fv.fn.Call(argv)[0].Interface().(Constructor)
	return ctor(rows, cols)
}

// Run resolves and invokes a task function invocation, returning the
// task's result. It is called on the worker to which the task was
// dispatched.
func (inv Invocation) Run(ctx context.Context) (interface{}, error) {
	fv, err := inv.funcValue()
	if err != nil {
		return nil, err
	}
	if fv.kind != taskKind {
		return nil, fmt.Errorf("invalid invocation: func %d is not a task func", inv.Func)
	}
	if len(inv.Args) != 1 {
		return nil, fmt.Errorf("invalid invocation: task func takes 1 argument, got %d", len(inv.Args))
	}
	out := fv.fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(inv.Args[0])})
	if e := out[1].Interface(); e != nil {
		return nil, e.(error)
	}
	return out[0].Interface(), nil
}
