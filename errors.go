// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigblock

import "fmt"

// ConfigurationError reports an invalid partitioning request: a
// distribution of the wrong arity, a nonpositive distribution entry,
// an invalid grid shape, or an empty worker list.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func configErrorf(format string, v ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, v...)}
}

// OutOfRangeError reports a block index that falls outside of a
// container's grid.
type OutOfRangeError struct {
	I, J  int
	Shape BlockShape
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("block (%d,%d) out of range of %s grid", e.I, e.J, e.Shape)
}

// ShapeMismatchError reports a value whose shape does not match the
// block or segment it is being written to or applied against. Array
// segments are reported as single-column shapes.
type ShapeMismatchError struct {
	GotRows, GotCols   int
	WantRows, WantCols int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: have %dx%d, want %dx%d",
		e.GotRows, e.GotCols, e.WantRows, e.WantCols)
}

// InconsistentBlockSizeError reports a block whose domain or range
// size disagrees with the other blocks in its column or row.
type InconsistentBlockSizeError struct {
	I, J      int
	Axis      string // "domain" or "range"
	Got, Want int
}

func (e *InconsistentBlockSizeError) Error() string {
	return fmt.Sprintf("block (%d,%d): inconsistent %s size %d, want %d",
		e.I, e.J, e.Axis, e.Got, e.Want)
}

// UnsupportedOperationError reports an operation that a contained
// operator does not support, such as taking the adjoint of an
// operator that does not implement Adjointer.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return "unsupported operation: " + e.Op
}

// NoWorkersAvailableError reports that a scheduling call ran out of
// live workers before its task pool was drained.
type NoWorkersAvailableError struct{}

func (e *NoWorkersAvailableError) Error() string {
	return "no workers available"
}

// TaskError wraps the final failure of a task that has exhausted its
// retry budget. It records the task's index in the pool and the last
// worker to which the task was submitted.
type TaskError struct {
	Task   int
	Worker string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d failed on worker %s: %v", e.Task, e.Worker, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
