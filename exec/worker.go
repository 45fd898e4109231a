// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigblock"
	"github.com/grailbio/bigblock/stats"
	"github.com/grailbio/bigmachine"
	"github.com/spaolacci/murmur3"
)

func init() {
	gob.Register(&worker{})
}

// A caller can invoke methods on a (possibly remote) worker. It is
// satisfied by bigmachine.Machine.
type caller interface {
	Call(ctx context.Context, method string, arg, reply interface{}) error
}

// A dialer resolves worker IDs to callers so that workers can read
// blocks and segments from their peers.
type dialer interface {
	Dial(ctx context.Context, id string) (caller, error)
}

// machineDialer dials peer workers through bigmachine.
type machineDialer struct {
	b *bigmachine.B
}

func (d machineDialer) Dial(ctx context.Context, id string) (caller, error) {
	return d.b.Dial(ctx, id)
}

type blockKey struct {
	I, J int
}

// A worker is the service installed on every worker process. It holds
// the process's local blocks and array segments and runs submitted
// tasks. Each block is owned exclusively by the worker storing it:
// mutation happens only through SetBlock/SetSegment calls directed at
// the owner, which is what makes the container safe without a lock
// manager.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b       *bigmachine.B
	dialer  dialer
	stats   *stats.Map
	limiter *limiter.Limiter

	// builds ensures that containers and arrays are constructed at
	// most once on this worker, making Build calls idempotent across
	// retries.
	builds once.Map

	mu     sync.Mutex
	ops    map[string]map[blockKey]bigblock.Operator
	arrays map[string]map[int][]float64
}

// Init initializes the worker under bigmachine. It is invoked by
// bigmachine when the worker process boots.
func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.dialer = machineDialer{b}
	w.init()
	procs := b.System().Maxprocs()
	if procs == 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	w.limiter.Release(procs)
	return nil
}

func (w *worker) init() {
	w.stats = stats.NewMap()
	w.limiter = limiter.New()
	w.ops = make(map[string]map[blockKey]bigblock.Operator)
	w.arrays = make(map[string]map[int][]float64)
}

// newLocalWorker returns a worker service for in-process execution,
// resolving peers through the provided dialer.
func newLocalWorker(d dialer) *worker {
	w := &worker{dialer: d}
	w.init()
	w.limiter.Release(runtime.GOMAXPROCS(0))
	return w
}

// cellRanges names one cell of a block grid by its row and column
// ranges.
type cellRanges struct {
	Rows, Cols bigblock.Range
}

// blockSize reports the domain and range size of a single constructed
// block.
type blockSize struct {
	I, J          int
	Domain, Range int
}

// buildRequest asks a worker to construct the blocks of the cells it
// owns in a new container.
type buildRequest struct {
	Container string
	Inv       bigblock.Invocation
	Cells     []cellRanges
}

// buildReply carries the sizes of the constructed blocks so that the
// coordinator can assemble and validate the container's global size
// table.
type buildReply struct {
	Sizes []blockSize
}

// Build runs the registered constructor for each owned cell and
// stores the resulting blocks locally. The constructor runs here, on
// the owning worker, so the full grid is never materialized on any
// single process. Build is idempotent per container.
func (w *worker) Build(ctx context.Context, req buildRequest, reply *buildReply) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while constructing blocks: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	err = w.builds.Do(req.Container, func() error {
		blocks := make(map[blockKey]bigblock.Operator)
		for _, cell := range req.Cells {
			ops, err := req.Inv.Construct(cell.Rows, cell.Cols)
			if err != nil {
				return err
			}
			if got, want := len(ops), cell.Rows.N()*cell.Cols.N(); got != want {
				return errors.E(errors.Fatal,
					fmt.Sprintf("constructor returned %d blocks for cell %sx%s, want %d",
						got, cell.Rows, cell.Cols, want))
			}
			for i := cell.Rows.Lo; i < cell.Rows.Hi; i++ {
				for j := cell.Cols.Lo; j < cell.Cols.Hi; j++ {
					blocks[blockKey{i, j}] = ops[(i-cell.Rows.Lo)*cell.Cols.N()+(j-cell.Cols.Lo)]
				}
			}
		}
		w.mu.Lock()
		w.ops[req.Container] = blocks
		w.mu.Unlock()
		w.stats.Int("blocks").Add(int64(len(blocks)))
		return nil
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	blocks := w.ops[req.Container]
	for _, cell := range req.Cells {
		for i := cell.Rows.Lo; i < cell.Rows.Hi; i++ {
			for j := cell.Cols.Lo; j < cell.Cols.Hi; j++ {
				op := blocks[blockKey{i, j}]
				reply.Sizes = append(reply.Sizes, blockSize{
					I: i, J: j,
					Domain: op.DomainSize(),
					Range:  op.RangeSize(),
				})
			}
		}
	}
	return nil
}

// segmentSpec names one array segment and its length.
type segmentSpec struct {
	Index, Size int
}

type arrayBuildRequest struct {
	Array    string
	Segments []segmentSpec
}

// BuildArray allocates zero-filled segments for the blocks of a new
// distributed array owned by this worker.
func (w *worker) BuildArray(ctx context.Context, req arrayBuildRequest, _ *struct{}) error {
	return w.builds.Do(req.Array, func() error {
		segs := make(map[int][]float64)
		for _, spec := range req.Segments {
			segs[spec.Index] = make([]float64, spec.Size)
		}
		w.mu.Lock()
		w.arrays[req.Array] = segs
		w.mu.Unlock()
		w.stats.Int("segments").Add(int64(len(segs)))
		return nil
	})
}

type fillRequest struct {
	Array    string
	Seed     uint64
	Segments []int
}

// FillRandom fills the named segments with uniform random values in
// [0, 1). Each segment's generator is seeded from the fill seed and
// the segment index, so fills are deterministic in the seed and
// independent of which workers hold which segments, and random
// generation is never centralized on the caller.
func (w *worker) FillRandom(ctx context.Context, req fillRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	segs, ok := w.arrays[req.Array]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("array %s", req.Array))
	}
	for _, index := range req.Segments {
		seg, ok := segs[index]
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("array %s segment %d", req.Array, index))
		}
		seed := murmur3.Sum64([]byte(fmt.Sprintf("segment:%d", index))) ^ req.Seed
		r := rand.New(rand.NewSource(int64(seed)))
		for i := range seg {
			seg[i] = r.Float64()
		}
	}
	return nil
}

type blockRef struct {
	Container string
	I, J      int
}

type blockPayload struct {
	Op bigblock.Operator
}

// GetBlock returns a deep copy of the named block.
func (w *worker) GetBlock(ctx context.Context, ref blockRef, reply *blockPayload) error {
	w.mu.Lock()
	op, ok := w.ops[ref.Container][blockKey{ref.I, ref.J}]
	w.mu.Unlock()
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("container %s block (%d,%d)", ref.Container, ref.I, ref.J))
	}
	var err error
	reply.Op, err = copyOperator(op)
	w.stats.Int("blockreads").Add(1)
	return err
}

type setBlockRequest struct {
	Container string
	I, J      int
	Op        bigblock.Operator
}

// SetBlock overwrites the named block in place. The new block must
// have the same domain and range sizes as the block it replaces.
func (w *worker) SetBlock(ctx context.Context, req setBlockRequest, _ *struct{}) error {
	op, err := copyOperator(req.Op)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	blocks, ok := w.ops[req.Container]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("container %s", req.Container))
	}
	key := blockKey{req.I, req.J}
	old, ok := blocks[key]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("container %s block (%d,%d)", req.Container, req.I, req.J))
	}
	if op.DomainSize() != old.DomainSize() || op.RangeSize() != old.RangeSize() {
		return errors.E(errors.Invalid,
			fmt.Sprintf("block (%d,%d): shape %dx%d, want %dx%d",
				req.I, req.J, op.RangeSize(), op.DomainSize(), old.RangeSize(), old.DomainSize()))
	}
	blocks[key] = op
	w.stats.Int("blockwrites").Add(1)
	return nil
}

type segmentRef struct {
	Array string
	Index int
}

type segmentPayload struct {
	Elems []float64
}

// GetSegment returns a copy of the named array segment.
func (w *worker) GetSegment(ctx context.Context, ref segmentRef, reply *segmentPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, ok := w.arrays[ref.Array][ref.Index]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("array %s segment %d", ref.Array, ref.Index))
	}
	reply.Elems = append([]float64(nil), seg...)
	return nil
}

type setSegmentRequest struct {
	Array string
	Index int
	Elems []float64
}

// SetSegment overwrites the named segment in place. The new segment
// must have the same length as the segment it replaces.
func (w *worker) SetSegment(ctx context.Context, req setSegmentRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, ok := w.arrays[req.Array][req.Index]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("array %s segment %d", req.Array, req.Index))
	}
	if len(req.Elems) != len(seg) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("segment %d: length %d, want %d", req.Index, len(req.Elems), len(seg)))
	}
	copy(seg, req.Elems)
	return nil
}

type gatherRequest struct {
	Array    string
	Segments []int
}

type gatherReply struct {
	Segments map[int][]float64
}

// Gather returns copies of all requested segments in a single call.
func (w *worker) Gather(ctx context.Context, req gatherRequest, reply *gatherReply) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	reply.Segments = make(map[int][]float64, len(req.Segments))
	for _, index := range req.Segments {
		seg, ok := w.arrays[req.Array][index]
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("array %s segment %d", req.Array, index))
		}
		reply.Segments[index] = append([]float64(nil), seg...)
	}
	return nil
}

// applyBlockArg names one term of a block-row product. Empty worker
// IDs denote blocks and segments that are local to the computing
// worker.
type applyBlockArg struct {
	J         int
	OpWorker  string
	SegWorker string
}

type applyRow struct {
	I       int
	OutSize int
	Blocks  []applyBlockArg
}

type applyRequest struct {
	Op      string
	In, Out string
	Rows    []applyRow
}

// Apply computes the assigned block rows of a block operator-vector
// product: for each row i, out_i = sum_j op(i,j) * in_j. The
// computation runs here, on the worker owning the output segment;
// remote input segments and blocks are read from their owning peers
// over separate connections.
func (w *worker) Apply(ctx context.Context, req applyRequest, _ *struct{}) error {
	for _, row := range req.Rows {
		if err := w.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		err := w.applyRow(ctx, req, row)
		w.limiter.Release(1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) applyRow(ctx context.Context, req applyRequest, row applyRow) error {
	out := make([]float64, row.OutSize)
	for _, arg := range row.Blocks {
		op, err := w.resolveBlock(ctx, req.Op, row.I, arg.J, arg.OpWorker)
		if err != nil {
			return err
		}
		seg, err := w.resolveSegment(ctx, req.In, arg.J, arg.SegWorker)
		if err != nil {
			return err
		}
		y, err := op.Apply(seg)
		if err != nil {
			return err
		}
		if len(y) != row.OutSize {
			return errors.E(errors.Invalid,
				fmt.Sprintf("block (%d,%d): produced %d elements, want %d", row.I, arg.J, len(y), row.OutSize))
		}
		for k, v := range y {
			out[k] += v
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	segs, ok := w.arrays[req.Out]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("array %s", req.Out))
	}
	segs[row.I] = out
	return nil
}

// resolveBlock returns the named operator block, reading it from the
// named peer when it is not local. Local blocks are used in place:
// Apply never mutates them.
func (w *worker) resolveBlock(ctx context.Context, container string, i, j int, peer string) (bigblock.Operator, error) {
	if peer == "" {
		w.mu.Lock()
		op, ok := w.ops[container][blockKey{i, j}]
		w.mu.Unlock()
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("container %s block (%d,%d)", container, i, j))
		}
		return op, nil
	}
	c, err := w.dialer.Dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	var payload blockPayload
	if err = c.Call(ctx, "Worker.GetBlock", blockRef{container, i, j}, &payload); err != nil {
		return nil, err
	}
	w.stats.Int("remotereads").Add(1)
	return payload.Op, nil
}

func (w *worker) resolveSegment(ctx context.Context, array string, index int, peer string) ([]float64, error) {
	if peer == "" {
		w.mu.Lock()
		seg, ok := w.arrays[array][index]
		w.mu.Unlock()
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("array %s segment %d", array, index))
		}
		return seg, nil
	}
	c, err := w.dialer.Dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	var payload segmentPayload
	if err = c.Call(ctx, "Worker.GetSegment", segmentRef{array, index}, &payload); err != nil {
		return nil, err
	}
	w.stats.Int("remotereads").Add(1)
	return payload.Elems, nil
}

type adjointRequest struct {
	Container    string
	NewContainer string
	Cells        []cellRanges
}

type adjointReply struct {
	Sizes []blockSize
	// Unsupported names the first block found without an adjoint; the
	// coordinator turns it into a typed error.
	Unsupported string
}

// Adjoint stores the adjoints of the owned blocks of a container
// under a new container name, transposed in place: block (i,j)
// becomes block (j,i) of the new container on the same worker.
func (w *worker) Adjoint(ctx context.Context, req adjointRequest, reply *adjointReply) error {
	err := w.builds.Do(req.NewContainer, func() error {
		w.mu.Lock()
		blocks, ok := w.ops[req.Container]
		w.mu.Unlock()
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("container %s", req.Container))
		}
		adjointed := make(map[blockKey]bigblock.Operator)
		for _, cell := range req.Cells {
			for i := cell.Rows.Lo; i < cell.Rows.Hi; i++ {
				for j := cell.Cols.Lo; j < cell.Cols.Hi; j++ {
					op := blocks[blockKey{i, j}]
					adj, ok := op.(bigblock.Adjointer)
					if !ok {
						reply.Unsupported = fmt.Sprintf("adjoint of block (%d,%d) (%T)", i, j, op)
						return nil
					}
					adjointed[blockKey{j, i}] = adj.Adjoint()
				}
			}
		}
		w.mu.Lock()
		w.ops[req.NewContainer] = adjointed
		w.mu.Unlock()
		return nil
	})
	if err != nil || reply.Unsupported != "" {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	blocks, ok := w.ops[req.NewContainer]
	if !ok {
		// A concurrent Adjoint found an unsupported block.
		reply.Unsupported = fmt.Sprintf("adjoint of container %s", req.Container)
		return nil
	}
	for key, op := range blocks {
		reply.Sizes = append(reply.Sizes, blockSize{
			I: key.I, J: key.J,
			Domain: op.DomainSize(),
			Range:  op.RangeSize(),
		})
	}
	return nil
}

type freeRequest struct {
	Names []string
}

// Free releases the named containers and arrays on this worker.
func (w *worker) Free(ctx context.Context, req freeRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range req.Names {
		delete(w.ops, name)
		delete(w.arrays, name)
		w.builds.Forget(name)
	}
	return nil
}

type taskRunRequest struct {
	Inv  bigblock.Invocation
	Task int
}

type taskRunReply struct {
	Result interface{}
}

// RunTask executes a single scheduled task by invoking its registered
// task func. Panics in user code are recovered and returned as fatal
// errors so that the scheduler does not retry them.
func (w *worker) RunTask(ctx context.Context, req taskRunRequest, reply *taskRunReply) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while running task %d: %v\n%s", req.Task, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	reply.Result, err = req.Inv.Run(ctx)
	if err != nil {
		log.Error.Printf("task %d error: %v", req.Task, err)
		return errors.Recover(err)
	}
	w.stats.Int("tasks").Add(1)
	return nil
}

// Ping is used by executors to probe worker health.
func (w *worker) Ping(ctx context.Context, _ struct{}, _ *struct{}) error {
	return nil
}

// Stats returns a snapshot of the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = make(stats.Values)
	w.stats.AddAll(*values)
	return nil
}

// dispatch routes an in-process call to the named worker method. It
// is used by the local executor, which runs worker services in the
// coordinator's own process.
func (w *worker) dispatch(ctx context.Context, method string, arg, reply interface{}) error {
	switch method {
	case "Worker.Build":
		return w.Build(ctx, arg.(buildRequest), reply.(*buildReply))
	case "Worker.BuildArray":
		return w.BuildArray(ctx, arg.(arrayBuildRequest), reply.(*struct{}))
	case "Worker.FillRandom":
		return w.FillRandom(ctx, arg.(fillRequest), reply.(*struct{}))
	case "Worker.GetBlock":
		return w.GetBlock(ctx, arg.(blockRef), reply.(*blockPayload))
	case "Worker.SetBlock":
		return w.SetBlock(ctx, arg.(setBlockRequest), reply.(*struct{}))
	case "Worker.GetSegment":
		return w.GetSegment(ctx, arg.(segmentRef), reply.(*segmentPayload))
	case "Worker.SetSegment":
		return w.SetSegment(ctx, arg.(setSegmentRequest), reply.(*struct{}))
	case "Worker.Gather":
		return w.Gather(ctx, arg.(gatherRequest), reply.(*gatherReply))
	case "Worker.Apply":
		return w.Apply(ctx, arg.(applyRequest), reply.(*struct{}))
	case "Worker.Adjoint":
		return w.Adjoint(ctx, arg.(adjointRequest), reply.(*adjointReply))
	case "Worker.Free":
		return w.Free(ctx, arg.(freeRequest), reply.(*struct{}))
	case "Worker.RunTask":
		return w.RunTask(ctx, arg.(taskRunRequest), reply.(*taskRunReply))
	case "Worker.Ping":
		return w.Ping(ctx, arg.(struct{}), reply.(*struct{}))
	case "Worker.Stats":
		return w.Stats(ctx, arg.(struct{}), reply.(*stats.Values))
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("no such method %s", method))
	}
}

// copyOperator returns a deep copy of op by round-tripping it through
// gob, the same encoding used for remote transfer. Copying keeps
// callers from aliasing a worker's local memory when the worker runs
// in-process.
func copyOperator(op bigblock.Operator) (bigblock.Operator, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&blockPayload{Op: op}); err != nil {
		return nil, err
	}
	var payload blockPayload
	if err := gob.NewDecoder(&buf).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Op, nil
}
