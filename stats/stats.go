// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counter collections kept by workers:
// blocks and segments stored, tasks run, remote reads performed.
// Counters are sampled into snapshots that can be merged across
// workers.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a point-in-time snapshot of a counter collection,
// keyed by counter name.
type Values map[string]int64

// Merge adds the snapshot w into v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String renders the snapshot as a single line, sorted by counter
// name, suitable for status displays.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a named set of counters. Counters are created on first
// use; all Map methods are safe for concurrent use.
type Map struct {
	mu       sync.Mutex
	counters map[string]*Int
}

// NewMap returns a new, empty Map.
func NewMap() *Map {
	return &Map{counters: make(map[string]*Int)}
}

// Int returns the named counter, creating it if necessary.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	c := m.counters[name]
	if c == nil {
		c = new(Int)
		m.counters[name] = c
	}
	m.mu.Unlock()
	return c
}

// AddAll adds the map's current counter values into the provided
// snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for name, c := range m.counters {
		vals[name] += c.Get()
	}
	m.mu.Unlock()
}

// An Int is an atomic integer counter. A nil Int discards updates,
// so counters may be threaded through optionally.
type Int struct {
	n int64
}

// Add adds delta to the counter.
func (c *Int) Add(delta int64) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.n, delta)
}

// Get returns the counter's current value.
func (c *Int) Get() int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(&c.n)
}
