// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestMap(t *testing.T) {
	m := NewMap()
	m.Int("blocks").Add(4)
	m.Int("tasks").Add(1)
	m.Int("tasks").Add(2)
	vals := make(Values)
	m.AddAll(vals)
	if got, want := vals["blocks"], int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["tasks"], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals.String(), "blocks:4 tasks:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMerge(t *testing.T) {
	v := Values{"tasks": 2, "blocks": 1}
	v.Merge(Values{"tasks": 3, "segments": 5})
	if got, want := v.String(), "blocks:1 segments:5 tasks:5"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNil(t *testing.T) {
	var c *Int
	c.Add(1)
	if got, want := c.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
