// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blockconfig creates bigblock sessions from a shared
// configuration. Blockconfig uses the configuration mechanism in
// package github.com/grailbio/base/config, reading a default profile
// from $HOME/.bigblock/config.
package blockconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	"github.com/grailbio/bigblock/exec"
	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the bigblock profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigblock/config")

// Parse registers configuration flags and calls flag.Parse, reading
// bigblock configuration from Path. Parse returns the session as
// configured by the configuration and any flags provided. Parse
// panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigblock", &sess)
	return sess, sess.Shutdown
}
