// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Command relaylb runs the standalone load balancer process from spec
// §4.13: signed webhook verification, active-instance discovery, and
// round-robin forwarding with failover.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
