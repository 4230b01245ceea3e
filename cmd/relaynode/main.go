// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Command relaynode runs one instance of the relay mesh: cache, instance
// coordination, queue, consistent cache, state sync, deduplication, batch
// processing, media group buffering, and stream transfer, wired together
// and served behind a single HTTP listener.
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
