// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import "time"

// Options models the dynamic keyword-options bag from the source system as
// an explicit, named struct (spec §9 "Dynamic keyword options bag"). Every
// option named in spec §6 is a field here.
type Options struct {
	// SkipL1 bypasses the L1 cache entirely for this call.
	SkipL1 bool
	// SkipCache bypasses write-suppression and forces a write to go through
	// to L2 (used by set()).
	SkipCache bool
	// CacheTTL overrides the default TTL for this call. Zero means "use the
	// service default".
	CacheTTL time.Duration
	// SkipTTLRandomization disables the small random TTL jitter normally
	// applied to L2 writes.
	SkipTTLRandomization bool
}
