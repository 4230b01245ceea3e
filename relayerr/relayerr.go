// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package relayerr defines the error taxonomy shared by every coordination
// component: one errs.Class per distinguishable failure kind.
package relayerr

import (
	"strings"

	"github.com/zeebo/errs"
)

// Kind identifies which of the taxonomy buckets in spec §7 an error belongs
// to. It drives fail-over classification in the cache service and the load
// balancer's executeWithFailover.
type Kind int

const (
	// KindOther is the zero value: an error not otherwise classified.
	KindOther Kind = iota
	KindNotFound
	KindConflict
	KindDuplicate
	KindRateLimited
	KindQuotaExhausted
	KindNetwork
	KindTimeout
	KindAuth
	KindFatal
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDuplicate:
		return "duplicate"
	case KindRateLimited:
		return "rate_limit"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Error classes, one per taxonomy kind. Wrap the underlying cause with
// %w/errs.Wrap so Kind(err) below can still recover the bucket.
var (
	NotFound       = errs.Class("not found")
	Conflict       = errs.Class("conflict")
	Duplicate      = errs.Class("duplicate")
	RateLimited    = errs.Class("rate limited")
	QuotaExhausted = errs.Class("quota exhausted")
	Network        = errs.Class("network")
	Timeout        = errs.Class("timeout")
	Auth           = errs.Class("auth")
	Fatal          = errs.Class("fatal")
	Cancelled      = errs.Class("cancelled")
)

var classKinds = []struct {
	class *errs.Class
	kind  Kind
}{
	{&NotFound, KindNotFound},
	{&Conflict, KindConflict},
	{&Duplicate, KindDuplicate},
	{&RateLimited, KindRateLimited},
	{&QuotaExhausted, KindQuotaExhausted},
	{&Network, KindNetwork},
	{&Timeout, KindTimeout},
	{&Auth, KindAuth},
	{&Fatal, KindFatal},
	{&Cancelled, KindCancelled},
}

// Classify returns the taxonomy Kind for err, falling back to matching
// well-known substrings (the way raw provider errors surface from an
// uninstrumented client) when err was not produced through one of the
// Classes above. It never returns an error for a nil input; the zero Kind
// is returned instead.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	for _, ck := range classKinds {
		if ck.class.Has(err) {
			return ck.kind
		}
	}
	return classifyMessage(err.Error())
}

// retryableSubstrings lists the provider error phrases spec §9's open
// question calls out -- KV providers surface these as plain text, not typed
// errors, so the fail-over state machines must pattern-match them.
var retryableSubstrings = []struct {
	substr string
	kind   Kind
}{
	{"free usage limit", KindQuotaExhausted},
	{"quota", KindQuotaExhausted},
	{"rate limit", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"network", KindNetwork},
	{"timeout", KindTimeout},
	{"fetch failed", KindNetwork},
	{"connection refused", KindNetwork},
	{"connection reset", KindNetwork},
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s.substr) {
			return s.kind
		}
	}
	return KindOther
}

// Retryable reports whether Kind should drive a cache/queue/LB fail-over
// (spec §4.3, §4.5, §4.13): quota exhaustion, rate limiting, network, and
// timeout errors are retryable; everything else is not.
func (k Kind) Retryable() bool {
	switch k {
	case KindQuotaExhausted, KindRateLimited, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// recoverableSubstrings implements spec §4.14's isRecoverableError allowlist.
var recoverableSubstrings = []string{
	"TIMEOUT",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ECONNRESET",
	"EPIPE",
	"AUTH_KEY_DUPLICATED",
	"FLOOD",
	"Network error",
	"Connection lost",
	"Connection timeout",
	"Not connected",
}

// IsRecoverable implements the graceful-shutdown classifier from spec §4.14:
// an uncaught error is "recoverable" (and must not itself trigger shutdown)
// iff its message contains one of a fixed set of substrings.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range recoverableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
