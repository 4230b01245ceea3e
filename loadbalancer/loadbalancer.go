// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package loadbalancer implements the standalone ingress process from spec
// §4.13: signed-webhook verification, active-instance discovery, persisted
// round-robin selection, and the coordination-store fail-over mirroring the
// cache service's own (spec §4.3).
package loadbalancer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the load balancer's error class.
var Error = errs.Class("loadbalancer")

const roundRobinKey = "lb:round_robin_index"

// Config carries the named options from spec §4.13.
type Config struct {
	SigningKeyCurrent string
	SigningKeyNext    string
	MaxFailoverCount  int
}

// VerifySignature implements spec §4.13 step 1: HMAC-SHA256 over
// "<timestamp>.<body>" under the current key, accepting the next key during
// rotation, compared against the base64-decoded digest. This is distinct
// from the hex-encoded scheme queue/transport uses for outbound webhook
// delivery -- the load balancer's inbound check matches what spec §4.13
// documents byte for byte.
func VerifySignature(currentKey, nextKey, timestamp string, body []byte, signatureB64 string) bool {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}

	signed := append([]byte(timestamp+"."), body...)

	if hmac.Equal(signDigest(currentKey, signed), signature) {
		return true
	}
	if nextKey != "" && hmac.Equal(signDigest(nextKey, signed), signature) {
		return true
	}
	return false
}

func signDigest(key string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return mac.Sum(nil)
}

// failoverCounter mirrors cachekv's failoverState: it tracks consecutive
// retryable errors against the coordination store and flips to the
// secondary provider once the threshold is reached. Unlike the cache
// service it has no recovery probe -- spec §4.13 only calls for the
// threshold-triggered switch.
type failoverCounter struct {
	mu sync.Mutex

	primary, fallback, current cachekv.Provider
	maxFailures, failureCount  int
}

func newFailoverCounter(primary, fallback cachekv.Provider, maxFailures int) *failoverCounter {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &failoverCounter{primary: primary, fallback: fallback, current: primary, maxFailures: maxFailures}
}

func (f *failoverCounter) providerFor() cachekv.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *failoverCounter) recordFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fallback == nil || f.current == f.fallback {
		return
	}
	f.failureCount++
	if f.failureCount >= f.maxFailures {
		f.current = f.fallback
		f.failureCount = 0
	}
}

var retryableSubstrings = []string{"free usage limit", "quota", "rate limit", "network", "timeout", "fetch failed"}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Server is the load balancer process from spec §4.13. It deliberately does
// not hold a coordinator.Coordinator: the load balancer is not itself a
// registered instance, only a reader of the same instance registry, reached
// through its own fail-over wrapper around the two coordination-store
// providers.
type Server struct {
	cfg    Config
	fo     *failoverCounter
	client *http.Client
	log    *zap.Logger
}

// New returns a Server backed by primary and fallback coordination-store
// providers.
func New(cfg Config, primary, fallback cachekv.Provider, client *http.Client, log *zap.Logger) *Server {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		fo:     newFailoverCounter(primary, fallback, cfg.MaxFailoverCount),
		client: client,
		log:    log,
	}
}

// executeWithFailover runs op against the currently-active coordination
// store, switching providers on the configured threshold (spec §4.13 step
// 5). It retries op exactly once, against the newly-switched-to provider,
// when a switch happens on this call.
func (s *Server) executeWithFailover(ctx context.Context, op func(cachekv.Provider) error) error {
	provider := s.fo.providerFor()
	err := op(provider)
	if err == nil {
		return nil
	}
	if !isRetryable(err) {
		return err
	}

	before := s.fo.providerFor()
	s.fo.recordFailure()
	after := s.fo.providerFor()
	if after == before {
		return err
	}
	return op(after)
}

// discoverInstances mirrors coordinator.ActiveInstances (with the
// coordinator's default 15-minute instance timeout, sorted by ID) but routed
// through executeWithFailover, since the load balancer keeps its own
// fail-over state separate from any single instance's Coordinator.
func (s *Server) discoverInstances(ctx context.Context) (instances []relaytype.Instance, err error) {
	defer mon.Task()(&ctx)(&err)

	err = s.executeWithFailover(ctx, func(p cachekv.Provider) error {
		keys, err := p.ListKeys(ctx, "instance:")
		if err != nil {
			return err
		}
		now := time.Now()
		instances = instances[:0]
		for _, key := range keys {
			data, err := p.Get(ctx, key)
			if err != nil {
				continue
			}
			var inst relaytype.Instance
			if jsonErr := json.Unmarshal(data, &inst); jsonErr != nil {
				continue
			}
			if inst.IsAlive(now, 15*time.Minute) {
				instances = append(instances, inst)
			}
		}
		sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
		return nil
	})
	return instances, err
}

func (s *Server) nextRoundRobinIndex(ctx context.Context, count int) (index int, err error) {
	err = s.executeWithFailover(ctx, func(p cachekv.Provider) error {
		data, getErr := p.Get(ctx, roundRobinKey)
		current := 0
		if getErr == nil {
			current, _ = strconv.Atoi(string(data))
		} else if getErr != cachekv.ErrNotFound {
			return getErr
		}
		index = current % count
		next := strconv.Itoa((current + 1) % count)
		return p.Set(ctx, roundRobinKey, []byte(next), 0)
	})
	return index, err
}

// HandleInbound implements spec §4.13's full request path: verify
// signature, discover active instances, select a target by round robin, and
// forward, trying remaining instances in order on a 5xx.
func (s *Server) HandleInbound(ctx context.Context, signature, timestamp string, body []byte, originalPath, forwardedFor, originalHost string) (statusCode int, respBody []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if signature == "" || timestamp == "" {
		return http.StatusInternalServerError, nil, Error.New("missing signature headers")
	}
	if !VerifySignature(s.cfg.SigningKeyCurrent, s.cfg.SigningKeyNext, timestamp, body, signature) {
		return http.StatusInternalServerError, nil, Error.New("signature verification failed")
	}

	instances, err := s.discoverInstances(ctx)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if len(instances) == 0 {
		return http.StatusServiceUnavailable, nil, Error.New("no active instances")
	}

	index, err := s.nextRoundRobinIndex(ctx, len(instances))
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}

	var lastErr error
	for i := 0; i < len(instances); i++ {
		target := instances[(index+i)%len(instances)]
		status, respBody, forwardErr := s.forward(ctx, target, body, originalPath, forwardedFor, originalHost)
		if forwardErr == nil && status/100 != 5 {
			return status, respBody, nil
		}
		lastErr = forwardErr
		if forwardErr == nil {
			lastErr = Error.New("instance %s returned status %d", target.ID, status)
		}
		s.log.Warn("forward failed, trying next instance", zap.String("instance_id", target.ID), zap.Error(lastErr))
	}
	return http.StatusBadGateway, nil, Error.Wrap(lastErr)
}

func (s *Server) forward(ctx context.Context, target relaytype.Instance, body []byte, originalPath, forwardedFor, originalHost string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL+originalPath, bytes.NewReader(body))
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", originalHost)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, Error.Wrap(err)
	}
	return resp.StatusCode, respBody, nil
}

