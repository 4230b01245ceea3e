// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/internal/sync2"
	"github.com/driftworks/relaymesh/relayerr"
)

var mon = monkit.Package()

// ServiceConfig carries every named option from spec §6 relevant to the
// Cache Service.
type ServiceConfig struct {
	// MaxFailures is cache.failure_threshold_for_failover (default 3).
	MaxFailures int
	// L1Cap is cache.l1_ttl_cap: the ceiling applied to any TTL copied into
	// L1 from an L2 hit (default 60s).
	L1Cap time.Duration
	// DefaultTTL is used when callers pass a zero ttl to Set.
	DefaultTTL time.Duration
	// RecoveryProbeInterval governs how often the primary health probe
	// runs. Zero disables the probe (useful in tests).
	RecoveryProbeInterval time.Duration
	// HealthKey is the key read by the recovery probe.
	HealthKey string
	// TTLJitterFraction is the maximum fraction of the TTL added as random
	// jitter on L2 writes (e.g. 0.1 lengthens the TTL by 0-10%).
	TTLJitterFraction float64
}

// DefaultServiceConfig returns spec §6's documented defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxFailures:           3,
		L1Cap:                 defaultL1Cap,
		DefaultTTL:            time.Hour,
		RecoveryProbeInterval: 5 * time.Minute,
		HealthKey:             "__health__",
		TTLJitterFraction:     0.1,
	}
}

// Service is the Cache Service from spec §4.3: write-through composition of
// L1 and a fail-over pair of L2 providers.
type Service struct {
	l1    *L1
	fo    *failoverState
	cfg   ServiceConfig
	log   *zap.Logger
	probe *sync2.Cycle
	rng   *rand.Rand
}

// NewService constructs a Cache Service. fallback may be nil, in which case
// fail-over never occurs.
func NewService(primary, fallback Provider, cfg ServiceConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		l1:  NewL1(),
		fo:  newFailoverState(primary, fallback, cfg.MaxFailures),
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Initialize starts the periodic recovery probe, if configured.
func (s *Service) Initialize(ctx context.Context) error {
	if s.cfg.RecoveryProbeInterval <= 0 {
		return nil
	}
	s.probe = sync2.NewCycle(s.cfg.RecoveryProbeInterval)
	go func() {
		_ = s.probe.Run(ctx, func(ctx context.Context) error {
			s.runRecoveryProbe(ctx)
			return nil
		})
	}()
	return nil
}

// Destroy stops the recovery probe and disconnects both providers.
func (s *Service) Destroy(ctx context.Context) error {
	if s.probe != nil {
		s.probe.Close()
	}
	var firstErr error
	if err := s.fo.primary.Disconnect(); err != nil {
		firstErr = err
	}
	if s.fo.fallback != nil {
		if err := s.fo.fallback.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetCurrentProvider returns the name of the provider currently servicing
// requests.
func (s *Service) GetCurrentProvider() string {
	return s.fo.Current().Name()
}

// IsFailoverMode reports whether the active provider differs from the
// configured preferred provider (spec §9, informational only).
func (s *Service) IsFailoverMode() bool {
	return s.fo.IsFailoverMode()
}

// SetPreferredProvider pins which provider counts as "not fail-over".
func (s *Service) SetPreferredProvider(p Provider) {
	s.fo.SetPreferred(p)
}

// TriggerRecoveryProbe runs the health probe once, synchronously -- used by
// tests instead of waiting on the timer.
func (s *Service) TriggerRecoveryProbe(ctx context.Context) {
	s.runRecoveryProbe(ctx)
}

func (s *Service) runRecoveryProbe(ctx context.Context) {
	if s.fo.onPrimary() {
		return
	}
	_, err := s.fo.Primary().Get(ctx, s.cfg.HealthKey)
	if err != nil && err != ErrNotFound {
		return
	}
	s.log.Info("cache recovery probe succeeded, switching back to primary",
		zap.String("provider", s.fo.Primary().Name()))
	s.fo.RecoverToPrimary()
}

// Get implements spec §4.3's read path.
func (s *Service) Get(ctx context.Context, key string, opts Options) (value []byte, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !opts.SkipL1 {
		if v, ok := s.l1.Get(key); ok {
			return v.([]byte), true, nil
		}
	}

	result := s.l2Get(ctx, key)
	if result.Err != nil {
		return nil, false, result.Err
	}
	if !result.Hit {
		return nil, false, nil
	}

	if !opts.SkipL1 {
		ttl := opts.CacheTTL
		if ttl <= 0 || ttl > s.cfg.L1Cap {
			ttl = s.cfg.L1Cap
		}
		s.l1.Set(key, result.Value, ttl)
	}
	return result.Value, true, nil
}

// l2Get reads through the fail-over state machine. A retryable failure
// advances the failure counter and, once the threshold is reached, switches
// the active provider for every call that follows -- the failing call
// itself still reports its own error, matching the observed run of N
// consecutive failures before the (N+1)th call lands on the fallback.
func (s *Service) l2Get(ctx context.Context, key string) ReadResult {
	provider := s.fo.Current()
	result := l2Read(ctx, provider, key)
	if result.Err == nil {
		s.fo.RecordSuccess()
		return result
	}

	kind := relayerr.Classify(result.Err)
	if !kind.Retryable() {
		return result
	}

	if _, switched := s.fo.RecordFailure(time.Now()); switched {
		s.log.Warn("cache provider failing over", zap.String("from", provider.Name()))
	}
	return result
}

// Set implements spec §4.3's write path: write-suppression, write-through,
// and best-effort L1 defensive write on L2 failure.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts Options) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	if !opts.SkipCache && s.l1.IsUnchanged(key, value) {
		return nil
	}

	l2err := s.l2Set(ctx, key, value, ttl, opts)

	if !opts.SkipL1 {
		l1ttl := ttl
		if l1ttl > s.cfg.L1Cap {
			l1ttl = s.cfg.L1Cap
		}
		s.l1.Set(key, value, l1ttl)
	}

	return l2err
}

func (s *Service) l2Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts Options) error {
	jittered := ttl
	if !opts.SkipTTLRandomization && s.cfg.TTLJitterFraction > 0 {
		jitter := time.Duration(s.rng.Float64() * s.cfg.TTLJitterFraction * float64(ttl))
		jittered = ttl + jitter
	}
	ttlSeconds := int64(jittered / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	provider := s.fo.Current()
	err := provider.Set(ctx, key, value, ttlSeconds)
	if err == nil {
		s.fo.RecordSuccess()
		return nil
	}

	kind := relayerr.Classify(err)
	if !kind.Retryable() {
		return err
	}

	if _, switched := s.fo.RecordFailure(time.Now()); switched {
		s.log.Warn("cache provider failing over on write", zap.String("from", provider.Name()))
	}
	return err
}

// Delete implements spec §4.3's delete (L2 then L1, best-effort on L2
// failure classification identical to the read/write paths).
func (s *Service) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	provider := s.fo.Current()
	derr := provider.Delete(ctx, key)
	if derr != nil {
		if kind := relayerr.Classify(derr); kind.Retryable() {
			s.fo.RecordFailure(time.Now())
		}
	} else {
		s.fo.RecordSuccess()
	}

	s.l1.Delete(key)
	return derr
}

// ListKeys delegates to the active provider; this operation is not
// write-through so it is not retried through fail-over beyond the provider's
// own transient errors.
func (s *Service) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.fo.Current().ListKeys(ctx, prefix)
}
