// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package config defines the process configuration struct enumerated in
// spec §6 and loads it through viper, bound to cobra persistent flags so
// every option is overridable from the environment, a config file, or the
// command line.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CircuitBreakerConfig groups the circuit_breaker.* options from spec §6.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout_ms"`
}

// CacheConfig groups the cache.* options from spec §6.
type CacheConfig struct {
	L1TTLCap                time.Duration `mapstructure:"l1_ttl_cap"`
	FailureThresholdFailover int          `mapstructure:"failure_threshold_for_failover"`
}

// StreamConfig groups the stream.* options from spec §6.
type StreamConfig struct {
	ChunkRetryMax int           `mapstructure:"chunk_retry_max"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// SigningKeys is the {current, next} key pair from spec §6, shared by the
// webhook transport and the load balancer's inbound verification.
type SigningKeys struct {
	Current string `mapstructure:"current"`
	Next    string `mapstructure:"next"`
}

// Config is every named option enumerated in spec §6.
type Config struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	InstanceTimeout      time.Duration `mapstructure:"instance_timeout"`
	LockDefaultTTL       time.Duration `mapstructure:"lock_default_ttl"`
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	MaxBatchSize         int           `mapstructure:"max_batch_size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	BufferTimeout        time.Duration `mapstructure:"buffer_timeout"`
	BufferThreshold      int           `mapstructure:"buffer_threshold"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	SyncInterval         time.Duration `mapstructure:"sync_interval"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Stream         StreamConfig         `mapstructure:"stream"`
	SigningKeys    SigningKeys          `mapstructure:"signing_keys"`

	ManifestPath    string `mapstructure:"manifest_path"`
	RedisAddr       string `mapstructure:"redis_addr"`
	NatsURL         string `mapstructure:"nats_url"`
	WebhookEndpoint string `mapstructure:"webhook_endpoint"`
	ListenAddr      string `mapstructure:"listen_addr"`
	LoadBalancerURL string `mapstructure:"load_balancer_url"`
}

// Default returns the hard-coded defaults named throughout spec §4 (lock
// TTLs, batch sizes, the circuit breaker thresholds, ...).
func Default() Config {
	return Config{
		HeartbeatInterval:    5 * time.Minute,
		InstanceTimeout:      15 * time.Minute,
		LockDefaultTTL:       30 * time.Second,
		DedupWindow:          10 * time.Minute,
		MaxBatchSize:         100,
		MaxConcurrentBatches: 5,
		BufferTimeout:        time.Second,
		BufferThreshold:      3,
		ShutdownTimeout:      30 * time.Second,
		SyncInterval:         5 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
		},
		Cache: CacheConfig{
			L1TTLCap:                 5 * time.Minute,
			FailureThresholdFailover: 3,
		},
		Stream: StreamConfig{
			ChunkRetryMax: 3,
			StaleTimeout:  5 * time.Minute,
		},
		ManifestPath: "manifest.json",
		ListenAddr:   ":8080",
	}
}

// BindFlags registers every spec §6 option as a persistent flag on flags
// and binds it into v, so viper resolves precedence as flag > env > config
// file > default.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	def := Default()

	flags.Duration("heartbeat-interval", def.HeartbeatInterval, "instance heartbeat refresh interval")
	flags.Duration("instance-timeout", def.InstanceTimeout, "active instance-set cutoff")
	flags.Duration("lock-default-ttl", def.LockDefaultTTL, "default distributed lock TTL")
	flags.Duration("dedup-window", def.DedupWindow, "task deduplication window")
	flags.Int("max-batch-size", def.MaxBatchSize, "maximum items per batch")
	flags.Int("max-concurrent-batches", def.MaxConcurrentBatches, "maximum batches processed concurrently")
	flags.Duration("buffer-timeout", def.BufferTimeout, "media group buffer flush timeout")
	flags.Int("buffer-threshold", def.BufferThreshold, "media group buffer flush item threshold")
	flags.Duration("shutdown-timeout", def.ShutdownTimeout, "graceful shutdown cleanup deadline")
	flags.Duration("sync-interval", def.SyncInterval, "state synchronizer poll interval")

	flags.Int("circuit-breaker-failure-threshold", def.CircuitBreaker.FailureThreshold, "consecutive failures before opening the circuit")
	flags.Int("circuit-breaker-success-threshold", def.CircuitBreaker.SuccessThreshold, "consecutive half-open successes before closing the circuit")
	flags.Duration("circuit-breaker-open-timeout", def.CircuitBreaker.OpenTimeout, "time before an open circuit tries half-open")

	flags.Duration("cache-l1-ttl-cap", def.Cache.L1TTLCap, "maximum TTL applied to the in-process L1 cache")
	flags.Int("cache-failure-threshold-for-failover", def.Cache.FailureThresholdFailover, "consecutive L2 failures before switching provider")

	flags.Int("stream-chunk-retry-max", def.Stream.ChunkRetryMax, "maximum forward retries per stream chunk")
	flags.Duration("stream-stale-timeout", def.Stream.StaleTimeout, "idle timeout before a stream session is killed")

	flags.String("signing-key-current", "", "current webhook/load-balancer HMAC signing key")
	flags.String("signing-key-next", "", "next webhook/load-balancer HMAC signing key, accepted during rotation")

	flags.String("manifest-path", def.ManifestPath, "path to the service manifest JSON")
	flags.String("redis-addr", "", "redis address backing the L2 cache provider")
	flags.String("nats-url", "", "NATS URL backing the queue service")
	flags.String("webhook-endpoint", "", "outbound webhook URL, used when nats-url is unset")
	flags.String("listen-addr", def.ListenAddr, "HTTP listen address")
	flags.String("load-balancer-url", "", "this instance's registered load balancer URL")

	// viper does not fold hyphens into the mapstructure tags' underscores,
	// so every flag is bound explicitly to the key Unmarshal expects
	// rather than relying on a single blanket BindPFlags.
	bindings := map[string]string{
		"heartbeat_interval":                   "heartbeat-interval",
		"instance_timeout":                     "instance-timeout",
		"lock_default_ttl":                     "lock-default-ttl",
		"dedup_window":                         "dedup-window",
		"max_batch_size":                       "max-batch-size",
		"max_concurrent_batches":                "max-concurrent-batches",
		"buffer_timeout":                       "buffer-timeout",
		"buffer_threshold":                     "buffer-threshold",
		"shutdown_timeout":                     "shutdown-timeout",
		"sync_interval":                        "sync-interval",
		"circuit_breaker.failure_threshold":    "circuit-breaker-failure-threshold",
		"circuit_breaker.success_threshold":    "circuit-breaker-success-threshold",
		"circuit_breaker.open_timeout_ms":      "circuit-breaker-open-timeout",
		"cache.l1_ttl_cap":                     "cache-l1-ttl-cap",
		"cache.failure_threshold_for_failover": "cache-failure-threshold-for-failover",
		"stream.chunk_retry_max":               "stream-chunk-retry-max",
		"stream.stale_timeout":                 "stream-stale-timeout",
		"signing_keys.current":                 "signing-key-current",
		"signing_keys.next":                    "signing-key-next",
		"manifest_path":                        "manifest-path",
		"redis_addr":                           "redis-addr",
		"nats_url":                             "nats-url",
		"webhook_endpoint":                     "webhook-endpoint",
		"listen_addr":                          "listen-addr",
		"load_balancer_url":                    "load-balancer-url",
	}
	for key, flagName := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(flagName))
	}
}

// Load reads environment variables and an optional config file into a
// Config, falling back to BindFlags' defaults for anything unset.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("RELAYMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
