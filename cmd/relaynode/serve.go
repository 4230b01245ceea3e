// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/driftworks/relaymesh/batch"
	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/cachekv/providers/upstashredis"
	"github.com/driftworks/relaymesh/circuitbreaker"
	"github.com/driftworks/relaymesh/config"
	"github.com/driftworks/relaymesh/consistentcache"
	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/dedup"
	"github.com/driftworks/relaymesh/manifest"
	"github.com/driftworks/relaymesh/mediagroup"
	"github.com/driftworks/relaymesh/queue"
	"github.com/driftworks/relaymesh/queue/transport"
	"github.com/driftworks/relaymesh/shutdown"
	"github.com/driftworks/relaymesh/statesync"
	"github.com/driftworks/relaymesh/stream"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start a relay mesh instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	sc := shutdown.New(log)
	sc.SetTimeout(cfg.ShutdownTimeout)

	var primary cachekv.Provider
	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		primary = upstashredis.New(rdb)
		sc.Register("cache", 90, func(context.Context) error { return primary.Disconnect() })
	}

	cacheSvc := cachekv.NewService(primary, nil, cachekv.ServiceConfig{
		MaxFailures:           cfg.Cache.FailureThresholdFailover,
		L1Cap:                 cfg.Cache.L1TTLCap,
		DefaultTTL:            cfg.Cache.L1TTLCap,
		RecoveryProbeInterval: cfg.SyncInterval,
	}, log)
	if err := cacheSvc.Initialize(ctx); err != nil {
		return err
	}
	sc.Register("cache_service", 80, func(ctx context.Context) error { return cacheSvc.Destroy(ctx) })

	coord := coordinator.New(primary, coordinator.Config{
		InstanceTimeout:   cfg.InstanceTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DefaultLockTTL:    cfg.LockDefaultTTL,
		URL:               cfg.ListenAddr,
	}, log)
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go func() {
		if err := coord.Start(heartbeatCtx); err != nil {
			log.Error("instance coordinator stopped", zap.Error(err))
		}
	}()
	sc.Register("instance_coordinator", 70, func(context.Context) error {
		stopHeartbeat()
		coord.Stop()
		return nil
	})

	var trans transport.Transport
	if cfg.NatsURL != "" {
		conn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return err
		}
		trans = transport.NewNATSTransport(conn, "relaymesh")
	} else {
		trans = transport.NewWebhook(cfg.WebhookEndpoint, cfg.SigningKeys.Current, &http.Client{Timeout: 10 * time.Second})
	}
	queueSvc := queue.New(trans, circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.OpenTimeout,
	}, coord.InstanceID(), log)
	sc.Register("queue", 60, func(context.Context) error { return queueSvc.Close() })

	ccache := consistentcache.New(primary, coord, broadcastAdapter{queue: queueSvc}, coord.InstanceID(), log)
	sync := statesync.New(primary, statePublishAdapter{queue: queueSvc}, log)
	dedupSvc := dedup.New(primary, dedup.Config{
		ProcessingStaleAfter: cfg.DedupWindow,
		LockTTL:              cfg.LockDefaultTTL,
		RecordTTL:            24 * time.Hour,
		PollInterval:         200 * time.Millisecond,
	})
	batchSvc := batch.New(primary, coord, batchPublishAdapter{queue: queueSvc}, batch.Config{
		MaxBatchSize:         cfg.MaxBatchSize,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
	}, log)
	mediaGroups := mediagroup.New(mediagroup.Config{
		Threshold:     cfg.BufferThreshold,
		BufferTimeout: cfg.BufferTimeout,
	}, nil, log)
	sc.Register("media_group_buffer", 65, func(context.Context) error { mediaGroups.Cleanup(); return nil })

	progressStore := stream.NewProgressStore(primary)
	streamWorker := stream.NewWorker(stream.Config{
		ChunkRetryCap: cfg.Stream.ChunkRetryMax,
		StaleTimeout:  cfg.Stream.StaleTimeout,
	}, cfg.SigningKeys.Current, nil, progressStore, nil, nil, log)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go streamWorker.StartJanitor(janitorCtx) //nolint:errcheck
	sc.Register("stream_worker", 55, func(context.Context) error { stopJanitor(); streamWorker.StopJanitor(); return nil })

	var reconfig *manifest.Reconfigurator
	if m, err := manifest.Load(cfg.ManifestPath); err == nil {
		reconfig = manifest.NewReconfigurator(m, log)
	} else {
		log.Warn("service manifest unavailable, reconfiguration disabled", zap.Error(err))
	}

	if reconfig != nil {
		log.Info("service manifest loaded, reconfiguration available")
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if leader, err := coord.IsLeader(r.Context()); err == nil && leader {
			w.Header().Set("X-Leader", "true")
		}
		w.WriteHeader(http.StatusOK)
	})
	relayServices{consistentCache: ccache, stateSync: sync, dedup: dedupSvc, batch: batchSvc}.registerRoutes(router)
	router.PathPrefix("/api/v2/stream/").Handler(streamWorker.Router())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	sc.Register("http_server", 10, func(ctx context.Context) error { return srv.Shutdown(ctx) })

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sc.Shutdown(context.Background(), sig.String(), nil, 0)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			sc.Shutdown(context.Background(), "fatal_error", err, 1)
		}
	}

	<-sc.Done()
	sc.ForceExit(sc.ExitCode())
	return nil
}
