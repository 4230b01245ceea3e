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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/cachekv/providers/upstashredis"
	"github.com/driftworks/relaymesh/config"
	"github.com/driftworks/relaymesh/loadbalancer"
	"github.com/driftworks/relaymesh/shutdown"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "relaylb",
		Short: "Run the relay mesh load balancer",
	}

	config.BindFlags(v, root.PersistentFlags())
	root.PersistentFlags().String("config", "", "path to a config file (json, yaml, toml)")
	root.PersistentFlags().String("fallback-redis-addr", "", "fallback redis address for the coordination store")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
		}
		_ = v.BindPFlag("fallback_redis_addr", cmd.Flags().Lookup("fallback-redis-addr"))
		return nil
	}

	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, v.GetString("fallback_redis_addr"))
	}

	return root
}

func runServe(ctx context.Context, cfg config.Config, fallbackRedisAddr string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	sc := shutdown.New(log)
	sc.SetTimeout(cfg.ShutdownTimeout)

	primary := newRedisProvider(cfg.RedisAddr)
	var fallback cachekv.Provider
	if fallbackRedisAddr != "" {
		fallback = newRedisProvider(fallbackRedisAddr)
	}

	srv := loadbalancer.New(loadbalancer.Config{
		SigningKeyCurrent: cfg.SigningKeys.Current,
		SigningKeyNext:    cfg.SigningKeys.Next,
	}, primary, fallback, &http.Client{Timeout: 30 * time.Second}, log)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router()}
	sc.Register("http_server", 10, func(ctx context.Context) error { return httpSrv.Shutdown(ctx) })
	if primary != nil {
		sc.Register("coordination_store", 90, func(context.Context) error { return primary.Disconnect() })
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()

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

func newRedisProvider(addr string) cachekv.Provider {
	if addr == "" {
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	return upstashredis.New(rdb)
}
