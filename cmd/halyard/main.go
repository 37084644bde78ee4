// Copyright 2025 The Halyard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command halyard runs an authenticating reverse proxy described by a YAML
// configuration file:
//
//	halyard [-v] start config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/halyard-dev/halyard/basicauth"
	"github.com/halyard-dev/halyard/config"
	"github.com/halyard-dev/halyard/connpool"
	"github.com/halyard-dev/halyard/credentials"
	"github.com/halyard-dev/halyard/proxy"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...] start <config.yaml>\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
	slog.SetDefault(logger)

	if flag.Arg(0) != "start" || flag.Arg(1) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flag.Arg(1))
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	server, pools, err := buildServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble routes", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, pool := range pools {
			pool.Close()
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down", "grace", cfg.ShutdownGrace.Std())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std())
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
}

// buildServer loads each route's credentials and assembles the pools,
// gates, and server. Nothing listens yet; that is Start's job.
func buildServer(cfg *config.Config, logger *slog.Logger) (*proxy.Server, []*connpool.Pool, error) {
	store := credentials.NewStore()
	gate := basicauth.NewGate(store)

	var pools []*connpool.Pool
	var routes []*proxy.Route
	for i, rc := range cfg.Routes {
		if err := store.LoadFile(rc.Realm, rc.UsersFile); err != nil {
			return nil, pools, fmt.Errorf("route %d (port %d): %w", i+1, rc.Listen, err)
		}
		pool := connpool.New(rc.Upstream, connpool.Config{
			Capacity:    rc.PoolSize,
			IdleTimeout: rc.IdleTimeout.Std(),
			DialTimeout: rc.DialTimeout.Std(),
		})
		pools = append(pools, pool)
		routes = append(routes, &proxy.Route{
			ListenPort:     rc.Listen,
			Host:           rc.Host,
			Realm:          rc.Realm,
			Gate:           gate,
			Pool:           pool,
			RequestTimeout: rc.RequestTimeout.Std(),
			Logger:         logger,
		})
	}

	server, err := proxy.NewServer(routes, proxy.Options{
		MaxClients: cfg.MaxClients,
		Logger:     logger,
	})
	if err != nil {
		return nil, pools, err
	}
	return server, pools, nil
}
