// Package main
// BSD 3-Clause License
//
// Copyright (c) 2026, MouseDB Authors
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Command mousedb-server runs one MouseDB node: an embedded Database plus
// the TCP frontend in internal/server, optionally gossiping with an
// existing cluster member via --join. Grounded on the original mousedb
// server_main.cpp's boost::program_options CLI (--port/--host/--join)
// and guycipher-k4's own server_example/main.go for the
// signal.NotifyContext-driven graceful shutdown shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dseum/mousedb/internal/database"
	"github.com/dseum/mousedb/internal/frame"
	"github.com/dseum/mousedb/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host              = flag.String("host", "0.0.0.0", "bind address this node advertises to peers")
		port              = flag.Int("port", 7070, "listen port")
		join              = flag.String("join", "", "existing cluster member to gossip with, host:port")
		dir               = flag.String("dir", "./data", "MouseDB data directory")
		flushThreshold    = flag.Int64("flush-threshold", 4<<20, "active MemTable bytes before it is sealed and flushed")
		compactionWorkers = flag.Int("compaction-workers", 4, "compactor worker pool size")
		compress          = flag.Bool("compress-values", false, "compress SSTable values above the minimum size")
		metricsAddr       = flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9090; empty disables it")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mousedb-server: building logger:", err)
		return 1
	}
	defer logger.Sync()

	joinAddr, err := parseJoin(*join)
	if err != nil {
		logger.Error("invalid --join", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()

	db, err := database.Open(*dir,
		database.WithLogger(logger),
		database.WithMetrics(reg),
		database.WithFlushThreshold(*flushThreshold),
		database.WithCompactionWorkers(*compactionWorkers),
		database.WithValueCompression(*compress),
	)
	if err != nil {
		logger.Error("opening database", zap.Error(err))
		return 1
	}

	srv, err := server.New(server.Config{
		Self:   frame.Address{Host: *host, Port: uint16(*port)},
		Join:   joinAddr,
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Error("starting server", zap.Error(err))
		db.Close()
		return 1
	}

	var httpSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node starting",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("dir", *dir),
		zap.Uint32("node_id", db.NodeID()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped with error", zap.Error(err))
			db.Close()
			return 1
		}
	}

	srv.Close()
	if httpSrv != nil {
		httpSrv.Close()
	}
	if err := db.Close(); err != nil {
		logger.Error("closing database", zap.Error(err))
		return 1
	}
	logger.Info("stopped cleanly")
	return 0
}

// parseJoin splits a "host:port" --join value into a frame.Address, or
// returns nil if join is empty.
func parseJoin(join string) (*frame.Address, error) {
	if join == "" {
		return nil, nil
	}
	idx := strings.LastIndex(join, ":")
	if idx < 0 {
		return nil, fmt.Errorf("--join must be host:port, got %q", join)
	}
	host, portStr := join[:idx], join[idx+1:]
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("--join port: %w", err)
	}
	return &frame.Address{Host: host, Port: uint16(port)}, nil
}
