// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

// Command railctl runs the conflict-detection-and-decision engine: it
// loads configuration, wires an engine.Engine, serves its HTTP/JSON and
// WebSocket surface, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/api"
	"github.com/ts2/railctl/config"
	"github.com/ts2/railctl/engine"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional; defaults apply if omitted)")
	flag.Parse()

	root := log.New()
	root.SetHandler(log.StreamHandler(os.Stdout, log.LogfmtFormat()))

	holder, err := config.NewHolder(*configPath)
	if err != nil {
		root.Crit("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := holder.Current()

	stop := make(chan struct{})
	if err := holder.Watch(stop); err != nil {
		root.Warn("config hot-reload disabled", "err", err)
	}
	defer close(stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, root)
	if err != nil {
		root.Crit("failed to construct engine", "err", err)
		os.Exit(1)
	}
	eng.Start(ctx)
	defer eng.Stop()

	api.InitializeLogger(root)
	router := api.NewRouter(eng)
	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		root.Info("http server listening", "addr", cfg.HTTP.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			root.Crit("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	root.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		root.Warn("http server shutdown error", "err", err)
	}
}
