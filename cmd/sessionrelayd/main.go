// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencollab/sessionrelay/internal/bridge"
	"github.com/opencollab/sessionrelay/internal/capability"
	"github.com/opencollab/sessionrelay/internal/config"
	"github.com/opencollab/sessionrelay/internal/runner"
	"github.com/opencollab/sessionrelay/internal/runnermanager"
	"github.com/opencollab/sessionrelay/internal/session"
)

var version = "0.1"

func main() {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Client socket host (overrides config)")
	flag.IntVar(&port, "port", 0, "Client socket port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("sessionrelayd %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if configPath == "" {
		found, err := loader.FindConfig()
		if err != nil {
			log.Printf("no config file found, using defaults: %v", err)
		} else {
			configPath = found
		}
	}

	var cfg *config.Config
	if configPath != "" {
		log.Printf("using config: %s", configPath)
		loaded, err := loader.LoadWithDefaults(context.Background(), configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if result := config.NewValidator().Validate(cfg); !result.IsEmpty() {
		log.Fatalf("invalid config: %v", result)
	}

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ctx := context.Background()
	if err := d.run(ctx); err != nil {
		log.Fatalf("daemon error: %v", err)
	}
}

// daemon owns every long-lived component sessionrelayd wires together: the
// session store, the runner manager, the capability callback server, and
// the bridge that exposes it all to clients over /ws.
type daemon struct {
	cfg       *config.Config
	store     *session.Store
	runners   *runnermanager.Manager
	capServer *capability.Server
	br        *bridge.Bridge
	httpSrv   *http.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	store, err := session.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	runners := runnermanager.New()

	capAddr := fmt.Sprintf("%s:%d", cfg.Capability.Host, cfg.Capability.Port)
	capServer := capability.New(capAddr, time.Duration(cfg.Capability.TimeoutSeconds)*time.Second)

	br := bridge.New(store, runners, capServer, capabilityOptionsFactory(cfg, capServer), cfg.Runner.TmpDir)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: br.Router()}

	return &daemon{cfg: cfg, store: store, runners: runners, capServer: capServer, br: br, httpSrv: httpSrv}, nil
}

// capabilityOptionsFactory builds the bridge.RunnerOptionsFactory: every
// session gets a capability-config file materialized at start, pointing
// the child at this daemon's capability server so tool-use permission
// requests dial back here. Failing to write the file is not fatal — the
// session still starts, just without permission mediation, and the
// failure is logged so an operator notices a misconfigured tmp dir.
func capabilityOptionsFactory(cfg *config.Config, capServer *capability.Server) bridge.RunnerOptionsFactory {
	return func(sessionID, permissionMode string) runner.Options {
		opts := runner.Options{
			Mode:            runner.Mode(cfg.Runner.DefaultMode),
			ChildBinary:     cfg.Runner.ChildBinary,
			PermissionMode:  permissionMode,
			AllowedTools:    cfg.Runner.AllowedTools,
			DisallowedTools: cfg.Runner.DisallowedTools,
			ContainerImage:  cfg.Runner.ContainerImage,
		}

		callbackURL := fmt.Sprintf("ws://%s/capability/%s", capServer.Addr, sessionID)
		path, err := capability.WriteConfig(cfg.Runner.TmpDir, sessionID, callbackURL)
		if err != nil {
			log.Printf("capability: write config for %s: %v", sessionID, err)
			return opts
		}
		opts.CapabilityConfigPath = path
		opts.CapabilityToolName = capability.ToolName
		return opts
	}
}

func (d *daemon) run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		log.Printf("capability server listening on %s", d.capServer.Addr)
		errCh <- d.capServer.Start(ctx)
	}()

	go func() {
		log.Printf("client bridge listening on %s", d.httpSrv.Addr)
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if d.cfg.Telemetry.Enabled {
		interval := time.Duration(d.cfg.Telemetry.BroadcastIntervalMS) * time.Millisecond
		go d.br.BroadcastGlobalUsage(ctx, interval, d.usageRollup)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("component error: %v", err)
		}
	}

	return d.shutdown()
}

// usageRollup sums token usage across every known session. The store keeps
// no per-day bucketing, so daily and lifetime totals are reported equal;
// cost is left at zero since no pricing table is in scope.
func (d *daemon) usageRollup() (dailyTokens, totalTokens int, dailyCostUSD, totalCostUSD float64) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		return 0, 0, 0, 0
	}
	for _, sess := range sessions {
		totalTokens += sess.Usage.InputTokens + sess.Usage.OutputTokens +
			sess.Usage.CacheCreationInputTokens + sess.Usage.CacheReadInputTokens
	}
	return totalTokens, totalTokens, 0, 0
}

func (d *daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("bridge shutdown: %v", err)
	}

	d.runners.StopAll()

	if err := d.store.Close(); err != nil {
		log.Printf("store close: %v", err)
	}

	log.Println("shutdown complete")
	return nil
}
