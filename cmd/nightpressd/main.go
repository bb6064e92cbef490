// Package main runs the NightPress offline-first scheduling engine as a
// standalone daemon. One daemon runs per machine; multiple daemons on a
// network elect a single leader through the coordination hub and the
// leader alone replays the sync queue against the blog platform.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/coordinator"
	"github.com/nightpress/nightpress/internal/engine"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/store"
	"github.com/nightpress/nightpress/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "nightpress.yaml", "path to the configuration file")
	hostHub := flag.Bool("hub", false, "host the coordination hub on this instance")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nightpressd v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))

	if err := run(cfg, *hostHub); err != nil {
		logging.Error("Daemon exited with error", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, hostHub bool) error {
	if hostHub {
		hub := coordinator.NewHub()
		go func() {
			if err := hub.ListenAndServe(cfg.Coordinator.HubAddr); err != nil && err != http.ErrServerClosed {
				logging.Error("Coordination hub stopped", err, nil)
			}
		}()
		defer hub.Shutdown()
		logging.Info("Hosting coordination hub",
			map[string]interface{}{"addr": cfg.Coordinator.HubAddr})
	}

	transport, err := coordinator.DialHub(cfg.Coordinator.HubAddr)
	if err != nil {
		return fmt.Errorf("failed to reach coordination hub at %s: %w", cfg.Coordinator.HubAddr, err)
	}
	defer transport.Close()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	remote := sync.NewHTTPRemote(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Sync.RequestTimeout)

	eng, err := engine.New(*cfg, st, remote, transport)
	if err != nil {
		st.Close()
		return err
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		st.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})

	eng.Stop()
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logging.Info("Serving metrics", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("Metrics server stopped", err, nil)
	}
}
