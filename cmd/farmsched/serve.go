package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/config"
	"github.com/orbitalrender/farmsched/pkg/farm"
	"github.com/orbitalrender/farmsched/pkg/log"
	"github.com/orbitalrender/farmsched/pkg/metrics"
	"github.com/orbitalrender/farmsched/pkg/persistence"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler core as a long-lived process, ticking on a timer",
	Long: `serve starts an empty Farm and runs its scheduling loop on the
configured tick cadence, exposing Prometheus metrics and a liveness
endpoint. A real deployment would front this with the host's own event
ingestion (gRPC, HTTP, message queue); this command is the bare core
loop for local testing and as an embedding example.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a config YAML file (defaults applied if omitted)")
	serveCmd.Flags().String("data-dir", "", "Directory for the optional BoltDB persistence snapshot (empty disables persistence)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics and /healthz on")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := log.WithComponent("cmd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var persist persistence.Sink = persistence.NullSink{}
	if dataDir != "" {
		boltSink, err := persistence.NewBoltSink(dataDir)
		if err != nil {
			return fmt.Errorf("open persistence: %w", err)
		}
		defer boltSink.Close()
		persist = boltSink
	}

	f, err := farm.New(cfg, audit.NewMetricsSink(), persist, 1024)
	if err != nil {
		return fmt.Errorf("construct farm: %w", err)
	}
	if err := f.Restore(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.LivenessHandler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Tick())
	defer ticker.Stop()

	logger.Info().Dur("tick", cfg.Tick()).Msg("scheduling loop started")

	for {
		select {
		case now := <-ticker.C:
			plan := f.Tick(now)
			if len(plan.Actions) > 0 {
				logger.Debug().Int("actions", len(plan.Actions)).Msg("scheduling cycle")
			}
			if dataDir != "" {
				f.Save(now)
			}
		case <-sigCh:
			logger.Info().Msg("shutting down")
			if dataDir != "" {
				f.Save(time.Now())
			}
			return nil
		}
	}
}
