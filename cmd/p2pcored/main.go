package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bsv-blockchain/p2p-core/metrics"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/bsv-blockchain/p2p-core/supervisor"
)

// version is set at build time via -ldflags; a zero value prints as "unknown"
// rather than an empty string.
var version = "unknown"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "p2pcored:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := useLoggers(cfg.LogLevel); err != nil {
		return err
	}

	netCfg, err := cfg.netConfig()
	if err != nil {
		return err
	}

	connCfg, err := cfg.connConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	repo, err := peerdb.Load(cfg.peerFilePath())
	if err != nil {
		return fmt.Errorf("loading peer store: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		NetCfg:           netCfg,
		ConnCfg:          connCfg,
		Mode:             supervisor.Normal,
		Repo:             repo,
		SnapshotPath:     cfg.peerFilePath(),
		SnapshotInterval: cfg.SnapshotInterval,
		SeedInterval:     cfg.SeedInterval,
	})

	if cfg.MetricsAddr != "" {
		collector := metrics.New(sup.Gate())
		sup.SetMetrics(collector)

		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		go func() {
			if err := collector.Serve(metricsCtx, cfg.MetricsAddr); err != nil {
				svsrLog.Errorf("metrics server exited: %v", err)
			}
		}()
	}

	svsrLog.Infof("p2pcored %s starting, network=%s", version, cfg.Network)
	sup.Start(nil)

	<-shutdownRequest

	svsrLog.Infof("stopping supervisor")
	sup.Stop()

	return nil
}
