package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/MWhitburn/fleetscan/internal/engine"
	"github.com/MWhitburn/fleetscan/internal/event"
	"github.com/MWhitburn/fleetscan/internal/miner"
	"github.com/MWhitburn/fleetscan/internal/scan"
	"github.com/MWhitburn/fleetscan/internal/server"
	"github.com/MWhitburn/fleetscan/internal/services"
	"github.com/MWhitburn/fleetscan/internal/store"
	"github.com/MWhitburn/fleetscan/internal/version"

	appconfig "github.com/MWhitburn/fleetscan/internal/config"
)

func main() {
	settingsPath := flag.String("config", "", "path to settings file")
	oneshot := flag.Bool("oneshot", false, "scan all enabled groups once, print a summary, and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	writeSettings := flag.Bool("write-config", false, "dump the effective settings as YAML and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	logger := newLogger(*debug)
	defer logger.Sync()

	settings, err := server.LoadSettings(*settingsPath)
	if err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}

	if *writeSettings {
		out, err := yaml.Marshal(settings)
		if err != nil {
			logger.Fatal("failed to encode settings", zap.Error(err))
		}
		os.Stdout.Write(out)
		return
	}

	logger.Info("FleetScan starting", zap.String("version", version.Short()))

	bus := event.NewBus(logger)

	// Prober stack: CGMiner API client, optionally behind an ICMP pre-check.
	client := miner.NewClient(logger)
	var prober miner.Prober = miner.NewCGMinerProber(client)
	if settings.Scan.PingFirst {
		prober = miner.NewLivenessProber(prober, logger, settings.Scan.PingTimeout)
	}

	pool := scan.NewPool(prober, logger,
		scan.WithConcurrency(settings.Scan.Concurrency),
		scan.WithProbeTimeout(settings.Scan.Timeout),
		scan.WithBuffer(settings.Scan.Buffer),
		scan.WithRateLimit(settings.Scan.RateLimit),
	)

	cfgStore := appconfig.NewStore(settings.Store.ConfigPath, logger)

	// Scan history database.
	db, err := store.New(settings.Store.HistoryPath)
	if err != nil {
		logger.Fatal("failed to open history database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), "history", services.HistoryMigrations()); err != nil {
		logger.Fatal("failed to migrate history database", zap.Error(err))
	}
	history := services.NewSQLiteHistoryRepository(db.DB())

	eng, err := engine.New(pool, cfgStore, bus, logger,
		engine.WithStalePolicy(settings.StalePolicy()),
		engine.WithHistory(history),
	)
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}

	if *oneshot {
		os.Exit(runOnce(eng, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if settings.Discovery.MDNS.Enabled {
		listener := miner.NewMDNSListener(bus, logger, settings.Discovery.MDNS.Interval)
		go listener.Run(ctx)
	}

	srv := server.New(settings.Addr(), eng, bus, logger,
		server.WithMinerClient(client),
		server.WithHistory(history),
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("FleetScan ready", zap.String("addr", settings.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := eng.Close(); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}

	logger.Info("FleetScan stopped")
}

// runOnce scans every enabled group, prints a summary, and returns the exit
// code.
func runOnce(eng *engine.Engine, logger *zap.Logger) int {
	run, err := eng.StartScan(context.Background())
	if err != nil {
		logger.Error("scan failed to start", zap.Error(err))
		return 1
	}
	<-run.Done()

	if run.Session.Status() != scan.StatusCompleted {
		logger.Error("scan did not complete",
			zap.String("status", string(run.Session.Status())),
			zap.Error(run.Session.Err()),
		)
		return 1
	}

	for _, group := range run.Groups {
		miners := run.Session.Miners(group)
		fmt.Printf("%s: %d miner(s)\n", group, len(miners))
		for _, m := range miners {
			fmt.Printf("  %-15s %-12s %-22s %7.2f TH/s  %s\n",
				m.IP, m.Make, m.Model, m.HashrateTHS, m.Firmware)
		}
	}
	return 0
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	return logger
}
