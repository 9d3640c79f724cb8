package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration YAML")
		iface       = flag.String("iface", "", "Network interface (overrides config, disables simulation)")
		simulate    = flag.Bool("simulate", false, "Run against the built-in simulated segment")
		captureFile = flag.String("capture", "", "Record every frame to this pcap file")
		cycles      = flag.Int("cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
		verbose     = flag.Bool("v", false, "Enable debug logging")
		versionFlag = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("ecmaster v%s (%s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *iface != "" {
		cfg.Interface = *iface
		cfg.Simulate = nil
	}
	if *simulate {
		cfg.Simulate = &config.Simulate{}
	}
	if *captureFile != "" {
		cfg.Capture.File = *captureFile
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	base, err := logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	log := logrus.NewEntry(base)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *cycles, log); err != nil {
		log.WithError(err).Fatal("Master stopped")
	}
}

// loadConfig reads path, or returns the simulated default without one.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.NewLoader(filepath.Dir(path)).Load(filepath.Base(path))
}
