// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/daemon"
	clawlog "github.com/openclaw/clawd/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (KEY=value)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit --config wins, otherwise the data directory.
	// A missing file is fine; defaults apply.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("CLAWD_DATA"))
		if dataDir == "" {
			dataDir = "./data"
		}
		effectivePath = filepath.Join(dataDir, "clawd.conf")
	}

	holder, err := config.NewHolder(effectivePath)
	if err != nil {
		lg := clawlog.Base()
		lg.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}
	settings := holder.Current()

	clawlog.Configure(clawlog.Config{
		Level:   settings.LogLevel,
		Service: "clawd",
	})
	logger := clawlog.WithComponent("main")

	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version).
		Str("commit", commit).
		Str("config_path", effectivePath).
		Str("listen_addr", settings.ListenAddr).
		Bool("mock_gpio", settings.MockGPIO).
		Msg("starting clawd")

	d, err := daemon.New(holder)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.init_failed").
			Msg("failed to initialize daemon")
	}

	if err := d.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.run_failed").
			Msg("daemon exited with error")
	}
}
