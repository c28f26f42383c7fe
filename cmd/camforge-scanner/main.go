// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Camforge scanner: queues license expiry reminders. Runs one pass with
// -once (cron-friendly) or as a daemon anchored to a UTC time of day.
// Deliveries are deduplicated per (license, channel, lead time), so
// overlapping runs are safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camforge/internal/config"
	"camforge/internal/logging"
	"camforge/internal/scanner"
	"camforge/internal/store"
)

var version = "dev"

func main() {
	var (
		dbPath       = flag.String("db", "", "SQLite database path (overrides DB_PATH)")
		logLevel     = flag.String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
		once         = flag.Bool("once", false, "Run a single scan pass and exit")
		at           = flag.String("at", "02:00", "UTC time of day for the first scan; later scans follow SCAN_INTERVAL")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	anchor, err := time.Parse("15:04", *at)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -at value %q: want HH:MM\n", *at)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("component", "scanner")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	sc := scanner.New(st, logger, scanner.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		CompanyName:     cfg.CompanyName,
		SupportEmail:    cfg.SupportEmail,
		RenewalLink:     cfg.RenewalLink,
	})

	if *once {
		if code := runPass(ctx, sc, logger); code != 0 {
			os.Exit(code)
		}
		return
	}

	next := nextRun(time.Now().UTC(), anchor.Hour(), anchor.Minute())
	logger.Info("scanner daemon started",
		"version", version,
		"first_run", next.Format(time.RFC3339),
		"interval", cfg.ScanInterval,
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("scanner daemon stopped")
			return
		case <-time.After(time.Until(next)):
		}

		runPass(ctx, sc, logger)

		next = next.Add(cfg.ScanInterval)
		if !next.After(time.Now().UTC()) {
			// The pass overran the interval (or the host slept); realign
			// to the anchor instead of firing a burst of catch-up scans.
			next = nextRun(time.Now().UTC(), anchor.Hour(), anchor.Minute())
		}
	}
}

// runPass executes one scan and logs its totals. The exit code is non-zero
// when any (license, channel) pair failed, so cron alerts fire.
func runPass(ctx context.Context, sc *scanner.Scanner, logger *slog.Logger) int {
	report, err := sc.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		logger.Error("scan pass failed", "error", err)
		return 1
	}

	totals := report.Totals()
	logger.Info("scan pass finished",
		"matched", totals.Matched,
		"queued", totals.Queued,
		"duplicates_skipped", totals.Duplicates,
		"errors", totals.Errors,
	)
	if totals.Errors > 0 {
		return 1
	}
	return 0
}

// nextRun returns the next occurrence of hour:min UTC strictly after now.
func nextRun(now time.Time, hour, min int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
