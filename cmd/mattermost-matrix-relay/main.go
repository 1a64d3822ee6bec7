// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-matrix-relay mirrors conversations between bridged
// Mattermost channels and Matrix rooms, including edits and deletions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mattermost-matrix-relay/pkg/admin"
	"github.com/aiku/mattermost-matrix-relay/pkg/config"
	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/feed"
	"github.com/aiku/mattermost-matrix-relay/pkg/matrix"
	"github.com/aiku/mattermost-matrix-relay/pkg/mattermost"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mattermost-matrix-relay - mirror Mattermost channels and Matrix rooms.",
		"mattermost-matrix-relay [-h] [-c <path>] [-e]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateExample {
		if err = os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(11)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Initializing mattermost-matrix-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped with error")
	}
	log.Info().Msg("Relay stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := database.Open(ctx, cfg.Database, log.With().Str("db_section", "main").Logger())
	if err != nil {
		return err
	}
	defer db.Close()

	bus, err := feed.Open(ctx, cfg.Feed, log)
	if err != nil {
		return fmt.Errorf("failed to open change feed: %w", err)
	}
	defer bus.Close()

	formatter, err := relayfmt.New(cfg.Relay.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}

	mmClient := mattermost.NewClient(cfg.Mattermost, log)
	if err = mmClient.Connect(ctx); err != nil {
		return err
	}
	mxClient, err := matrix.NewClient(cfg.Matrix, log)
	if err != nil {
		return err
	}
	if err = mxClient.Connect(ctx); err != nil {
		return err
	}

	resolver := relay.NewResolver(db.Channel)
	ingestor := relay.NewIngestor(resolver, relay.NewReconciler(db.User, log), db.Message, log)
	ingestor.AddProfileResolvers(mmClient, mxClient)
	dispatcher := relay.NewDispatcher(resolver, db.User, db.Message, db.Mapping, formatter, log, mmClient, mxClient)
	pool := relay.NewWorkerPool(cfg.Relay.Workers, cfg.Relay.GetTaskTimeout(), log)
	engine := relay.NewEngine(ingestor, dispatcher, bus, pool, log)

	pump := feed.NewPump(db.Change, bus,
		time.Duration(cfg.Feed.PumpIntervalMS)*time.Millisecond, cfg.Feed.PumpBatchSize, log)
	ingestor.OnChange = pump.Notify

	adminAPI := admin.New(db.Channel, func(ctx context.Context) error {
		return db.RawDB.PingContext(ctx)
	}, log, mmClient, mxClient)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return engine.Run(groupCtx) })
	group.Go(func() error { return pump.Run(groupCtx) })
	group.Go(func() error {
		return mattermost.NewListener(mmClient, engine, cfg.Mattermost.BotPrefix, log).Run(groupCtx)
	})
	group.Go(func() error { return matrix.NewListener(mxClient, engine, log).Run(groupCtx) })
	if cfg.Admin.Listen != "" {
		group.Go(func() error { return adminAPI.Run(groupCtx, cfg.Admin.Listen) })
	}
	if cfg.Retention.Cron != "" {
		retention, err := feed.NewRetention(db.Change, cfg.Retention.Cron, cfg.Retention.GetMaxAge(), log)
		if err != nil {
			return err
		}
		group.Go(func() error { return retention.Run(groupCtx) })
	}

	log.Info().Msg("Relay started")
	runErr := group.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	log.Info().Dur("timeout", cfg.Relay.GetShutdownTimeout()).Msg("Waiting for in-flight relay tasks")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.GetShutdownTimeout())
	defer cancel()
	if err = engine.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Relay tasks did not finish before shutdown")
	}
	return runErr
}
