// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

// quotesync is the operator CLI for the quote synchronization engine: it runs
// sync cycles against the shared spreadsheet, reports anomaly health, repairs
// correlation entries, and lists recent cycle outcomes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elmolino/quotesync/gsheet"
	"github.com/elmolino/quotesync/internal/config"
	"github.com/elmolino/quotesync/quotesync"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "quotesync",
		Short:         "Bidirectional quote sync between the local store and the shared spreadsheet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newInitCmd(), newSyncCmd(), newHealthCmd(), newRepairCmd(), newAuditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config and wires the shared store handle, the sheet client and
// the engine. The returned cleanup closes the pool.
func setup(ctx context.Context) (*quotesync.Engine, *quotesync.PgStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	store, err := quotesync.NewPgStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	remote, err := gsheet.NewClientFromCredentialsFile(ctx, gsheet.Config{
		SpreadsheetID: cfg.SpreadsheetID,
		HeadersSheet:  cfg.HeadersSheet,
		DetailsSheet:  cfg.DetailsSheet,
		ConfigSheet:   cfg.ConfigSheet,
		Timezone:      cfg.Timezone,
	}, cfg.CredentialsFile, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	engine, err := quotesync.NewEngine(store, remote, &quotesync.EngineConfig{
		Timezone:          cfg.Timezone,
		RemoteCallTimeout: cfg.RemoteTimeout,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return engine, store, pool.Close, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newInitCmd() *cobra.Command {
	var remoteID string
	var cutoff string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Install the active sync checkpoint (replaces any previous one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, store, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			at := quotesync.NormalizeInstant(cutoff, engine.Location())
			if err := store.ActivateCheckpoint(ctx, remoteID, at); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint active: remote_store_id=%s cutoff_at=%s\n", remoteID, at)
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteID, "remote-id", "", "identifier of the remote store")
	cmd.Flags().StringVar(&cutoff, "cutoff", "", "initial cutoff instant (e.g. 01/01/2025 00:00:00)")
	_ = cmd.MarkFlagRequired("remote-id")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := engine.RunSyncCycle(ctx)
			if result != nil {
				printJSON(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report correlation anomalies and the last cycle outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := engine.HealthSnapshot(ctx)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recreate missing correlation entries and delete orphans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := engine.RepairCorrelations(ctx)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent sync cycle outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := store.RecentCycles(ctx, limit)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
