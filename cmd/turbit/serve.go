package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/turbit/internal/api"
	"github.com/seantiz/turbit/internal/config"
	"github.com/seantiz/turbit/internal/engine"
	"github.com/seantiz/turbit/internal/pool"
	"github.com/seantiz/turbit/internal/registry"
	"github.com/seantiz/turbit/internal/store"
)

func newServeCmd() *cobra.Command {
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "listen address")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite run history path")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config) error {
	logger := config.NewLogger(cmd.OutOrStdout(), cfg.LogLevel)

	logger.Info("turbit: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"functions", registry.Default.List(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(engine.Config{
		Cores:        cfg.Cores,
		DefaultPower: cfg.DefaultPower,
		Pool:         pool.Config{SpawnTimeout: cfg.SpawnTimeout},
	}, registry.Default, logger, engine.WithHistory(db))
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	return srv.Run(cmd.Context())
}
