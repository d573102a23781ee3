package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/config"
	"github.com/m1ndvortex/tabsync/coordinator"
	"github.com/m1ndvortex/tabsync/internal/logctx"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tabsyncctl",
		Short:        "Run and inspect tabsync session coordination",
		Long:         "tabsyncctl runs a tabsync execution context against the configured shared store, or inspects that store: live contexts, cache integrity, overall health, and the offline queue. Settings come from TABSYNC_* environment variables.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("store", "", "override TABSYNC_STORE (memory, file, redis, postgres)")
	rootCmd.PersistentFlags().String("dir", "", "override TABSYNC_STORE_DIR for the file store")

	rootCmd.AddCommand(
		newRunCmd(),
		newTabsCmd(),
		newHealthCmd(),
		newScanCmd(),
		newQueueCmd(),
		newLogoutCmd(),
	)
	return rootCmd
}

// env is one opened store, bus and coordinator.
type env struct {
	cfg   config.Config
	log   *slog.Logger
	reg   *prometheus.Registry
	store kv.Store
	bus   bus.Bus
	co    *coordinator.Coordinator
}

func (e *env) Close() error {
	return errors.Join(e.bus.Close(), e.store.Close())
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if s, _ := cmd.Flags().GetString("store"); s != "" {
		cfg.Store = s
	}
	if d, _ := cmd.Flags().GetString("dir"); d != "" {
		cfg.StoreDir = d
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(logctx.Handler{Handler: slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})})
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	b := cfg.OpenBus(store, log)

	reg := prometheus.NewRegistry()
	deps := coordinator.Deps{
		Store:      store,
		Bus:        b,
		Logger:     log,
		Registerer: reg,
	}
	if cfg.AuthBaseURL != "" {
		deps.Auth = authapi.New(cfg.AuthBaseURL, authapi.WithLogger(log))
	}
	co, err := coordinator.New(cfg, deps)
	if err != nil {
		_ = b.Close()
		_ = store.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: log, reg: reg, store: store, bus: b, co: co}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
