package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/m1ndvortex/tabsync/logout"
	"github.com/m1ndvortex/tabsync/offline"
	"github.com/m1ndvortex/tabsync/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run an execution context until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.co.Start(ctx); err != nil {
				return err
			}
			if e.cfg.MetricsAddr != "" {
				srv := metricsServer(e.cfg.MetricsAddr, e.reg)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.log.Error("metrics.serve_failed", "err", err)
					}
				}()
				defer srv.Shutdown(context.WithoutCancel(ctx))
			}
			e.log.InfoContext(ctx, "tabsyncctl.running", "context_id", e.co.ContextID(), "store", e.cfg.Store)
			<-ctx.Done()

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return e.co.Close(closeCtx)
		},
	}
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func newTabsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List live execution contexts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			tabs, err := e.co.Registry().Tabs(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tabs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONTEXT\tSESSION\tLAST SEEN\tACTIVE")
			for _, t := range tabs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", t.ContextID, t.SessionID, t.LastSeen.Format(time.RFC3339), t.IsActive)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newHealthCmd() *cobra.Command {
	var failOn string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Grade the health of the shared state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			report := e.co.Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			switch {
			case failOn == string(recovery.HealthDegraded) && report.Overall != recovery.HealthHealthy,
				failOn == string(recovery.HealthCritical) && report.Overall == recovery.HealthCritical:
				return fmt.Errorf("health is %s", report.Overall)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&failOn, "fail-on", "critical", "exit non-zero at this level (degraded, critical, never)")
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Validate and repair every cache entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.co.Cache().Scan(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newQueueCmd() *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show or clear the offline sync queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			q := e.co.Queue()
			if clearAll {
				n, err := q.Clear(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d operations\n", n)
				return err
			}
			ops, err := q.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if ops == nil {
				ops = []offline.Operation{}
			}
			return writeJSON(cmd.OutOrStdout(), ops)
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "drop every queued operation")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var (
		verify     bool
		clearQueue bool
		reason     string
	)
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log out every context sharing the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			opts := []logout.LogoutOption{logout.WithReason(reason)}
			if verify {
				opts = append(opts, logout.WithServerVerification())
			}
			if clearQueue {
				opts = append(opts, logout.WithClearSyncQueue())
			}
			res := e.co.Logout(cmd.Context(), opts...)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New("local logout could not be verified")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "confirm with the server that the session is gone")
	cmd.Flags().BoolVar(&clearQueue, "clear-queue", false, "also drop queued offline operations")
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason announced to other contexts")
	return cmd
}
