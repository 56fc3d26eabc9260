package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/internal/syncservice"
	"github.com/ajitpratap0/catalogsync/pkg/connector/registry"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store/postgres"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

const shutdownTimeout = 30 * time.Second

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Incrementally sync the central store from the midrange source",
		Long: `Sync runs incremental imports from the midrange source, fetching only
records modified after each entity type's watermark.

With --once every configured entity type is synced once and the command
exits. Otherwise the service runs on sync.interval until interrupted and,
when observability.metrics_addr is set, serves Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSync(cmd)
		},
	}
	f := cmd.Flags()
	f.StringSliceP("entity-type", "e", nil, "Entity types to sync (default: sync.entities, or all)")
	f.Bool("once", false, "Sync once and exit")
	f.Duration("interval", 0, "Override sync.interval")
	f.String("metrics-addr", "", "Serve /metrics on this address; overrides observability.metrics_addr")
	return cmd
}

func (a *app) runSync(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := *a.cfg
	if types := a.v.GetStringSlice("entity-type"); len(types) > 0 {
		cfg.Sync.Entities = types
	}
	if d := a.v.GetDuration("interval"); d > 0 {
		cfg.Sync.Interval = d
	}
	if addr := a.v.GetString("metrics-addr"); addr != "" {
		cfg.Observability.MetricsAddr = addr
	}
	once := a.v.GetBool("once")

	conn, err := registry.Create(models.SourceMidrange, &cfg)
	if err != nil {
		return withCode(exitUsage, err)
	}
	client, err := postgres.Open(ctx, cfg.Store, a.log)
	if err != nil {
		return withCode(exitFailed, err)
	}
	defer client.Close()

	var trigger syncservice.Trigger
	if !once {
		trigger = syncservice.NewIntervalTrigger(cfg.Sync.Interval, true)
	}
	svc, err := syncservice.New(conn, client, client, &cfg, trigger, a.log)
	if err != nil {
		return withCode(exitUsage, err)
	}

	if once {
		results, err := svc.SyncAll(ctx)
		printSyncResults(cmd, results)
		return syncExit(err)
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := serveMetrics(addr, a.log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := svc.Initialize(ctx); err != nil {
		return withCode(exitFailed, err)
	}
	a.log.Info("sync service running",
		zap.Duration("interval", cfg.Sync.Interval),
		zap.Strings("entities", entityNames(svc.Entities())))

	<-ctx.Done()
	a.log.Info("shutting down sync service")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func printSyncResults(cmd *cobra.Command, results []*syncservice.Result) {
	w := cmd.OutOrStdout()
	for _, r := range results {
		line := fmt.Sprintf("%-11s %-8s watermark=%s", r.EntityType, r.History.Status, formatWatermark(r.History.LastSyncAt))
		if r.Report != nil {
			t := r.Report.Total
			line += fmt.Sprintf(" created=%d updated=%d skipped=%d failed=%d", t.Created, t.Updated, t.Skipped, t.Failed)
		}
		if r.History.ErrorMessage != "" {
			line += " error=" + r.History.ErrorMessage
		}
		fmt.Fprintln(w, line)
	}
}

// syncExit maps a sync error to the CLI exit status.
func syncExit(err error) error {
	switch {
	case err == nil:
		return nil
	case syncerrors.HasType(err, syncerrors.ErrorTypeSyncConflict):
		return withCode(exitConflict, err)
	case syncerrors.HasType(err, syncerrors.ErrorTypeCancelled):
		return withCode(exitCancelled, err)
	}
	return withCode(exitFailed, err)
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func entityNames(types []models.EntityType) []string {
	out := make([]string, len(types))
	for i, et := range types {
		out[i] = string(et)
	}
	return out
}
