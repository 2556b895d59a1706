package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/syncer"
)

const shutdownTimeout = 5 * time.Second

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the remote now",
		Long: `Drain the operation log once, oldest change first.

If "splitledger watch" is running on the same database, it is asked to drain
instead. A network or server error stops the drain and leaves the remaining
changes queued. Rejected changes are moved to the failed list (see
"splitledger failed").`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()

		if pid, err := sendSIGHUP(a.pidPath()); err == nil {
			a.logger.Info("Sync delegated to watch", "pid", pid)
			if flagJSON {
				return printJSON(out, map[string]int{"delegated_to_pid": pid})
			}
			fmt.Fprintf(out, "Sync requested from running watch (PID %d)\n", pid)
			return nil
		}

		ctx = shutdownContext(ctx, a.logger)

		report, err := a.sync.ProcessAll(ctx)
		if err != nil {
			return err
		}

		if flagJSON {
			return printJSON(out, report)
		}

		if report.Elsewhere {
			fmt.Fprintln(out, "Another process is already syncing this database")
			return nil
		}

		fmt.Fprintf(out, "Applied %d, failed %d", report.Applied, report.DeadLettered)
		if report.Halted != "" {
			fmt.Fprintf(out, ", paused on %s error (will retry)", report.Halted)
		}
		fmt.Fprintln(out)
		return nil
	})
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing in the background",
		Long: `Run the sync scheduler until interrupted. Queued changes are sent on
start and then every sync.poll_interval while the remote is reachable.

Only one watch runs per database. Other splitledger commands signal it
(SIGHUP) after a local change or a sync request so it drains right away.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = resolvedCfg.Metrics.Addr
	}

	ctx := cmd.Context()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rec := &lateRecorder{}
	a, err := openApp(ctx, rec)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := metrics.New(reg, a.store.Ops(), a.logger)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	rec.Recorder = m

	ctx = shutdownContext(ctx, a.logger)
	drainOnSIGHUP(ctx, a.scheduler.Trigger, a.logger)

	releasePID, err := writePIDFile(a.pidPath())
	if err != nil {
		return err
	}
	defer releasePID()
	a.watching.Store(true)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("Metrics server starting", "address", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	health, err := a.sync.Health(ctx)
	if err == nil {
		a.logger.Info("Watching",
			"state", health.State(),
			"pending", health.PendingCount,
			"failed", health.FailedCount+health.AuthFailedCount,
		)
	}
	a.scheduler.Trigger()

	return g.Wait()
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

// lateRecorder lets the executor be built before the metrics that need its
// store exist.
type lateRecorder struct {
	syncer.Recorder
}

func (r *lateRecorder) RecordOutcome(outcome string) {
	if r.Recorder != nil {
		r.Recorder.RecordOutcome(outcome)
	}
}

func (r *lateRecorder) RecordDrain(d time.Duration, report syncer.DrainReport) {
	if r.Recorder != nil {
		r.Recorder.RecordDrain(d, report)
	}
}

var _ metrics.HealthSource = (*oplog.Log)(nil)
