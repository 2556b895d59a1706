package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/mmynk/splitledger/internal/config"
	"github.com/mmynk/splitledger/internal/middleware"
	"github.com/mmynk/splitledger/internal/reconcile"
	"github.com/mmynk/splitledger/internal/remote"
	"github.com/mmynk/splitledger/internal/service"
	"github.com/mmynk/splitledger/internal/storage/sqlite"
	"github.com/mmynk/splitledger/internal/syncer"
	"github.com/mmynk/splitledger/pkg/logging"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagRemoteURL  string
	flagToken      string
	flagLogLevel   string
	flagJSON       bool
	flagVerbose    bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "splitledger",
		Short:   "Offline-first shared expense ledger",
		Long:    "Record shared expenses offline, sync them when a connection is available, and settle up.",
		Version: version,

		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "local database path")
	cmd.PersistentFlags().StringVar(&flagRemoteURL, "remote", "", "remote service URL")
	cmd.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token for the remote service")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newFailedCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newDiscardCmd())
	cmd.AddCommand(newDiffCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newBalancesCmd())
	cmd.AddCommand(newSettleCmd())
	cmd.AddCommand(newGroupCmd())
	cmd.AddCommand(newExpenseCmd())
	cmd.AddCommand(newSettlementCmd())
	cmd.AddCommand(newDevRemoteCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		DBPath:     flagDBPath,
		RemoteURL:  flagRemoteURL,
		Token:      flagToken,
		LogLevel:   flagLogLevel,
	}
	if flagVerbose {
		cli.LogLevel = "debug"
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	return nil
}

// app wires the store, transport and services for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *sqlite.SQLiteStore
	client    *remote.ConnectClient
	executor  *syncer.Executor
	scheduler *syncer.Scheduler
	ledger    *service.LedgerService
	sync      *service.SyncService

	// watching is set while this process runs the scheduler. Otherwise drain
	// requests are forwarded to the watch process, if there is one.
	watching atomic.Bool
}

// openApp opens the local database and builds every component. recorder may
// be nil.
func openApp(ctx context.Context, recorder syncer.Recorder) (*app, error) {
	cfg := resolvedCfg
	logger := logging.Setup(cfg.LogLevel)

	store, err := sqlite.New(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	token := cfg.Token
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	client := remote.NewConnectClient(httpClient, cfg.RemoteURL,
		connect.WithInterceptors(
			middleware.BearerToken(func() string { return token }),
			middleware.LoggingInterceptor(logger),
		),
	)

	lock := syncer.NewDrainLock(syncer.LockPathFor(cfg.DBPath))
	executor := syncer.NewExecutor(store.Ops(), client, recorder, logger, syncer.WithDrainLock(lock))
	scheduler := syncer.NewScheduler(executor, syncer.PingProbe(client, cfg.RequestTimeout()), syncer.SchedulerConfig{
		PollInterval:   cfg.PollInterval(),
		ManualDebounce: cfg.ManualDebounce(),
	}, logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		executor:  executor,
		scheduler: scheduler,
	}
	resolver := reconcile.NewResolver(store, client, a.triggerDrain, logger)
	a.ledger = service.NewLedgerService(store, a.triggerDrain, logger)
	a.sync = service.NewSyncService(store, executor, resolver, a.requestManualDrain, logger)
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) pidPath() string {
	return pidPathFor(a.cfg.DBPath)
}

// triggerDrain follows every local write.
func (a *app) triggerDrain() {
	if a.watching.Load() {
		a.scheduler.Trigger()
		return
	}
	a.notifyWatch()
}

// requestManualDrain follows a user retry or conflict resolution.
func (a *app) requestManualDrain() {
	if a.watching.Load() {
		a.scheduler.RequestManual()
		return
	}
	a.notifyWatch()
}

// notifyWatch signals a running watch to drain. With no watch the change
// stays queued for the next sync.
func (a *app) notifyWatch() {
	pid, err := sendSIGHUP(a.pidPath())
	if err != nil {
		a.logger.Debug("No watch to notify, change stays queued", "error", err)
		return
	}
	a.logger.Debug("Notified watch", "pid", pid)
}

// withApp opens the app, runs fn and closes the app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
