package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tg_metered_bot/internal/config"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/feature/owner"
	"tg_metered_bot/internal/ledger"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/store"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
)

// app carries what every subcommand shares. Config and logger are loaded
// once before any command runs.
type app struct {
	loadConfig func() (config.Config, error)

	cfg    config.Config
	logger *logrus.Entry
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{loadConfig: config.Load})
}

func newRootCmdWith(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bot",
		Short:         "Metered Telegram bot with a credit ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newConfigCmd(a),
		newCreditsCmd(a),
		newStatsCmd(a),
	)

	return rootCmd
}

func (a *app) init() error {
	cfg, err := a.loadConfig()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		return fmt.Errorf("logger setup error: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore connects to Mongo and ensures the indexes. The returned func
// disconnects.
func (a *app) openStore(ctx context.Context) (*store.Manager, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	manager, err := store.NewManager(connectCtx, a.cfg)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connection error: %w", err)
	}
	a.logger.WithField("event", "mongo_connect").Info("connected to mongo")

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()
		if err := manager.Close(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("mongo disconnect error")
			return
		}
		a.logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}

	indexCtx, cancelIndexes := context.WithTimeout(ctx, mongoIndexTimeout)
	err = manager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("mongo index setup error: %w", err)
	}
	a.logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	return manager, closeFn, nil
}

func (a *app) allowlist() *domain.Allowlist {
	return domain.NewAllowlist(a.cfg.Whitelist, a.cfg.BotOwnerID)
}

// newLedger builds the ledger over Mongo with the given cache.
func (a *app) newLedger(manager *store.Manager, cache ledger.Cache) (*ledger.Service, error) {
	grant, err := decimal.NewFromString(a.cfg.CreditsAmount)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", config.KeyCreditsAmount, err)
	}

	return ledger.NewService(
		ledger.NewMongoRepository(manager.Accounts()),
		cache,
		owner.NewRegistrar(manager.Owners(), a.logger),
		ledger.Options{
			GrantCredits: grant,
			MaxChatCount: a.cfg.MaxChatCount,
			Allowlist:    a.allowlist(),
		},
		a.logger,
	)
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Info("configuration check", logging.Fields{"event": "config_only"})
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, "configuration check: ok"); err != nil {
				return err
			}
			_, err := fmt.Fprintln(out, config.FormatRedacted(a.cfg))
			return err
		},
	}
}
