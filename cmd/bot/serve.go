package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/dispatch"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/feature/chat"
	"tg_metered_bot/internal/feature/deposit"
	"tg_metered_bot/internal/feature/owner"
	"tg_metered_bot/internal/feature/qrcode"
	"tg_metered_bot/internal/feature/wallet"
	"tg_metered_bot/internal/health"
	"tg_metered_bot/internal/ledger"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
	"tg_metered_bot/internal/paylog"
	"tg_metered_bot/internal/payment"
	"tg_metered_bot/internal/ratelimit"
	"tg_metered_bot/internal/telegram"
)

const (
	ownerBootstrapTimeout   = 5 * time.Second
	redisPingTimeout        = 3 * time.Second
	rpcDialTimeout          = 10 * time.Second
	postgresConnectTimeout  = 15 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

// shared is the optional Redis connection. Without it every component falls
// back to its in-process variant.
type shared struct {
	redis *redis.Client
}

func runServe(parent context.Context, a *app) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger := a.cfg, a.logger

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
		"payments": cfg.PaymentEnabled,
	}).Info("configuration loaded")

	manager, closeStore, err := a.openStore(parent)
	if err != nil {
		logger.WithError(err).Error("store setup error")
		return err
	}
	defer closeStore()

	ownerCtx, cancelOwner := context.WithTimeout(parent, ownerBootstrapTimeout)
	_, err = owner.NewRegistrar(manager.Owners(), logger).EnsureOwner(ownerCtx, cfg.BotOwnerID, "")
	cancelOwner()
	if err != nil {
		logger.WithError(err).Error("owner bootstrap error")
		return fmt.Errorf("owner bootstrap error: %w", err)
	}

	sh, err := connectRedis(parent, a)
	if err != nil {
		return err
	}
	if sh.redis != nil {
		defer sh.redis.Close()
	}

	var cache ledger.Cache = ledger.NewMemoryCache(0, ledger.CacheTTL)
	var locker payment.Locker = payment.NewLocalLocker()
	var limiter ratelimit.Limiter = ratelimit.NewMemory(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	if sh.redis != nil {
		cache = ledger.NewRedisCache(sh.redis, ledger.CacheTTL, logger)
		locker = payment.NewRedisLocker(sh.redis, logger)
		limiter = ratelimit.NewRedis(sh.redis, ratelimit.DefaultLimit, ratelimit.DefaultWindow, logger)
	}

	ledgerSvc, err := a.newLedger(manager, cache)
	if err != nil {
		logger.WithError(err).Error("ledger setup error")
		return fmt.Errorf("ledger setup error: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	gateOpts := []payment.Option{payment.WithLocker(locker), payment.WithLogger(logger)}
	if cfg.PaymentEnabled {
		dialCtx, cancelDial := context.WithTimeout(parent, rpcDialTimeout)
		rpc, err := chain.Dial(dialCtx, cfg.RPCURL, logger)
		cancelDial()
		if err != nil {
			logger.WithError(err).Error("rpc dial error")
			return fmt.Errorf("rpc dial error: %w", err)
		}
		defer rpc.Close()

		rates := chain.NewRatePoller(cfg.RateURL, nil, logger)
		go rates.Run(runCtx, chain.DefaultRateInterval)
		gateOpts = append(gateOpts, payment.WithChain(rpc, rates))
	}

	gate, err := payment.NewGate(payment.Config{
		Enabled:       cfg.PaymentEnabled,
		Secret:        cfg.PaymentSecret,
		PrevSecrets:   cfg.PrevSecrets,
		Allowlist:     a.allowlist(),
		HolderAddress: cfg.HolderAddress,
	}, ledgerSvc, gateOpts...)
	if err != nil {
		logger.WithError(err).Error("payment gate setup error")
		return fmt.Errorf("payment gate setup error: %w", err)
	}
	go gate.RunSweeper(runCtx, payment.DefaultSweepInterval)

	modules, fallback, err := buildModules(a, domain.NewInvoiceRepository(manager.Invoices()), ledgerSvc, gate)
	if err != nil {
		logger.WithError(err).Error("module setup error")
		return err
	}

	sink, closeSink, err := openLogSink(parent, a, manager.PaymentLogs())
	if err != nil {
		logger.WithError(err).Error("payment log setup error")
		return err
	}
	defer closeSink()

	dispatchOpts := []dispatch.Option{
		dispatch.WithModules(modules...),
		dispatch.WithChatInitializer(ledgerSvc),
		dispatch.WithLogSink(sink),
		dispatch.WithTimeout(cfg.ModuleTimeout),
		dispatch.WithLogger(logger),
	}
	if fallback != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithFallback(fallback))
	}
	dispatcher, err := dispatch.New(gate, dispatchOpts...)
	if err != nil {
		logger.WithError(err).Error("dispatcher setup error")
		return fmt.Errorf("dispatcher setup error: %w", err)
	}

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithHandler(dispatcher),
		telegram.WithLimiter(limiter),
	)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		return fmt.Errorf("telegram client setup error: %w", err)
	}
	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthOpts := []health.Option{health.WithCheck("mongo", manager, true)}
	if sh.redis != nil {
		rdb := sh.redis
		healthOpts = append(healthOpts, health.WithCheck("redis", health.CheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), false))
	}
	if pinger, ok := sink.(health.Checker); ok {
		healthOpts = append(healthOpts, health.WithCheck("postgres", pinger, false))
	}
	healthServer := health.NewServer(cfg.HTTPPort, logger, healthOpts...)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	signalCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tgDone := make(chan struct{})
	go func() {
		tgClient.Start(runCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelRun()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Warn("health server shutdown error")
	}
	cancelHealth()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
	return nil
}

func connectRedis(ctx context.Context, a *app) (shared, error) {
	if a.cfg.RedisAddr == "" {
		a.logger.WithField("event", "redis_disabled").Info("redis not configured, using in-process cache, locks and limiter")
		return shared{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		a.logger.WithError(err).Error("redis connection error")
		return shared{}, fmt.Errorf("redis connection error: %w", err)
	}

	a.logger.WithField("event", "redis_connect").Info("connected to redis")
	return shared{redis: client}, nil
}

// buildModules returns the modules in priority order and the private chat
// fallback, which is nil when chat is not configured.
func buildModules(a *app, invoices deposit.Invoices, ledgerSvc *ledger.Service, gate *payment.Gate) ([]module.Module, module.Module, error) {
	cfg, logger := a.cfg, a.logger

	depositModule, err := deposit.New(invoices, ledgerSvc, cfg.TelegramPayToken, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("deposit module: %w", err)
	}
	walletModule, err := wallet.New(gate, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet module: %w", err)
	}
	qrModule, err := qrcode.New(cfg.QRPriceCents, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("qrcode module: %w", err)
	}

	modules := []module.Module{depositModule, walletModule, qrModule}

	if cfg.OpenAIKey == "" {
		logger.WithField("event", "chat_disabled").Info("chat module disabled, no api key configured")
		return modules, nil, nil
	}

	completer, err := chat.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("chat client: %w", err)
	}
	chatModule, err := chat.New(completer, cfg.ChatPriceCents, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("chat module: %w", err)
	}

	return append(modules, chatModule), chatModule, nil
}

// openLogSink prefers Postgres when configured and otherwise writes payment
// logs next to the ledger in Mongo.
func openLogSink(ctx context.Context, a *app, logs *mongo.Collection) (dispatch.LogSink, func(), error) {
	if a.cfg.PostgresDSN == "" {
		return paylog.NewMongoSink(logs), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, postgresConnectTimeout)
	defer cancel()

	sink, err := paylog.OpenPostgres(connectCtx, a.cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres payment log error: %w", err)
	}
	a.logger.WithField("event", "postgres_connect").Info("payment logs go to postgres")
	return sink, sink.Close, nil
}
