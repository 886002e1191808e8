package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"Attest-Chain/internal/api"
	"Attest-Chain/internal/config"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/events"
	"Attest-Chain/internal/identity"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/observability/alerting"
	"Attest-Chain/internal/observability/metrics"
	"Attest-Chain/internal/signing"
	"Attest-Chain/internal/storage/kv"
	"Attest-Chain/internal/storage/mysql"
	"Attest-Chain/pkg/logger"
)

// main 是 attestd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("attestd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ATTESTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "attestd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service:     "attestd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("attestd")

	alerter := buildAlerter(cfg.Alerting)

	engineDomain, escrowDomain, err := buildDomains(ctx, cfg)
	if err != nil {
		return err
	}

	store, funds, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	market := escrow.New(escrowDomain.VerifyingContract, engineDomain.VerifyingContract, escrowDomain, escrow.WithStore(funds))
	if err := seedEscrow(ctx, market, cfg.Escrow.Seed); err != nil {
		return err
	}

	registry, err := openIdentity(ctx, cfg.Identity)
	if err != nil {
		return err
	}
	if closer, ok := registry.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	publisher, err := openPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	bus := events.NewBus()
	relay := events.NewRelay(bus, publisher, alerter, events.RelayConfig{
		Buffer:   cfg.Events.Buffer,
		Attempts: cfg.Events.Attempts,
	})

	m := metrics.New()
	engine, err := ledger.New(ctx, ledger.Config{
		Address:         engineDomain.VerifyingContract,
		Domain:          engineDomain,
		Initializer:     common.HexToAddress(cfg.Engine.Initializer),
		EscrowAuthority: common.HexToAddress(cfg.Engine.EscrowAuthority),
	}, store,
		ledger.WithEscrow(market),
		ledger.WithIdentity(registry),
		ledger.WithEmitter(bus),
		ledger.WithRecorder(m),
		ledger.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			lg.Warn("事件积压未能在关闭前发出", slog.Int("backlog", engine.Backlog()), slog.Any("error", err))
		}
	}()

	adminToken := cfg.Server.ResolveAdminToken()
	if adminToken == "" {
		lg.Warn("未配置管理口令，管理接口将拒绝所有请求")
	}
	server := api.NewServer(cfg.Server.Address, engine,
		api.WithBalances(market),
		api.WithMetrics(m),
		api.WithAdminToken(adminToken),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)

	lg.Info("attestd 启动",
		slog.String("engine", engineDomain.VerifyingContract.Hex()),
		slog.String("escrow", escrowDomain.VerifyingContract.Hex()),
		slog.String("chain_id", engineDomain.ChainID.String()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(m.StartServer(gctx, cfg.Metrics.Address)) })
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

// buildDomains 合并配置默认值与签名域文件，并在配置了 RPC 时以节点返回的链 ID 为准。
func buildDomains(ctx context.Context, cfg *config.Config) (signing.Domain, signing.Domain, error) {
	file, err := signing.LoadDomainFile(cfg.Signing.DomainFile)
	if err != nil {
		return signing.Domain{}, signing.Domain{}, err
	}

	chainID := new(big.Int).SetUint64(cfg.Signing.ChainID)
	rpcURL := cfg.Signing.RPCURL
	if rpcURL == "" {
		rpcURL = file.RPCURL
	}
	if rpcURL != "" {
		resolveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resolved, err := signing.ResolveChainID(resolveCtx, rpcURL)
		cancel()
		if err != nil {
			return signing.Domain{}, signing.Domain{}, err
		}
		chainID = resolved
	}

	engine, err := file.Engine.Domain(signing.Domain{
		Name:              cfg.Signing.Name,
		Version:           cfg.Signing.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(cfg.Engine.Address),
	})
	if err != nil {
		return signing.Domain{}, signing.Domain{}, fmt.Errorf("engine domain: %w", err)
	}
	escrowDomain, err := file.Escrow.Domain(signing.Domain{
		Name:              cfg.Escrow.Name,
		Version:           cfg.Escrow.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(cfg.Escrow.Address),
	})
	if err != nil {
		return signing.Domain{}, signing.Domain{}, fmt.Errorf("escrow domain: %w", err)
	}
	if rpcURL != "" {
		engine.ChainID, escrowDomain.ChainID = chainID, chainID
	}
	for _, d := range []signing.Domain{engine, escrowDomain} {
		if err := d.Validate(); err != nil {
			return signing.Domain{}, signing.Domain{}, err
		}
	}
	return engine, escrowDomain, nil
}

// seedEscrow 只为存储中尚不存在的账户写入初始余额，重启不会覆盖已持久化的状态。
func seedEscrow(ctx context.Context, market *escrow.Marketplace, seeds []config.EscrowSeed) error {
	for _, seed := range seeds {
		if !common.IsHexAddress(seed.Account) {
			return fmt.Errorf("escrow.seed: 无效地址 %q", seed.Account)
		}
		account := common.HexToAddress(seed.Account)
		liquid, err := parseAmount(seed.Liquid)
		if err != nil {
			return fmt.Errorf("escrow.seed %s: %w", seed.Account, err)
		}
		locked, err := parseAmount(seed.Locked)
		if err != nil {
			return fmt.Errorf("escrow.seed %s: %w", seed.Account, err)
		}
		if _, err := market.Seed(ctx, account, liquid, locked); err != nil {
			return fmt.Errorf("escrow.seed %s: %w", seed.Account, err)
		}
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("无效金额 %q", raw)
	}
	return v, nil
}

// openStore 打开账本存储以及同一后端上的托管存储。
func openStore(ctx context.Context, cfg config.StorageConfig) (ledger.Store, escrow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryStore(), escrow.NewMemoryStore(), func() {}, nil
	case "pebble":
		if err := os.MkdirAll(filepath.Dir(cfg.PebblePath), 0o755); err != nil {
			return nil, nil, nil, err
		}
		store, err := kv.Open(cfg.PebblePath, kv.Options{})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.Escrow(), func() { _ = store.Close() }, nil
	case "mysql":
		store, err := mysql.NewLedgerStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.Escrow(), func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openIdentity(ctx context.Context, cfg config.IdentityConfig) (identity.Registry, error) {
	switch cfg.Driver {
	case "memory":
		return identity.NewMemoryRegistry(), nil
	case "redis":
		return identity.NewRedisRegistry(ctx, identity.RedisRegistryConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的身份注册表驱动: %s", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisPublisherConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			List:     cfg.List,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}
