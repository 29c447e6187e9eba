package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/meridian/internal/blob/s3"
	"github.com/alanyoungcy/meridian/internal/cache/redis"
	"github.com/alanyoungcy/meridian/internal/chain"
	"github.com/alanyoungcy/meridian/internal/config"
	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
	"github.com/alanyoungcy/meridian/internal/notify"
	"github.com/alanyoungcy/meridian/internal/service"
	"github.com/alanyoungcy/meridian/internal/store/postgres"
)

// lockWait is how long a mutation waits for a contended decision lock.
const lockWait = 2 * time.Second

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Chain
	Clock   domain.BlockClock
	Oracles *chain.Registry

	// Stores
	DecisionStore domain.DecisionStore
	EventStore    domain.EventStore
	AuditStore    domain.AuditStore

	// Caches
	WelfareCache domain.WelfareCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Blob storage, only in modes that archive.
	Archiver domain.Archiver

	Notifier  *notify.Notifier
	Decisions *service.DecisionService
}

// needsS3 reports whether mode runs the archiver.
func needsS3(mode string) bool {
	return mode == "archive" || mode == "full"
}

// Wire constructs every concrete dependency from cfg and returns them with a
// cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{}

	// --- Chain ---
	var caller chain.ContractCaller
	if cfg.Chain.RPCURL != "" {
		ec, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail("chain rpc", err)
		}
		closers = append(closers, ec.Close)
		deps.Clock = chain.NewRPCClock(ec)
		caller = ec
	} else {
		deps.Clock = chain.NewLocalClock(cfg.Chain.GenesisTime, cfg.Chain.BlockTime.Duration)
		logger.WarnContext(ctx, "wire: no rpc_url, using local block clock",
			slog.Time("genesis_time", cfg.Chain.GenesisTime),
			slog.Duration("block_time", cfg.Chain.BlockTime.Duration))
	}
	deps.Oracles = chain.NewRegistry(caller)
	for _, raw := range cfg.Chain.MemoryOracles {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return fail("chain memory oracles", fmt.Errorf("invalid address %q", raw))
		}
		deps.Oracles.RegisterMemory(common.HexToAddress(raw))
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.DecisionStore = postgres.NewDecisionStore(pool)
	deps.EventStore = postgres.NewEventStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.WelfareCache = redis.NewWelfareCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, lockWait)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.CheckBucket(ctx); err != nil {
			logger.WarnContext(ctx, "wire: archive bucket not reachable yet", slog.String("error", err.Error()))
		}
		deps.Archiver = s3blob.NewArchiver(
			deps.DecisionStore,
			deps.EventStore,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engine ---
	params, err := engineParams(cfg.Engine)
	if err != nil {
		return fail("engine params", err)
	}
	svc := service.NewDecisionService(
		decision.NewEngine(params),
		deps.Clock,
		deps.Oracles,
		deps.DecisionStore,
		deps.EventStore,
		deps.AuditStore,
		logger,
	).
		WithWelfareCache(deps.WelfareCache).
		WithLocks(deps.LockManager).
		WithSignalBus(deps.SignalBus)
	if deps.Notifier.Enabled() {
		svc.WithNotifier(deps.Notifier)
	}
	if err := svc.Restore(ctx); err != nil {
		return fail("restore decisions", err)
	}
	deps.Decisions = svc

	return deps, cleanup, nil
}

func engineParams(c config.EngineConfig) (decision.Params, error) {
	vl, err := fixedpoint.ParseUnits(c.MinVirtualLiquidity, fixedpoint.CreditDecimals)
	if err != nil {
		return decision.Params{}, err
	}
	return decision.Params{
		FeeBps:              c.FeeBps,
		MaxProposals:        c.MaxProposals,
		MinVirtualLiquidity: vl,
		MaxChangePerBlock:   c.MaxChangePerBlock,
		StaleThreshold:      c.StaleThresholdBlocks,
	}, nil
}
