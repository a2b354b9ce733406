package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	s3blob "github.com/alanyoungcy/sbmarket/internal/blob/s3"
	"github.com/alanyoungcy/sbmarket/internal/cache/redis"
	"github.com/alanyoungcy/sbmarket/internal/config"
	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
	"github.com/alanyoungcy/sbmarket/internal/notify"
	"github.com/alanyoungcy/sbmarket/internal/platform/voi"
	"github.com/alanyoungcy/sbmarket/internal/service"
	"github.com/alanyoungcy/sbmarket/internal/store/file"
	"github.com/alanyoungcy/sbmarket/internal/store/postgres"
	"github.com/alanyoungcy/sbmarket/internal/txn"
	"github.com/alanyoungcy/sbmarket/internal/wallet"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Chain *voi.Client

	// Market
	Reader   *market.Reader
	Balances *market.BalanceReader
	Poller   *market.Poller

	// Transactions
	Builder   *txn.Builder
	Submitter *txn.Submitter

	// Wallet
	Sessions domain.SessionStore
	Wallets  *wallet.Manager

	// Flows
	Trades *service.TradeService

	// Caches and bus (nil without redis)
	Redis       *redis.Client
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Stores (nil without postgres)
	Postgres    *postgres.Client
	Submissions domain.SubmissionStore
	AuditStore  domain.AuditStore

	// Blob storage (nil without archive)
	BlobStore *s3blob.Client
	Archiver  *s3blob.SnapshotArchiver

	Notifier *notify.Notifier
}

// Option adjusts how Wire builds dependencies.
type Option func(*wireOptions)

type wireOptions struct {
	bus domain.SignalBus
}

// WithBus supplies the signal bus used when redis is disabled. The CLI uses
// it to render phases, pairing URIs and toasts in the terminal.
func WithBus(bus domain.SignalBus) Option {
	return func(o *wireOptions) { o.bus = bus }
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Dependencies, func(), error) {
	var o wireOptions
	for _, opt := range opts {
		opt(&o)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Voi node ---
	chain, err := voi.NewClient(cfg.Network.AlgodURL, cfg.Network.AlgodToken)
	if err != nil {
		return fail(fmt.Errorf("wire: voi: %w", err))
	}
	deps.Chain = chain

	// --- Redis ---
	var snapshots domain.SnapshotCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			CacheTTL:     time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute,
			StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Sessions = redis.NewSessionStore(redisClient, "wallet")
		snapshots = redis.NewSnapshotCache(redisClient)
	} else {
		store, err := file.NewSessionStore(filepath.Join(cfg.Wallet.StateDir, "session.json"))
		if err != nil {
			return fail(fmt.Errorf("wire: session store: %w", err))
		}
		deps.Sessions = store
		deps.SignalBus = o.bus
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		deps.Postgres = pgClient
		deps.Submissions = postgres.NewSubmissionStore(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- S3 snapshot archive ---
	if cfg.Archive.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobStore = s3Client
		deps.Archiver = s3blob.NewArchiver(
			redis.NewSignalBus(deps.Redis),
			redis.NewSessionStore(deps.Redis, "archive"),
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.AuditStore,
			cfg.Archive.Prefix,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if deps.SignalBus != nil {
		deps.Notifier.AddUnfiltered(notify.NewBusSender(deps.SignalBus))
	}

	// --- Market ---
	deps.Reader = market.NewReader(chain, market.ReaderConfig{
		AppID:            cfg.Contract.AppID,
		PriceStep:        cfg.Contract.PriceStepMicro,
		DefaultBasePrice: cfg.Contract.DefaultBasePrice,
	}, snapshots, logger)
	deps.Balances = market.NewBalanceReader(chain, cfg.Contract.AppID, logger)

	// --- Transactions ---
	deps.Submitter = txn.NewSubmitter(chain, cfg.Network.ConfirmRounds, logger)
	deps.Builder, err = txn.NewBuilder(txn.BuilderConfig{
		AppID:       cfg.Contract.AppID,
		BuyMethod:   cfg.Contract.BuyMethod,
		ClaimMethod: cfg.Contract.ClaimMethod,
		Fees: txn.Fees{
			PayFee:   cfg.Fees.PayFee,
			BuyFee:   cfg.Fees.BuyFee,
			ClaimFee: cfg.Fees.ClaimFee,
			BoxMBR:   cfg.Fees.BoxMBR,
		},
	}, chain, deps.Balances)
	if err != nil {
		return fail(fmt.Errorf("wire: builder: %w", err))
	}

	// --- Wallet ---
	providers, err := wireProviders(ctx, cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	deps.Wallets = wallet.NewManager(providers, deps.Sessions, deps.Notifier, deps.SignalBus, logger)
	closers = append(closers, func() { closeProviders(providers) })

	deps.Poller = market.NewPoller(deps.Reader, deps.Balances, deps.Wallets.Address, deps.SignalBus, cfg.Network.PollInterval.Duration, logger)
	deps.Wallets.OnAccountChange(deps.Poller.Follow)

	// --- Flows ---
	deps.Trades = service.NewTradeService(service.TradeDeps{
		Builder:     deps.Builder,
		Wallet:      deps.Wallets,
		Chain:       deps.Submitter,
		Market:      deps.Reader,
		Balances:    deps.Poller,
		Boxes:       deps.Balances,
		Submissions: deps.Submissions,
		Audit:       deps.AuditStore,
		Locks:       deps.LockManager,
		Bus:         deps.SignalBus,
		Notifier:    deps.Notifier,
	}, market.QuoteFees{
		NetworkFee: cfg.Fees.PayFee + cfg.Fees.BuyFee,
		BoxMBR:     cfg.Fees.BoxMBR,
	}, cfg.Server.FlowLockTTL.Duration, logger)

	return deps, cleanup, nil
}

// wireProviders builds every wallet provider the configuration can support.
// The local signer is only registered when a key source is configured.
func wireProviders(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) ([]wallet.Provider, error) {
	w := cfg.Wallet
	providers := []wallet.Provider{
		wallet.NewExtension(wallet.ExtensionConfig{
			BridgeURL:   w.Extension.BridgeURL,
			ProviderID:  w.Extension.ProviderID,
			GenesisHash: cfg.Network.ChainID,
		}, deps.Sessions, deps.Submitter, logger),
	}

	auth, err := wallet.LoadRelayAuth(ctx, deps.Sessions)
	if err != nil {
		return nil, fmt.Errorf("wire: relay auth: %w", err)
	}
	var presenter wallet.PairingPresenter
	if deps.SignalBus != nil {
		presenter = wallet.NewBusPresenter(deps.SignalBus)
	}
	providers = append(providers, wallet.NewWalletConnect(
		wallet.WalletConnectConfig{
			ProjectID:       w.WalletConnect.ProjectID,
			ChainID:         cfg.Network.ChainID,
			AppName:         w.WalletConnect.AppName,
			AppURL:          w.WalletConnect.AppURL,
			ApprovalTimeout: w.WalletConnect.ApprovalTimeout.Duration,
			RequestTimeout:  w.WalletConnect.RequestTimeout.Duration,
		},
		wallet.NewRelayDialer(w.WalletConnect.RelayURL, w.WalletConnect.ProjectID, auth, logger),
		deps.Sessions,
		deps.Submitter,
		presenter,
		logger,
	))

	if w.Local.Mnemonic != "" || w.Local.EncryptedKeyPath != "" {
		providers = append(providers, wallet.NewLocal(crypto.KeyConfig{
			Mnemonic:         w.Local.Mnemonic,
			EncryptedKeyPath: w.Local.EncryptedKeyPath,
			KeyPassword:      w.Local.KeyPassword,
		}, deps.Sessions, deps.Submitter, logger))
	}
	return providers, nil
}

// closeProviders releases relay connections held by providers.
func closeProviders(providers []wallet.Provider) {
	for _, p := range providers {
		if c, ok := p.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
