// Package config defines the top-level configuration for the market service
// and CLI and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SBMARKET_* environment variables.
type Config struct {
	Network  NetworkConfig  `toml:"network"`
	Contract ContractConfig `toml:"contract"`
	Fees     FeesConfig     `toml:"fees"`
	Wallet   WalletConfig   `toml:"wallet"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// NetworkConfig holds the Voi node endpoints.
type NetworkConfig struct {
	AlgodURL   string `toml:"algod_url"`
	AlgodToken string `toml:"algod_token"`
	IndexerURL string `toml:"indexer_url"`
	// ChainID is the CAIP-2 chain reference used by WalletConnect sessions.
	ChainID      string   `toml:"chain_id"`
	PollInterval duration `toml:"poll_interval"`
	// ConfirmRounds is how many rounds to wait for a submitted group.
	ConfirmRounds uint64 `toml:"confirm_rounds"`
}

// ContractConfig identifies the market application. AppID 0 means the
// contract is not deployed yet and write actions are disabled.
type ContractConfig struct {
	AppID            uint64 `toml:"app_id"`
	BuyMethod        string `toml:"buy_method"`
	ClaimMethod      string `toml:"claim_method"`
	PriceStepMicro   uint64 `toml:"price_step_micro"`
	DefaultBasePrice uint64 `toml:"default_base_price_micro"`
}

// FeesConfig holds the flat fees and the storage deposit. They are tuned for
// the deployed contract version; revisit them when the contract changes.
type FeesConfig struct {
	// BoxMBR is the one-time deposit added to the payment on an account's
	// first purchase of an outcome: 2_500 + 400 * (44 + 8).
	BoxMBR   uint64 `toml:"box_mbr"`
	PayFee   uint64 `toml:"pay_fee"`
	BuyFee   uint64 `toml:"buy_fee"`
	ClaimFee uint64 `toml:"claim_fee"`
}

// WalletConfig configures the wallet providers.
type WalletConfig struct {
	// Default is the provider used when none was persisted.
	Default       string              `toml:"default"`
	StateDir      string              `toml:"state_dir"`
	Extension     ExtensionConfig     `toml:"extension"`
	WalletConnect WalletConnectConfig `toml:"walletconnect"`
	Local         LocalWalletConfig   `toml:"local"`
}

// ExtensionConfig points at the ARC-0027 provider bridge.
type ExtensionConfig struct {
	BridgeURL  string `toml:"bridge_url"`
	ProviderID string `toml:"provider_id"`
}

// WalletConnectConfig holds relay parameters for the remote-session provider.
type WalletConnectConfig struct {
	RelayURL        string   `toml:"relay_url"`
	ProjectID       string   `toml:"project_id"`
	AppName         string   `toml:"app_name"`
	AppURL          string   `toml:"app_url"`
	ApprovalTimeout duration `toml:"approval_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
}

// LocalWalletConfig holds the headless keystore signer settings.
type LocalWalletConfig struct {
	Mnemonic         string `toml:"mnemonic"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the periodic snapshot archive to object storage.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "15s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// TxRateLimit caps flow and transaction requests per client IP per
	// TxRateWindow. Requires redis; zero disables it.
	TxRateLimit  int      `toml:"tx_rate_limit"`
	TxRateWindow duration `toml:"tx_rate_window"`
	// FlowLockTTL bounds how long a crashed flow can block new ones.
	FlowLockTTL duration `toml:"flow_lock_ttl"`
}

// NotifyConfig holds notification channel credentials. Toasts always go to
// connected WebSocket clients; these senders mirror them elsewhere.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Network: NetworkConfig{
			AlgodURL:      "https://mainnet-api.voi.nodely.dev",
			IndexerURL:    "https://mainnet-idx.voi.nodely.dev",
			ChainID:       "r20fSQI8gWe_kFZziNonSPCXLwcQmH_n",
			PollInterval:  duration{15 * time.Second},
			ConfirmRounds: 4,
		},
		Contract: ContractConfig{
			AppID:            0,
			BuyMethod:        "buy_shares(pay,bool)void",
			ClaimMethod:      "claim_winnings()void",
			PriceStepMicro:   10_000,
			DefaultBasePrice: 510_000,
		},
		Fees: FeesConfig{
			BoxMBR:   23_300,
			PayFee:   1_000,
			BuyFee:   2_000,
			ClaimFee: 3_000,
		},
		Wallet: WalletConfig{
			Default:  "walletconnect",
			StateDir: ".sbmarket",
			Extension: ExtensionConfig{
				BridgeURL:  "http://127.0.0.1:8787",
				ProviderID: "kibisis",
			},
			WalletConnect: WalletConnectConfig{
				RelayURL:        "wss://relay.walletconnect.com",
				AppName:         "Super Bowl Prediction Market",
				AppURL:          "http://localhost:8000",
				ApprovalTimeout: duration{5 * time.Minute},
				RequestTimeout:  duration{5 * time.Minute},
			},
		},
		Redis: RedisConfig{
			Enabled:         true,
			Addr:            "localhost:6379",
			PoolSize:        10,
			MaxRetries:      3,
			CacheTTLMinutes: 60,
			StreamMaxLen:    10000,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "sbmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sbmarket-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Cron:    "0 5 * * *",
			Prefix:  "snapshots",
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:5173"},
			TxRateLimit:  10,
			TxRateWindow: duration{time.Minute},
			FlowLockTTL:  duration{6 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"wallet", "trade", "error"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validProviders enumerates the accepted values for WalletConfig.Default.
var validProviders = map[string]bool{
	"extension":     true,
	"walletconnect": true,
	"local":         true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Network
	if _, err := url.ParseRequestURI(c.Network.AlgodURL); err != nil {
		errs = append(errs, fmt.Sprintf("network: algod_url %q is not a valid URL", c.Network.AlgodURL))
	}
	if c.Network.PollInterval.Duration < time.Second {
		errs = append(errs, "network: poll_interval must be >= 1s")
	}
	if c.Network.ChainID == "" {
		errs = append(errs, "network: chain_id must not be empty")
	}

	// Contract
	if c.Contract.BuyMethod == "" || c.Contract.ClaimMethod == "" {
		errs = append(errs, "contract: buy_method and claim_method must be set")
	}
	if c.Contract.PriceStepMicro == 0 {
		errs = append(errs, "contract: price_step_micro must be > 0")
	}

	// Fees
	if c.Fees.PayFee == 0 || c.Fees.BuyFee == 0 || c.Fees.ClaimFee == 0 {
		errs = append(errs, "fees: pay_fee, buy_fee and claim_fee must be > 0")
	}

	// Wallet
	if !validProviders[strings.ToLower(c.Wallet.Default)] {
		errs = append(errs, fmt.Sprintf("wallet: unknown default provider %q (valid: extension, walletconnect, local)", c.Wallet.Default))
	}
	if c.Wallet.Local.EncryptedKeyPath != "" && c.Wallet.Local.KeyPassword == "" {
		errs = append(errs, "wallet: local.key_password is required when local.encrypted_key_path is set")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if strings.EqualFold(c.Mode, "server") && c.Server.Enabled {
		errs = append(errs, "redis: must be enabled in server mode (websocket fan-out)")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		} else if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron %q: %v", c.Archive.Cron, err))
		}
		if !c.Redis.Enabled {
			errs = append(errs, "archive: requires redis (snapshot stream)")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.TxRateLimit > 0 && c.Server.TxRateWindow.Duration <= 0 {
			errs = append(errs, "server: tx_rate_window must be > 0 when tx_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
