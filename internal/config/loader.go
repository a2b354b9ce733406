package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SBMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// LoadOptional behaves like Load but treats a missing file as empty. The CLI
// uses it so a bare checkout works against mainnet defaults.
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// applyEnvOverrides reads well-known SBMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Network ──
	setStr(&cfg.Network.AlgodURL, "SBMARKET_NETWORK_ALGOD_URL")
	setStr(&cfg.Network.AlgodToken, "SBMARKET_NETWORK_ALGOD_TOKEN")
	setStr(&cfg.Network.IndexerURL, "SBMARKET_NETWORK_INDEXER_URL")
	setStr(&cfg.Network.ChainID, "SBMARKET_NETWORK_CHAIN_ID")
	setDuration(&cfg.Network.PollInterval, "SBMARKET_NETWORK_POLL_INTERVAL")
	setUint64(&cfg.Network.ConfirmRounds, "SBMARKET_NETWORK_CONFIRM_ROUNDS")

	// ── Contract ──
	setUint64(&cfg.Contract.AppID, "SBMARKET_CONTRACT_APP_ID")
	setUint64(&cfg.Contract.AppID, "SBMARKET_APP_ID") // short alias
	setStr(&cfg.Contract.BuyMethod, "SBMARKET_CONTRACT_BUY_METHOD")
	setStr(&cfg.Contract.ClaimMethod, "SBMARKET_CONTRACT_CLAIM_METHOD")
	setUint64(&cfg.Contract.PriceStepMicro, "SBMARKET_CONTRACT_PRICE_STEP_MICRO")

	// ── Fees ──
	setUint64(&cfg.Fees.BoxMBR, "SBMARKET_FEES_BOX_MBR")
	setUint64(&cfg.Fees.PayFee, "SBMARKET_FEES_PAY_FEE")
	setUint64(&cfg.Fees.BuyFee, "SBMARKET_FEES_BUY_FEE")
	setUint64(&cfg.Fees.ClaimFee, "SBMARKET_FEES_CLAIM_FEE")

	// ── Wallet ──
	setStr(&cfg.Wallet.Default, "SBMARKET_WALLET_DEFAULT")
	setStr(&cfg.Wallet.StateDir, "SBMARKET_WALLET_STATE_DIR")
	setStr(&cfg.Wallet.Extension.BridgeURL, "SBMARKET_WALLET_EXTENSION_BRIDGE_URL")
	setStr(&cfg.Wallet.Extension.ProviderID, "SBMARKET_WALLET_EXTENSION_PROVIDER_ID")
	setStr(&cfg.Wallet.WalletConnect.RelayURL, "SBMARKET_WALLET_WC_RELAY_URL")
	setStr(&cfg.Wallet.WalletConnect.ProjectID, "SBMARKET_WALLET_WC_PROJECT_ID")
	setStr(&cfg.Wallet.WalletConnect.AppURL, "SBMARKET_WALLET_WC_APP_URL")
	setDuration(&cfg.Wallet.WalletConnect.ApprovalTimeout, "SBMARKET_WALLET_WC_APPROVAL_TIMEOUT")
	setStr(&cfg.Wallet.Local.Mnemonic, "SBMARKET_WALLET_MNEMONIC")
	setStr(&cfg.Wallet.Local.EncryptedKeyPath, "SBMARKET_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.Local.KeyPassword, "SBMARKET_WALLET_KEY_PASSWORD")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SBMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SBMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SBMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SBMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SBMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SBMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SBMARKET_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SBMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SBMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SBMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SBMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SBMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SBMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SBMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SBMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SBMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SBMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SBMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SBMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SBMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "SBMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SBMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SBMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SBMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SBMARKET_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SBMARKET_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "SBMARKET_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "SBMARKET_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SBMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SBMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SBMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SBMARKET_SERVER_API_KEY")
	setInt(&cfg.Server.TxRateLimit, "SBMARKET_SERVER_TX_RATE_LIMIT")
	setDuration(&cfg.Server.TxRateWindow, "SBMARKET_SERVER_TX_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SBMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SBMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SBMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SBMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SBMARKET_MODE")
	setStr(&cfg.LogLevel, "SBMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
