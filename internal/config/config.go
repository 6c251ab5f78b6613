package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the decision core
type Config struct {
	// Telegram (optional; bot disabled when token is empty)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Venue
	Venue             string
	HyperliquidAPIURL string
	HyperliquidWSURL  string
	WalletPrivateKey  string
	WalletAddress     string
	VaultAddress      string

	// Bus (empty RedisAddr = in-process bus)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP
	ListenAddr string

	// Episodes
	DefaultStopFraction float64
	EpisodeTimeout      time.Duration

	// Consensus gates
	MinTraders    int
	Supermajority float64
	MinEffectiveK float64
	FreshnessMax  time.Duration
	PriceBandATR  float64
	MinEVR        float64
	StrictATR     bool

	// Risk governor
	EquityFloor        decimal.Decimal
	MarginRatioMin     float64
	MarginRatioWarn    float64
	DailyDrawdownLimit float64
	MaxPositionPct     float64
	MaxExposurePct     float64
	KillSwitchCooldown time.Duration

	// Periodic jobs
	FillSyncInterval time.Duration

	// Snapshot / selection
	SnapshotMinEpisodes int
	FDRAlpha            float64

	// Database: postgres://… URL or a sqlite file path
	DatabaseURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		// Venue
		Venue:             getEnv("VENUE", "hyperliquid"),
		HyperliquidAPIURL: getEnv("HYPERLIQUID_API_URL", "https://api.hyperliquid.xyz"),
		HyperliquidWSURL:  getEnv("HYPERLIQUID_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		WalletPrivateKey:  os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:     os.Getenv("WALLET_ADDRESS"),
		VaultAddress:      os.Getenv("VAULT_ADDRESS"),

		// Bus
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// HTTP
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		// Episodes
		DefaultStopFraction: getEnvFloat("DEFAULT_STOP_FRACTION", 0.02),
		EpisodeTimeout:      getEnvDuration("EPISODE_TIMEOUT", 168*time.Hour),

		// Consensus
		MinTraders:    clampInt(getEnvInt("CONSENSUS_MIN_TRADERS", 3), 2, 10),
		Supermajority: clampFloat(getEnvFloat("CONSENSUS_SUPERMAJORITY", 0.70), 0.51, 0.95),
		MinEffectiveK: clampFloat(getEnvFloat("CONSENSUS_MIN_EFFECTIVE_K", 2.0), 1.0, 5.0),
		FreshnessMax:  clampDuration(getEnvDuration("CONSENSUS_FRESHNESS_MAX", 150*time.Second), 30*time.Second, 600*time.Second),
		PriceBandATR:  clampFloat(getEnvFloat("CONSENSUS_PRICE_BAND_ATR", 0.25), 0.05, 1.0),
		MinEVR:        getEnvFloat("CONSENSUS_MIN_EV_R", 0.20),
		StrictATR:     getEnvBool("CONSENSUS_STRICT_ATR", false),

		// Risk
		EquityFloor:        clampDecimal(getEnvDecimal("RISK_EQUITY_FLOOR", decimal.NewFromInt(10000)), decimal.NewFromInt(1000), decimal.NewFromInt(50000)),
		MarginRatioMin:     getEnvFloat("RISK_MARGIN_RATIO_MIN", 1.5),
		MarginRatioWarn:    getEnvFloat("RISK_MARGIN_RATIO_WARN", 2.25),
		DailyDrawdownLimit: getEnvFloat("RISK_DAILY_DRAWDOWN_LIMIT", 0.05),
		MaxPositionPct:     clampFloat(getEnvFloat("RISK_MAX_POSITION_PCT", 0.10), 0.02, 0.25),
		MaxExposurePct:     clampFloat(getEnvFloat("RISK_MAX_EXPOSURE_PCT", 0.50), 0.25, 1.0),
		KillSwitchCooldown: clampDuration(getEnvDuration("RISK_KILL_SWITCH_COOLDOWN", 24*time.Hour), time.Hour, 7*24*time.Hour),

		// Jobs
		FillSyncInterval: getEnvDuration("FILL_SYNC_INTERVAL", 300*time.Second),

		// Snapshot
		SnapshotMinEpisodes: getEnvInt("SNAPSHOT_MIN_EPISODES", 20),
		FDRAlpha:            getEnvFloat("SNAPSHOT_FDR_ALPHA", 0.10),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "data/sage.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
