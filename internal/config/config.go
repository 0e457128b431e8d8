package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBPath string

	// Bitcoin
	BTCNetwork           string
	BTCPayTo             string
	EsploraURL           string
	MinConfirmations     int
	FeeRate              int
	BalanceChecksPerHour int

	// Pricing
	FiatCurrency string
	TickerURL    string

	// cjdns
	CJDNSAdminAddr string
	CJDNSAdminPass string
	TunnelPrefix   int
	DefaultNetwork string

	// Intervals and timeouts
	PollInterval     time.Duration
	PollMaxAge       time.Duration
	ExpiryInterval   time.Duration
	SyncInterval     time.Duration
	RecoveryInterval time.Duration
	RPCTimeout       time.Duration
	WalletTimeout    time.Duration

	// Ops
	OpsPort       int
	AlertBotToken string
	AlertChatID   int64
	LogLevel      slog.Level
}

func Load() *Config {
	network := getEnv("BTC_NETWORK", "test")

	cfg := &Config{
		// Database
		DBPath: getEnv("DB_PATH", "./tunneld.db"),

		// Bitcoin
		BTCNetwork:           network,
		BTCPayTo:             getEnv("BTC_PAYTO", ""),
		EsploraURL:           strings.TrimSuffix(getEnv("ESPLORA_URL", defaultEsplora(network)), "/"),
		MinConfirmations:     getEnvInt("MIN_CONFIRMATIONS", 1),
		FeeRate:              getEnvInt("FEE_RATE", 10),
		BalanceChecksPerHour: getEnvInt("BALANCE_CHECKS_PER_HOUR", 600),

		// Pricing
		FiatCurrency: getEnv("FIAT_CURRENCY", "USD"),
		TickerURL:    getEnv("TICKER_URL", "https://blockchain.info/ticker"),

		// cjdns
		CJDNSAdminAddr: getEnv("CJDNS_ADMIN_ADDR", "127.0.0.1:11234"),
		CJDNSAdminPass: getEnv("CJDNS_ADMIN_PASS", ""),
		TunnelPrefix:   getEnvInt("TUNNEL_IP4_PREFIX", 0),
		DefaultNetwork: getEnv("DEFAULT_NETWORK", "10.27.75.0"),

		// Intervals and timeouts
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Minute),
		PollMaxAge:       getEnvDuration("POLL_MAX_AGE", 7*24*time.Hour),
		ExpiryInterval:   getEnvDuration("EXPIRY_INTERVAL", 10*time.Minute),
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		RecoveryInterval: getEnvDuration("RECOVERY_INTERVAL", 10*time.Minute),
		RPCTimeout:       getEnvDuration("RPC_TIMEOUT", 10*time.Second),
		WalletTimeout:    getEnvDuration("WALLET_TIMEOUT", 30*time.Second),

		// Ops
		OpsPort:       getEnvInt("OPS_PORT", 9100),
		AlertBotToken: getEnv("ALERT_BOT_TOKEN", ""),
		AlertChatID:   getEnvInt64("ALERT_CHAT_ID", 0),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}

	return cfg
}

func defaultEsplora(network string) string {
	switch network {
	case "live", "main", "mainnet":
		return "https://blockstream.info/api"
	default:
		return "https://blockstream.info/testnet/api"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	if val := os.Getenv(key); val != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(val)); err == nil {
			return level
		}
	}
	return defaultVal
}
