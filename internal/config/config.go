package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pricefeed/internal/exchanges"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Snapshot SnapshotConfig
	Exchange ExchangeConfig
	Session  SessionConfig
	Price    PriceConfig
	Symbols  SymbolsConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	GRPCPort    int
	HTTPPort    int
	Environment string
}

type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	SnapshotChannel string
	InboundChannel  string
}

type CacheConfig struct {
	TickerTTL time.Duration
}

// Snapshot sinks
const (
	SinkRedis = "redis"
	SinkKafka = "kafka"
	SinkNone  = "none"
)

type SnapshotConfig struct {
	Sink         string
	KafkaBrokers []string
	KafkaTopic   string
}

// ExchangeLimits paces one exchange. RPS and Burst feed the request pacer,
// PerMinute is the sliding-window budget.
type ExchangeLimits struct {
	RPS       float64
	Burst     int
	PerMinute int
}

// defaultLimits mirror each exchange's published public API limits
var defaultLimits = map[string]ExchangeLimits{
	exchanges.BinanceName:  {RPS: 4.5, Burst: 10, PerMinute: 1200},
	exchanges.KrakenName:   {RPS: 1, Burst: 3, PerMinute: 60},
	exchanges.CoinbaseName: {RPS: 8, Burst: 15, PerMinute: 600},
	exchanges.BybitName:    {RPS: 50, Burst: 100, PerMinute: 600},
	exchanges.OKXName:      {RPS: 3, Burst: 5, PerMinute: 300},
	exchanges.GateIOName:   {RPS: 30, Burst: 50, PerMinute: 900},
}

type ExchangeConfig struct {
	Enabled        map[string]bool
	Limits         map[string]ExchangeLimits
	FetchTimeout   time.Duration
	BatchTimeout   time.Duration
	HealthInterval time.Duration
	RateWindow     time.Duration
	StaleAfter     time.Duration
	ProxyURL       string
}

type SessionConfig struct {
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	Retention       time.Duration
	SendBuffer      int
	MaxSendFailures int
}

// Broadcast modes
const (
	BroadcastBest = "best"
	BroadcastAll  = "all"
)

type PriceConfig struct {
	PollInterval  time.Duration
	BroadcastMode string
	BestPolicy    string
}

type SymbolsConfig struct {
	File           string
	Max            int
	ReloadInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:    getEnvInt("GRPC_PORT", 50051),
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Host:            getEnv("REDIS_HOST", "localhost"),
			Port:            getEnvInt("REDIS_PORT", 6379),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			SnapshotChannel: getEnv("REDIS_SNAPSHOT_CHANNEL", "pricefeed:tickers"),
			InboundChannel:  getEnvAllowEmpty("REDIS_INBOUND_CHANNEL", "pricefeed:inbound:tickers"),
		},
		Cache: CacheConfig{
			TickerTTL: time.Duration(getEnvInt("CACHE_TTL_TICKER", 60)) * time.Second,
		},
		Snapshot: SnapshotConfig{
			Sink:         strings.ToLower(getEnv("SNAPSHOT_SINK", SinkRedis)),
			KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "pricefeed.tickers"),
		},
		Exchange: ExchangeConfig{
			Enabled:        make(map[string]bool, len(exchanges.Names)),
			Limits:         make(map[string]ExchangeLimits, len(exchanges.Names)),
			FetchTimeout:   parseDuration(getEnv("EXCHANGE_FETCH_TIMEOUT", "10s"), 10*time.Second),
			BatchTimeout:   parseDuration(getEnv("EXCHANGE_BATCH_TIMEOUT", "30s"), 30*time.Second),
			HealthInterval: parseDuration(getEnv("EXCHANGE_HEALTH_INTERVAL", "30s"), 30*time.Second),
			RateWindow:     parseDuration(getEnv("RATE_WINDOW", "60s"), 60*time.Second),
			StaleAfter:     parseDuration(getEnv("EXCHANGE_STALE_AFTER", "2m"), 2*time.Minute),
			ProxyURL:       getEnv("HTTP_PROXY_URL", ""),
		},
		Session: SessionConfig{
			IdleTimeout:     parseDuration(getEnv("SESSION_IDLE_TIMEOUT", "30m"), 30*time.Minute),
			ReapInterval:    parseDuration(getEnv("SESSION_REAP_INTERVAL", "1m"), time.Minute),
			Retention:       parseDuration(getEnv("SESSION_RETENTION", "5m"), 5*time.Minute),
			SendBuffer:      getEnvInt("SESSION_SEND_BUFFER", 256),
			MaxSendFailures: getEnvInt("SESSION_MAX_SEND_FAILURES", 5),
		},
		Price: PriceConfig{
			PollInterval:  parseDuration(getEnv("POLL_INTERVAL", "10s"), 10*time.Second),
			BroadcastMode: strings.ToLower(getEnv("PRICE_BROADCAST_MODE", BroadcastBest)),
			BestPolicy:    strings.ToLower(getEnv("BEST_PRICE_POLICY", "highest")),
		},
		Symbols: SymbolsConfig{
			File:           getEnv("SYMBOLS_FILE", "config/symbols.yaml"),
			Max:            getEnvInt("SYMBOLS_MAX", 100),
			ReloadInterval: parseDuration(getEnv("SYMBOLS_RELOAD_INTERVAL", "5m"), 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	for _, name := range exchanges.Names {
		key := strings.ToUpper(name)
		cfg.Exchange.Enabled[name] = getEnvBool("ENABLE_"+key, true)

		limits := defaultLimits[name]
		limits.PerMinute = getEnvInt("RATE_LIMIT_"+key, limits.PerMinute)
		cfg.Exchange.Limits[name] = limits
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("HTTP_PORT and GRPC_PORT must be positive")
	}
	if c.Exchange.FetchTimeout <= 0 || c.Exchange.BatchTimeout <= 0 {
		return fmt.Errorf("exchange timeouts must be positive")
	}
	if c.Price.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be positive")
	}

	switch c.Price.BroadcastMode {
	case BroadcastBest, BroadcastAll:
	default:
		return fmt.Errorf("unknown PRICE_BROADCAST_MODE %q", c.Price.BroadcastMode)
	}

	switch c.Price.BestPolicy {
	case "highest", "lowest":
	default:
		return fmt.Errorf("unknown BEST_PRICE_POLICY %q", c.Price.BestPolicy)
	}

	switch c.Snapshot.Sink {
	case SinkRedis, SinkNone:
	case SinkKafka:
		if len(c.Snapshot.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka sink")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_SINK %q", c.Snapshot.Sink)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	return nil
}

// EnabledExchanges lists enabled exchanges in registration order
func (c *ExchangeConfig) EnabledExchanges() []string {
	var out []string
	for _, name := range exchanges.Names {
		if c.Enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty distinguishes an unset variable from one set to ""
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
