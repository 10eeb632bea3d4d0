package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings shared by every process.
type Config struct {
	// HTTP
	Port        string
	GatewayPort string

	// Database
	DBPath string

	// Redis (locks + queues)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Notification gateway
	GatewayURL string
	EmitSecret string
	JWTSecret  string

	// Queues
	TradeQueue      string
	SettlementQueue string
	Prefetch        int
	MaxAttempts     int

	// Round parameters file
	RoundsPath string

	Rounds Rounds
}

// Rounds holds the session-round parameters loaded from rounds.yaml.
type Rounds struct {
	SessionDuration time.Duration
	SettlementDelay time.Duration
	CleanupDelay    time.Duration

	// PayoutRatio is the win profit as a fraction of the stake.
	PayoutRatio float64

	UserLockTTL   time.Duration
	SettleLockTTL time.Duration
}

// roundsFile is the on-disk shape; durations are whole seconds.
type roundsFile struct {
	SessionDurationSeconds int     `yaml:"session_duration_seconds"`
	SettlementDelaySeconds int     `yaml:"settlement_delay_seconds"`
	CleanupDelaySeconds    int     `yaml:"cleanup_delay_seconds"`
	PayoutRatio            float64 `yaml:"payout_ratio"`
	UserLockTTLSeconds     int     `yaml:"user_lock_ttl_seconds"`
	SettleLockTTLSeconds   int     `yaml:"settle_lock_ttl_seconds"`
}

// DefaultRounds matches the production round: 60s windows, a 12s pause
// before settlement, 90% payout on a win.
func DefaultRounds() Rounds {
	return Rounds{
		SessionDuration: time.Minute,
		SettlementDelay: 12 * time.Second,
		CleanupDelay:    30 * time.Second,
		PayoutRatio:     0.9,
		UserLockTTL:     10 * time.Second,
		SettleLockTTL:   2 * time.Minute,
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8081"),
		GatewayPort:     getEnv("GATEWAY_PORT", "8082"),
		DBPath:          getEnv("DB_PATH", "./data/trading.db"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		GatewayURL:      getEnv("GATEWAY_URL", "http://localhost:8082"),
		EmitSecret:      getEnv("EMIT_SECRET", "dev-emit-secret"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		TradeQueue:      getEnv("TRADE_QUEUE", "trades:place"),
		SettlementQueue: getEnv("SETTLEMENT_QUEUE", "sessions:settle"),
		Prefetch:        getEnvInt("QUEUE_PREFETCH", 5),
		MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		RoundsPath:      getEnv("ROUNDS_PATH", "rounds.yaml"),
	}

	rounds, err := LoadRounds(cfg.RoundsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		rounds = DefaultRounds()
	}
	cfg.Rounds = rounds

	return cfg, nil
}

// LoadRounds reads round parameters from a YAML file, filling in defaults
// for fields the file leaves at zero.
func LoadRounds(path string) (Rounds, error) {
	def := DefaultRounds()

	data, err := os.ReadFile(path)
	if err != nil {
		return def, err
	}

	var f roundsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return def, err
	}

	r := def
	if f.SessionDurationSeconds > 0 {
		r.SessionDuration = time.Duration(f.SessionDurationSeconds) * time.Second
	}
	if f.SettlementDelaySeconds > 0 {
		r.SettlementDelay = time.Duration(f.SettlementDelaySeconds) * time.Second
	}
	if f.CleanupDelaySeconds > 0 {
		r.CleanupDelay = time.Duration(f.CleanupDelaySeconds) * time.Second
	}
	if f.PayoutRatio > 0 {
		r.PayoutRatio = f.PayoutRatio
	}
	if f.UserLockTTLSeconds > 0 {
		r.UserLockTTL = time.Duration(f.UserLockTTLSeconds) * time.Second
	}
	if f.SettleLockTTLSeconds > 0 {
		r.SettleLockTTL = time.Duration(f.SettleLockTTLSeconds) * time.Second
	}
	return r, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
