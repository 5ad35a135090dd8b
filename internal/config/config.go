package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Auth    AuthConfig
	Limits  LimitsConfig
	Streams StreamsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type AuthConfig struct {
	TokenSecret string
}

// TierLimits holds the point budgets and window sizes for one subscription tier.
type TierLimits struct {
	SessionLimitPoints int64
	WeeklyLimitPoints  int64
	SessionWindow      time.Duration
	WeeklyWindow       time.Duration
}

// LimitsConfig is the rate-limit decision surface: free-tier request window,
// per-tier point budgets, and extra-usage billing parameters.
type LimitsConfig struct {
	FreeRequestsPerWindow int
	FreeWindowSeconds     int

	Tiers map[string]TierLimits

	ExtraUsageMultiplier float64
	MonthlyCapPoints     int64
}

// FreeWindow returns the free-tier sliding window as a duration.
func (c LimitsConfig) FreeWindow() time.Duration {
	return time.Duration(c.FreeWindowSeconds) * time.Second
}

// StreamsConfig covers stream lifecycle coordination: cancellation polling,
// the preemptive timeout safety buffer, and per-endpoint hard execution limits.
type StreamsConfig struct {
	PollInterval       time.Duration
	SafetyBuffer       time.Duration
	EndpointHardLimits map[string]time.Duration
	ChunkTTL           time.Duration
	SnapshotTTL        time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: k.Strings("server.cors.origins"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		Auth: AuthConfig{
			TokenSecret: k.String("auth.token.secret"),
		},
		Limits: LimitsConfig{
			FreeRequestsPerWindow: k.Int("limits.free.requests"),
			FreeWindowSeconds:     k.Int("limits.free.window.seconds"),
			ExtraUsageMultiplier:  k.Float64("limits.extra.multiplier"),
			MonthlyCapPoints:      k.Int64("limits.monthly.cap.points"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "agentmeter"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "agentmeter"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Limits.FreeRequestsPerWindow == 0 {
		cfg.Limits.FreeRequestsPerWindow = 50
	}
	if cfg.Limits.FreeWindowSeconds == 0 {
		cfg.Limits.FreeWindowSeconds = 4 * 3600
	}
	if cfg.Limits.ExtraUsageMultiplier == 0 {
		cfg.Limits.ExtraUsageMultiplier = 1.1
	}
	if cfg.Limits.MonthlyCapPoints == 0 {
		cfg.Limits.MonthlyCapPoints = 5_000_000 // $500 at base rate
	}
	cfg.Limits.Tiers = tierLimits(k)

	cfg.Streams.PollInterval = durationOr(k, "streams.poll.interval.ms", time.Millisecond, 1000*time.Millisecond)
	cfg.Streams.SafetyBuffer = durationOr(k, "streams.safety.buffer.seconds", time.Second, 30*time.Second)
	cfg.Streams.ChunkTTL = durationOr(k, "streams.chunk.ttl.seconds", time.Second, 30*time.Minute)
	cfg.Streams.SnapshotTTL = durationOr(k, "streams.snapshot.ttl.seconds", time.Second, 24*time.Hour)
	cfg.Streams.EndpointHardLimits = endpointHardLimits(k)

	return cfg, nil
}

// tierLimits builds the per-tier budget table, letting env vars override the
// shipped defaults (LIMITS_TIER_PRO_SESSION_POINTS and friends).
func tierLimits(k *koanf.Koanf) map[string]TierLimits {
	defaults := map[string]TierLimits{
		"pro":      {SessionLimitPoints: 10_000, WeeklyLimitPoints: 50_000, SessionWindow: 5 * time.Hour, WeeklyWindow: 7 * 24 * time.Hour},
		"pro_plus": {SessionLimitPoints: 30_000, WeeklyLimitPoints: 150_000, SessionWindow: 5 * time.Hour, WeeklyWindow: 7 * 24 * time.Hour},
		"ultra":    {SessionLimitPoints: 100_000, WeeklyLimitPoints: 500_000, SessionWindow: 5 * time.Hour, WeeklyWindow: 7 * 24 * time.Hour},
		"team":     {SessionLimitPoints: 30_000, WeeklyLimitPoints: 150_000, SessionWindow: 5 * time.Hour, WeeklyWindow: 7 * 24 * time.Hour},
	}

	out := make(map[string]TierLimits, len(defaults))
	for tier, def := range defaults {
		prefix := "limits.tier." + tier
		tl := def
		if v := k.Int64(prefix + ".session.points"); v > 0 {
			tl.SessionLimitPoints = v
		}
		if v := k.Int64(prefix + ".weekly.points"); v > 0 {
			tl.WeeklyLimitPoints = v
		}
		if v := k.Int(prefix + ".session.window.hours"); v > 0 {
			tl.SessionWindow = time.Duration(v) * time.Hour
		}
		if v := k.Int(prefix + ".weekly.window.hours"); v > 0 {
			tl.WeeklyWindow = time.Duration(v) * time.Hour
		}
		out[tier] = tl
	}
	return out
}

// endpointHardLimits reads the per-endpoint platform execution ceilings.
// The reference deployment ships 180s for chat and 800s for agent endpoints.
func endpointHardLimits(k *koanf.Koanf) map[string]time.Duration {
	out := map[string]time.Duration{
		"chat":  180 * time.Second,
		"agent": 800 * time.Second,
	}
	for endpoint := range out {
		if v := k.Int("streams.hard.limit." + endpoint + ".seconds"); v > 0 {
			out[endpoint] = time.Duration(v) * time.Second
		}
	}
	return out
}

func durationOr(k *koanf.Koanf, key string, unit, def time.Duration) time.Duration {
	if v := k.Int(key); v > 0 {
		return time.Duration(v) * unit
	}
	return def
}
