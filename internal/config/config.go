// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults,
// mirroring the fleet, failover, rate-limit, and webhook knobs described in
// the system's operating manual.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BotSpec is one statically-configured fleet member.
type BotSpec struct {
	ID                string
	Token             string
	Name              string
	Priority          int
	MaxRequestsPerMin int
	Enabled           bool
}

// FailoverConfig controls the failover manager.
type FailoverConfig struct {
	FailureThreshold      int
	RecoveryCheckInterval time.Duration
	AutoFailoverEnabled   bool
}

// RateLimitConfig holds the default rule knobs.
type RateLimitConfig struct {
	MaxRequests        int
	WindowSeconds      int
	BurstAllowance     int
	PunishmentDuration time.Duration
}

// Config holds all application configuration.
type Config struct {
	BotToken       string
	SupportGroupID string

	MultiBotEnabled bool
	Bots            []BotSpec

	AdminUserIDs     []string
	ExternalGroupIDs []string

	Failover  FailoverConfig
	RateLimit RateLimitConfig

	WebhookPath    string
	PublicBaseURL  string
	BotAPIBaseURL  string
	ListenAddr     string
	AdminAddr      string
	AllowedOrigins []string
	Environment    string

	DBPath   string
	RedisURL string

	WorkerCount        int
	StaleSweepInterval time.Duration
	ProcessingDeadline time.Duration
	DedupeLockTTL      time.Duration

	DashboardPushInterval time.Duration
}

// IsDevelopment reports whether the server is running in local/dev mode,
// relaxing CORS and WebSocket origin checks.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BotToken:       getEnv("BOT_TOKEN", ""),
		SupportGroupID: getEnv("SUPPORT_GROUP_ID", ""),

		MultiBotEnabled: getEnvBool("MULTI_BOT_ENABLED", false),

		AdminUserIDs:     getEnvList("ADMIN_USER_IDS"),
		ExternalGroupIDs: getEnvList("EXTERNAL_GROUP_IDS"),

		Failover: FailoverConfig{
			FailureThreshold:      getEnvInt("BOT_FAILURE_THRESHOLD", 3),
			RecoveryCheckInterval: getEnvDuration("BOT_RECOVERY_CHECK_INTERVAL", 300*time.Second),
			AutoFailoverEnabled:   getEnvBool("AUTO_FAILOVER_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:        getEnvInt("RATE_LIMIT_MAX_REQUESTS", 5),
			WindowSeconds:      getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 30),
			BurstAllowance:     getEnvInt("RATE_LIMIT_BURST_ALLOWANCE", 2),
			PunishmentDuration: getEnvDuration("RATE_LIMIT_PUNISHMENT_DURATION", 60*time.Second),
		},

		WebhookPath:    getEnv("WEBHOOK_PATH", "/webhook"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		BotAPIBaseURL:  getEnv("BOT_API_BASE_URL", "https://api.telegram.org/bot"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		AdminAddr:      getEnv("ADMIN_ADDR", ":8081"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		Environment:    getEnv("ENVIRONMENT", "production"),

		DBPath:   getEnv("DB_PATH", "./data/broker.db"),
		RedisURL: getEnv("REDIS_URL", ""),

		WorkerCount:        getEnvInt("WORKER_COUNT", 0), // 0 = twice the enabled bot count at startup
		StaleSweepInterval: getEnvDuration("STALE_SWEEP_INTERVAL", 60*time.Second),
		ProcessingDeadline: getEnvDuration("PROCESSING_DEADLINE", 300*time.Second),
		DedupeLockTTL:      getEnvDuration("DEDUPE_LOCK_TTL", 60*time.Second),

		DashboardPushInterval: getEnvDuration("DASHBOARD_PUSH_INTERVAL", 5*time.Second),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	cfg.Bots = parseBotList(getEnv("BOTS", ""))
	if cfg.MultiBotEnabled && len(cfg.Bots) == 0 && cfg.BotToken != "" {
		cfg.Bots = []BotSpec{{
			ID: "primary", Token: cfg.BotToken, Name: "primary",
			Priority: 1, MaxRequestsPerMin: 20, Enabled: true,
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseBotList parses BOTS="id:token:name:priority:max_rpm:enabled,..." entries.
func parseBotList(raw string) []BotSpec {
	if raw == "" {
		return nil
	}
	var specs []BotSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		spec := BotSpec{Priority: 5, MaxRequestsPerMin: 20, Enabled: true}
		if len(parts) > 0 {
			spec.ID = parts[0]
		}
		if len(parts) > 1 {
			spec.Token = parts[1]
		}
		if len(parts) > 2 {
			spec.Name = parts[2]
		}
		if len(parts) > 3 {
			if p, err := strconv.Atoi(parts[3]); err == nil {
				spec.Priority = p
			}
		}
		if len(parts) > 4 {
			if m, err := strconv.Atoi(parts[4]); err == nil {
				spec.MaxRequestsPerMin = m
			}
		}
		if len(parts) > 5 {
			spec.Enabled = parseBool(parts[5], true)
		}
		if spec.Name == "" {
			spec.Name = spec.ID
		}
		specs = append(specs, spec)
	}
	return specs
}

// Validate checks required configuration fields.
func (c *Config) Validate() error {
	if c.BotToken == "" && len(c.Bots) == 0 {
		return fmt.Errorf("BOT_TOKEN or BOTS must be set")
	}
	if c.SupportGroupID == "" {
		return fmt.Errorf("SUPPORT_GROUP_ID cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Failover.FailureThreshold <= 0 {
		return fmt.Errorf("BOT_FAILURE_THRESHOLD must be > 0")
	}
	return nil
}

// IsAdmin reports whether userID is in the privileged admin list.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsExternalGroup reports whether chatID is an additionally-listened group.
func (c *Config) IsExternalGroup(chatID string) bool {
	for _, id := range c.ExternalGroupIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return parseBool(value, fallback)
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
