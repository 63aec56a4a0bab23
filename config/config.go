package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes select which loops cmd/api starts.
const (
	RunModeAPI    = "api"
	RunModeWorker = "worker"
	RunModeAll    = "all"
)

// Config holds all configuration for the service.
type Config struct {
	RunMode string

	// Postgres
	DatabaseURL   string
	RunMigrations bool

	// HTTP
	APIPort         string
	TrustedProxies  []netip.Prefix
	AppBaseURL      string
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Auth
	JWTSecret     string
	JWTTTL        time.Duration
	AdminEmail    string
	AdminPassword string

	// Redis (asynq queue + distributed rate limiting). Empty addr disables both.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Domain defaults
	BuyerCodeTTL       time.Duration
	DefaultMaxListings int
	CodeLookupLimit    int
	CodeLookupWindow   time.Duration
}

// Load reads configuration from the environment, seeded from a .env file when present.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
			return value
		}
		return defaultValue
	}
	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("config: missing required environment variable: %s", key)
		}
		return value, nil
	}
	getInt := func(key string, defaultValue int) (int, error) {
		raw := getEnv(key, strconv.Itoa(defaultValue))
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("config: invalid %s: %w", key, err)
		}
		return v, nil
	}

	cfg := &Config{}
	var err error

	if cfg.DatabaseURL, err = getRequiredEnv("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.JWTSecret, err = getRequiredEnv("JWT_SECRET"); err != nil {
		return nil, err
	}

	cfg.RunMode = strings.ToLower(getEnv("RUN_MODE", RunModeAll))
	switch cfg.RunMode {
	case RunModeAPI, RunModeWorker, RunModeAll:
	default:
		return nil, fmt.Errorf("config: invalid RUN_MODE %q", cfg.RunMode)
	}

	cfg.APIPort = getEnv("API_PORT", "8080")
	cfg.AppBaseURL = strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:3000"), "/")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")
	cfg.AdminEmail = getEnv("ADMIN_EMAIL", "")
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", "")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnv("MAIL_FROM", "noreply@offerflow.local")

	cfg.RunMigrations, err = strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid RUN_MIGRATIONS: %w", err)
	}

	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = getInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxListings, err = getInt("DEFAULT_MAX_LISTINGS", 5); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxListings < 0 {
		return nil, fmt.Errorf("config: DEFAULT_MAX_LISTINGS must not be negative")
	}
	if cfg.CodeLookupLimit, err = getInt("CODE_LOOKUP_LIMIT", 30); err != nil {
		return nil, err
	}
	if cfg.CodeLookupLimit <= 0 {
		return nil, fmt.Errorf("config: CODE_LOOKUP_LIMIT must be positive")
	}
	if cfg.TrustedProxies, err = parseProxies(getEnv("TRUSTED_PROXIES", "")); err != nil {
		return nil, err
	}

	jwtHours, err := getInt("JWT_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.JWTTTL = time.Duration(jwtHours) * time.Hour

	ttlDays, err := getInt("BUYER_CODE_TTL_DAYS", 30)
	if err != nil {
		return nil, err
	}
	if ttlDays <= 0 {
		return nil, fmt.Errorf("config: BUYER_CODE_TTL_DAYS must be positive")
	}
	cfg.BuyerCodeTTL = time.Duration(ttlDays) * 24 * time.Hour

	windowSeconds, err := getInt("CODE_LOOKUP_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("config: CODE_LOOKUP_WINDOW_SECONDS must be positive")
	}
	cfg.CodeLookupWindow = time.Duration(windowSeconds) * time.Second

	shutdownSeconds, err := getInt("SHUTDOWN_TIMEOUT_SECONDS", 15)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownTimeout = time.Duration(shutdownSeconds) * time.Second

	return cfg, nil
}

// parseProxies reads a comma-separated list of CIDR ranges or single addresses.
func parseProxies(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("config: invalid TRUSTED_PROXIES entry %q: %w", part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("config: invalid TRUSTED_PROXIES entry %q: %w", part, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RunsAPI reports whether the HTTP server should start.
func (c *Config) RunsAPI() bool {
	return c.RunMode == RunModeAPI || c.RunMode == RunModeAll
}

// RunsWorker reports whether the email worker should start.
func (c *Config) RunsWorker() bool {
	return c.RedisAddr != "" && (c.RunMode == RunModeWorker || c.RunMode == RunModeAll)
}
