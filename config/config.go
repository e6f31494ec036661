package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is read once at startup from the environment (and .env when present).
type Config struct {
	ServiceName     string
	Port            string
	AllowedOrigins  string
	BodyLimitBytes  int
	RateLimitMax    int
	RateLimitWindow time.Duration
	LogLevel        string

	AuthMode  string // "demo" or "jwt"
	JWTSecret string

	IdempotencyTTL time.Duration
	TokenMinTTL    time.Duration
	TokenMaxTTL    time.Duration
	SweepInterval  time.Duration

	// Optional durable stores. Empty means in-memory.
	DatabaseURL string
	RedisURL    string
}

// Load reads .env (missing file is fine) and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	bodyLimit := envInt("BODY_LIMIT_BYTES", 0)
	if bodyLimit <= 0 {
		bodyLimit = envInt("BODY_LIMIT_MB", 1) * 1024 * 1024
	}

	jwtSecret := os.Getenv("JWT_SECRET_KEY")
	if strings.TrimSpace(jwtSecret) == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}

	return Config{
		ServiceName:     envString("SERVICE_NAME", "qr-session-svc"),
		Port:            envString("PORT", "8002"),
		AllowedOrigins:  envString("ALLOWED_ORIGINS", "http://localhost:5173, http://localhost:3000"),
		BodyLimitBytes:  bodyLimit,
		RateLimitMax:    envInt("RATE_LIMIT_MAX", 60),
		RateLimitWindow: envSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		LogLevel:        envString("LOG_LEVEL", "info"),
		AuthMode:        strings.ToLower(envString("AUTH_MODE", "demo")),
		JWTSecret:       jwtSecret,
		IdempotencyTTL:  envSeconds("IDEMPOTENCY_TTL_SECONDS", 86400),
		TokenMinTTL:     envSeconds("TOKEN_TTL_MIN_SECONDS", 60),
		TokenMaxTTL:     envSeconds("TOKEN_TTL_MAX_SECONDS", 600),
		SweepInterval:   envSeconds("SWEEP_INTERVAL_SECONDS", 60),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
