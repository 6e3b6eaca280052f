package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const defaultJWTSecret = "dev-secret-change-me"

// Broker backends for cross-instance fan-out. BrokerMemory only reaches
// sessions on the same process.
const (
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	Broker                string
	RedisURL              string
	NATSURL               string
	WSFramesPerSecond     int
	// CORSOrigins are extra browser origins allowed outside dev.
	CORSOrigins []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvPositive falls back to def for missing, malformed or non-positive values.
func getenvPositive(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the process environment. Outside prod a local .env file is
// merged in first; variables already set in the environment win.
func Load() Config {
	if env := getenv("APP_ENV", "dev"); env != "prod" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("load .env")
		}
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=mentorchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		AccessTokenTTLMinutes: getenvPositive("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvPositive("REFRESH_TOKEN_TTL_DAYS", 7),
		Broker:                strings.ToLower(getenv("BROKER", BrokerRedis)),
		RedisURL:              getenv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:               getenv("NATS_URL", "nats://localhost:4222"),
		WSFramesPerSecond:     getenvPositive("WS_FRAMES_PER_SECOND", 20),
		CORSOrigins:           splitList(getenv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// Validate rejects configurations the server must not start with.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	switch cfg.Broker {
	case BrokerRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis broker")
		}
	case BrokerNATS:
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required for the nats broker")
		}
	case BrokerMemory:
		if cfg.Env == "prod" {
			return errors.New("the memory broker cannot fan out across instances in prod")
		}
	default:
		return errors.New("BROKER must be redis, nats or memory")
	}
	return nil
}
