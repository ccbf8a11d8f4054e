package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	RedisURL      string
	AuthIssuerURL string
	LogLevel      string

	// HeartbeatInterval is the ping period; a connection that misses two
	// consecutive pongs is closed and marked offline everywhere.
	HeartbeatInterval time.Duration

	// IdleAwayTimeout auto-transitions online -> away after this much
	// user inactivity, regardless of focus signals.
	IdleAwayTimeout time.Duration

	// RoomHistoryLimit bounds the per-room catch-up history.
	RoomHistoryLimit int

	// ActivityHistoryLimit bounds each scope's activity feed.
	ActivityHistoryLimit int
}

func Load() *Config {
	return &Config{
		Port:                 getEnv("PORT", "8080"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		AuthIssuerURL:        getEnv("AUTH_ISSUER_URL", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		HeartbeatInterval:    time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		IdleAwayTimeout:      time.Duration(getEnvInt("IDLE_AWAY_SECONDS", 300)) * time.Second,
		RoomHistoryLimit:     getEnvInt("ROOM_HISTORY_LIMIT", 500),
		ActivityHistoryLimit: getEnvInt("ACTIVITY_HISTORY_LIMIT", 1000),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
