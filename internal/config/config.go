package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	LinkTTL               time.Duration
	TrackPollInterval     time.Duration
	DefaultServiceMinutes float64
	StatsWindow           time.Duration
	StatsCacheTTL         time.Duration
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AMQPURL               string
	EventsQueue           string
	JWTSecret             string
	BootstrapAdminID      string
	RateLimitPerMinute    int
	RateLimitBurst        int
	TrackRateLimitPerMin  int
	TrackRateLimitBurst   int
	TrustProxyHeaders     bool
}

// Load reads the environment. A .env file in the working directory, when
// present, fills variables that are not already set.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	if eventsQueue == "" {
		eventsQueue = "queue.events"
	}

	return Config{
		Port:                  port,
		DatabaseURL:           os.Getenv("DB_DSN"),
		LinkTTL:               readDurationMinutes("LINK_TTL_MINUTES", 15),
		TrackPollInterval:     readDurationSeconds("TRACK_POLL_INTERVAL_SECONDS", 30),
		DefaultServiceMinutes: readFloat("DEFAULT_SERVICE_MINUTES", 10),
		StatsWindow:           time.Duration(readInt("STATS_WINDOW_DAYS", 30)) * 24 * time.Hour,
		StatsCacheTTL:         readDurationSeconds("STATS_CACHE_TTL_SECONDS", 60),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               readInt("REDIS_DB", 0),
		AMQPURL:               os.Getenv("AMQP_URL"),
		EventsQueue:           eventsQueue,
		JWTSecret:             os.Getenv("JWT_SECRET"),
		BootstrapAdminID:      os.Getenv("BOOTSTRAP_ADMIN_ID"),
		RateLimitPerMinute:    readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:        readInt("RATE_LIMIT_BURST", 30),
		TrackRateLimitPerMin:  readInt("TRACK_RATE_LIMIT_PER_MIN", 30),
		TrackRateLimitBurst:   readInt("TRACK_RATE_LIMIT_BURST", 10),
		TrustProxyHeaders:     readBool("TRUST_PROXY_HEADERS", false),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
