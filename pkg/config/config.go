package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bridge service.
type Config struct {
	Port string

	// MT5 gateway
	MT5BaseURL       string
	MT5ServiceToken  string
	MT5EnableWS      bool
	MT5WSURL         string
	MT5PollInterval  time.Duration
	MT5RequestBudget float64 // requests/sec against the gateway

	// cTrader microservice
	CTraderBaseURL      string
	CTraderServiceToken string
	CTraderAPIPrefix    string

	// Message bus
	AMQPURL        string
	EventsExchange string
	EventsQueue    string

	// Caches
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupeTTL     time.Duration

	// Bot feeds
	FeedMode string // "broker", "websocket" or "polling"

	// Database
	DBPath string

	// Protection amend retry policy
	AmendAttempts int
	AmendDelay    time.Duration

	// Auth
	JWTSecret      string
	AuthServiceKey string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8090"),
		MT5BaseURL:          getEnv("MT5_API_BASE_URL", "http://localhost:8001"),
		MT5ServiceToken:     os.Getenv("MT5_SERVICE_TOKEN"),
		MT5EnableWS:         getEnv("MT5_ENABLE_WS", "false") == "true",
		MT5WSURL:            getEnv("MT5_WS_URL", "ws://localhost:8001/mt5/ws"),
		MT5PollInterval:     getEnvDuration("MT5_POLL_INTERVAL", 2*time.Second),
		MT5RequestBudget:    getEnvFloat("MT5_REQUEST_BUDGET", 50),
		CTraderBaseURL:      getEnv("CTRADER_API_BASE_URL", "http://localhost:8002"),
		CTraderServiceToken: os.Getenv("CTRADER_SERVICE_TOKEN"),
		CTraderAPIPrefix:    getEnv("CTRADER_API_PREFIX", "/ctrader"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		EventsExchange:      getEnv("EVENTS_EXCHANGE", "mt5.events"),
		EventsQueue:         getEnv("EVENTS_QUEUE", "tradebridge.events"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		DedupeTTL:           getEnvDuration("EVENT_DEDUPE_TTL", 24*time.Hour),
		FeedMode:            strings.ToLower(getEnv("FEED_MODE", "polling")),
		DBPath:              getEnv("DB_PATH", "./data/tradebridge.db"),
		AmendAttempts:       getEnvInt("AMEND_ATTEMPTS", 10),
		AmendDelay:          getEnvDuration("AMEND_DELAY", 500*time.Millisecond),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AuthServiceKey:      getEnv("AUTH_SERVICE_KEY", "dev-service-key"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
