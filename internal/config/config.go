package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string

	LockTimeout             time.Duration
	RefundApprovalThreshold decimal.Decimal
	RefundSensitiveReasons  []string
	RefundWindowDays        int
	RefundMakerChecker      bool
	ProductCacheTTL         time.Duration

	OutboxBatchSize      int
	OutboxPollInterval   time.Duration
	OutboxMaxAttempts    int
	OutboxInitialBackoff time.Duration

	PubSubProjectID       string
	PubSubTopic           string
	PubSubCredentialsJSON string
}

// Load reads a .env file when present and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	threshold, err := decimal.NewFromString(getEnv("REFUND_APPROVAL_THRESHOLD", "50.00"))
	if err != nil || threshold.IsNegative() {
		threshold = decimal.NewFromInt(50)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),

		LockTimeout:             time.Duration(getInt("LOCK_TIMEOUT_MS", 5000, 1)) * time.Millisecond,
		RefundApprovalThreshold: threshold,
		RefundSensitiveReasons:  splitList(getEnv("REFUND_SENSITIVE_REASONS", "no_receipt,price_adjustment,other")),
		RefundWindowDays:        getInt("REFUND_WINDOW_DAYS", 30, 0),
		RefundMakerChecker:      getBool("REFUND_MAKER_CHECKER", false),
		ProductCacheTTL:         time.Duration(getInt("PRODUCT_CACHE_TTL_SECONDS", 30, 1)) * time.Second,

		OutboxBatchSize:      getInt("OUTBOX_BATCH_SIZE", 50, 1),
		OutboxPollInterval:   time.Duration(getInt("OUTBOX_POLL_INTERVAL_MS", 1000, 1)) * time.Millisecond,
		OutboxMaxAttempts:    getInt("OUTBOX_MAX_ATTEMPTS", 20, 1),
		OutboxInitialBackoff: time.Duration(getInt("OUTBOX_INITIAL_BACKOFF_SECONDS", 5, 1)) * time.Second,

		PubSubProjectID:       firstNonEmpty(os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
		PubSubTopic:           getEnv("PUBSUB_TOPIC", "accounting-sales"),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, strconv.FormatBool(fallback))))
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
