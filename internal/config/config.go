package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port     string
	Mode     string
	LogLevel string
	APIKey   string

	// Database configuration
	DatabaseURL string
	SQLitePath  string

	// Redis configuration
	RedisURL string

	// Secure record store
	StoreBackend string
	AccountScope string
	Marker       string
	SealKey      string

	// Receipt verification
	SharedSecret        string
	VerifyEnvironment   string
	VerifyProductionURL string
	VerifySandboxURL    string
	ReceiptFile         string

	// Catalog
	StorefrontURL string
	CatalogFile   string

	// Webhook configuration
	WebhookURL    string
	WebhookSecret string

	// Sandbox payment queue
	QueueAutoSettle bool

	// Outbound HTTP
	BreakerFailures int
	BreakerTimeout  time.Duration
	HTTPTimeout     time.Duration
}

const (
	StoreDatabase = "database"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = Load()
	return nil
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		Mode:                getEnv("GIN_MODE", "debug"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		APIKey:              getEnv("API_KEY", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "iap-helper.db"),
		RedisURL:            getEnv("REDIS_URL", ""),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", StoreDatabase)),
		AccountScope:        getEnv("ACCOUNT_SCOPE", "iap-helper"),
		Marker:              getEnv("ACTIVATION_MARKER", "activated"),
		SealKey:             getEnv("SEAL_KEY", ""),
		SharedSecret:        getEnv("SHARED_SECRET", ""),
		VerifyEnvironment:   strings.ToLower(getEnv("VERIFY_ENVIRONMENT", "production")),
		VerifyProductionURL: getEnv("VERIFY_PRODUCTION_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		VerifySandboxURL:    getEnv("VERIFY_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		ReceiptFile:         getEnv("RECEIPT_FILE", ""),
		StorefrontURL:       getEnv("STOREFRONT_URL", ""),
		CatalogFile:         getEnv("CATALOG_FILE", "catalog.yaml"),
		WebhookURL:          getEnv("WEBHOOK_URL", ""),
		WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
		QueueAutoSettle:     getEnvBool("QUEUE_AUTO_SETTLE", false),
		BreakerFailures:     getEnvInt("BREAKER_FAILURES", 5),
		BreakerTimeout:      getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		HTTPTimeout:         getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
