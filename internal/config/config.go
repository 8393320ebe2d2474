package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Auth         AuthConfig
	Kafka        KafkaConfig
	Notification NotificationConfig
	Referral     ReferralConfig
	Reconciler   ReconcilerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	UploadDir string
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret     string
	AdminEmail    string
	AdminPassword string
}

// KafkaConfig is optional; with no brokers notifications are only stored.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type NotificationConfig struct {
	QueueSize int
	Workers   int
}

type ReferralConfig struct {
	BonusRate decimal.Decimal
}

type ReconcilerConfig struct {
	Schedule string
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	bonusRate, err := decimal.NewFromString(getEnv("REFERRAL_BONUS_RATE", "0.05"))
	if err != nil {
		return nil, fmt.Errorf("invalid REFERRAL_BONUS_RATE: %w", err)
	}
	if bonusRate.IsNegative() {
		return nil, fmt.Errorf("invalid REFERRAL_BONUS_RATE: must not be negative")
	}

	queueSize, err := getEnvInt("NOTIFY_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	workers, err := getEnvInt("NOTIFY_WORKERS", 2)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:      getEnv("PORT", "8080"),
			Env:       getEnv("ENV", "development"),
			UploadDir: getEnv("UPLOAD_DIR", "uploads"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "klear-ledger.db"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			AdminEmail:    getEnv("ADMIN_EMAIL", "admin@klear.local"),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "ledger.notifications"),
		},
		Notification: NotificationConfig{
			QueueSize: queueSize,
			Workers:   workers,
		},
		Referral: ReferralConfig{
			BonusRate: bonusRate,
		},
		Reconciler: ReconcilerConfig{
			Schedule: getEnv("RECONCILE_SCHEDULE", "@every 1m"),
		},
	}

	if cfg.IsProduction() && cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required in production")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "klear-dev-secret"
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return n, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
