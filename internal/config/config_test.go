package config

import (
	"os"
	"path/filepath"
	"testing"
)

var keys = []string{
	"PORT", "ENV", "DATABASE_PATH", "JWT_SECRET", "ADMIN_EMAIL", "ADMIN_PASSWORD",
	"UPLOAD_DIR", "KAFKA_BROKERS", "KAFKA_TOPIC", "REFERRAL_BONUS_RATE",
	"RECONCILE_SCHEDULE", "NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Referral.BonusRate.String() != "0.05" {
		t.Errorf("bonus rate = %s", cfg.Referral.BonusRate)
	}
	if cfg.Reconciler.Schedule != "@every 1m" {
		t.Errorf("schedule = %s", cfg.Reconciler.Schedule)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("brokers = %v, want none", cfg.Kafka.Brokers)
	}
	if cfg.Notification.QueueSize != 1000 || cfg.Notification.Workers != 2 {
		t.Errorf("notification = %+v", cfg.Notification)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("development secret not set")
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables already present, so unset them
	for _, k := range []string{"PORT", "KAFKA_BROKERS", "REFERRAL_BONUS_RATE"} {
		os.Unsetenv(k)
	}

	path := filepath.Join(t.TempDir(), ".env")
	content := "PORT=9090\nKAFKA_BROKERS=k1:9092, k2:9092\nREFERRAL_BONUS_RATE=0.1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("KAFKA_BROKERS")
		os.Unsetenv("REFERRAL_BONUS_RATE")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %s, want 9090", cfg.Server.Port)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Referral.BonusRate.String() != "0.1" {
		t.Errorf("bonus rate = %s", cfg.Referral.BonusRate)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad bonus rate", map[string]string{"REFERRAL_BONUS_RATE": "lots"}},
		{"negative bonus rate", map[string]string{"REFERRAL_BONUS_RATE": "-0.1"}},
		{"bad queue size", map[string]string{"NOTIFY_QUEUE_SIZE": "0"}},
		{"production without secret", map[string]string{"ENV": "production"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Error("expected error")
			}
		})
	}
}
