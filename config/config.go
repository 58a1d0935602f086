// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/refnet/referral-engine/engine"
)

type Config struct {
	Port           string
	DBPath         string
	AllowedOrigins []string

	JWTSecret string
	JWTExpiry time.Duration

	// Earning model knobs; defaults match engine.DefaultConfig.
	MaxDirectReferrals int
	DirectPercentage   string
	IndirectPercentage string
	MinPurchaseAmount  string

	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration. A missing .env file is not an error; real
// deployments set the environment directly.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/refnet.db"),
		AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTExpiry: getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),

		MaxDirectReferrals: getEnvAsInt("MAX_DIRECT_REFERRALS", 8),
		DirectPercentage:   getEnv("DIRECT_EARNING_PERCENTAGE", "5"),
		IndirectPercentage: getEnv("INDIRECT_EARNING_PERCENTAGE", "1"),
		MinPurchaseAmount:  getEnv("MIN_PURCHASE_AMOUNT", "1000"),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
	}
}

// EngineConfig translates the string knobs into the engine's typed config.
func (c *Config) EngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	cfg.MaxDirectReferrals = c.MaxDirectReferrals

	direct, err := decimal.NewFromString(c.DirectPercentage)
	if err != nil {
		return cfg, err
	}
	indirect, err := decimal.NewFromString(c.IndirectPercentage)
	if err != nil {
		return cfg, err
	}
	min, err := engine.NewMoneyFromString(c.MinPurchaseAmount)
	if err != nil {
		return cfg, err
	}

	cfg.DirectEarningPercentage = direct
	cfg.IndirectEarningPercentage = indirect
	cfg.MinPurchaseAmount = min
	return cfg, cfg.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if val, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if val, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if val, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}
