package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит все настройки приложения
type Config struct {
	Bybit     BybitConfig
	Database  DatabaseConfig
	Admission AdmissionConfig
	Breaker   BreakerConfig
	Filters   FiltersConfig
	Audit     AuditConfig
	Telegram  TelegramConfig
	APIPort   int
	LockPath  string
	LogLevel  string
}

type BybitConfig struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	RateLimitRPS float64
	RateBurst    int
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AdmissionConfig struct {
	PolicyPath     string
	AllowedSources []string
	MinConfidence  float64
	DefaultTTL     time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type FiltersConfig struct {
	TTL time.Duration
}

type AuditConfig struct {
	Path string
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   int64
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpenConns, err := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}

	maxIdleConns, err := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(getEnv("DB_CONN_MAX_LIFETIME", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	rateLimitRPS, err := strconv.ParseFloat(getEnv("BYBIT_RATE_LIMIT_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BYBIT_RATE_LIMIT_RPS: %w", err)
	}

	rateBurst, err := strconv.Atoi(getEnv("BYBIT_RATE_BURST", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid BYBIT_RATE_BURST: %w", err)
	}

	minConfidence, err := strconv.ParseFloat(getEnv("MIN_CONFIDENCE", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_CONFIDENCE: %w", err)
	}

	defaultTTL, err := time.ParseDuration(getEnv("ACTION_DEFAULT_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid ACTION_DEFAULT_TTL: %w", err)
	}

	failureThreshold, err := strconv.Atoi(getEnv("BREAKER_FAILURE_THRESHOLD", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD: %w", err)
	}

	recoveryTimeout, err := time.ParseDuration(getEnv("BREAKER_RECOVERY_TIMEOUT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BREAKER_RECOVERY_TIMEOUT: %w", err)
	}

	filterTTL, err := time.ParseDuration(getEnv("FILTER_CACHE_TTL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid FILTER_CACHE_TTL: %w", err)
	}

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %w", err)
	}

	telegramEnabled, err := strconv.ParseBool(getEnv("TELEGRAM_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_ENABLED: %w", err)
	}

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	cfg := &Config{
		Bybit: BybitConfig{
			APIKey:       getEnv("BYBIT_API_KEY", ""),
			APISecret:    getEnv("BYBIT_API_SECRET", ""),
			BaseURL:      getEnv("BYBIT_BASE_URL", "https://api.bybit.com"),
			RateLimitRPS: rateLimitRPS,
			RateBurst:    rateBurst,
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnv("DB_USER", "riskgate"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "riskgate"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpenConns,
			MaxIdleConns:    maxIdleConns,
			ConnMaxLifetime: connMaxLifetime,
		},
		Admission: AdmissionConfig{
			PolicyPath:     getEnv("POLICY_PATH", "configs/risk_policy.yaml"),
			AllowedSources: splitList(getEnv("ALLOWED_SOURCES", "")),
			MinConfidence:  minConfidence,
			DefaultTTL:     defaultTTL,
		},
		Breaker: BreakerConfig{
			FailureThreshold: failureThreshold,
			RecoveryTimeout:  recoveryTimeout,
		},
		Filters: FiltersConfig{
			TTL: filterTTL,
		},
		Audit: AuditConfig{
			Path: getEnv("AUDIT_TRAIL_PATH", "data/audit_trail.jsonl"),
		},
		Telegram: TelegramConfig{
			Enabled:  telegramEnabled,
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   chatID,
		},
		APIPort:  apiPort,
		LockPath: getEnv("INSTANCE_LOCK_PATH", "data/risk-gate.lock"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет конфигурацию до приема первого действия (fail fast)
func (c *Config) validate() error {
	if len(c.Admission.AllowedSources) == 0 {
		return fmt.Errorf("ALLOWED_SOURCES must not be empty")
	}
	if c.Admission.MinConfidence < 0 || c.Admission.MinConfidence > 1 {
		return fmt.Errorf("MIN_CONFIDENCE must be in [0, 1], got %v", c.Admission.MinConfidence)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("BREAKER_RECOVERY_TIMEOUT must be positive")
	}
	if c.Filters.TTL <= 0 {
		return fmt.Errorf("FILTER_CACHE_TTL must be positive")
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("AUDIT_TRAIL_PATH must not be empty")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when TELEGRAM_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
