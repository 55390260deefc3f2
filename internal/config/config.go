package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// NetworkConfig holds the endpoint and basic auth credentials of a card network
type NetworkConfig struct {
	URL      string
	Username string
	Password string
}

// SMSConfig holds the SMS gateway settings
type SMSConfig struct {
	URL        string
	Username   string
	Password   string
	Originator string
}

// SMTPConfig holds settings for operational alert e-mails
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	AlertTo  string
}

// Config holds application configuration
type Config struct {
	Port     string
	DBConn   string
	LogLevel string

	JWTSecret         string
	PanHashSecret     string
	CryptogramKeyPath string
	BinRegistryPath   string

	TestCardPattern string
	SandboxOtpCode  string

	OtpTimeout        time.Duration
	FirstBanDuration  time.Duration
	SecondBanDuration time.Duration

	NetworkTimeout time.Duration
	NetworkA       NetworkConfig
	NetworkB       NetworkConfig

	SMS      SMSConfig
	GeoIPURL string
	NatsURL  string
	SMTP     SMTPConfig

	WebhookTimeout time.Duration
	SchedulerSpec  string

	TokenTTL     time.Duration
	OtpRateLimit int // requests per minute and IP on code endpoints
}

// NewConfig loads configuration from environment variables and an optional .env file
func NewConfig() (*Config, error) {
	// A missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBConn:            getEnv("DB_CONN", "host=localhost port=5432 user=gateway password=gateway dbname=gateway sslmode=disable"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		PanHashSecret:     getEnv("PAN_HASH_SECRET", ""),
		CryptogramKeyPath: getEnv("CRYPTOGRAM_KEY_PATH", "config/cryptogram.pem"),
		BinRegistryPath:   getEnv("BIN_REGISTRY_PATH", ""),
		TestCardPattern:   getEnv("TEST_CARD_PATTERN", "400000******0002"),
		SandboxOtpCode:    getEnv("SANDBOX_OTP_CODE", ""),
		NetworkA: NetworkConfig{
			URL:      getEnv("NETWORK_A_URL", ""),
			Username: getEnv("NETWORK_A_USERNAME", ""),
			Password: getEnv("NETWORK_A_PASSWORD", ""),
		},
		NetworkB: NetworkConfig{
			URL:      getEnv("NETWORK_B_URL", ""),
			Username: getEnv("NETWORK_B_USERNAME", ""),
			Password: getEnv("NETWORK_B_PASSWORD", ""),
		},
		SMS: SMSConfig{
			URL:        getEnv("SMS_URL", ""),
			Username:   getEnv("SMS_USERNAME", ""),
			Password:   getEnv("SMS_PASSWORD", ""),
			Originator: getEnv("SMS_ORIGINATOR", "3700"),
		},
		GeoIPURL: getEnv("GEOIP_URL", ""),
		NatsURL:  getEnv("NATS_URL", ""),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			AlertTo:  getEnv("ALERT_EMAIL", ""),
		},
		SchedulerSpec: getEnv("SCHEDULER_SPEC", "@every 30s"),
	}

	var err error
	if cfg.OtpTimeout, err = getMinutes("OTP_TIMEOUT_MINUTES", 3); err != nil {
		return nil, err
	}
	if cfg.FirstBanDuration, err = getMinutes("FIRST_BAN_MINUTES", 10); err != nil {
		return nil, err
	}
	if cfg.SecondBanDuration, err = getHours("SECOND_BAN_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.NetworkTimeout, err = getSeconds("NETWORK_TIMEOUT_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.WebhookTimeout, err = getSeconds("WEBHOOK_TIMEOUT_SECONDS", 15); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getHours("TOKEN_TTL_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.OtpRateLimit, err = getInt("OTP_RATE_LIMIT", 30); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.DBConn == "" {
		return fmt.Errorf("DB_CONN is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.PanHashSecret) < 32 {
		return fmt.Errorf("PAN_HASH_SECRET must be at least 32 bytes")
	}
	if c.CryptogramKeyPath == "" {
		return fmt.Errorf("CRYPTOGRAM_KEY_PATH is required")
	}
	if c.OtpTimeout <= 0 {
		return fmt.Errorf("OTP_TIMEOUT_MINUTES must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getMinutes(key string, defaultVal int) (time.Duration, error) {
	n, err := getInt(key, defaultVal)
	return time.Duration(n) * time.Minute, err
}

func getHours(key string, defaultVal int) (time.Duration, error) {
	n, err := getInt(key, defaultVal)
	return time.Duration(n) * time.Hour, err
}

func getSeconds(key string, defaultVal int) (time.Duration, error) {
	n, err := getInt(key, defaultVal)
	return time.Duration(n) * time.Second, err
}
