package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay server settings. Values come from an optional YAML
// file (CONFIG_FILE) and are then overridden by environment variables.
type Config struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	JWTSecret     string `yaml:"jwt_secret"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	Twilio struct {
		AuthToken       string `yaml:"auth_token"`
		VerifySignature bool   `yaml:"verify_signature"`
		// PublicBaseURL is the externally visible origin Twilio signs
		// requests against, e.g. https://api.voxline.io
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"twilio"`

	Webhook struct {
		MaxBodyBytes     int64         `yaml:"max_body_bytes"`
		DedupWindow      time.Duration `yaml:"dedup_window"`
		ArchiveMalformed bool          `yaml:"archive_malformed"`
		ProcessTimeout   time.Duration `yaml:"process_timeout"`
	} `yaml:"webhook"`

	WebSocket struct {
		StaleAfter    time.Duration `yaml:"stale_after"`
		PingInterval  time.Duration `yaml:"ping_interval"`
		PongWait      time.Duration `yaml:"pong_wait"`
		SendBuffer    int           `yaml:"send_buffer"`
		ConnectLimit  int           `yaml:"connect_limit"`
		ConnectWindow time.Duration `yaml:"connect_window"`
	} `yaml:"websocket"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"storage"`
}

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{
		Port:      "8080",
		RedisURL:  "localhost:6379",
		LogLevel:  "info",
		LogFormat: "text",
	}

	cfg.Webhook.MaxBodyBytes = 1 << 20
	cfg.Webhook.DedupWindow = 10 * time.Minute
	cfg.Webhook.ArchiveMalformed = true
	cfg.Webhook.ProcessTimeout = 10 * time.Second

	cfg.WebSocket.StaleAfter = 75 * time.Second
	cfg.WebSocket.PingInterval = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.SendBuffer = 256
	cfg.WebSocket.ConnectLimit = 30
	cfg.WebSocket.ConnectWindow = time.Minute

	cfg.Storage.Bucket = "voxline-webhooks"
	cfg.Storage.Region = "us-east-1"

	return cfg
}

// LoadConfig builds the configuration from defaults, CONFIG_FILE and the
// environment, in that order.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Twilio.AuthToken = getEnv("TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.Twilio.PublicBaseURL)

	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnv("S3_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("S3_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = getEnv("S3_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getEnv("S3_REGION", c.Storage.Region)

	var err error
	if c.Twilio.VerifySignature, err = getEnvBool("WEBHOOK_VERIFY_SIGNATURE", c.Twilio.VerifySignature); err != nil {
		return err
	}
	if c.Storage.UseSSL, err = getEnvBool("S3_USE_SSL", c.Storage.UseSSL); err != nil {
		return err
	}
	if c.Webhook.ArchiveMalformed, err = getEnvBool("WEBHOOK_ARCHIVE_MALFORMED", c.Webhook.ArchiveMalformed); err != nil {
		return err
	}
	if c.Webhook.MaxBodyBytes, err = getEnvInt64("WEBHOOK_MAX_BODY_BYTES", c.Webhook.MaxBodyBytes); err != nil {
		return err
	}
	if c.Webhook.DedupWindow, err = getEnvDuration("WEBHOOK_DEDUP_WINDOW", c.Webhook.DedupWindow); err != nil {
		return err
	}
	if c.Webhook.ProcessTimeout, err = getEnvDuration("WEBHOOK_PROCESS_TIMEOUT", c.Webhook.ProcessTimeout); err != nil {
		return err
	}
	if c.WebSocket.StaleAfter, err = getEnvDuration("WS_STALE_AFTER", c.WebSocket.StaleAfter); err != nil {
		return err
	}
	if c.WebSocket.PingInterval, err = getEnvDuration("WS_PING_INTERVAL", c.WebSocket.PingInterval); err != nil {
		return err
	}
	if c.WebSocket.PongWait, err = getEnvDuration("WS_PONG_WAIT", c.WebSocket.PongWait); err != nil {
		return err
	}
	if c.WebSocket.ConnectWindow, err = getEnvDuration("WS_CONNECT_WINDOW", c.WebSocket.ConnectWindow); err != nil {
		return err
	}
	sendBuffer, err := getEnvInt64("WS_SEND_BUFFER", int64(c.WebSocket.SendBuffer))
	if err != nil {
		return err
	}
	c.WebSocket.SendBuffer = int(sendBuffer)
	connectLimit, err := getEnvInt64("WS_CONNECT_LIMIT", int64(c.WebSocket.ConnectLimit))
	if err != nil {
		return err
	}
	c.WebSocket.ConnectLimit = int(connectLimit)

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
