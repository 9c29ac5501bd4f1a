package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/storefront/go/internal/dbconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         Server          `yaml:"server"`
	Database       dbconfig.Config `yaml:"database"`
	NATS           NATS            `yaml:"nats"`
	SMTP           SMTP            `yaml:"smtp"`
	Hub            Hub             `yaml:"hub"`
	ProductService ProductService  `yaml:"product_service"`
	Log            Log             `yaml:"log"`
}

type Server struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type NATS struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	ConsumerName    string        `yaml:"consumer_name"`
	MaxDeliver      int           `yaml:"max_deliver"`
	AckWait         time.Duration `yaml:"ack_wait"`
	MaxAckPending   int           `yaml:"max_ack_pending"`
	Workers         int           `yaml:"workers"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxAge          time.Duration `yaml:"max_age"`
	Replicas        int           `yaml:"replicas"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

type SMTP struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type Hub struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

type ProductService struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: dbconfig.Default(),
		NATS: NATS{
			URL:             "nats://localhost:4222",
			StreamName:      "ECOMMERCE_EVENTS",
			SubjectPrefix:   "ecommerce",
			ConsumerName:    "notification-service",
			MaxDeliver:      5,
			AckWait:         30 * time.Second,
			MaxAckPending:   10,
			Workers:         10,
			ConnectTimeout:  5 * time.Second,
			PublishTimeout:  5 * time.Second,
			HandlerTimeout:  25 * time.Second,
			RetryInterval:   5 * time.Second,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			MaxAge:          7 * 24 * time.Hour,
			Replicas:        1,
			DuplicateWindow: 2 * time.Hour,
		},
		SMTP: SMTP{
			Host:          "mailhog",
			Port:          1025,
			From:          "noreply@ecommerce.com",
			Timeout:       10 * time.Second,
			RatePerSecond: 10,
			Burst:         5,
		},
		Hub: Hub{
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			SweepInterval:  15 * time.Second,
			MaxMessageSize: 1024,
			SendBuffer:     256,
		},
		ProductService: ProductService{
			URL:     "http://product-service:8000",
			Timeout: 5 * time.Second,
		},
		Log: Log{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load starts from Default, applies the YAML file at path when path is
// non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings that would stall or panic a running service:
// timers and tickers need positive durations, pools need at least one slot.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	atLeastOne := func(name string, n int) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}

	positive("hub.idle_timeout", c.Hub.IdleTimeout)
	positive("hub.sweep_interval", c.Hub.SweepInterval)
	positive("hub.write_timeout", c.Hub.WriteTimeout)
	atLeastOne("hub.send_buffer", c.Hub.SendBuffer)
	positive("nats.ack_wait", c.NATS.AckWait)
	positive("nats.retry_interval", c.NATS.RetryInterval)
	positive("nats.connect_timeout", c.NATS.ConnectTimeout)
	positive("nats.publish_timeout", c.NATS.PublishTimeout)
	atLeastOne("nats.max_ack_pending", c.NATS.MaxAckPending)
	atLeastOne("nats.workers", c.NATS.Workers)
	positive("smtp.timeout", c.SMTP.Timeout)
	positive("product_service.timeout", c.ProductService.Timeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database = c.Database.WithEnv()

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.StreamName = getEnv("NATS_STREAM", c.NATS.StreamName)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.NATS.ConsumerName = getEnv("NATS_CONSUMER", c.NATS.ConsumerName)
	c.NATS.Workers = getEnvAsInt("NATS_WORKERS", c.NATS.Workers)
	c.NATS.MaxAckPending = getEnvAsInt("NATS_MAX_ACK_PENDING", c.NATS.MaxAckPending)
	c.NATS.MaxDeliver = getEnvAsInt("NATS_MAX_DELIVER", c.NATS.MaxDeliver)

	c.Hub.IdleTimeout = getEnvAsDuration("HUB_IDLE_TIMEOUT", c.Hub.IdleTimeout)
	c.Hub.WriteTimeout = getEnvAsDuration("HUB_WRITE_TIMEOUT", c.Hub.WriteTimeout)
	c.Hub.SweepInterval = getEnvAsDuration("HUB_SWEEP_INTERVAL", c.Hub.SweepInterval)

	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnvAsInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.From)

	c.ProductService.URL = getEnv("PRODUCT_SERVICE_URL", c.ProductService.URL)
	c.ProductService.Timeout = getEnvAsDuration("PRODUCT_SERVICE_TIMEOUT", c.ProductService.Timeout)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
