package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Quota   QuotaConfig   `yaml:"quota" json:"quota"`
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Events  EventsConfig  `yaml:"events" json:"events"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// UploadConfig holds chunked-upload session configuration
type UploadConfig struct {
	MinChunkSize     int64         `yaml:"minChunkSize" json:"minChunkSize"`
	MaxChunkSize     int64         `yaml:"maxChunkSize" json:"maxChunkSize"`
	DefaultChunkSize int64         `yaml:"defaultChunkSize" json:"defaultChunkSize"`
	SessionTTL       time.Duration `yaml:"sessionTtl" json:"sessionTtl"`
	SweepInterval    time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
}

// QuotaConfig holds storage quota thresholds
type QuotaConfig struct {
	WarningPercent  float64 `yaml:"warningPercent" json:"warningPercent"`
	CriticalPercent float64 `yaml:"criticalPercent" json:"criticalPercent"`
	DefaultBytes    int64   `yaml:"defaultBytes" json:"defaultBytes"`
}

// QueueConfig holds processing job queue configuration
type QueueConfig struct {
	MaxConcurrent      int           `yaml:"maxConcurrent" json:"maxConcurrent"`
	RetryDelay         time.Duration `yaml:"retryDelay" json:"retryDelay"`
	StallTimeout       time.Duration `yaml:"stallTimeout" json:"stallTimeout"`
	StallSweepInterval time.Duration `yaml:"stallSweepInterval" json:"stallSweepInterval"`
	RetentionWindow    time.Duration `yaml:"retentionWindow" json:"retentionWindow"`
	DefaultMaxAttempts int           `yaml:"defaultMaxAttempts" json:"defaultMaxAttempts"`
}

// EventsConfig holds event bus configuration
type EventsConfig struct {
	MaxListeners int `yaml:"maxListeners" json:"maxListeners"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig Default configuration values
var DefaultConfig = Config{
	Server: ServerConfig{
		Address:         "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	},
	Upload: UploadConfig{
		MinChunkSize:     1 * 1024 * 1024,  // 1MiB
		MaxChunkSize:     20 * 1024 * 1024, // 20MiB
		DefaultChunkSize: 5 * 1024 * 1024,  // 5MiB
		SessionTTL:       24 * time.Hour,
		SweepInterval:    1 * time.Hour,
	},
	Quota: QuotaConfig{
		WarningPercent:  90,
		CriticalPercent: 95,
		DefaultBytes:    10 * 1024 * 1024 * 1024, // 10GiB
	},
	Queue: QueueConfig{
		MaxConcurrent:      3,
		RetryDelay:         5 * time.Second,
		StallTimeout:       5 * time.Minute,
		StallSweepInterval: 30 * time.Second,
		RetentionWindow:    24 * time.Hour,
		DefaultMaxAttempts: 3,
	},
	Events: EventsConfig{
		MaxListeners: 16,
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Format: "text",
	},
}

// LoadConfig loads configuration from multiple sources in order of precedence:
// 1. Environment variables (highest precedence)
// 2. Configuration file
// 3. Default values (lowest precedence)
// The returned path names the config file that was read, or is empty when
// only built-in defaults and environment variables applied.
func LoadConfig() (*Config, string, error) {
	config := DefaultConfig

	// Load from config file if it exists
	path, err := loadFromFile(&config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with environment variables
	loadFromEnv(&config)

	// Validate the configuration
	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, path, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config) (string, error) {
	configPaths := []string{
		os.Getenv("MEDIAD_CONFIG_PATH"), // Custom path from environment
		"./config.yaml",                 // Current directory
		"./config/config.yaml",          // Config subdirectory
		"/etc/mediad/config.yaml",       // System-wide
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		return path, nil
	}

	return "", nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	// Server config
	if val := os.Getenv("MEDIAD_SERVER_ADDRESS"); val != "" {
		config.Server.Address = val
	}
	if val := os.Getenv("MEDIAD_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("MEDIAD_SERVER_READ_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Server.ReadTimeout = timeout
		}
	}
	if val := os.Getenv("MEDIAD_SERVER_WRITE_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Server.WriteTimeout = timeout
		}
	}
	if val := os.Getenv("MEDIAD_SERVER_SHUTDOWN_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Server.ShutdownTimeout = timeout
		}
	}

	// Upload config
	if val := os.Getenv("MEDIAD_UPLOAD_MIN_CHUNK_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Upload.MinChunkSize = size
		}
	}
	if val := os.Getenv("MEDIAD_UPLOAD_MAX_CHUNK_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Upload.MaxChunkSize = size
		}
	}
	if val := os.Getenv("MEDIAD_UPLOAD_DEFAULT_CHUNK_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Upload.DefaultChunkSize = size
		}
	}
	if val := os.Getenv("MEDIAD_UPLOAD_SESSION_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil {
			config.Upload.SessionTTL = ttl
		}
	}
	if val := os.Getenv("MEDIAD_UPLOAD_SWEEP_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			config.Upload.SweepInterval = interval
		}
	}

	// Quota config
	if val := os.Getenv("MEDIAD_QUOTA_WARNING_PERCENT"); val != "" {
		if pct, err := strconv.ParseFloat(val, 64); err == nil {
			config.Quota.WarningPercent = pct
		}
	}
	if val := os.Getenv("MEDIAD_QUOTA_CRITICAL_PERCENT"); val != "" {
		if pct, err := strconv.ParseFloat(val, 64); err == nil {
			config.Quota.CriticalPercent = pct
		}
	}
	if val := os.Getenv("MEDIAD_QUOTA_DEFAULT_BYTES"); val != "" {
		if bytes, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Quota.DefaultBytes = bytes
		}
	}

	// Queue config
	if val := os.Getenv("MEDIAD_QUEUE_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Queue.MaxConcurrent = n
		}
	}
	if val := os.Getenv("MEDIAD_QUEUE_RETRY_DELAY"); val != "" {
		if delay, err := time.ParseDuration(val); err == nil {
			config.Queue.RetryDelay = delay
		}
	}
	if val := os.Getenv("MEDIAD_QUEUE_STALL_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Queue.StallTimeout = timeout
		}
	}
	if val := os.Getenv("MEDIAD_QUEUE_STALL_SWEEP_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			config.Queue.StallSweepInterval = interval
		}
	}
	if val := os.Getenv("MEDIAD_QUEUE_RETENTION_WINDOW"); val != "" {
		if window, err := time.ParseDuration(val); err == nil {
			config.Queue.RetentionWindow = window
		}
	}
	if val := os.Getenv("MEDIAD_QUEUE_DEFAULT_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Queue.DefaultMaxAttempts = n
		}
	}

	// Events config
	if val := os.Getenv("MEDIAD_EVENTS_MAX_LISTENERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Events.MaxListeners = n
		}
	}

	// Logging config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Upload.MinChunkSize < 1 {
		return fmt.Errorf("invalid min chunk size: %d", c.Upload.MinChunkSize)
	}
	if c.Upload.MaxChunkSize < c.Upload.MinChunkSize {
		return fmt.Errorf("max chunk size %d is below min chunk size %d",
			c.Upload.MaxChunkSize, c.Upload.MinChunkSize)
	}
	if c.Upload.DefaultChunkSize < c.Upload.MinChunkSize || c.Upload.DefaultChunkSize > c.Upload.MaxChunkSize {
		return fmt.Errorf("default chunk size %d outside [%d, %d]",
			c.Upload.DefaultChunkSize, c.Upload.MinChunkSize, c.Upload.MaxChunkSize)
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("invalid session TTL: %s", c.Upload.SessionTTL)
	}
	if c.Upload.SweepInterval <= 0 {
		return fmt.Errorf("invalid sweep interval: %s", c.Upload.SweepInterval)
	}

	if c.Quota.CriticalPercent <= 0 || c.Quota.CriticalPercent > 100 {
		return fmt.Errorf("invalid quota critical percent: %v", c.Quota.CriticalPercent)
	}
	if c.Quota.WarningPercent <= 0 || c.Quota.WarningPercent > c.Quota.CriticalPercent {
		return fmt.Errorf("invalid quota warning percent: %v", c.Quota.WarningPercent)
	}
	if c.Quota.DefaultBytes < 0 {
		return fmt.Errorf("invalid default quota bytes: %d", c.Quota.DefaultBytes)
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent jobs: %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("invalid retry delay: %s", c.Queue.RetryDelay)
	}
	if c.Queue.StallTimeout <= 0 {
		return fmt.Errorf("invalid stall timeout: %s", c.Queue.StallTimeout)
	}
	if c.Queue.StallSweepInterval <= 0 {
		return fmt.Errorf("invalid stall sweep interval: %s", c.Queue.StallSweepInterval)
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("invalid default max attempts: %d", c.Queue.DefaultMaxAttempts)
	}

	if c.Events.MaxListeners < 1 {
		return fmt.Errorf("invalid max listeners: %d", c.Events.MaxListeners)
	}

	// Validate logging level
	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func (c *Config) GetServerAddress() string {
	return c.Server.GetAddress()
}

func (s ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) SaveToFile(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile loads a specific configuration file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// GenerateDefaultConfig creates a default configuration file
func GenerateDefaultConfig(path string) error {
	config := DefaultConfig
	return config.SaveToFile(path)
}
