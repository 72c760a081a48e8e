package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AccessToken             string
	Port                    string
	WorkspacePath           string
	LogLevel                string
	LogFilePath             string
	LogFileMaxSizeMB        int
	LogFileMaxBackups       int
	LogFileMaxAgeDays       int
	RequestLogEnabled       bool
	RequestLogFilePath      string
	RequestLogMaxSizeMB     int
	AuditLogEnabled         bool
	AuditLogFilePath        string
	AuditLogSizeLimitMB     int
	ProgressThrottleMS      int
	OperationRetentionHours int
	InboxPath               string
	OutboxPath              string
	WatchStabilityMS        int
	TLSEnabled              bool
	TLSCertDir              string
}

// NewConfig builds the runtime configuration. Defaults are overridden by an
// optional YAML file named in CONFIG_FILE, which in turn is overridden by
// environment variables.
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:                    "8080",
		WorkspacePath:           "/srv/stevedore",
		LogLevel:                "info",
		LogFileMaxSizeMB:        100,
		LogFileMaxBackups:       5,
		LogFileMaxAgeDays:       30,
		RequestLogFilePath:      "/var/log/stevedore-agent/requests.jsonl",
		RequestLogMaxSizeMB:     100,
		AuditLogFilePath:        "/var/log/stevedore-agent/audit.jsonl",
		AuditLogSizeLimitMB:     100,
		ProgressThrottleMS:      1000,
		OperationRetentionHours: 168,
		WatchStabilityMS:        500,
		TLSCertDir:              "./ssl",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.AccessToken = getEnv("ACCESS_TOKEN", c.AccessToken)
	c.Port = getEnv("PORT", c.Port)
	c.WorkspacePath = getEnv("WORKSPACE_PATH", c.WorkspacePath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFilePath = getEnv("LOG_FILE_PATH", c.LogFilePath)
	c.LogFileMaxSizeMB = getEnvInt("LOG_FILE_MAX_SIZE_MB", c.LogFileMaxSizeMB)
	c.LogFileMaxBackups = getEnvInt("LOG_FILE_MAX_BACKUPS", c.LogFileMaxBackups)
	c.LogFileMaxAgeDays = getEnvInt("LOG_FILE_MAX_AGE_DAYS", c.LogFileMaxAgeDays)
	c.RequestLogEnabled = getEnvBool("REQUEST_LOG_ENABLED", c.RequestLogEnabled)
	c.RequestLogFilePath = getEnv("REQUEST_LOG_FILE_PATH", c.RequestLogFilePath)
	c.RequestLogMaxSizeMB = getEnvInt("REQUEST_LOG_MAX_SIZE_MB", c.RequestLogMaxSizeMB)
	c.AuditLogEnabled = getEnvBool("AUDIT_LOG_ENABLED", c.AuditLogEnabled)
	c.AuditLogFilePath = getEnv("AUDIT_LOG_FILE_PATH", c.AuditLogFilePath)
	c.AuditLogSizeLimitMB = getEnvInt("AUDIT_LOG_SIZE_LIMIT_MB", c.AuditLogSizeLimitMB)
	c.ProgressThrottleMS = getEnvInt("PROGRESS_THROTTLE_MS", c.ProgressThrottleMS)
	c.OperationRetentionHours = getEnvInt("OPERATION_RETENTION_HOURS", c.OperationRetentionHours)
	c.InboxPath = getEnv("INBOX_PATH", c.InboxPath)
	c.OutboxPath = getEnv("OUTBOX_PATH", c.OutboxPath)
	c.WatchStabilityMS = getEnvInt("WATCH_STABILITY_MS", c.WatchStabilityMS)
	c.TLSEnabled = getEnvBool("TLS_ENABLED", c.TLSEnabled)
	c.TLSCertDir = getEnv("TLS_CERT_DIR", c.TLSCertDir)
}

type fileConfig struct {
	AccessToken             *string `yaml:"access_token"`
	Port                    *string `yaml:"port"`
	WorkspacePath           *string `yaml:"workspace_path"`
	LogLevel                *string `yaml:"log_level"`
	LogFilePath             *string `yaml:"log_file_path"`
	LogFileMaxSizeMB        *int    `yaml:"log_file_max_size_mb"`
	LogFileMaxBackups       *int    `yaml:"log_file_max_backups"`
	LogFileMaxAgeDays       *int    `yaml:"log_file_max_age_days"`
	RequestLogEnabled       *bool   `yaml:"request_log_enabled"`
	RequestLogFilePath      *string `yaml:"request_log_file_path"`
	RequestLogMaxSizeMB     *int    `yaml:"request_log_max_size_mb"`
	AuditLogEnabled         *bool   `yaml:"audit_log_enabled"`
	AuditLogFilePath        *string `yaml:"audit_log_file_path"`
	AuditLogSizeLimitMB     *int    `yaml:"audit_log_size_limit_mb"`
	ProgressThrottleMS      *int    `yaml:"progress_throttle_ms"`
	OperationRetentionHours *int    `yaml:"operation_retention_hours"`
	InboxPath               *string `yaml:"inbox_path"`
	OutboxPath              *string `yaml:"outbox_path"`
	WatchStabilityMS        *int    `yaml:"watch_stability_ms"`
	TLSEnabled              *bool   `yaml:"tls_enabled"`
	TLSCertDir              *string `yaml:"tls_cert_dir"`
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	setString(&c.AccessToken, f.AccessToken)
	setString(&c.Port, f.Port)
	setString(&c.WorkspacePath, f.WorkspacePath)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFilePath, f.LogFilePath)
	setInt(&c.LogFileMaxSizeMB, f.LogFileMaxSizeMB)
	setInt(&c.LogFileMaxBackups, f.LogFileMaxBackups)
	setInt(&c.LogFileMaxAgeDays, f.LogFileMaxAgeDays)
	setBool(&c.RequestLogEnabled, f.RequestLogEnabled)
	setString(&c.RequestLogFilePath, f.RequestLogFilePath)
	setInt(&c.RequestLogMaxSizeMB, f.RequestLogMaxSizeMB)
	setBool(&c.AuditLogEnabled, f.AuditLogEnabled)
	setString(&c.AuditLogFilePath, f.AuditLogFilePath)
	setInt(&c.AuditLogSizeLimitMB, f.AuditLogSizeLimitMB)
	setInt(&c.ProgressThrottleMS, f.ProgressThrottleMS)
	setInt(&c.OperationRetentionHours, f.OperationRetentionHours)
	setString(&c.InboxPath, f.InboxPath)
	setString(&c.OutboxPath, f.OutboxPath)
	setInt(&c.WatchStabilityMS, f.WatchStabilityMS)
	setBool(&c.TLSEnabled, f.TLSEnabled)
	setString(&c.TLSCertDir, f.TLSCertDir)
	return nil
}

// ProgressThrottle returns the minimum interval between forwarded progress
// notifications for a single operation.
func (c *Config) ProgressThrottle() time.Duration {
	return time.Duration(c.ProgressThrottleMS) * time.Millisecond
}

// WatchStability returns how long an inbox file must stay unchanged before
// it is considered fully written.
func (c *Config) WatchStability() time.Duration {
	return time.Duration(c.WatchStabilityMS) * time.Millisecond
}

// OperationRetention returns how long finished operations stay queryable.
func (c *Config) OperationRetention() time.Duration {
	return time.Duration(c.OperationRetentionHours) * time.Hour
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

var Module = fx.Options(
	fx.Provide(NewConfig),
)
