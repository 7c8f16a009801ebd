package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabasesConfig `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Consent   ConsentConfig   `mapstructure:"consent"`
	Retention RetentionConfig `mapstructure:"retention"`
	AuditLog  AuditLogConfig  `mapstructure:"audit_log"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Hostname     string        `mapstructure:"hostname"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabasesConfig holds all database configurations
type DatabasesConfig struct {
	Consent DatabaseConfig `mapstructure:"consent"`
}

// DatabaseConfig holds individual database configuration
type DatabaseConfig struct {
	Hostname        string        `mapstructure:"hostname"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ConsentConfig holds consent recording configuration
type ConsentConfig struct {
	PolicyVersion string `mapstructure:"policy_version"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// RetentionPolicy names the single active cleanup strategy. Exactly one of
// delete or archive applies to a deployment.
type RetentionPolicy string

const (
	// PolicyDelete hard-deletes expired records in batches
	PolicyDelete RetentionPolicy = "delete"
	// PolicyArchive copies expired records into the archive table, then deletes
	PolicyArchive RetentionPolicy = "archive"
)

// RetentionConfig holds retention and maintenance configuration
type RetentionConfig struct {
	Policy             RetentionPolicy `mapstructure:"policy"`
	BatchSize          int             `mapstructure:"batch_size"`
	ArchiveConcurrency int             `mapstructure:"archive_concurrency"`
}

// AuditLogConfig holds file audit mirror configuration
type AuditLogConfig struct {
	Directory        string        `mapstructure:"directory"`
	MaxFileSize      int64         `mapstructure:"max_file_size"`
	MaxRotatedFiles  int           `mapstructure:"max_rotated_files"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
}

// SecurityConfig holds authentication configuration
type SecurityConfig struct {
	AdminAPIKey string `mapstructure:"admin_api_key"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

var globalConfig *Config

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FARMWORK")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.hostname", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("consent.policy_version", "1.0")
	v.SetDefault("consent.retention_days", 365)
	v.SetDefault("retention.policy", string(PolicyDelete))
	v.SetDefault("retention.batch_size", 100)
	v.SetDefault("retention.archive_concurrency", 5)
	v.SetDefault("audit_log.directory", "./logs")
	v.SetDefault("audit_log.max_file_size", 10*1024*1024)
	v.SetDefault("audit_log.max_rotated_files", 10)
	v.SetDefault("audit_log.rotation_interval", time.Hour)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Consent.Hostname == "" {
		return fmt.Errorf("database hostname is required")
	}

	if config.Database.Consent.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if config.Consent.RetentionDays < 1 || config.Consent.RetentionDays > 365 {
		return fmt.Errorf("consent retention_days must be between 1 and 365, got %d", config.Consent.RetentionDays)
	}

	if config.Retention.BatchSize < 1 || config.Retention.BatchSize > 1000 {
		return fmt.Errorf("retention batch_size must be between 1 and 1000, got %d", config.Retention.BatchSize)
	}

	if config.Retention.Policy != PolicyDelete && config.Retention.Policy != PolicyArchive {
		return fmt.Errorf("retention policy must be %q or %q, got %q", PolicyDelete, PolicyArchive, config.Retention.Policy)
	}

	if config.Retention.ArchiveConcurrency < 1 {
		return fmt.Errorf("retention archive_concurrency must be at least 1")
	}

	if config.AuditLog.Directory == "" {
		return fmt.Errorf("audit log directory is required")
	}

	if config.AuditLog.MaxFileSize <= 0 {
		return fmt.Errorf("audit log max_file_size must be positive")
	}

	if config.Security.AdminAPIKey == "" {
		return fmt.Errorf("admin API key is required")
	}

	if config.Security.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	return nil
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// SetGlobal sets the global configuration (for testing purposes)
func SetGlobal(cfg *Config) {
	globalConfig = cfg
}

// GetDSN returns the database connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		d.User,
		d.Password,
		d.Hostname,
		d.Port,
		d.Database,
	)
}

// GetServerAddress returns the server address in host:port format
func (s *ServerConfig) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}
