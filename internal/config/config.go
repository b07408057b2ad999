// Package config provides configuration management for Outpost.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with OUTPOST_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./configs/config.yaml, ~/.outpost/config.yaml, /etc/outpost/config.yaml)
//  3. .env files
//  4. Environment variables (OUTPOST_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use OUTPOST_ prefix and underscores for nested keys:
//   - OUTPOST_SERVER_PORT=8095
//   - OUTPOST_AWS_REGION=us-east-1
//   - OUTPOST_AWS_DISPATCH_TABLE_NAME=outpost-dispatches
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for Outpost.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	AWS        AWSConfig        `mapstructure:"aws"`
	WarmPool   WarmPoolConfig   `mapstructure:"warmpool"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Security   SecurityConfig   `mapstructure:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

// AWSConfig names the region and the DynamoDB/S3 resources the control
// plane talks to. These correspond to the significant environment
// variables named in §6: AWS_REGION, DYNAMODB_TABLE_PREFIX,
// DISPATCH_TABLE_NAME, TASK_ARN_GSI_NAME, ARTIFACTS_BUCKET.
type AWSConfig struct {
	Region             string `mapstructure:"region"`
	TablePrefix        string `mapstructure:"table_prefix"`
	DispatchTableName  string `mapstructure:"dispatch_table_name"`
	IdempotencyTableName string `mapstructure:"idempotency_table_name"`
	UserIndexName      string `mapstructure:"user_index_name"`
	TaskARNGSIName     string `mapstructure:"task_arn_gsi_name"`
	ArtifactsBucket    string `mapstructure:"artifacts_bucket"`
	ECSCluster         string `mapstructure:"ecs_cluster"`
	ReconcileQueueURL  string `mapstructure:"reconcile_queue_url"`
}

// WarmPoolConfig configures per-agent pool sizing.
type WarmPoolConfig struct {
	MaxConcurrentPerAgent int           `mapstructure:"max_concurrent_per_agent"`
	IdleTTL               time.Duration `mapstructure:"idle_ttl"`
	HighWatermark         int           `mapstructure:"high_watermark"`
	ReapInterval          time.Duration `mapstructure:"reap_interval"`
}

// QuotaConfig holds the idempotency-store strictness flag from
// SPEC_FULL.md §9. The flag is loaded but no component reads it:
// dispatchstore's create always treats the idempotency-map write as
// best-effort, logging a failed write and proceeding, whatever its value.
type QuotaConfig struct {
	StrictIdempotency bool `mapstructure:"strict_idempotency"`
}

// ReconcilerConfig configures the SQS event-consumer loop.
type ReconcilerConfig struct {
	QueueURL          string        `mapstructure:"queue_url"`
	PollWaitSeconds   int32         `mapstructure:"poll_wait_seconds"`
	VisibilityTimeout int32         `mapstructure:"visibility_timeout_seconds"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryMinDelay     time.Duration `mapstructure:"retry_min_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

// ArtifactsConfig configures the object-storage-backed artifact manager.
type ArtifactsConfig struct {
	RetentionDays      int           `mapstructure:"retention_days"`
	MultipartThreshold int           `mapstructure:"multipart_threshold_bytes"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// SecurityConfig contains rate limiting and CORS settings. Authentication
// itself is out of scope (§1) and deliberately absent here.
type SecurityConfig struct {
	RateLimit      int      `mapstructure:"rate_limit"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (OUTPOST_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.outpost")
		v.AddConfigPath("/etc/outpost")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // ignore error if .env file doesn't exist

	v.SetEnvPrefix("OUTPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also accept the spec's unprefixed environment variable names (§6),
	// the names significant to the surrounding deployment. AutomaticEnv
	// is consulted before these bindings, so when both forms are set the
	// OUTPOST_-prefixed variable wins.
	bindUnprefixedEnv(v)

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func bindUnprefixedEnv(v *viper.Viper) {
	_ = v.BindEnv("aws.region", "AWS_REGION")
	_ = v.BindEnv("aws.table_prefix", "DYNAMODB_TABLE_PREFIX")
	_ = v.BindEnv("aws.dispatch_table_name", "DISPATCH_TABLE_NAME")
	_ = v.BindEnv("aws.task_arn_gsi_name", "TASK_ARN_GSI_NAME")
	_ = v.BindEnv("aws.artifacts_bucket", "ARTIFACTS_BUCKET")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.table_prefix", "outpost")
	v.SetDefault("aws.dispatch_table_name", "dispatches")
	v.SetDefault("aws.idempotency_table_name", "idempotency")
	v.SetDefault("aws.user_index_name", "user-started-index")
	v.SetDefault("aws.task_arn_gsi_name", "task-arn-index")
	v.SetDefault("aws.artifacts_bucket", "outpost-artifacts")
	v.SetDefault("aws.ecs_cluster", "outpost-cluster")

	v.SetDefault("warmpool.max_concurrent_per_agent", 5)
	v.SetDefault("warmpool.idle_ttl", "10m")
	v.SetDefault("warmpool.high_watermark", 3)
	v.SetDefault("warmpool.reap_interval", "30s")

	v.SetDefault("quota.strict_idempotency", false)

	v.SetDefault("reconciler.poll_wait_seconds", 20)
	v.SetDefault("reconciler.visibility_timeout_seconds", 60)
	v.SetDefault("reconciler.max_retries", 3)
	v.SetDefault("reconciler.retry_min_delay", "20ms")
	v.SetDefault("reconciler.retry_max_delay", "200ms")

	v.SetDefault("artifacts.retention_days", 30)
	v.SetDefault("artifacts.multipart_threshold_bytes", 5*1024*1024)
	v.SetDefault("artifacts.sweep_interval", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}

	if cfg.AWS.ArtifactsBucket == "" {
		return fmt.Errorf("artifacts bucket is required")
	}

	return nil
}

func Get() *Config {
	return cfg
}

// DispatchTable returns the fully-qualified DynamoDB table name for
// dispatch records (table_prefix + dispatch_table_name).
func (c *AWSConfig) DispatchTable() string {
	return c.TablePrefix + "-" + c.DispatchTableName
}

// IdempotencyTable returns the fully-qualified idempotency-map table name.
func (c *AWSConfig) IdempotencyTable() string {
	return c.TablePrefix + "-" + c.IdempotencyTableName
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
