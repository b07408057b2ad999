package config

import (
	"os"
	"testing"
	"time"
)

// TestLoadDefaults tests that default configuration values are loaded correctly.
func TestLoadDefaults(t *testing.T) {
	// Load configuration without a config file
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	// Test Server defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default server host '0.0.0.0', got '%s'", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout 30s, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected default shutdown timeout 10s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Debug != false {
		t.Errorf("Expected default debug false, got %v", cfg.Server.Debug)
	}

	// Test AWS defaults
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("Expected default region 'us-east-1', got '%s'", cfg.AWS.Region)
	}
	if cfg.AWS.TablePrefix != "outpost" {
		t.Errorf("Expected default table prefix 'outpost', got '%s'", cfg.AWS.TablePrefix)
	}
	if cfg.AWS.DispatchTableName != "dispatches" {
		t.Errorf("Expected default dispatch table name 'dispatches', got '%s'", cfg.AWS.DispatchTableName)
	}
	if cfg.AWS.IdempotencyTableName != "idempotency" {
		t.Errorf("Expected default idempotency table name 'idempotency', got '%s'", cfg.AWS.IdempotencyTableName)
	}
	if cfg.AWS.ArtifactsBucket != "outpost-artifacts" {
		t.Errorf("Expected default artifacts bucket 'outpost-artifacts', got '%s'", cfg.AWS.ArtifactsBucket)
	}
	if cfg.AWS.ECSCluster != "outpost-cluster" {
		t.Errorf("Expected default ecs cluster 'outpost-cluster', got '%s'", cfg.AWS.ECSCluster)
	}

	// Test WarmPool defaults
	if cfg.WarmPool.MaxConcurrentPerAgent != 5 {
		t.Errorf("Expected default max concurrent per agent 5, got %d", cfg.WarmPool.MaxConcurrentPerAgent)
	}
	if cfg.WarmPool.IdleTTL != 10*time.Minute {
		t.Errorf("Expected default idle ttl 10m, got %v", cfg.WarmPool.IdleTTL)
	}
	if cfg.WarmPool.HighWatermark != 3 {
		t.Errorf("Expected default high watermark 3, got %d", cfg.WarmPool.HighWatermark)
	}
	if cfg.WarmPool.ReapInterval != 30*time.Second {
		t.Errorf("Expected default reap interval 30s, got %v", cfg.WarmPool.ReapInterval)
	}

	// Test Quota defaults
	if cfg.Quota.StrictIdempotency != false {
		t.Errorf("Expected default strict idempotency false, got %v", cfg.Quota.StrictIdempotency)
	}

	// Test Reconciler defaults
	if cfg.Reconciler.PollWaitSeconds != 20 {
		t.Errorf("Expected default poll wait seconds 20, got %d", cfg.Reconciler.PollWaitSeconds)
	}
	if cfg.Reconciler.VisibilityTimeout != 60 {
		t.Errorf("Expected default visibility timeout 60, got %d", cfg.Reconciler.VisibilityTimeout)
	}
	if cfg.Reconciler.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Reconciler.MaxRetries)
	}
	if cfg.Reconciler.RetryMinDelay != 20*time.Millisecond {
		t.Errorf("Expected default retry min delay 20ms, got %v", cfg.Reconciler.RetryMinDelay)
	}
	if cfg.Reconciler.RetryMaxDelay != 200*time.Millisecond {
		t.Errorf("Expected default retry max delay 200ms, got %v", cfg.Reconciler.RetryMaxDelay)
	}

	// Test Artifacts defaults
	if cfg.Artifacts.RetentionDays != 30 {
		t.Errorf("Expected default retention days 30, got %d", cfg.Artifacts.RetentionDays)
	}
	if cfg.Artifacts.MultipartThreshold != 5*1024*1024 {
		t.Errorf("Expected default multipart threshold 5MiB, got %d", cfg.Artifacts.MultipartThreshold)
	}
	if cfg.Artifacts.SweepInterval != 24*time.Hour {
		t.Errorf("Expected default sweep interval 24h, got %v", cfg.Artifacts.SweepInterval)
	}

	// Test Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default logging level 'info', got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected default logging format 'json', got '%s'", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default logging output 'stdout', got '%s'", cfg.Logging.Output)
	}

	// Test Security defaults
	if cfg.Security.RateLimit != 100 {
		t.Errorf("Expected default rate limit 100, got %d", cfg.Security.RateLimit)
	}
	if len(cfg.Security.AllowedOrigins) != 1 || cfg.Security.AllowedOrigins[0] != "*" {
		t.Errorf("Expected default allowed origins ['*'], got %v", cfg.Security.AllowedOrigins)
	}
}

// TestValidation tests the configuration validation logic.
func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		expectErr bool
		errMsg    string
	}{
		{
			name: "valid configuration",
			cfg: &Config{
				Server: ServerConfig{Port: 8080},
				AWS:    AWSConfig{Region: "us-east-1", ArtifactsBucket: "outpost-artifacts"},
			},
			expectErr: false,
		},
		{
			name: "invalid port - too low",
			cfg: &Config{
				Server: ServerConfig{Port: 0},
				AWS:    AWSConfig{Region: "us-east-1", ArtifactsBucket: "outpost-artifacts"},
			},
			expectErr: true,
			errMsg:    "invalid server port",
		},
		{
			name: "invalid port - too high",
			cfg: &Config{
				Server: ServerConfig{Port: 70000},
				AWS:    AWSConfig{Region: "us-east-1", ArtifactsBucket: "outpost-artifacts"},
			},
			expectErr: true,
			errMsg:    "invalid server port",
		},
		{
			name: "missing aws region",
			cfg: &Config{
				Server: ServerConfig{Port: 8080},
				AWS:    AWSConfig{Region: "", ArtifactsBucket: "outpost-artifacts"},
			},
			expectErr: true,
			errMsg:    "aws region is required",
		},
		{
			name: "missing artifacts bucket",
			cfg: &Config{
				Server: ServerConfig{Port: 8080},
				AWS:    AWSConfig{Region: "us-east-1", ArtifactsBucket: ""},
			},
			expectErr: true,
			errMsg:    "artifacts bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.cfg)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error containing '%s', got nil", tt.errMsg)
				} else if !contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
			}
		})
	}
}

// TestDispatchTable tests the fully-qualified DynamoDB table name helper.
func TestDispatchTable(t *testing.T) {
	aws := &AWSConfig{TablePrefix: "outpost", DispatchTableName: "dispatches"}
	if got := aws.DispatchTable(); got != "outpost-dispatches" {
		t.Errorf("Expected 'outpost-dispatches', got '%s'", got)
	}
}

// TestIdempotencyTable tests the fully-qualified idempotency-map table name helper.
func TestIdempotencyTable(t *testing.T) {
	aws := &AWSConfig{TablePrefix: "outpost", IdempotencyTableName: "idempotency"}
	if got := aws.IdempotencyTable(); got != "outpost-idempotency" {
		t.Errorf("Expected 'outpost-idempotency', got '%s'", got)
	}
}

// TestEnvironmentVariableOverride tests that environment variables override config values.
func TestEnvironmentVariableOverride(t *testing.T) {
	// Save original env vars
	originalPort := os.Getenv("OUTPOST_SERVER_PORT")
	originalHost := os.Getenv("OUTPOST_SERVER_HOST")
	originalDebug := os.Getenv("OUTPOST_SERVER_DEBUG")

	// Set test env vars
	os.Setenv("OUTPOST_SERVER_PORT", "9999")
	os.Setenv("OUTPOST_SERVER_HOST", "127.0.0.1")
	os.Setenv("OUTPOST_SERVER_DEBUG", "true")

	// Cleanup after test
	defer func() {
		if originalPort != "" {
			os.Setenv("OUTPOST_SERVER_PORT", originalPort)
		} else {
			os.Unsetenv("OUTPOST_SERVER_PORT")
		}
		if originalHost != "" {
			os.Setenv("OUTPOST_SERVER_HOST", originalHost)
		} else {
			os.Unsetenv("OUTPOST_SERVER_HOST")
		}
		if originalDebug != "" {
			os.Setenv("OUTPOST_SERVER_DEBUG", originalDebug)
		} else {
			os.Unsetenv("OUTPOST_SERVER_DEBUG")
		}
	}()

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999 from environment, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host '127.0.0.1' from environment, got '%s'", cfg.Server.Host)
	}
	if cfg.Server.Debug != true {
		t.Errorf("Expected debug true from environment, got %v", cfg.Server.Debug)
	}
}

// TestEnvironmentVariableUnprefixedOverride tests that the deployment's
// unprefixed env var names (§6) override the defaults for the AWS block.
func TestEnvironmentVariableUnprefixedOverride(t *testing.T) {
	originalRegion := os.Getenv("AWS_REGION")
	originalBucket := os.Getenv("ARTIFACTS_BUCKET")

	os.Setenv("AWS_REGION", "eu-west-1")
	os.Setenv("ARTIFACTS_BUCKET", "custom-bucket")

	defer func() {
		if originalRegion != "" {
			os.Setenv("AWS_REGION", originalRegion)
		} else {
			os.Unsetenv("AWS_REGION")
		}
		if originalBucket != "" {
			os.Setenv("ARTIFACTS_BUCKET", originalBucket)
		} else {
			os.Unsetenv("ARTIFACTS_BUCKET")
		}
	}()

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("Expected region 'eu-west-1' from environment, got '%s'", cfg.AWS.Region)
	}
	if cfg.AWS.ArtifactsBucket != "custom-bucket" {
		t.Errorf("Expected artifacts bucket 'custom-bucket' from environment, got '%s'", cfg.AWS.ArtifactsBucket)
	}
}

// TestGet tests the global config getter.
func TestGet(t *testing.T) {
	// Load configuration first
	_, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Get should return the loaded config
	retrieved := Get()
	if retrieved == nil {
		t.Error("Get() returned nil")
		return
	}

	// Verify it's the same instance
	if retrieved.Server.Port != 8080 {
		t.Errorf("Expected port 8080 from Get(), got %d", retrieved.Server.Port)
	}
}

// Helper function to check if a string contains a substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > 0 && len(substr) > 0 && findSubstring(s, substr)))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
