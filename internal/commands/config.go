package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	defaultConfig := `# Outpost Configuration

server:
  host: 0.0.0.0
  port: 8080
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

aws:
  region: us-east-1
  table_prefix: outpost
  dispatch_table_name: dispatches
  idempotency_table_name: idempotency
  user_index_name: user-started-index
  task_arn_gsi_name: task-arn-index
  artifacts_bucket: outpost-artifacts
  ecs_cluster: outpost-cluster
  reconcile_queue_url: ""

warmpool:
  max_concurrent_per_agent: 5
  idle_ttl: 10m
  high_watermark: 3
  reap_interval: 30s

quota:
  strict_idempotency: false

reconciler:
  queue_url: ""
  poll_wait_seconds: 20
  visibility_timeout_seconds: 60
  max_retries: 3
  retry_min_delay: 20ms
  retry_max_delay: 200ms

artifacts:
  retention_days: 30
  multipart_threshold_bytes: 5242880
  sweep_interval: 24h

logging:
  level: info
  format: json
  output: stdout

security:
  rate_limit: 100
  allowed_origins:
    - "*"
`

	if err := os.WriteFile("config.yaml", []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Println("✓ Created config.yaml")
	return nil
}
