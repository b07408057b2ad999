// Package outpost is a multi-tenant fleet control plane for dispatching
// AI coding agent tasks as one-shot ECS container tasks.
//
// # Overview
//
// Outpost accepts dispatch requests — each a (tenant, agent kind, task,
// optional repository) tuple — checks the tenant's quota, checks out a
// warm pool slot, launches a one-shot ECS task to run the agent, and
// tracks the dispatch through to completion. Task output and logs are
// captured as artifacts in S3; task lifecycle transitions arrive
// asynchronously over SQS and are applied by the reconciler.
//
// The platform consists of four main components:
//   - API Server: HTTP front door for dispatch, status, and artifact
//     retrieval (Echo)
//   - Orchestrator: the dispatch/cancel façade tying quota, warm pool,
//     and task launch together
//   - Reconciler: SQS-driven consumer that applies task-terminated
//     events to dispatch records
//   - Storage Layer: DynamoDB-backed dispatch and workspace records,
//     S3-backed artifacts
//
// # Architecture
//
//	┌─────────────────┐
//	│  API clients    │
//	└────────┬────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  API Server     │──────▶│  Orchestrator   │
//	│  (Echo REST)    │       │  (dispatch/     │
//	└────────┬────────┘       │   cancel)       │
//	         │                └────────┬────────┘
//	┌────────▼────────┐       ┌────────▼────────┐
//	│  DynamoDB       │       │  Warm Pool /    │
//	│  (dispatches,   │       │  ECS Task       │
//	│   workspaces)   │       │  Runner         │
//	└────────▲────────┘       └────────┬────────┘
//	         │                         │
//	┌────────┴────────┐       ┌────────▼────────┐
//	│  Reconciler     │◄──────┤  SQS            │
//	│  (event loop)   │       │  (task events)  │
//	└─────────────────┘       └─────────────────┘
//
// # Core Features
//
// Dispatch orchestration:
//   - Tenant quota enforcement by tier (free/standard/premium)
//   - Idempotent dispatch via idempotency keys
//   - Optimistic-concurrency status transitions
//
// Warm pool:
//   - Per-agent-kind slot table with idle reaping
//   - Checkout/return lifecycle tied to dispatch launch/terminate
//
// Reconciler:
//   - Long-poll SQS consumer with jittered retry
//   - Applies task-terminated events to dispatch records
//
// Artifacts:
//   - S3-backed object storage with presigned upload/download URLs
//   - Retention sweep enforcing a configurable expiry window
//
// # Usage
//
// Start the API server:
//
//	outpost serve --config configs/config.yaml
//
// Run the reconciler standalone:
//
//	outpost reconcile --config configs/config.yaml
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (configs/config.yaml)
//   - Environment variables (OUTPOST_ prefix, plus the unprefixed
//     deployment names such as AWS_REGION and ARTIFACTS_BUCKET)
//   - .env file
//
// Example configuration:
//
//	server:
//	  host: 0.0.0.0
//	  port: 8080
//	aws:
//	  region: us-east-1
//	  dispatch_table_name: dispatches
//	  artifacts_bucket: outpost-artifacts
//	  ecs_cluster: outpost-cluster
//
// # API Endpoints
//
// Dispatch Management:
//   - POST   /api/v1/dispatch        - Create a dispatch
//   - GET    /api/v1/dispatch/:id    - Get dispatch status
//   - DELETE /api/v1/dispatch/:id    - Cancel a dispatch
//   - GET    /api/v1/dispatch        - List dispatches for the caller
//
// Artifacts:
//   - GET  /api/v1/artifacts/:dispatch_id           - List artifacts
//   - GET  /api/v1/artifacts/:dispatch_id/:filename - Presigned download URL
//
// Fleet Health:
//   - GET /health/fleet - Cached fleet health snapshot
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Run unit tests for a single package:
//
//	go test ./internal/orchestrator/...
//
// Build the binary:
//
//	go build -o outpost ./cmd/outpost
//
// # Technology Stack
//
//   - Go 1.25
//   - Echo v4 (HTTP framework)
//   - AWS SDK v2 (DynamoDB, S3, ECS, SQS, Secrets Manager)
//   - Cobra/Viper (CLI and configuration)
//   - slog (structured logging)
package outpost
