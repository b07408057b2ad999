package models

import "time"

// Status is the lifecycle state of a Dispatch.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is one of the absorbing terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions encodes the lifecycle graph from the status edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	return validTransitions[s][next]
}

// AgentKind is a fixed, finite tag identifying a supported coding agent.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
	AgentAider  AgentKind = "aider"
	AgentGrok   AgentKind = "grok"
)

// ValidAgentKinds lists every agent kind the compile-time table supports.
var ValidAgentKinds = map[AgentKind]bool{
	AgentClaude: true,
	AgentCodex:  true,
	AgentGemini: true,
	AgentAider:  true,
	AgentGrok:   true,
}

// WorkspaceInitMode governs how much of the target repo a workspace seeds.
type WorkspaceInitMode string

const (
	WorkspaceInitFull    WorkspaceInitMode = "full"
	WorkspaceInitMinimal WorkspaceInitMode = "minimal"
	WorkspaceInitNone    WorkspaceInitMode = "none"
)

// ResourceConstraints overrides the agent template's default CPU/memory/disk.
type ResourceConstraints struct {
	CPUUnits  int `json:"cpu_units,omitempty" dynamodbav:"cpu_units,omitempty"`
	MemoryMB  int `json:"memory_mb,omitempty" dynamodbav:"memory_mb,omitempty"`
	DiskGB    int `json:"disk_gb,omitempty" dynamodbav:"disk_gb,omitempty"`
}

// Dispatch is the central entity: one scheduled execution of an agent
// against a task.
type Dispatch struct {
	DispatchID string `json:"dispatch_id" dynamodbav:"dispatch_id"`

	UserID    string            `json:"user_id" dynamodbav:"user_id"`
	AgentKind AgentKind         `json:"agent_kind" dynamodbav:"agent_kind"`
	ModelID   string            `json:"model_id" dynamodbav:"model_id"`
	Tags      map[string]string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`

	Task               string               `json:"task" dynamodbav:"task"`
	RepoURL            string               `json:"repo_url,omitempty" dynamodbav:"repo_url,omitempty"`
	Branch             string               `json:"branch,omitempty" dynamodbav:"branch,omitempty"`
	WorkspaceInitMode  WorkspaceInitMode    `json:"workspace_init_mode,omitempty" dynamodbav:"workspace_init_mode,omitempty"`
	TimeoutSeconds     int                  `json:"timeout_seconds" dynamodbav:"timeout_seconds"`
	ResourceConstraints *ResourceConstraints `json:"resource_constraints,omitempty" dynamodbav:"resource_constraints,omitempty"`
	AdditionalSecrets  []string             `json:"additional_secrets,omitempty" dynamodbav:"additional_secrets,omitempty"`

	Status        Status     `json:"status" dynamodbav:"status"`
	Version       int64      `json:"version" dynamodbav:"version"`
	StartedAt     time.Time  `json:"started_at" dynamodbav:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" dynamodbav:"ended_at,omitempty"`
	TaskARN       *string    `json:"task_arn,omitempty" dynamodbav:"task_arn,omitempty"`
	WorkspaceID   *string    `json:"workspace_id,omitempty" dynamodbav:"workspace_id,omitempty"`
	ArtifactsURL  *string    `json:"artifacts_url,omitempty" dynamodbav:"artifacts_url,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty" dynamodbav:"exit_code,omitempty"`
	StoppedReason *string    `json:"stopped_reason,omitempty" dynamodbav:"stopped_reason,omitempty"`

	ExpiresAt int64 `json:"expires_at" dynamodbav:"expires_at"`

	IdempotencyKey string `json:"idempotency_key,omitempty" dynamodbav:"idempotency_key,omitempty"`
}

// StatusPatch carries the fields a status transition may update alongside
// status and version. Nil-valued fields are left untouched.
type StatusPatch struct {
	TaskARN       *string
	WorkspaceID   *string
	ArtifactsURL  *string
	ErrorMessage  *string
	EndedAt       *time.Time
	ExitCode      *int
	StoppedReason *string
}

// Progress derives the coarse 0/50/100 progress value from status.
func (d *Dispatch) Progress() int {
	switch d.Status {
	case StatusPending:
		return 0
	case StatusRunning:
		return 50
	default:
		if d.Status.IsTerminal() {
			return 100
		}
		return 0
	}
}

// RetentionDays is how long a dispatch record is kept before the sweep
// (§3: 90 days after creation).
const RetentionDays = 90

// IdempotencyWindow is the lifetime of an idempotency key pairing (§3).
const IdempotencyWindow = 24 * time.Hour

// QuotaTier names a tenant's concurrency allowance.
type QuotaTier string

const (
	TierFree     QuotaTier = "free"
	TierStandard QuotaTier = "standard"
	TierPremium  QuotaTier = "premium"
)

// MaxConcurrentJobs is the compile-time table of tier -> concurrency cap,
// per the "compile-time table keyed by the tag" design note.
var MaxConcurrentJobs = map[QuotaTier]int{
	TierFree:     3,
	TierStandard: 10,
	TierPremium:  50,
}

// IdempotencyMapping is the (user_id#idempotency_key) -> dispatch_id record
// with a 24-hour TTL.
type IdempotencyMapping struct {
	Key        string `dynamodbav:"user_idempotency_key"`
	DispatchID string `dynamodbav:"dispatch_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}
