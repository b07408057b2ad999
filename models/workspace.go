package models

import "time"

// Workspace is the metadata record for a dispatch's repo-clone checkout.
// The core never performs the clone itself (§1 non-goal); it tracks only
// the identifier assigned at launch and this descriptive record, stored
// in the dispatch table alongside the owning dispatch.
type Workspace struct {
	WorkspaceID string            `json:"workspace_id" dynamodbav:"workspace_id"`
	// DispatchID is stored under a distinct attribute name because the
	// table's primary key attribute (also named dispatch_id) holds the
	// WorkspaceKeyPrefix-namespaced workspace key on this row, not the
	// owning dispatch's identifier.
	DispatchID string `json:"dispatch_id" dynamodbav:"owning_dispatch_id"`
	UserID      string            `json:"user_id" dynamodbav:"user_id"`
	RepoURL     string            `json:"repo_url,omitempty" dynamodbav:"repo_url,omitempty"`
	Branch      string            `json:"branch,omitempty" dynamodbav:"branch,omitempty"`
	InitMode    WorkspaceInitMode `json:"init_mode" dynamodbav:"init_mode"`
	CreatedAt   time.Time         `json:"created_at" dynamodbav:"created_at"`
	SizeBytes   *int64            `json:"size_bytes,omitempty" dynamodbav:"size_bytes,omitempty"`
}

// WorkspaceKeyPrefix namespaces workspace rows within the dispatch table
// so a single-table layout can hold both entity kinds without collision
// (primary key value is WorkspaceKeyPrefix + workspace_id).
const WorkspaceKeyPrefix = "WORKSPACE#"
