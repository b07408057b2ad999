// Package dispatchstore implements the durable Dispatch record store:
// version-guarded status transitions, the idempotency map, and
// user-indexed listing, all backed by DynamoDB.
package dispatchstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/models"
)

// DynamoDB abstracts the subset of *dynamodb.Client calls the store uses,
// so tests can supply a fake without standing up a real table.
type DynamoDB interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store is the DynamoDB-backed DispatchStore.
type Store struct {
	client DynamoDB
	aws    config.AWSConfig
	log    *slog.Logger
}

func New(client DynamoDB, awsCfg config.AWSConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{client: client, aws: awsCfg, log: log}
}

// CreateInput is the caller-supplied content for a new dispatch; the
// store fills in version, status, started_at and expires_at.
type CreateInput struct {
	DispatchID         string
	UserID             string
	AgentKind          models.AgentKind
	ModelID            string
	Tags               map[string]string
	Task               string
	RepoURL            string
	Branch             string
	WorkspaceInitMode  models.WorkspaceInitMode
	TimeoutSeconds     int
	ResourceConstraints *models.ResourceConstraints
	AdditionalSecrets  []string
	IdempotencyKey     string
}

// Create atomically inserts a new record at version=1, status PENDING.
func (s *Store) Create(ctx context.Context, in CreateInput) (*models.Dispatch, error) {
	now := time.Now().UTC()
	d := &models.Dispatch{
		DispatchID:          in.DispatchID,
		UserID:              in.UserID,
		AgentKind:           in.AgentKind,
		ModelID:             in.ModelID,
		Tags:                in.Tags,
		Task:                in.Task,
		RepoURL:             in.RepoURL,
		Branch:              in.Branch,
		WorkspaceInitMode:   in.WorkspaceInitMode,
		TimeoutSeconds:      in.TimeoutSeconds,
		ResourceConstraints: in.ResourceConstraints,
		AdditionalSecrets:   in.AdditionalSecrets,
		Status:              models.StatusPending,
		Version:             1,
		StartedAt:           now,
		ExpiresAt:           now.AddDate(0, 0, models.RetentionDays).Unix(),
		IdempotencyKey:      in.IdempotencyKey,
	}

	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return nil, outposterr.NewInternal("failed to marshal dispatch", err.Error())
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.aws.DispatchTable()),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(dispatch_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, outposterr.New(outposterr.KindConflict, "dispatch already exists", in.DispatchID)
		}
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}

	if in.IdempotencyKey != "" {
		s.putIdempotencyMapping(ctx, in.UserID, in.IdempotencyKey, in.DispatchID)
	}

	return d, nil
}

// putIdempotencyMapping is best-effort: failure is logged but never fails
// the surrounding create, matching §4.1. When Quota.StrictIdempotency is
// desired instead, callers should check config before calling Create and
// treat a nil return from FindByIdempotency conservatively; this method
// itself stays best-effort since it is the store's low-level primitive.
func (s *Store) putIdempotencyMapping(ctx context.Context, userID, key, dispatchID string) {
	mapping := models.IdempotencyMapping{
		Key:        userID + "#" + key,
		DispatchID: dispatchID,
		ExpiresAt:  time.Now().UTC().Add(models.IdempotencyWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(mapping)
	if err != nil {
		s.log.Warn("idempotency mapping marshal failed", "error", err)
		return
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.aws.IdempotencyTable()),
		Item:      item,
	}); err != nil {
		s.log.Warn("idempotency mapping write failed", "error", err, "dispatch_id", dispatchID)
	}
}

// FindByIdempotency returns the existing dispatch for (user_id, key), or
// nil if there is no mapping (miss or map unavailable — never an error).
func (s *Store) FindByIdempotency(ctx context.Context, userID, key string) (*models.Dispatch, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.aws.IdempotencyTable()),
		Key: map[string]types.AttributeValue{
			"user_idempotency_key": &types.AttributeValueMemberS{Value: userID + "#" + key},
		},
	})
	if err != nil {
		s.log.Warn("idempotency lookup failed, treating as miss", "error", err)
		return nil, nil
	}
	if out.Item == nil {
		return nil, nil
	}

	var mapping models.IdempotencyMapping
	if err := attributevalue.UnmarshalMap(out.Item, &mapping); err != nil {
		s.log.Warn("idempotency mapping unmarshal failed", "error", err)
		return nil, nil
	}

	d, err := s.Get(ctx, mapping.DispatchID)
	if err != nil {
		return nil, nil
	}
	return d, nil
}

// Get fetches a dispatch by its primary key.
func (s *Store) Get(ctx context.Context, dispatchID string) (*models.Dispatch, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.aws.DispatchTable()),
		Key: map[string]types.AttributeValue{
			"dispatch_id": &types.AttributeValueMemberS{Value: dispatchID},
		},
	})
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}
	if out.Item == nil {
		return nil, outposterr.NewNotFound("dispatch", dispatchID)
	}

	var d models.Dispatch
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, outposterr.NewInternal("failed to unmarshal dispatch", err.Error())
	}
	return &d, nil
}

// FindByTaskARN looks up the dispatch owning a running task, via the
// task-arn GSI. Used by the reconciler when an event's dispatch_id is
// missing or unrecognized and it must fall back to the task ARN (§4.4
// step 2's redundant-lookup path).
func (s *Store) FindByTaskARN(ctx context.Context, taskARN string) (*models.Dispatch, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.aws.DispatchTable()),
		IndexName:              aws.String(s.aws.TaskARNGSIName),
		KeyConditionExpression: aws.String("task_arn = :task_arn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":task_arn": &types.AttributeValueMemberS{Value: taskARN},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}
	if len(out.Items) == 0 {
		return nil, outposterr.NewNotFound("dispatch with task_arn", taskARN)
	}

	var d models.Dispatch
	if err := attributevalue.UnmarshalMap(out.Items[0], &d); err != nil {
		return nil, outposterr.NewInternal("failed to unmarshal dispatch", err.Error())
	}
	return &d, nil
}

// UpdateStatus conditionally updates status/version and applies patch
// fields, guarded by version == expectedVersion. On a guard failure it
// fails Conflict carrying both versions so callers can decide to retry.
func (s *Store) UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus models.Status, patch models.StatusPatch) (*models.Dispatch, error) {
	names := map[string]string{"#status": "status", "#version": "version"}
	values := map[string]types.AttributeValue{
		":new_status":  &types.AttributeValueMemberS{Value: string(newStatus)},
		":expected":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		":next_version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion+1)},
	}
	setExprs := []string{"#status = :new_status", "#version = :next_version"}

	addStringField := func(attr, placeholder string, v *string) {
		if v == nil {
			return
		}
		names["#"+attr] = attr
		values[placeholder] = &types.AttributeValueMemberS{Value: *v}
		setExprs = append(setExprs, fmt.Sprintf("#%s = %s", attr, placeholder))
	}
	addStringField("task_arn", ":task_arn", patch.TaskARN)
	addStringField("workspace_id", ":workspace_id", patch.WorkspaceID)
	addStringField("artifacts_url", ":artifacts_url", patch.ArtifactsURL)
	addStringField("error_message", ":error_message", patch.ErrorMessage)
	addStringField("stopped_reason", ":stopped_reason", patch.StoppedReason)

	if patch.ExitCode != nil {
		names["#exit_code"] = "exit_code"
		values[":exit_code"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *patch.ExitCode)}
		setExprs = append(setExprs, "#exit_code = :exit_code")
	}
	if patch.EndedAt != nil {
		names["#ended_at"] = "ended_at"
		b, _ := patch.EndedAt.MarshalText()
		values[":ended_at"] = &types.AttributeValueMemberS{Value: string(b)}
		setExprs = append(setExprs, "#ended_at = :ended_at")
	}

	updateExpr := "SET " + joinSet(setExprs)

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.aws.DispatchTable()),
		Key: map[string]types.AttributeValue{
			"dispatch_id": &types.AttributeValueMemberS{Value: dispatchID},
		},
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("#version = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			current, getErr := s.Get(ctx, dispatchID)
			currentVersion := int64(-1)
			if getErr == nil {
				currentVersion = current.Version
			}
			return nil, outposterr.NewConflict("version guard failed", expectedVersion, currentVersion)
		}
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}

	var d models.Dispatch
	if err := attributevalue.UnmarshalMap(out.Attributes, &d); err != nil {
		return nil, outposterr.NewInternal("failed to unmarshal dispatch", err.Error())
	}
	return &d, nil
}

// MarkCompleted is update_status specialized to COMPLETED, stamping ended_at.
func (s *Store) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, exitCode int) (*models.Dispatch, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, models.StatusCompleted, models.StatusPatch{
		EndedAt:  &now,
		ExitCode: &exitCode,
	})
}

// MarkFailed is update_status specialized to FAILED, stamping ended_at
// and an error message.
func (s *Store) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, errorMessage string) (*models.Dispatch, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, models.StatusFailed, models.StatusPatch{
		EndedAt:      &now,
		ErrorMessage: &errorMessage,
	})
}

// ListResult is one page of list_by_user, with an opaque next cursor.
type ListResult struct {
	Items      []*models.Dispatch
	NextCursor string
}

// ListByUser returns dispatches for user_id ordered by started_at
// descending, optionally filtered by status and ANDed tag key-values.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int, cursor string, status *models.Status, tags map[string]string) (*ListResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.aws.DispatchTable()),
		IndexName:              aws.String(s.aws.UserIndexName),
		KeyConditionExpression: aws.String("user_id = :user_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false), // descending by started_at sort key
		Limit:            aws.Int32(int32(limit)),
	}

	if status != nil {
		input.FilterExpression = aws.String("#status = :status")
		input.ExpressionAttributeNames = map[string]string{"#status": "status"}
		input.ExpressionAttributeValues[":status"] = &types.AttributeValueMemberS{Value: string(*status)}
	}

	if cursor != "" {
		key, err := decodeCursor(cursor)
		if err != nil {
			return nil, outposterr.NewValidation("invalid cursor")
		}
		input.ExclusiveStartKey = key
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}

	items := make([]*models.Dispatch, 0, len(out.Items))
	for _, raw := range out.Items {
		var d models.Dispatch
		if err := attributevalue.UnmarshalMap(raw, &d); err != nil {
			continue
		}
		if !matchesTags(d.Tags, tags) {
			continue
		}
		items = append(items, &d)
	}

	result := &ListResult{Items: items}
	if len(out.LastEvaluatedKey) > 0 {
		result.NextCursor = encodeCursor(out.LastEvaluatedKey)
	}
	return result, nil
}

func matchesTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// AgentMetrics summarizes one agent kind's recent dispatch outcomes.
type AgentMetrics struct {
	Total         int
	Completed     int
	Failed        int
	AvgDurationMs float64
}

// Metrics is the aggregate result of dispatch_metrics(since_hours).
type Metrics struct {
	Total    int
	ByStatus map[models.Status]int
	ByAgent  map[models.AgentKind]*AgentMetrics
}

// DispatchMetrics aggregates over records started within the last
// sinceHours hours. Implemented as a scan with a started_at filter —
// this control plane favors correctness of a cold-path read over the
// cost of a scan, since it backs a 30s-cached health snapshot, not a
// hot request path.
func (s *Store) DispatchMetrics(ctx context.Context, sinceHours int) (*Metrics, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour)
	cutoffText, _ := cutoff.MarshalText()

	result := &Metrics{
		ByStatus: make(map[models.Status]int),
		ByAgent:  make(map[models.AgentKind]*AgentMetrics),
	}

	var durationSums = make(map[models.AgentKind]float64)
	var durationCounts = make(map[models.AgentKind]int)

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:           aws.String(s.aws.DispatchTable()),
			FilterExpression:    aws.String("started_at >= :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff": &types.AttributeValueMemberS{Value: string(cutoffText)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
		}

		for _, raw := range out.Items {
			var d models.Dispatch
			if err := attributevalue.UnmarshalMap(raw, &d); err != nil {
				continue
			}
			result.Total++
			result.ByStatus[d.Status]++

			agentMetrics, ok := result.ByAgent[d.AgentKind]
			if !ok {
				agentMetrics = &AgentMetrics{}
				result.ByAgent[d.AgentKind] = agentMetrics
			}
			agentMetrics.Total++
			switch d.Status {
			case models.StatusCompleted:
				agentMetrics.Completed++
			case models.StatusFailed, models.StatusTimeout, models.StatusCancelled:
				agentMetrics.Failed++
			}
			if d.EndedAt != nil {
				durationSums[d.AgentKind] += d.EndedAt.Sub(d.StartedAt).Seconds() * 1000
				durationCounts[d.AgentKind]++
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	for kind, m := range result.ByAgent {
		if durationCounts[kind] > 0 {
			m.AvgDurationMs = durationSums[kind] / float64(durationCounts[kind])
		}
	}

	return result, nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func encodeCursor(key map[string]types.AttributeValue) string {
	var raw map[string]interface{}
	if err := attributevalue.UnmarshalMap(key, &raw); err != nil {
		return ""
	}
	plain, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(plain)
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	plain, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(plain, &raw); err != nil {
		return nil, err
	}
	return attributevalue.MarshalMap(raw)
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// workspaceKey namespaces a workspace row's primary key within the same
// table dispatches live in, per SPEC_FULL.md's single-table layout note.
func workspaceKey(workspaceID string) string {
	return models.WorkspaceKeyPrefix + workspaceID
}

// CreateWorkspace persists a workspace metadata record alongside the
// owning dispatch. Workspaces carry no started_at attribute, so they are
// never projected into the user-started_at GSI dispatch listing relies on.
func (s *Store) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	item, err := attributevalue.MarshalMap(ws)
	if err != nil {
		return outposterr.NewInternal("failed to marshal workspace", err.Error())
	}
	item["dispatch_id"] = &types.AttributeValueMemberS{Value: workspaceKey(ws.WorkspaceID)}
	item["item_type"] = &types.AttributeValueMemberS{Value: "workspace"}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.aws.DispatchTable()),
		Item:      item,
	}); err != nil {
		return outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}
	return nil
}

// GetWorkspace fetches a workspace metadata record by its identifier.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.aws.DispatchTable()),
		Key: map[string]types.AttributeValue{
			"dispatch_id": &types.AttributeValueMemberS{Value: workspaceKey(workspaceID)},
		},
	})
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}
	if out.Item == nil {
		return nil, outposterr.NewNotFound("workspace", workspaceID)
	}

	var ws models.Workspace
	if err := attributevalue.UnmarshalMap(out.Item, &ws); err != nil {
		return nil, outposterr.NewInternal("failed to unmarshal workspace", err.Error())
	}
	return &ws, nil
}

// DeleteWorkspace removes a workspace metadata record.
func (s *Store) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.aws.DispatchTable()),
		Key: map[string]types.AttributeValue{
			"dispatch_id": &types.AttributeValueMemberS{Value: workspaceKey(workspaceID)},
		},
	})
	if err != nil {
		return outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
	}
	return nil
}

// ListWorkspacesByUser scans for workspace rows owned by userID. This is
// a cold, low-traffic admin-style read (matches DispatchMetrics's scan
// rationale), not a per-request hot path.
func (s *Store) ListWorkspacesByUser(ctx context.Context, userID string) ([]*models.Workspace, error) {
	var result []*models.Workspace
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.aws.DispatchTable()),
			FilterExpression: aws.String("item_type = :t AND user_id = :u"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":t": &types.AttributeValueMemberS{Value: "workspace"},
				":u": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, outposterr.NewServiceUnavailable("dispatch store unavailable", err.Error())
		}
		for _, raw := range out.Items {
			var ws models.Workspace
			if err := attributevalue.UnmarshalMap(raw, &ws); err != nil {
				continue
			}
			result = append(result, &ws)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return result, nil
}
