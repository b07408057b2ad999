package dispatchstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/models"
)

// fakeDynamoDB is an in-memory stand-in for the DynamoDB interface,
// enough to exercise conditional writes without a live table.
type fakeDynamoDB struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) string {
	if v, ok := item["dispatch_id"]; ok {
		return "dispatch:" + v.(*types.AttributeValueMemberS).Value
	}
	if v, ok := item["user_idempotency_key"]; ok {
		return "idem:" + v.(*types.AttributeValueMemberS).Value
	}
	return ""
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := keyOf(in.Item)
	if in.ConditionExpression != nil {
		if _, exists := f.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	k := keyOf(in.Key)
	item, ok := f.items[k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}

	var d models.Dispatch
	_ = attributevalue.UnmarshalMap(item, &d)

	expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
	if expected != intToString(d.Version) {
		return nil, &types.ConditionalCheckFailedException{}
	}

	d.Version++
	d.Status = models.Status(in.ExpressionAttributeValues[":new_status"].(*types.AttributeValueMemberS).Value)

	newItem, _ := attributevalue.MarshalMap(&d)
	f.items[k] = newItem

	return &dynamodb.UpdateItemOutput{Attributes: newItem}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	items := make([]map[string]types.AttributeValue, 0)

	if in.IndexName != nil && *in.IndexName == "task-arn-index" {
		want := in.ExpressionAttributeValues[":task_arn"].(*types.AttributeValueMemberS).Value
		for k, v := range f.items {
			if len(k) > 9 && k[:9] == "dispatch:" {
				if arn, ok := v["task_arn"]; ok {
					if s, ok := arn.(*types.AttributeValueMemberS); ok && s.Value == want {
						items = append(items, v)
					}
				}
			}
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	for k, v := range f.items {
		if len(k) > 9 && k[:9] == "dispatch:" {
			items = append(items, v)
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeDynamoDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	items := make([]map[string]types.AttributeValue, 0)
	for k, v := range f.items {
		if len(k) > 9 && k[:9] == "dispatch:" {
			items = append(items, v)
		}
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func intToString(v int64) string {
	return itoa(v)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func testAWSConfig() config.AWSConfig {
	return config.AWSConfig{
		TablePrefix:          "outpost",
		DispatchTableName:    "dispatches",
		IdempotencyTableName: "idempotency",
		UserIndexName:        "user-started-index",
		TaskARNGSIName:       "task-arn-index",
	}
}

func TestCreate_SetsVersionOneAndPending(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)

	d, err := store.Create(context.Background(), CreateInput{
		DispatchID: "D1",
		UserID:     "u1",
		AgentKind:  models.AgentClaude,
		Task:       "do the thing",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), d.Version)
	require.Equal(t, models.StatusPending, d.Status)
}

func TestCreate_DuplicateIDConflicts(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	ctx := context.Background()

	_, err := store.Create(ctx, CreateInput{DispatchID: "D1", UserID: "u1", Task: "t"})
	require.NoError(t, err)

	_, err = store.Create(ctx, CreateInput{DispatchID: "D1", UserID: "u1", Task: "t"})
	require.Error(t, err)
	require.Equal(t, outposterr.KindConflict, outposterr.KindOf(err))
}

func TestUpdateStatus_VersionGuard(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	ctx := context.Background()

	d, err := store.Create(ctx, CreateInput{DispatchID: "D2", UserID: "u1", Task: "t"})
	require.NoError(t, err)

	arn := "arn:aws:ecs:task/T1"
	updated, err := store.UpdateStatus(ctx, d.DispatchID, d.Version, models.StatusRunning, models.StatusPatch{TaskARN: &arn})
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, updated.Status)
	require.Equal(t, int64(2), updated.Version)

	// stale expected_version now fails Conflict
	_, err = store.UpdateStatus(ctx, d.DispatchID, 1, models.StatusCompleted, models.StatusPatch{})
	require.Error(t, err)
	require.Equal(t, outposterr.KindConflict, outposterr.KindOf(err))
}

func TestFindByTaskARN_LocatesRunningDispatch(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	ctx := context.Background()

	d, err := store.Create(ctx, CreateInput{DispatchID: "D3", UserID: "u1", Task: "t"})
	require.NoError(t, err)

	arn := "arn:aws:ecs:task/T9"
	_, err = store.UpdateStatus(ctx, d.DispatchID, d.Version, models.StatusRunning, models.StatusPatch{TaskARN: &arn})
	require.NoError(t, err)

	found, err := store.FindByTaskARN(ctx, arn)
	require.NoError(t, err)
	require.Equal(t, "D3", found.DispatchID)
}

func TestFindByTaskARN_NotFound(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	_, err := store.FindByTaskARN(context.Background(), "arn:aws:ecs:task/missing")
	require.Error(t, err)
	require.Equal(t, outposterr.KindNotFound, outposterr.KindOf(err))
}

func TestGet_NotFound(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, outposterr.KindNotFound, outposterr.KindOf(err))
}

func TestWorkspace_CreateGetDelete(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	ctx := context.Background()

	ws := &models.Workspace{
		WorkspaceID: "W1",
		DispatchID:  "D1",
		UserID:      "u1",
		RepoURL:     "https://example.com/repo.git",
		InitMode:    models.WorkspaceInitFull,
	}
	require.NoError(t, store.CreateWorkspace(ctx, ws))

	found, err := store.GetWorkspace(ctx, "W1")
	require.NoError(t, err)
	require.Equal(t, "D1", found.DispatchID)
	require.Equal(t, "u1", found.UserID)

	require.NoError(t, store.DeleteWorkspace(ctx, "W1"))
}

func TestWorkspace_GetNotFound(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	_, err := store.GetWorkspace(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, outposterr.KindNotFound, outposterr.KindOf(err))
}

func TestWorkspace_ListByUser(t *testing.T) {
	store := New(newFakeDynamoDB(), testAWSConfig(), nil)
	ctx := context.Background()

	require.NoError(t, store.CreateWorkspace(ctx, &models.Workspace{WorkspaceID: "W1", DispatchID: "D1", UserID: "u1"}))
	require.NoError(t, store.CreateWorkspace(ctx, &models.Workspace{WorkspaceID: "W2", DispatchID: "D2", UserID: "u1"}))

	list, err := store.ListWorkspacesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}
