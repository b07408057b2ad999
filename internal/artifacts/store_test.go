package artifacts

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
)

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	lastModified time.Time
}

type fakeS3 struct {
	objects map[string]*fakeObject
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]*fakeObject{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.objects[*in.Key] = &fakeObject{body: body, contentType: strOr(in.ContentType), metadata: in.Metadata, lastModified: time.Now().UTC()}
	etag := "etag-" + *in.Key
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentType: &obj.contentType, LastModified: &obj.lastModified, Metadata: obj.metadata}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for k, obj := range f.objects {
		if hasPrefix(k, *in.Prefix) {
			size := int64(len(obj.body))
			lm := obj.lastModified
			key := k
			contents = append(contents, types.Object{Key: &key, Size: &size, LastModified: &lm})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	var deleted []types.DeletedObject
	for _, obj := range in.Delete.Objects {
		delete(f.objects, *obj.Key)
		deleted = append(deleted, types.DeletedObject{Key: obj.Key})
	}
	return &s3.DeleteObjectsOutput{Deleted: deleted}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-" + *in.Key
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	etag := "part-etag"
	return &s3.UploadPartOutput{ETag: &etag}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	etag := "etag-" + *in.Key
	return &s3.CompleteMultipartUploadOutput{ETag: &etag, Key: in.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func strOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://example.com/get/" + *in.Key}, nil
}

func (fakePresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://example.com/put/" + *in.Key}, nil
}

func testConfig() config.ArtifactsConfig {
	return config.ArtifactsConfig{RetentionDays: 30, MultipartThreshold: 5 * 1024 * 1024}
}

func TestUpload_StampsMetadataAndReturnsKey(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, testConfig(), "bucket", nil)

	result, err := store.Upload(context.Background(), "D1", "summary.json", []byte(`{"ok":true}`), "")
	require.NoError(t, err)
	require.Equal(t, "dispatches/D1/summary.json", result.Key)

	obj := s3fake.objects[result.Key]
	require.Equal(t, "application/json", obj.contentType)
	require.Contains(t, obj.metadata, "dispatch-id")
	require.Equal(t, "D1", obj.metadata["dispatch-id"])
}

func TestList_EnumeratesPrefixAndTotalsSize(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, testConfig(), "bucket", nil)

	_, err := store.Upload(context.Background(), "D1", "output.log", []byte("hello"), "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), "D1", "diff.patch", []byte("diff content"), "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), "D2", "output.log", []byte("other dispatch"), "")
	require.NoError(t, err)

	artifacts, total, err := store.List(context.Background(), "D1")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	require.Equal(t, int64(len("hello")+len("diff content")), total)
}

func TestDelete_RemovesAllObjectsUnderPrefix(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, testConfig(), "bucket", nil)

	_, _ = store.Upload(context.Background(), "D1", "output.log", []byte("hello"), "")
	_, _ = store.Upload(context.Background(), "D1", "diff.patch", []byte("diff"), "")

	count, err := store.Delete(context.Background(), "D1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Empty(t, s3fake.objects)
}

func TestPresignDownload_FailsNotFoundWhenObjectMissing(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, testConfig(), "bucket", nil)

	_, err := store.PresignDownload(context.Background(), "D1", "missing.txt", 3600)
	require.Error(t, err)
	require.Equal(t, outposterr.KindNotFound, outposterr.KindOf(err))
}

func TestPresignDownload_SucceedsWhenObjectExists(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, testConfig(), "bucket", nil)

	_, _ = store.Upload(context.Background(), "D1", "output.log", []byte("hello"), "")

	result, err := store.PresignDownload(context.Background(), "D1", "output.log", 3600)
	require.NoError(t, err)
	require.Contains(t, result.URL, "dispatches/D1/output.log")
}

func TestResolveTTL_DefaultsAndBounds(t *testing.T) {
	ttl, err := resolveTTL(0)
	require.NoError(t, err)
	require.Equal(t, time.Hour, ttl)

	ttl, err = resolveTTL(120)
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, ttl)

	ttl, err = resolveTTL(60)
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, ttl)

	ttl, err = resolveTTL(86400)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, ttl)
}

func TestResolveTTL_RejectsOutOfRange(t *testing.T) {
	_, err := resolveTTL(59)
	require.Equal(t, outposterr.KindValidation, outposterr.KindOf(err))

	_, err = resolveTTL(86401)
	require.Equal(t, outposterr.KindValidation, outposterr.KindOf(err))
}

func TestSweepExpired_DeletesObjectsOlderThanRetention(t *testing.T) {
	s3fake := newFakeS3()
	store := New(s3fake, fakePresigner{}, config.ArtifactsConfig{RetentionDays: 30}, "bucket", nil)

	_, _ = store.Upload(context.Background(), "D1", "output.log", []byte("hello"), "")
	s3fake.objects["dispatches/D1/output.log"].lastModified = time.Now().UTC().AddDate(0, 0, -31)

	deleted, freed, err := store.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Equal(t, int64(len("hello")), freed)
}
