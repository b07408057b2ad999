// Package artifacts implements the S3-backed ArtifactStore: uploads,
// presigned URLs, listing and deletion of the per-dispatch object
// prefix, plus the retention sweep.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/models"
)

// S3 abstracts the subset of *s3.Client calls this package uses; it
// also satisfies manager.UploadAPIClient so the multipart uploader can
// share the same fake in tests.
type S3 interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner abstracts *s3.PresignClient's two methods this package
// calls, so tests can supply a fake without a real signing credential
// chain.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is the S3-backed ArtifactStore.
type Store struct {
	client   S3
	presign  Presigner
	uploader *manager.Uploader
	cfg      config.ArtifactsConfig
	bucket   string
	log      *slog.Logger
}

func New(client S3, presign Presigner, cfg config.ArtifactsConfig, bucket string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		client:   client,
		presign:  presign,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) { u.PartSize = int64(multipartThreshold(cfg)) }),
		cfg:      cfg,
		bucket:   bucket,
		log:      log,
	}
}

func multipartThreshold(cfg config.ArtifactsConfig) int {
	if cfg.MultipartThreshold <= 0 {
		return models.MultipartThreshold
	}
	return cfg.MultipartThreshold
}

func retentionDays(cfg config.ArtifactsConfig) int {
	if cfg.RetentionDays <= 0 {
		return models.DefaultRetentionDays
	}
	return cfg.RetentionDays
}

func objectKey(dispatchID, filename string) string {
	return fmt.Sprintf("dispatches/%s/%s", dispatchID, filename)
}

func prefixOf(dispatchID string) string {
	return fmt.Sprintf("dispatches/%s/", dispatchID)
}

// UploadResult is what upload/upload_large return.
type UploadResult struct {
	Key  string
	Size int64
	ETag string
}

func contentTypeFor(filename, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ct, ok := models.DefaultContentTypes[filename]; ok {
		return ct
	}
	return "application/octet-stream"
}

func metadataFor(cfg config.ArtifactsConfig, dispatchID string) map[string]string {
	now := time.Now().UTC()
	expires := now.AddDate(0, 0, retentionDays(cfg))
	return map[string]string{
		"dispatch-id": dispatchID,
		"uploaded-at": now.Format(time.RFC3339),
		"expires-at":  expires.Format(time.RFC3339),
	}
}

// Upload is the single-shot path for payloads under the multipart
// threshold, stamping dispatch-id/uploaded-at/expires-at metadata.
func (s *Store) Upload(ctx context.Context, dispatchID, filename string, body []byte, contentType string) (*UploadResult, error) {
	key := objectKey(dispatchID, filename)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        newReaderAt(body),
		ContentType: aws.String(contentTypeFor(filename, contentType)),
		Metadata:    metadataFor(s.cfg, dispatchID),
	})
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("artifact upload failed", err.Error())
	}
	return &UploadResult{Key: key, Size: int64(len(body)), ETag: aws.ToString(out.ETag)}, nil
}

// UploadLarge multiparts a stream through the S3 transfer manager,
// aborting the upload on any part failure.
func (s *Store) UploadLarge(ctx context.Context, dispatchID, filename string, stream io.Reader, contentType string) (*UploadResult, error) {
	key := objectKey(dispatchID, filename)
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        stream,
		ContentType: aws.String(contentTypeFor(filename, contentType)),
		Metadata:    metadataFor(s.cfg, dispatchID),
	})
	if err != nil {
		// manager.Uploader aborts the multipart upload internally on
		// part failure before returning; nothing further to clean up.
		return nil, outposterr.NewServiceUnavailable("artifact upload failed", err.Error())
	}
	return &UploadResult{Key: key, ETag: aws.ToString(out.ETag)}, nil
}

// PresignedURL is what presign_download/presign_upload return.
type PresignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// List enumerates the dispatch's prefix, resolving per-entry metadata
// (size/content-type/uploaded-at/expires-at), degrading to defaults on
// a failed per-object HeadObject per §7's fallback rule.
func (s *Store) List(ctx context.Context, dispatchID string) ([]models.Artifact, int64, error) {
	var artifacts []models.Artifact
	var totalSize int64

	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefixOf(dispatchID)),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, 0, outposterr.NewServiceUnavailable("artifact listing failed", err.Error())
		}

		for _, obj := range out.Contents {
			artifacts = append(artifacts, s.describeObject(ctx, aws.ToString(obj.Key), dispatchID, aws.ToInt64(obj.Size)))
			totalSize += aws.ToInt64(obj.Size)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return artifacts, totalSize, nil
}

func (s *Store) describeObject(ctx context.Context, key, dispatchID string, size int64) models.Artifact {
	filename := key[len(prefixOf(dispatchID)):]
	a := models.Artifact{
		Filename:    filename,
		Size:        size,
		ContentType: contentTypeFor(filename, ""),
		ExpiresAt:   time.Now().UTC().AddDate(0, 0, retentionDays(s.cfg)),
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		s.log.Warn("head object failed, using defaults", "key", key, "error", err)
		return a
	}
	if head.ContentType != nil {
		a.ContentType = *head.ContentType
	}
	if head.LastModified != nil {
		a.UploadedAt = *head.LastModified
	}
	if v, ok := head.Metadata["expires-at"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			a.ExpiresAt = t
		}
	}
	return a
}

// Delete batch-deletes every object under the dispatch's prefix, 1000
// keys per DeleteObjects call (the S3 API cap).
func (s *Store) Delete(ctx context.Context, dispatchID string) (int, error) {
	keys, err := s.listKeys(ctx, prefixOf(dispatchID))
	if err != nil {
		return 0, err
	}
	return s.deleteBatched(ctx, keys)
}

// SweepExpired deletes every object under the whole dispatches/ prefix
// whose storage last-modified time is older than the retention window.
// Intended for periodic (daily) invocation.
func (s *Store) SweepExpired(ctx context.Context) (deletedCount int, freedBytes int64, err error) {
	var expiredKeys []string
	now := time.Now().UTC()

	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String("dispatches/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return 0, 0, outposterr.NewServiceUnavailable("sweep listing failed", err.Error())
		}

		cutoff := now.AddDate(0, 0, -retentionDays(s.cfg))
		for _, obj := range out.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				expiredKeys = append(expiredKeys, aws.ToString(obj.Key))
				freedBytes += aws.ToInt64(obj.Size)
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	deletedCount, err = s.deleteBatched(ctx, expiredKeys)
	return deletedCount, freedBytes, err
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, outposterr.NewServiceUnavailable("artifact listing failed", err.Error())
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return keys, nil
}

func (s *Store) deleteBatched(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for i := 0; i < len(keys); i += 1000 {
		end := i + 1000
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for j, k := range batch {
			objects[j] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return deleted, outposterr.NewServiceUnavailable("artifact delete failed", err.Error())
		}
		deleted += len(out.Deleted)
	}
	return deleted, nil
}

// Exists checks an object's presence, used by PresignDownload to fail
// NotFound before issuing a URL for a file that was never uploaded.
func (s *Store) Exists(ctx context.Context, dispatchID, filename string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(dispatchID, filename)),
	})
	if err != nil {
		var nf *types.NotFound
		if errorsAsNotFound(err, &nf) {
			return false, nil
		}
		return false, outposterr.NewServiceUnavailable("artifact lookup failed", err.Error())
	}
	return true, nil
}

// PresignDownload verifies the object exists, then issues a time-limited
// GET URL (default 1 hour; explicit ttlSeconds must fall in 60s-24h).
func (s *Store) PresignDownload(ctx context.Context, dispatchID, filename string, ttlSeconds int) (*PresignedURL, error) {
	ttl, err := resolveTTL(ttlSeconds)
	if err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, dispatchID, filename)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, outposterr.NewNotFound("artifact", filename)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(dispatchID, filename)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("failed to presign download", err.Error())
	}
	return &PresignedURL{URL: req.URL, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// PresignUpload issues a time-limited PUT URL carrying the same
// metadata stamps as Upload.
func (s *Store) PresignUpload(ctx context.Context, dispatchID, filename, contentType string, ttlSeconds int) (*PresignedURL, error) {
	ttl, err := resolveTTL(ttlSeconds)
	if err != nil {
		return nil, err
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(dispatchID, filename)),
		ContentType: aws.String(contentTypeFor(filename, contentType)),
		Metadata:    metadataFor(s.cfg, dispatchID),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("failed to presign upload", err.Error())
	}
	return &PresignedURL{URL: req.URL, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// LogRange is one paginated read of a dispatch's output.log object.
type LogRange struct {
	Lines      []string
	NextOffset *int64 // nil once the object has been fully drained
}

// ReadLogRange performs a ranged GetObject read of dispatches/{id}/output.log
// starting at byte offset, splitting complete lines until maxLines is
// reached or the object is exhausted. A trailing partial line (no final
// newline yet written by the still-running task) is held back so the
// next call resumes cleanly at a line boundary.
func (s *Store) ReadLogRange(ctx context.Context, dispatchID string, offset int64, maxLines int) (*LogRange, error) {
	key := objectKey(dispatchID, models.ArtifactOutputLog)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errorsAsNotFound(err, &nf) {
			return &LogRange{}, nil
		}
		return nil, outposterr.NewServiceUnavailable("log read failed", err.Error())
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("log read failed", err.Error())
	}

	lines := splitLines(body)
	consumed := int64(0)
	result := make([]string, 0, maxLines)
	for i, ln := range lines {
		if i >= maxLines {
			break
		}
		result = append(result, ln.text)
		consumed = ln.end
	}

	if consumed == 0 {
		// Nothing terminated by a newline yet; nothing new to return.
		return &LogRange{}, nil
	}

	nextOffset := offset + consumed
	return &LogRange{Lines: result, NextOffset: &nextOffset}, nil
}

type logLine struct {
	text string
	end  int64 // byte offset, relative to the read, just past this line's newline
}

// splitLines returns only newline-terminated lines; a trailing partial
// line with no newline is dropped so pagination never splits a line
// the writer hasn't finished yet.
func splitLines(body []byte) []logLine {
	var lines []logLine
	start := 0
	for i, b := range body {
		if b == '\n' {
			lines = append(lines, logLine{text: string(body[start:i]), end: int64(i + 1)})
			start = i + 1
		}
	}
	return lines
}

// resolveTTL applies the presign TTL contract from §4.6/§8: zero (not
// specified by the caller) defaults to one hour; any explicit value
// outside [60s, 24h] is rejected rather than silently clamped.
func resolveTTL(seconds int) (time.Duration, error) {
	switch {
	case seconds <= 0:
		return time.Hour, nil
	case seconds < 60:
		return 0, outposterr.NewValidation("ttl_seconds must be at least 60 seconds")
	case seconds > 24*3600:
		return 0, outposterr.NewValidation("ttl_seconds must not exceed 86400 seconds")
	default:
		return time.Duration(seconds) * time.Second, nil
	}
}

func errorsAsNotFound(err error, target **types.NotFound) bool {
	return errors.As(err, target)
}

// newReaderAt adapts a []byte into an io.ReadSeeker for PutObject,
// matching the SDK's expected Body type for a buffered single-shot put.
func newReaderAt(body []byte) io.ReadSeeker {
	return &byteReaderSeeker{data: body}
}

type byteReaderSeeker struct {
	data []byte
	pos  int64
}

func (r *byteReaderSeeker) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *byteReaderSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = r.pos + offset
	case io.SeekEnd:
		newPos = int64(len(r.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative seek position: %d", newPos)
	}
	r.pos = newPos
	return r.pos, nil
}
