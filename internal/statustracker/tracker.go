// Package statustracker implements the StatusTracker read path: current
// dispatch state plus an optional paginated page of its output log. It
// owns no storage of its own — it composes DispatchStore.Get with a
// ranged ArtifactStore read of the dispatch's output.log object.
package statustracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/outpostrun/outpost/internal/artifacts"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/models"
)

// Store is the subset of dispatchstore.Store this package needs.
type Store interface {
	Get(ctx context.Context, dispatchID string) (*models.Dispatch, error)
}

// LogReader is the subset of artifacts.Store this package needs.
type LogReader interface {
	ReadLogRange(ctx context.Context, dispatchID string, offset int64, maxLines int) (*artifacts.LogRange, error)
}

var _ LogReader = (*artifacts.Store)(nil)

// DefaultLogLimit and MaxLogLimit bound a single page of log lines per §4.8.
const (
	DefaultLogLimit = 200
	MaxLogLimit     = 1000
)

// Tracker composes the store and log reader into the status(...) read.
type Tracker struct {
	store Store
	logs  LogReader
	log   *slog.Logger
}

func New(store Store, logs LogReader, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, logs: logs, log: log}
}

// Request is the status(...) call's optional log-pagination parameters.
type Request struct {
	LogOffset string // opaque continuation token from a prior page, empty for the first page
	LogLimit  int    // 0 defaults to DefaultLogLimit, clamped to MaxLogLimit
	SkipLogs  bool
}

// Status is the full status(...) response.
type Status struct {
	DispatchID    string
	Status        models.Status
	Progress      int
	Logs          []string
	LogOffset     string // opaque continuation token for the next page; empty when no more logs are buffered yet
	StartedAt     time.Time
	EndedAt       *time.Time
	WorkspaceID   *string
	TaskARN       *string
	ExitCode      *int
	ErrorMessage  *string
	StoppedReason *string
}

type offsetToken struct {
	Byte int64 `json:"b"`
}

func encodeOffset(b int64) string {
	raw, _ := json.Marshal(offsetToken{Byte: b})
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeOffset(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, outposterr.NewValidation("invalid log_offset")
	}
	var t offsetToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return 0, outposterr.NewValidation("invalid log_offset")
	}
	return t.Byte, nil
}

func logLimit(requested int) int {
	switch {
	case requested <= 0:
		return DefaultLogLimit
	case requested > MaxLogLimit:
		return MaxLogLimit
	default:
		return requested
	}
}

// Status reads the dispatch record and, unless skip_logs is set, the
// next page of its output log starting at log_offset.
func (t *Tracker) Status(ctx context.Context, dispatchID string, req Request) (*Status, error) {
	d, err := t.store.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	resp := &Status{
		DispatchID:    d.DispatchID,
		Status:        d.Status,
		Progress:      d.Progress(),
		StartedAt:     d.StartedAt,
		EndedAt:       d.EndedAt,
		WorkspaceID:   d.WorkspaceID,
		TaskARN:       d.TaskARN,
		ExitCode:      d.ExitCode,
		ErrorMessage:  d.ErrorMessage,
		StoppedReason: d.StoppedReason,
	}

	if req.SkipLogs {
		return resp, nil
	}

	offset, err := decodeOffset(req.LogOffset)
	if err != nil {
		return nil, err
	}

	page, err := t.logs.ReadLogRange(ctx, dispatchID, offset, logLimit(req.LogLimit))
	if err != nil {
		t.log.Warn("log read failed, returning status without logs", "dispatch_id", dispatchID, "error", err)
		return resp, nil
	}

	resp.Logs = page.Lines
	if page.NextOffset != nil {
		resp.LogOffset = encodeOffset(*page.NextOffset)
	}
	return resp, nil
}
