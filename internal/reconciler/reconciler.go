// Package reconciler consumes external task-terminated events and
// converges each affected dispatch to its terminal state. It is the
// sole writer of terminal status outside the orchestrator's own
// cancel/launch-failure paths, and treats every apply as idempotent:
// replaying the same event must yield at most one transition.
package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/internal/warmpool"
	"github.com/outpostrun/outpost/models"
)

// SQS abstracts the subset of *sqs.Client this package calls.
type SQS interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// DispatchStore is the subset of dispatchstore.Store the reconciler needs.
type DispatchStore interface {
	Get(ctx context.Context, dispatchID string) (*models.Dispatch, error)
	FindByTaskARN(ctx context.Context, taskARN string) (*models.Dispatch, error)
	UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus models.Status, patch models.StatusPatch) (*models.Dispatch, error)
}

// Pool is the subset of warmpool.Pool the reconciler needs.
type Pool interface {
	ReleaseByDispatch(ctx context.Context, kind models.AgentKind, dispatchID string, outcome models.ReturnOutcome) error
}

var _ Pool = (*warmpool.Pool)(nil)

// Reconciler runs the long-poll event-consumer loop.
type Reconciler struct {
	sqs   SQS
	store DispatchStore
	pool  Pool
	cfg   config.ReconcilerConfig
	log   *slog.Logger

	fallthroughCount atomic.Int64
}

func New(sqsClient SQS, store DispatchStore, pool Pool, cfg config.ReconcilerConfig, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{sqs: sqsClient, store: store, pool: pool, cfg: cfg, log: log}
}

// FallthroughCount is the running total of events that matched no rule
// in reconcilerRuleSetV1 and fell through to the default FAILED branch,
// exposed via FleetHealth as dispatches.fallthrough_default_failed.
func (r *Reconciler) FallthroughCount() int64 {
	return r.fallthroughCount.Load()
}

// Run blocks, long-polling the queue until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	waitSeconds := r.cfg.PollWaitSeconds
	if waitSeconds <= 0 {
		waitSeconds = 20
	}
	visibility := r.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 60
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := r.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.cfg.QueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     waitSeconds,
			VisibilityTimeout:   visibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("receive message failed", "error", err)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(ctx, msg)
		}
	}
}

func (r *Reconciler) handleMessage(ctx context.Context, msg sqstypes.Message) {
	var event TaskEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
		r.log.Error("malformed task event, dropping", "error", err)
		r.deleteMessage(ctx, msg)
		return
	}

	if err := r.ProcessEvent(ctx, &event); err != nil {
		r.log.Error("event processing failed, leaving for redelivery", "error", err, "task_arn", event.TaskARN)
		return // do not delete; visibility timeout will redeliver
	}

	r.deleteMessage(ctx, msg)
}

func (r *Reconciler) deleteMessage(ctx context.Context, msg sqstypes.Message) {
	_, err := r.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.log.Error("delete message failed", "error", err)
	}
}

// ProcessEvent runs the full algorithm from §4.4 against a single
// decoded event: filter, extract, map, apply with retry, release slot.
func (r *Reconciler) ProcessEvent(ctx context.Context, event *TaskEvent) error {
	if event.LastStatus != "STOPPED" {
		return nil // step 1: filter
	}

	dispatchID, ok := extractDispatchID(event)
	var d *models.Dispatch
	var err error
	if ok {
		d, err = r.store.Get(ctx, dispatchID)
	} else {
		d, err = r.store.FindByTaskARN(ctx, event.TaskARN)
	}
	if err != nil {
		if outposterr.KindOf(err) == outposterr.KindNotFound {
			r.log.Warn("no dispatch found for event, dropping", "task_arn", event.TaskARN)
			return nil // step 2: unresolved, acknowledge and drop
		}
		return err
	}

	if d.Status.IsTerminal() {
		return nil // step 4: benign no-op, already absorbed
	}

	newStatus, ruleName, matched := mapTerminalStatus(event)
	if !matched {
		r.fallthroughCount.Add(1)
	}
	r.log.Info("reconciling dispatch", "dispatch_id", d.DispatchID, "rule", ruleName, "new_status", newStatus)

	main, hasMain := event.mainContainer()
	patch := models.StatusPatch{StoppedReason: nonEmptyPtr(event.StoppedReason)}
	if event.StoppedAt != nil {
		patch.EndedAt = event.StoppedAt
	} else {
		now := time.Now().UTC()
		patch.EndedAt = &now
	}
	if hasMain && main.ExitCode != nil {
		patch.ExitCode = main.ExitCode
	}
	if newStatus != models.StatusCompleted {
		msg := errorMessageFor(event, ruleName)
		patch.ErrorMessage = &msg
	}

	if err := r.applyWithRetry(ctx, d.DispatchID, newStatus, patch); err != nil {
		return err
	}

	outcome := models.OutcomeCompleted
	if newStatus != models.StatusCompleted {
		outcome = models.OutcomeFaulted
	}
	return r.pool.ReleaseByDispatch(ctx, d.AgentKind, d.DispatchID, outcome)
}

// applyWithRetry re-reads the current version on each attempt and
// retries the conditional update up to 3 times with 20-200ms jittered
// backoff on Conflict, per §4.4 step 4. A conflict whose current status
// is already terminal is absorbed as a benign no-op.
func (r *Reconciler) applyWithRetry(ctx context.Context, dispatchID string, newStatus models.Status, patch models.StatusPatch) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(b, uint64(maxRetries(r.cfg)))

	return backoff.Retry(func() error {
		d, err := r.store.Get(ctx, dispatchID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if d.Status.IsTerminal() {
			return nil
		}

		_, err = r.store.UpdateStatus(ctx, dispatchID, d.Version, newStatus, patch)
		if err != nil {
			if outposterr.KindOf(err) == outposterr.KindConflict {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(retrier, ctx))
}

func maxRetries(cfg config.ReconcilerConfig) int {
	if cfg.MaxRetries <= 0 {
		return 3
	}
	return cfg.MaxRetries
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func errorMessageFor(e *TaskEvent, ruleName string) string {
	if e.StoppedReason != "" {
		return e.StoppedReason
	}
	return "task stopped: " + ruleName
}
