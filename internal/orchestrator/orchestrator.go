// Package orchestrator implements the DispatchOrchestrator façade: the
// single entry point for turning a dispatch request into a running (or
// rejected) task, and for cancelling one in flight.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/outpostrun/outpost/internal/dispatchstore"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/internal/taskrunner"
	"github.com/outpostrun/outpost/internal/warmpool"
	"github.com/outpostrun/outpost/models"
)

// Runner is the subset of taskrunner.Runner the orchestrator needs.
type Runner interface {
	Launch(ctx context.Context, d *models.Dispatch, workspaceID string) (*taskrunner.LaunchResult, error)
	Stop(ctx context.Context, taskARN, reason string) error
}

// Pool is the subset of warmpool.Pool the orchestrator needs.
type Pool interface {
	Checkout(ctx context.Context, kind models.AgentKind, dispatchID string) (*models.WarmTask, error)
	Return(ctx context.Context, kind models.AgentKind, slotID string, outcome models.ReturnOutcome) error
}

// Store is the subset of dispatchstore.Store the orchestrator needs.
type Store interface {
	Create(ctx context.Context, in dispatchstore.CreateInput) (*models.Dispatch, error)
	Get(ctx context.Context, dispatchID string) (*models.Dispatch, error)
	FindByIdempotency(ctx context.Context, userID, key string) (*models.Dispatch, error)
	UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus models.Status, patch models.StatusPatch) (*models.Dispatch, error)
	ListByUser(ctx context.Context, userID string, limit int, cursor string, status *models.Status, tags map[string]string) (*dispatchstore.ListResult, error)
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
}

var (
	_ Pool   = (*warmpool.Pool)(nil)
	_ Runner = (*taskrunner.Runner)(nil)
)

// Orchestrator wires the store, pool and runner into the dispatch/cancel
// operations from §4.5.
type Orchestrator struct {
	store Store
	pool  Pool
	run   Runner
	log   *slog.Logger
}

func New(store Store, pool Pool, run Runner, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: store, pool: pool, run: run, log: log}
}

// Request is the caller-supplied dispatch request, already validated by
// the HTTP layer's DTO binding.
type Request struct {
	UserID             string
	Tier               models.QuotaTier
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

// Response is what the API layer renders back to the caller.
type Response struct {
	DispatchID       string
	Status           models.Status
	AgentKind        models.AgentKind
	ModelID          string
	WorkspaceID      string
	IdempotentReplay bool
}

// Dispatch runs the 8-step create-and-launch algorithm from §4.5.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.FindByIdempotency(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			resp := &Response{
				DispatchID:       existing.DispatchID,
				Status:           existing.Status,
				AgentKind:        existing.AgentKind,
				ModelID:          existing.ModelID,
				IdempotentReplay: true,
			}
			if existing.WorkspaceID != nil {
				resp.WorkspaceID = *existing.WorkspaceID
			}
			return resp, nil
		}
	}

	if err := o.enforceQuota(ctx, req.UserID, req.Tier); err != nil {
		return nil, err
	}

	d, err := o.store.Create(ctx, dispatchstore.CreateInput{
		DispatchID:          uuid.New().String(),
		UserID:              req.UserID,
		AgentKind:           req.AgentKind,
		ModelID:             req.ModelID,
		Tags:                req.Tags,
		Task:                req.Task,
		RepoURL:             req.RepoURL,
		Branch:              req.Branch,
		WorkspaceInitMode:   req.WorkspaceInitMode,
		TimeoutSeconds:      req.TimeoutSeconds,
		ResourceConstraints: req.ResourceConstraints,
		AdditionalSecrets:   req.AdditionalSecrets,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	slot, err := o.pool.Checkout(ctx, req.AgentKind, d.DispatchID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		msg := "pool exhausted"
		_, _ = o.store.UpdateStatus(ctx, d.DispatchID, d.Version, models.StatusFailed, models.StatusPatch{ErrorMessage: &msg})
		return nil, outposterr.NewQuotaExceeded(msg)
	}

	workspaceID := uuid.New().String()
	if err := o.store.CreateWorkspace(ctx, &models.Workspace{
		WorkspaceID: workspaceID,
		DispatchID:  d.DispatchID,
		UserID:      req.UserID,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		InitMode:    req.WorkspaceInitMode,
		CreatedAt:   d.StartedAt,
	}); err != nil {
		o.log.Warn("failed to persist workspace record", "dispatch_id", d.DispatchID, "error", err)
	}

	launch, err := o.run.Launch(ctx, d, workspaceID)
	if err != nil {
		_ = o.pool.Return(ctx, req.AgentKind, slot.SlotID, models.OutcomeFaulted)
		msg := err.Error()
		_, _ = o.store.UpdateStatus(ctx, d.DispatchID, d.Version, models.StatusFailed, models.StatusPatch{ErrorMessage: &msg})
		return nil, err
	}

	updated, err := o.store.UpdateStatus(ctx, d.DispatchID, d.Version, models.StatusRunning, models.StatusPatch{
		TaskARN:     &launch.TaskARN,
		WorkspaceID: &launch.WorkspaceID,
	})
	if err != nil {
		if outposterr.KindOf(err) == outposterr.KindConflict {
			// A concurrent cancel won the race; honor it.
			_ = o.run.Stop(ctx, launch.TaskARN, "cancelled before launch was recorded")
			_ = o.pool.Return(ctx, req.AgentKind, slot.SlotID, models.OutcomeFaulted)
			current, getErr := o.store.Get(ctx, d.DispatchID)
			if getErr != nil {
				return nil, getErr
			}
			resp := &Response{DispatchID: current.DispatchID, Status: current.Status, AgentKind: current.AgentKind, ModelID: current.ModelID}
			if current.WorkspaceID != nil {
				resp.WorkspaceID = *current.WorkspaceID
			}
			return resp, nil
		}
		return nil, err
	}

	return &Response{
		DispatchID:  updated.DispatchID,
		Status:      updated.Status,
		AgentKind:   updated.AgentKind,
		ModelID:     updated.ModelID,
		WorkspaceID: workspaceID,
	}, nil
}

// Cancel implements the idempotent cancel algorithm from §4.5.
func (o *Orchestrator) Cancel(ctx context.Context, dispatchID, reason string) (*models.Dispatch, error) {
	d, err := o.store.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	if d.Status.IsTerminal() {
		return d, nil // idempotent: already done
	}

	if d.Status == models.StatusPending {
		updated, err := o.store.UpdateStatus(ctx, dispatchID, d.Version, models.StatusCancelled, models.StatusPatch{ErrorMessage: &reason})
		if err != nil {
			if outposterr.KindOf(err) == outposterr.KindConflict {
				return o.store.Get(ctx, dispatchID)
			}
			return nil, err
		}
		return updated, nil
	}

	// RUNNING: stop the task; the reconciler finalizes on the inbound event.
	if d.TaskARN != nil {
		if err := o.run.Stop(ctx, *d.TaskARN, reason); err != nil {
			return nil, err
		}
	}

	updated, err := o.store.UpdateStatus(ctx, dispatchID, d.Version, d.Status, models.StatusPatch{ErrorMessage: &reason})
	if err != nil {
		if outposterr.KindOf(err) == outposterr.KindConflict {
			return o.store.Get(ctx, dispatchID)
		}
		return nil, err
	}
	return updated, nil
}

// enforceQuota checks the tenant's live non-terminal dispatch count
// against its tier cap, per §4.5's "capped at limit+1" cheap-existence
// check rather than a full count scan.
func (o *Orchestrator) enforceQuota(ctx context.Context, userID string, tier models.QuotaTier) error {
	limit, ok := models.MaxConcurrentJobs[tier]
	if !ok {
		limit = models.MaxConcurrentJobs[models.TierFree]
	}

	active, err := o.countActive(ctx, userID, limit)
	if err != nil {
		return err
	}
	if active >= limit {
		return outposterr.NewQuotaExceeded("tenant has reached its concurrent dispatch limit")
	}
	return nil
}

// countActive sums PENDING and RUNNING counts via two status-filtered,
// limit+1-capped queries rather than one unfiltered query, so a tenant
// cannot evict genuinely active dispatches out of the capped window by
// issuing enough terminal (completed/failed) ones first.
func (o *Orchestrator) countActive(ctx context.Context, userID string, limit int) (int, error) {
	pending := models.StatusPending
	running := models.StatusRunning

	pendingResult, err := o.store.ListByUser(ctx, userID, limit+1, "", &pending, nil)
	if err != nil {
		return 0, err
	}
	runningResult, err := o.store.ListByUser(ctx, userID, limit+1, "", &running, nil)
	if err != nil {
		return 0, err
	}
	return len(pendingResult.Items) + len(runningResult.Items), nil
}

func validateRequest(req Request) error {
	if !models.ValidAgentKinds[req.AgentKind] {
		return outposterr.NewValidation("unsupported agent_kind")
	}
	if len(req.Task) < 10 || len(req.Task) > 50000 {
		return outposterr.NewValidation("task must be between 10 and 50000 characters")
	}
	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < 30 || req.TimeoutSeconds > 86400) {
		return outposterr.NewValidation("timeout_seconds must be between 30 and 86400")
	}
	return nil
}
