package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/outpostrun/outpost/internal/orchestrator"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/internal/statustracker"
	"github.com/outpostrun/outpost/internal/validation"
	"github.com/outpostrun/outpost/models"
)

// userIDHeader and tierHeader are the seam an authentication/authorization
// middleware (out of scope for this repository, per §1) is expected to
// populate before a request reaches these handlers.
const (
	userIDHeader = "X-User-ID"
	tierHeader   = "X-Tenant-Tier"
)

func tenantOf(c echo.Context) (string, models.QuotaTier, error) {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return "", "", outposterr.NewAuthorization("missing " + userIDHeader + " header")
	}
	tier := models.QuotaTier(c.Request().Header.Get(tierHeader))
	if tier == "" {
		tier = models.TierFree
	}
	return userID, tier, nil
}

type dispatchResponse struct {
	DispatchID       string            `json:"dispatch_id"`
	Status           models.Status     `json:"status"`
	Agent            models.AgentKind  `json:"agent"`
	ModelID          string            `json:"model_id"`
	WorkspaceID      string            `json:"workspace_id,omitempty"`
	IdempotentReplay bool              `json:"idempotent,omitempty"`
}

func (s *Server) createDispatch(c echo.Context) error {
	userID, tier, err := tenantOf(c)
	if err != nil {
		return err
	}

	var body validation.DispatchRequest
	if err := c.Bind(&body); err != nil {
		return outposterr.NewValidation("malformed request body")
	}

	result := s.valid.ValidateDispatchRequest(&body)
	if !result.Valid {
		return validationFailure(result)
	}

	resp, err := s.orch.Dispatch(c.Request().Context(), orchestrator.Request{
		UserID:              userID,
		Tier:                tier,
		AgentKind:           models.AgentKind(body.AgentKind),
		ModelID:             body.ModelID,
		Tags:                body.Tags,
		Task:                body.Task,
		RepoURL:             body.RepoURL,
		Branch:              body.Branch,
		WorkspaceInitMode:   models.WorkspaceInitMode(body.WorkspaceInitMode),
		TimeoutSeconds:      body.TimeoutSeconds,
		ResourceConstraints: body.ResourceConstraints,
		AdditionalSecrets:   body.AdditionalSecrets,
		IdempotencyKey:      body.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	return ok(c, http.StatusCreated, dispatchResponseFrom(resp))
}

func dispatchResponseFrom(r *orchestrator.Response) dispatchResponse {
	return dispatchResponse{
		DispatchID:       r.DispatchID,
		Status:           r.Status,
		Agent:            r.AgentKind,
		ModelID:          r.ModelID,
		WorkspaceID:      r.WorkspaceID,
		IdempotentReplay: r.IdempotentReplay,
	}
}

func validationFailure(result *validation.ValidationResult) error {
	fields := make(map[string]string, len(result.Errors))
	for _, e := range result.Errors {
		fields[e.Field] = e.Message
	}
	oe := outposterr.NewValidation("request failed validation")
	oe.Context = map[string]interface{}{"fields": fields}
	return oe
}

type statusResponse struct {
	DispatchID    string         `json:"dispatch_id"`
	Status        models.Status  `json:"status"`
	Progress      int            `json:"progress"`
	Logs          []string       `json:"logs,omitempty"`
	LogOffset     string         `json:"log_offset,omitempty"`
	StartedAt     string         `json:"started_at"`
	EndedAt       *string        `json:"ended_at,omitempty"`
	WorkspaceID   *string        `json:"workspace_id,omitempty"`
	TaskARN       *string        `json:"task_arn,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	StoppedReason *string        `json:"stopped_reason,omitempty"`
}

func (s *Server) getDispatch(c echo.Context) error {
	id := c.Param("id")

	req := statustracker.Request{
		LogOffset: c.QueryParam("log_offset"),
		SkipLogs:  c.QueryParam("skip_logs") == "true",
	}
	if raw := c.QueryParam("log_limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			req.LogLimit = n
		}
	}

	status, err := s.tracker.Status(c.Request().Context(), id, req)
	if err != nil {
		return err
	}

	resp := statusResponse{
		DispatchID:    status.DispatchID,
		Status:        status.Status,
		Progress:      status.Progress,
		Logs:          status.Logs,
		LogOffset:     status.LogOffset,
		StartedAt:     status.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		WorkspaceID:   status.WorkspaceID,
		TaskARN:       status.TaskARN,
		ExitCode:      status.ExitCode,
		ErrorMessage:  status.ErrorMessage,
		StoppedReason: status.StoppedReason,
	}
	if status.EndedAt != nil {
		formatted := status.EndedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.EndedAt = &formatted
	}
	return ok(c, http.StatusOK, resp)
}

func (s *Server) cancelDispatch(c echo.Context) error {
	id := c.Param("id")
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "cancelled by caller"
	}

	d, err := s.orch.Cancel(c.Request().Context(), id, reason)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]interface{}{
		"dispatch_id": d.DispatchID,
		"status":      d.Status,
	})
}

type listDispatchResponse struct {
	Items      []dispatchListItem `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type dispatchListItem struct {
	DispatchID string        `json:"dispatch_id"`
	Status     models.Status `json:"status"`
	Agent      models.AgentKind `json:"agent"`
	StartedAt  string        `json:"started_at"`
}

func (s *Server) listDispatches(c echo.Context) error {
	userID, _, err := tenantOf(c)
	if err != nil {
		return err
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var status *models.Status
	if raw := c.QueryParam("status"); raw != "" {
		st := models.Status(raw)
		status = &st
	}

	result, err := s.store.ListByUser(c.Request().Context(), userID, limit, c.QueryParam("cursor"), status, nil)
	if err != nil {
		return err
	}

	items := make([]dispatchListItem, 0, len(result.Items))
	for _, d := range result.Items {
		items = append(items, dispatchListItem{
			DispatchID: d.DispatchID,
			Status:     d.Status,
			Agent:      d.AgentKind,
			StartedAt:  d.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return ok(c, http.StatusOK, listDispatchResponse{Items: items, NextCursor: result.NextCursor})
}

type workspaceResponse struct {
	WorkspaceID string `json:"workspace_id"`
	DispatchID  string `json:"dispatch_id"`
	RepoURL     string `json:"repo_url,omitempty"`
	Branch      string `json:"branch,omitempty"`
	InitMode    string `json:"init_mode"`
	CreatedAt   string `json:"created_at"`
}

func workspaceResponseFrom(w *models.Workspace) workspaceResponse {
	return workspaceResponse{
		WorkspaceID: w.WorkspaceID,
		DispatchID:  w.DispatchID,
		RepoURL:     w.RepoURL,
		Branch:      w.Branch,
		InitMode:    string(w.InitMode),
		CreatedAt:   w.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) getWorkspace(c echo.Context) error {
	w, err := s.store.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, workspaceResponseFrom(w))
}

func (s *Server) listWorkspaces(c echo.Context) error {
	userID, _, err := tenantOf(c)
	if err != nil {
		return err
	}
	items, err := s.store.ListWorkspacesByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	out := make([]workspaceResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workspaceResponseFrom(w))
	}
	return ok(c, http.StatusOK, map[string]interface{}{"items": out})
}

func (s *Server) deleteWorkspace(c echo.Context) error {
	if err := s.store.DeleteWorkspace(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listArtifacts(c echo.Context) error {
	items, totalBytes, err := s.arts.List(c.Request().Context(), c.Param("dispatch_id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]interface{}{
		"items":       items,
		"total_bytes": totalBytes,
	})
}

func (s *Server) downloadArtifact(c echo.Context) error {
	ttl := 0
	if raw := c.QueryParam("expires_in"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			ttl = n
		}
	}

	url, err := s.arts.PresignDownload(c.Request().Context(), c.Param("dispatch_id"), c.Param("filename"), ttl)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, url)
}
