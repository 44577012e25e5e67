package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/lifecycle"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/storage"
	"github.com/cyberlabs/labd/pkg/verifier"
)

// Handler carries the orchestrator's entry points for the HTTP surface.
type Handler struct {
	catalog     *catalog.Catalog
	registry    *registry.Registry
	manager     *lifecycle.Manager
	verifier    *verifier.Verifier
	attachments *storage.Client // nil when attachments are disabled
	resolver    UserResolver
}

// NewHandler wires the HTTP handler. attachments may be nil.
func NewHandler(cat *catalog.Catalog, reg *registry.Registry, mgr *lifecycle.Manager, ver *verifier.Verifier, att *storage.Client, resolver UserResolver) *Handler {
	return &Handler{
		catalog:     cat,
		registry:    reg,
		manager:     mgr,
		verifier:    ver,
		attachments: att,
		resolver:    resolver,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// State is the instance's last known state, when one is involved, so
	// the client can decide whether to poll or retry.
	State string `json:"state,omitempty"`
}

// writeError maps the orchestrator taxonomy onto HTTP statuses with stable
// machine-readable codes.
func writeError(c echo.Context, err error, state string) error {
	var status int
	var code string
	switch {
	case stderrors.Is(err, errors.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case stderrors.Is(err, errors.ErrAlreadyActive):
		status, code = http.StatusConflict, "already_active"
	case stderrors.Is(err, errors.ErrStaleState), stderrors.Is(err, errors.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case stderrors.Is(err, errors.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case stderrors.Is(err, errors.ErrRuntimeUnavailable):
		status, code = http.StatusServiceUnavailable, "runtime_unavailable"
	case stderrors.Is(err, errors.ErrImagePull):
		status, code = http.StatusInternalServerError, "image_pull_failed"
	case stderrors.Is(err, errors.ErrPortAllocation):
		status, code = http.StatusInternalServerError, "port_allocation_failed"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}
	return c.JSON(status, errorBody{Code: code, Message: err.Error(), State: state})
}

type instanceView struct {
	InstanceID string `json:"instance_id"`
	LabID      string `json:"lab_id"`
	State      string `json:"state"`
	Endpoint   string `json:"endpoint,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	EndedAt    int64  `json:"ended_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

func viewOf(inst *registry.Instance) instanceView {
	return instanceView{
		InstanceID: inst.ID,
		LabID:      inst.LabID,
		State:      inst.State,
		Endpoint:   inst.Endpoint,
		StartedAt:  inst.StartedAt,
		ExpiresAt:  inst.ExpiresAt,
		EndedAt:    inst.EndedAt,
		Error:      inst.ErrorMessage,
	}
}

type labSummary struct {
	*catalog.Lab
	SolvedCount int `json:"solved_count"`
}

// ListLabs returns the active catalog with per-lab solved counts.
func (h *Handler) ListLabs(c echo.Context) error {
	if _, err := h.resolver.CurrentUser(c); err != nil {
		return err
	}

	counts, err := h.registry.SolvedCounts(c.Request().Context())
	if err != nil {
		return writeError(c, err, "")
	}

	labs := h.catalog.List()
	out := make([]labSummary, 0, len(labs))
	for _, lab := range labs {
		out = append(out, labSummary{Lab: lab, SolvedCount: counts[lab.ID]})
	}
	return c.JSON(http.StatusOK, out)
}

type labDetail struct {
	*catalog.Lab
	Progress *registry.Progress `json:"progress"`
}

// GetLab returns one lab with the caller's progress.
func (h *Handler) GetLab(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	lab, err := h.catalog.GetLab(c.Param("labID"))
	if err != nil {
		return writeError(c, err, "")
	}

	progress, err := h.registry.GetProgress(c.Request().Context(), user.ID, lab.ID)
	if err != nil {
		return writeError(c, err, "")
	}
	return c.JSON(http.StatusOK, labDetail{Lab: lab, Progress: progress})
}

// StartLab provisions an instance of the lab for the caller.
func (h *Handler) StartLab(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	inst, err := h.manager.Start(c.Request().Context(), user, c.Param("labID"))
	if err != nil {
		state := ""
		if inst != nil {
			state = inst.State
		}
		return writeError(c, err, state)
	}
	return c.JSON(http.StatusCreated, viewOf(inst))
}

// StopLab stops the caller's active instance of the lab.
func (h *Handler) StopLab(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	inst, err := h.registry.ActiveForUser(ctx, user.ID, c.Param("labID"))
	if err != nil {
		return writeError(c, err, "")
	}

	stopped, err := h.manager.Stop(ctx, user, inst.ID)
	if err != nil {
		state := ""
		if stopped != nil {
			state = stopped.State
		}
		return writeError(c, err, state)
	}
	return c.JSON(http.StatusOK, viewOf(stopped))
}

type verifyRequest struct {
	Flag string `json:"flag"`
}

type verifyResponse struct {
	Correct  bool   `json:"correct"`
	Message  string `json:"message"`
	Points   int    `json:"points"`
	Attempts int    `json:"attempts"`
}

// VerifyFlag checks a submission against the caller's instance of the lab.
// The instance does not have to be running anymore: solving a lab and
// submitting just after expiry still counts.
func (h *Handler) VerifyFlag(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	inst, err := h.latestInstance(ctx, user.ID, c.Param("labID"))
	if err != nil {
		return writeError(c, err, "")
	}

	verdict, err := h.verifier.Submit(ctx, user, inst.ID, req.Flag)
	if err != nil {
		return writeError(c, err, inst.State)
	}
	return c.JSON(http.StatusOK, verifyResponse{
		Correct:  verdict.Correct,
		Message:  verdict.Message,
		Points:   verdict.Points,
		Attempts: verdict.Attempts,
	})
}

// latestInstance prefers the active instance and falls back to the most
// recent attempt of the lab.
func (h *Handler) latestInstance(ctx context.Context, userID, labID string) (*registry.Instance, error) {
	inst, err := h.registry.ActiveForUser(ctx, userID, labID)
	if err == nil {
		return inst, nil
	}
	if !stderrors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	all, err := h.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range all {
		if candidate.UserID == userID && candidate.LabID == labID {
			return candidate, nil
		}
	}
	return nil, errors.ErrNotFound
}

// GetInstance returns the caller's active instance of the lab.
func (h *Handler) GetInstance(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	inst, err := h.registry.ActiveForUser(c.Request().Context(), user.ID, c.Param("labID"))
	if err != nil {
		return writeError(c, err, "")
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// GetAttachment streams the lab's challenge file.
func (h *Handler) GetAttachment(c echo.Context) error {
	if _, err := h.resolver.CurrentUser(c); err != nil {
		return err
	}

	lab, err := h.catalog.GetLab(c.Param("labID"))
	if err != nil {
		return writeError(c, err, "")
	}
	if h.attachments == nil || lab.AttachmentKey == "" {
		return writeError(c, errors.ErrNotFound, "")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Minute)
	defer cancel()

	path, err := h.attachments.Fetch(ctx, lab.ID, lab.AttachmentKey)
	if err != nil {
		return writeError(c, err, "")
	}
	return c.Attachment(path, lab.ID+".zip")
}

type statsResponse struct {
	CompletedCount int `json:"completed_count"`
	TotalPoints    int `json:"total_points"`
	TotalAttempts  int `json:"total_attempts"`
}

// GetStats summarizes the caller's training record.
func (h *Handler) GetStats(c echo.Context) error {
	user, err := h.resolver.CurrentUser(c)
	if err != nil {
		return err
	}

	stats, err := h.registry.StatsForUser(c.Request().Context(), user.ID)
	if err != nil {
		return writeError(c, err, "")
	}
	return c.JSON(http.StatusOK, statsResponse{
		CompletedCount: stats.CompletedCount,
		TotalPoints:    stats.TotalPoints,
		TotalAttempts:  stats.TotalAttempts,
	})
}

// Health is the liveness endpoint.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
