package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/orchestrator"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type JobHandler struct {
	jobs repos.JobRepo
	rows repos.JobRowRepo
	orch *orchestrator.Orchestrator
}

func NewJobHandler(jobs repos.JobRepo, rows repos.JobRowRepo, orch *orchestrator.Orchestrator) *JobHandler {
	return &JobHandler{jobs: jobs, rows: rows, orch: orch}
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "", errInvalidJobID)
		return uuid.Nil, false
	}
	return id, true
}

func (h *JobHandler) List(c *gin.Context) {
	filter := repos.JobFilter{
		State: types.JobState(strings.TrimSpace(c.Query("status"))),
		Name:  strings.TrimSpace(c.Query("name")),
	}
	if v := c.Query("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &t
		}
	}
	if v := c.Query("created_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &t
		}
	}
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		filter.Offset = v
	}

	jobs, total, err := h.jobs.List(c.Request.Context(), nil, filter)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list jobs").WithCause(err))
		return
	}
	RespondOK(c, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *JobHandler) Get(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "load job").WithCause(err))
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "", errJobNotFound)
		return
	}
	RespondOK(c, job)
}

// PatchStatus applies a user-requested state change. Allowed targets are
// cancelled, paused, and running (resume). Confirmation has its own
// endpoint.
func (h *JobHandler) PatchStatus(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "", errInvalidBody)
		return
	}

	var job *types.Job
	var err error
	switch types.JobState(strings.TrimSpace(req.Status)) {
	case types.JobStateCancelled:
		job, err = h.orch.Cancel(c.Request.Context(), id)
	case types.JobStatePaused:
		job, err = h.orch.Pause(c.Request.Context(), id)
	case types.JobStateRunning:
		job, err = h.orch.Resume(c.Request.Context(), id)
	default:
		RespondAppError(c, apperr.Validation(apperr.CodeStructuralFieldRequired,
			"status must be one of cancelled, paused, running"))
		return
	}
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, job)
}

func (h *JobHandler) Delete(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "load job").WithCause(err))
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "", errJobNotFound)
		return
	}
	if job.State == types.JobStateRunning {
		RespondError(c, http.StatusConflict, "", errJobRunning)
		return
	}
	if err := h.jobs.Delete(c.Request.Context(), nil, id); err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "delete job").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}
