package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/progress"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type ProgressHandler struct {
	jobs repos.JobRepo
	rows repos.JobRowRepo
	hub  *progress.Hub
}

func NewProgressHandler(jobs repos.JobRepo, rows repos.JobRowRepo, hub *progress.Hub) *ProgressHandler {
	return &ProgressHandler{jobs: jobs, rows: rows, hub: hub}
}

// Snapshot returns point-in-time progress derived from row states.
func (h *ProgressHandler) Snapshot(c *gin.Context) {
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
	counts, err := h.rows.CountByState(c.Request.Context(), nil, id)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "count rows").WithCause(err))
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	RespondOK(c, gin.H{
		"job_id":       job.ID,
		"state":        string(job.State),
		"total":        total,
		"pending":      counts[types.RowStatePending],
		"in_flight":    counts[types.RowStateInFlight],
		"completed":    counts[types.RowStateCompleted],
		"failed":       counts[types.RowStateFailed],
		"skipped":      counts[types.RowStateSkipped],
		"needs_review": counts[types.RowStateNeedsReview],
		"total_cost":   job.TotalCost,
		"subscribers":  h.hub.SubscriberCount(id),
	})
}

// Stream serves the job's live progress as SSE until the client
// disconnects.
func (h *ProgressHandler) Stream(c *gin.Context) {
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

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)
	h.hub.ServeSSE(c.Writer, c.Request, sub)
}
