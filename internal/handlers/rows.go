package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type RowHandler struct {
	jobs repos.JobRepo
	rows repos.JobRowRepo
}

func NewRowHandler(jobs repos.JobRepo, rows repos.JobRowRepo) *RowHandler {
	return &RowHandler{jobs: jobs, rows: rows}
}

func (h *RowHandler) List(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	state := types.RowState(strings.TrimSpace(c.Query("status")))
	rows, err := h.rows.ListByJob(c.Request.Context(), nil, id, state)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list rows").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"rows": rows, "count": len(rows)})
}

// Skip marks pending rows skipped. Only allowed while the job itself is
// still pending; once confirmed the row set is frozen.
func (h *RowHandler) Skip(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req struct {
		RowNumbers []int `json:"row_numbers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.RowNumbers) == 0 {
		RespondError(c, http.StatusBadRequest, "", errInvalidBody)
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
	if job.State != types.JobStatePending {
		RespondAppError(c, apperr.Validation(apperr.CodeStructuralFieldRequired,
			"rows can only be skipped while the job is pending"))
		return
	}

	skipped, err := h.rows.MarkSkipped(c.Request.Context(), nil, id, req.RowNumbers)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "skip rows").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"skipped": skipped})
}

// Seed attaches resolved rows to a pending job. The external command
// resolver calls this after filtering the active source; integration
// tests use it directly.
func (h *RowHandler) Seed(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req struct {
		Rows []struct {
			RowNumber int                 `json:"row_number"`
			Checksum  string              `json:"checksum"`
			Order     types.OrderSnapshot `json:"order"`
		} `json:"rows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Rows) == 0 {
		RespondError(c, http.StatusBadRequest, "", errInvalidBody)
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
	if job.State != types.JobStatePending {
		RespondAppError(c, apperr.Validation(apperr.CodeStructuralFieldRequired,
			"rows can only be attached while the job is pending"))
		return
	}

	rows := make([]*types.JobRow, 0, len(req.Rows))
	for _, in := range req.Rows {
		if in.RowNumber < 1 {
			RespondAppError(c, apperr.Data(apperr.CodeWrongFieldType, "row_number must be positive"))
			return
		}
		snap, err := json.Marshal(in.Order)
		if err != nil {
			RespondAppError(c, apperr.Data(apperr.CodeWrongFieldType, "order snapshot not serializable").WithCause(err))
			return
		}
		rows = append(rows, &types.JobRow{
			JobID:         id,
			RowNumber:     in.RowNumber,
			Checksum:      in.Checksum,
			State:         types.RowStatePending,
			OrderSnapshot: datatypes.JSON(snap),
		})
	}

	created, err := h.rows.CreateBatch(c.Request.Context(), nil, rows)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "attach rows").WithCause(err))
		return
	}
	if err := h.jobs.UpdateFields(c.Request.Context(), nil, id, map[string]interface{}{
		"total_rows": gorm.Expr("total_rows + ?", len(created)),
	}); err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "update job totals").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"attached": len(created)})
}
