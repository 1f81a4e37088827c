package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type LogHandler struct {
	jobs  repos.JobRepo
	rows  repos.JobRowRepo
	audit repos.AuditEventRepo
}

func NewLogHandler(jobs repos.JobRepo, rows repos.JobRowRepo, auditRepo repos.AuditEventRepo) *LogHandler {
	return &LogHandler{jobs: jobs, rows: rows, audit: auditRepo}
}

func (h *LogHandler) List(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	filter := repos.AuditEventFilter{
		Severity:  types.AuditSeverity(strings.TrimSpace(c.Query("level"))),
		EventType: types.AuditEventType(strings.TrimSpace(c.Query("event_type"))),
	}
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "200")); err == nil {
		filter.Limit = v
	}
	events, err := h.audit.ListByJob(c.Request.Context(), nil, id, filter)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list audit events").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"events": events, "count": len(events)})
}

// Errors returns the job's row failures grouped by (code, message,
// column) with the affected row numbers.
func (h *LogHandler) Errors(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	failed, err := h.rows.FailedRows(c.Request.Context(), nil, id)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list failed rows").WithCause(err))
		return
	}
	rowErrs := make([]apperr.RowError, 0, len(failed))
	for _, row := range failed {
		rowErrs = append(rowErrs, apperr.RowError{
			RowNumber: row.RowNumber,
			Code:      row.ErrorCode,
			Message:   row.ErrorMessage,
		})
	}
	RespondOK(c, gin.H{"groups": apperr.GroupRowErrors(rowErrs), "failed_rows": len(failed)})
}

// Export renders the audit ledger as plain text for download.
func (h *LogHandler) Export(c *gin.Context) {
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
	events, err := h.audit.ListByJob(c.Request.Context(), nil, id, repos.AuditEventFilter{})
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list audit events").WithCause(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "audit log for job %s (%s)\n", job.ID, job.Name)
	fmt.Fprintf(&b, "state=%s total_rows=%d successful=%d failed=%d\n\n",
		job.State, job.TotalRows, job.SuccessfulRows, job.FailedRows)
	for _, ev := range events {
		row := ""
		if ev.RowNumber != nil {
			row = fmt.Sprintf(" row=%d", *ev.RowNumber)
		}
		fmt.Fprintf(&b, "%s [%s] %s%s: %s\n",
			ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			strings.ToUpper(string(ev.Severity)), ev.EventType, row, ev.Message)
		if len(ev.Detail) > 0 {
			fmt.Fprintf(&b, "    %s\n", string(ev.Detail))
		}
	}

	filename := fmt.Sprintf("job-%s-audit.txt", job.ID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}
