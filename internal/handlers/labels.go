package handlers

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/labels"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type LabelHandler struct {
	rows  repos.JobRowRepo
	store *labels.Store
}

func NewLabelHandler(rows repos.JobRowRepo, store *labels.Store) *LabelHandler {
	return &LabelHandler{rows: rows, store: store}
}

// serveFile streams one label artifact. Any path outside the labels
// root is a 403, never a disclosure.
func (h *LabelHandler) serveFile(c *gin.Context, path string) {
	if !h.store.Contains(path) {
		RespondError(c, http.StatusForbidden, "", fmt.Errorf("label path outside labels directory"))
		return
	}
	if _, err := os.Stat(path); err != nil {
		RespondError(c, http.StatusNotFound, "", fmt.Errorf("label not found"))
		return
	}
	c.File(path)
}

func (h *LabelHandler) ByTracking(c *gin.Context) {
	tracking := c.Param("tracking")
	path, err := h.store.Resolve(tracking + ".pdf")
	if err != nil {
		RespondError(c, http.StatusForbidden, "", err)
		return
	}
	h.serveFile(c, path)
}

func (h *LabelHandler) ByJobRow(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	rowNumber, err := strconv.Atoi(c.Param("row_number"))
	if err != nil || rowNumber < 1 {
		RespondError(c, http.StatusBadRequest, "", fmt.Errorf("invalid row number"))
		return
	}
	row, err := h.rows.GetByJobAndNumber(c.Request.Context(), nil, id, rowNumber)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "load row").WithCause(err))
		return
	}
	if row == nil || row.LabelPath == "" {
		RespondError(c, http.StatusNotFound, "", fmt.Errorf("label not found"))
		return
	}
	h.serveFile(c, row.LabelPath)
}

func (h *LabelHandler) jobLabelPaths(c *gin.Context) ([]string, bool) {
	id, ok := parseJobID(c)
	if !ok {
		return nil, false
	}
	rows, err := h.rows.ListByJob(c.Request.Context(), nil, id, types.RowStateCompleted)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "list rows").WithCause(err))
		return nil, false
	}
	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.LabelPath != "" {
			paths = append(paths, row.LabelPath)
		}
	}
	if len(paths) == 0 {
		RespondError(c, http.StatusNotFound, "", fmt.Errorf("no labels recorded for job"))
		return nil, false
	}
	return paths, true
}

func (h *LabelHandler) Zip(c *gin.Context) {
	paths, ok := h.jobLabelPaths(c)
	if !ok {
		return
	}
	archive, err := h.store.Zip(paths)
	if err != nil {
		RespondError(c, http.StatusForbidden, "", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "labels-"+c.Param("id")+".zip"))
	c.Data(http.StatusOK, "application/zip", archive)
}

// Merged serves a job's labels as one artifact. Raw printer-stream
// formats concatenate into a single spool; anything else (PDF) is served
// as the zip bundle, which every viewer can open.
func (h *LabelHandler) Merged(c *gin.Context) {
	paths, ok := h.jobLabelPaths(c)
	if !ok {
		return
	}
	for _, p := range paths {
		if !labels.Concatenable(p) {
			h.Zip(c)
			return
		}
	}
	merged, err := h.store.Merge(paths)
	if err != nil {
		RespondError(c, http.StatusForbidden, "", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "labels-"+c.Param("id")+".prn"))
	c.Data(http.StatusOK, "application/octet-stream", merged)
}
