package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/orchestrator"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// previewDetailRows is how many leading rows get full detail; the rest
// are aggregated.
const previewDetailRows = 5

type PreviewHandler struct {
	jobs    repos.JobRepo
	rows    repos.JobRowRepo
	carrier carrier.Client
	orch    *orchestrator.Orchestrator
}

func NewPreviewHandler(jobs repos.JobRepo, rows repos.JobRowRepo, client carrier.Client, orch *orchestrator.Orchestrator) *PreviewHandler {
	return &PreviewHandler{jobs: jobs, rows: rows, carrier: client, orch: orch}
}

type previewRow struct {
	RowNumber               int    `json:"row_number"`
	Recipient               string `json:"recipient"`
	City                    string `json:"city"`
	CountryCode             string `json:"country_code"`
	ServiceCode             string `json:"service_code"`
	WeightGrams             int64  `json:"weight_grams"`
	EstimatedCostMinorUnits *int64 `json:"estimated_cost_minor_units,omitempty"`
}

func (h *PreviewHandler) Preview(c *gin.Context) {
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

	pending, err := h.rows.PendingByJob(c.Request.Context(), nil, id)
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "load rows").WithCause(err))
		return
	}
	if len(pending) == 0 {
		RespondAppError(c, apperr.Data(apperr.CodeEmptyDataset, "job has no pending rows to preview"))
		return
	}

	shipperCountry := h.orch.Shipper().CountryCode
	detail := make([]previewRow, 0, previewDetailRows)
	var remainderWeight int64
	international := 0
	for i, row := range pending {
		var snap types.OrderSnapshot
		if err := json.Unmarshal(row.OrderSnapshot, &snap); err != nil {
			continue
		}
		if snap.International(shipperCountry) {
			international++
		}
		if i >= previewDetailRows {
			remainderWeight += snap.WeightGrams
			continue
		}
		pr := previewRow{
			RowNumber:   row.RowNumber,
			Recipient:   snap.Recipient.Name,
			City:        snap.Recipient.City,
			CountryCode: snap.Recipient.CountryCode,
			ServiceCode: snap.ServiceCode,
			WeightGrams: snap.WeightGrams,
		}
		if h.carrier != nil {
			if rate, err := h.carrier.GetRate(c.Request.Context(), carrier.RateRequest{
				Recipient:   snap.Recipient,
				ServiceCode: snap.ServiceCode,
				WeightGrams: snap.WeightGrams,
			}); err == nil && rate != nil {
				cost := rate.TotalMinorUnits
				pr.EstimatedCostMinorUnits = &cost
			}
		}
		detail = append(detail, pr)
	}

	RespondOK(c, gin.H{
		"job_id":             job.ID,
		"total_rows":         len(pending),
		"detailed":           detail,
		"remainder_rows":     max(0, len(pending)-previewDetailRows),
		"remainder_weight_g": remainderWeight,
		"international_rows": international,
		"write_back_enabled": job.WriteBackEnabled,
	})
}

// Confirm transitions the job to running and schedules execution;
// returns immediately.
func (h *PreviewHandler) Confirm(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	if _, err := h.orch.Confirm(c.Request.Context(), id); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "confirmed"})
}
