package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/gateway"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// CommandHandler accepts natural language shipping commands. The command
// resolver that turns a command into rows is an external collaborator;
// this endpoint records the command as a pending job and captures the
// active source's signature for write-back guarding.
type CommandHandler struct {
	jobs repos.JobRepo
	gw   *gateway.Gateway
}

func NewCommandHandler(jobs repos.JobRepo, gw *gateway.Gateway) *CommandHandler {
	return &CommandHandler{jobs: jobs, gw: gw}
}

func (h *CommandHandler) Create(c *gin.Context) {
	var req struct {
		Command          string `json:"command"`
		Name             string `json:"name"`
		WriteBackEnabled *bool  `json:"write_back_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "", errInvalidBody)
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		RespondAppError(c, apperr.Data(apperr.CodeMissingRequiredField, "command is required"))
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = command
		if len(name) > 80 {
			name = name[:80]
		}
	}
	writeBack := true
	if req.WriteBackEnabled != nil {
		writeBack = *req.WriteBackEnabled
	}

	signature := ""
	if sig, err := h.gw.GetSourceSignature(); err == nil {
		signature = sig
	}

	job, err := h.jobs.Create(c.Request.Context(), nil, &types.Job{
		Name:             name,
		CommandText:      command,
		State:            types.JobStatePending,
		WriteBackEnabled: writeBack,
		SourceSignature:  signature,
	})
	if err != nil {
		RespondAppError(c, apperr.System(apperr.CodeStoreError, "create job").WithCause(err))
		return
	}
	RespondOK(c, gin.H{"job_id": job.ID, "status": string(job.State)})
}
