package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/orchestrator"
)

var (
	errInvalidBody  = errors.New("invalid request body")
	errInvalidJobID = errors.New("invalid job id")
	errJobNotFound  = errors.New("job not found")
	errJobRunning   = errors.New("job is running; cancel it before deleting")
)

type APIError struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAppError maps the stable error taxonomy onto HTTP statuses.
func RespondAppError(c *gin.Context, err error) {
	// Invalid state transitions are request errors; the body names the
	// state the job actually held.
	var it *orchestrator.InvalidTransitionError
	if errors.As(err, &it) {
		c.JSON(http.StatusBadRequest, ErrorEnvelope{
			Error: APIError{Message: it.Error()},
		})
		return
	}

	ae := apperr.From(err)
	status := http.StatusInternalServerError
	switch ae.Category {
	case apperr.CategoryData, apperr.CategoryValidation:
		status = http.StatusBadRequest
	case apperr.CategoryCarrier, apperr.CategoryAuth:
		status = http.StatusBadGateway
	case apperr.CategorySystem:
		status = http.StatusInternalServerError
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message:     ae.Message,
			Code:        ae.Code,
			Remediation: ae.Remediation,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
