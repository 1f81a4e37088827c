package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/gateway"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/orchestrator"
	"github.com/draymark/shipflow-backend/internal/progress"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type handlerFixture struct {
	router *gin.Engine
	jobs   repos.JobRepo
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&types.Job{}, &types.JobRow{}, &types.WriteBackTask{}, &types.AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	jobRepo := repos.NewJobRepo(gdb, log)
	rowRepo := repos.NewJobRowRepo(gdb, log)
	gw := gateway.NewForTest(log)
	t.Cleanup(func() { _ = gw.Close() })

	recorder := audit.NewRecorder(gdb, repos.NewAuditEventRepo(gdb, log), log)
	hub := progress.NewHub(log)
	// No engine: these tests only exercise transitions rejected before a
	// batch would start.
	orch := orchestrator.New(gdb, jobRepo, rowRepo, nil, hub, recorder, log)

	commands := NewCommandHandler(jobRepo, gw)
	jobs := NewJobHandler(jobRepo, rowRepo, orch)

	router := gin.New()
	router.POST("/api/commands", commands.Create)
	router.GET("/api/jobs/:id", jobs.Get)
	router.PATCH("/api/jobs/:id/status", jobs.PatchStatus)
	router.DELETE("/api/jobs/:id", jobs.Delete)

	return &handlerFixture{router: router, jobs: jobRepo}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return envelope.Error
}

func TestCommandCreatesPendingJob(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/commands", `{"command":"ship all pending orders"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID  uuid.UUID `json:"job_id"`
		Status string    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(types.JobStatePending) {
		t.Fatalf("status: %q", resp.Status)
	}

	job, err := f.jobs.GetByID(context.Background(), nil, resp.JobID)
	if err != nil || job == nil {
		t.Fatalf("load created job: %v %v", job, err)
	}
	if job.CommandText != "ship all pending orders" || job.Name != "ship all pending orders" {
		t.Fatalf("job: %+v", job)
	}
	if !job.WriteBackEnabled {
		t.Fatal("write-back must default to enabled")
	}
}

func TestCommandWriteBackOptOut(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/commands", `{"command":"ship today's orders","write_back_enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID uuid.UUID `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	job, err := f.jobs.GetByID(context.Background(), nil, resp.JobID)
	if err != nil || job == nil {
		t.Fatalf("load created job: %v %v", job, err)
	}
	if job.WriteBackEnabled {
		t.Fatal("write-back opt-out ignored")
	}
}

func TestCommandRequiresText(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/commands", `{"command":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != apperr.CodeMissingRequiredField {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeMissingRequiredField, got.Code)
	}
}

func TestCommandTruncatesDerivedName(t *testing.T) {
	f := newHandlerFixture(t)
	long := strings.Repeat("ship orders ", 20)

	rec := f.do(t, http.MethodPost, "/api/commands", `{"command":"`+long+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID uuid.UUID `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	job, err := f.jobs.GetByID(context.Background(), nil, resp.JobID)
	if err != nil || job == nil {
		t.Fatalf("load created job: %v %v", job, err)
	}
	if len(job.Name) != 80 {
		t.Fatalf("derived name length: want=80 got=%d", len(job.Name))
	}
}

func TestGetJob(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: want=400 got=%d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: want=404 got=%d", rec.Code)
	}

	job, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:        "lookup",
		CommandText: "ship",
		State:       types.JobStatePending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var got types.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("job id: want=%s got=%s", job.ID, got.ID)
	}
}

func TestDeleteJobGuards(t *testing.T) {
	f := newHandlerFixture(t)

	running, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:        "active",
		CommandText: "ship",
		State:       types.JobStateRunning,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rec := f.do(t, http.MethodDelete, "/api/jobs/"+running.ID.String(), "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("running job delete: want=409 got=%d", rec.Code)
	}

	done, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:        "finished",
		CommandText: "ship",
		State:       types.JobStateCompleted,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rec = f.do(t, http.MethodDelete, "/api/jobs/"+done.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("completed job delete: want=200 got=%d (%s)", rec.Code, rec.Body.String())
	}
	gone, err := f.jobs.GetByID(context.Background(), nil, done.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if gone != nil {
		t.Fatal("deleted job still present")
	}
}

func TestPatchStatusRejectsUnknownTarget(t *testing.T) {
	f := newHandlerFixture(t)
	job, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:        "patchable",
		CommandText: "ship",
		State:       types.JobStatePending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	rec := f.do(t, http.MethodPatch, "/api/jobs/"+job.ID.String()+"/status", `{"status":"completed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != apperr.CodeStructuralFieldRequired {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeStructuralFieldRequired, got.Code)
	}
}

func TestPatchStatusInvalidTransitionIs400(t *testing.T) {
	f := newHandlerFixture(t)
	job, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:        "done",
		CommandText: "ship",
		State:       types.JobStateCompleted,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	rec := f.do(t, http.MethodPatch, "/api/jobs/"+job.ID.String()+"/status", `{"status":"paused"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d (%s)", rec.Code, rec.Body.String())
	}
	got := decodeError(t, rec)
	if !strings.Contains(got.Message, "completed") || !strings.Contains(got.Message, "paused") {
		t.Fatalf("message must name the observed and wanted states: %q", got.Message)
	}
}

func TestRespondAppErrorMapsCategories(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "data", err: apperr.Data(apperr.CodeEmptyDataset, "no rows"), wantStatus: 400, wantCode: apperr.CodeEmptyDataset},
		{name: "validation", err: apperr.Validation(apperr.CodeInvalidZip, "bad zip"), wantStatus: 400, wantCode: apperr.CodeInvalidZip},
		{name: "carrier", err: apperr.Carrier(apperr.CodeCarrierUnavailable, "down"), wantStatus: 502, wantCode: apperr.CodeCarrierUnavailable},
		{name: "auth", err: apperr.Auth(apperr.CodeCarrierAuthFailed, "denied"), wantStatus: 502, wantCode: apperr.CodeCarrierAuthFailed},
		{name: "system", err: apperr.System(apperr.CodeFilesystemError, "disk"), wantStatus: 500, wantCode: apperr.CodeFilesystemError},
		{name: "unknown", err: errors.New("surprise"), wantStatus: 500, wantCode: apperr.CodeStoreError},
		{
			name:       "transition",
			err:        &orchestrator.InvalidTransitionError{JobID: uuid.New(), Observed: types.JobStateCompleted, Wanted: types.JobStateRunning},
			wantStatus: 400,
		},
	}
	for _, tt := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		RespondAppError(c, tt.err)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status want=%d got=%d", tt.name, tt.wantStatus, rec.Code)
			continue
		}
		var envelope ErrorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Errorf("%s: decode envelope: %v", tt.name, err)
			continue
		}
		if envelope.Error.Code != tt.wantCode {
			t.Errorf("%s: code want=%q got=%q", tt.name, tt.wantCode, envelope.Error.Code)
		}
	}
}
