package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

func TestRecorderRedactsCredentialKeys(t *testing.T) {
	gdb := newTestDB(t)
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	repo := repos.NewAuditEventRepo(gdb, log)
	rec := NewRecorder(gdb, repo, log)
	jobID := uuid.New()

	rec.Info(context.Background(), jobID, types.AuditEventJobStateChange, "token refreshed", map[string]any{
		"access_token": "eyJhbGciOi.secret.value",
		"nested":       map[string]any{"client_secret": "hunter2", "host": "api.example.com"},
		"status":       "ok",
	})

	events, err := repo.ListByJob(context.Background(), nil, jobID, repos.AuditEventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: want=1 got=%d", len(events))
	}
	detail := string(events[0].Detail)
	if strings.Contains(detail, "eyJhbGciOi") || strings.Contains(detail, "hunter2") {
		t.Fatalf("credentials leaked into audit detail: %s", detail)
	}
	if !strings.Contains(detail, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", detail)
	}
	if !strings.Contains(detail, "api.example.com") || !strings.Contains(detail, `"status":"ok"`) {
		t.Fatalf("non-credential fields must survive: %s", detail)
	}
}

func TestRowEventCarriesRowNumber(t *testing.T) {
	gdb := newTestDB(t)
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	repo := repos.NewAuditEventRepo(gdb, log)
	rec := NewRecorder(gdb, repo, log)
	jobID := uuid.New()

	rec.RowEvent(context.Background(), jobID, 7, types.AuditSeverityError, "bad zip", nil)

	events, err := repo.ListByJob(context.Background(), nil, jobID, repos.AuditEventFilter{Severity: types.AuditSeverityError})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: want=1 got=%d", len(events))
	}
	ev := events[0]
	if ev.RowNumber == nil || *ev.RowNumber != 7 {
		t.Fatalf("row number: %+v", ev.RowNumber)
	}
	if ev.EventType != types.AuditEventRowEvent {
		t.Fatalf("event type: %s", ev.EventType)
	}
}
