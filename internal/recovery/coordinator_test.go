package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/labels"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

type fakeCarrier struct {
	trackFn func(reference string) (*carrier.TrackedShipment, error)
	lookups int
}

func (f *fakeCarrier) CreateShipment(ctx context.Context, req carrier.ShipmentRequest, key string) (*carrier.ShipmentResult, error) {
	return nil, errors.New("not used in recovery")
}

func (f *fakeCarrier) GetRate(ctx context.Context, req carrier.RateRequest) (*carrier.Rate, error) {
	return nil, errors.New("not used in recovery")
}

func (f *fakeCarrier) ShopRates(ctx context.Context, req carrier.RateRequest) ([]carrier.Rate, error) {
	return nil, errors.New("not used in recovery")
}

func (f *fakeCarrier) ValidateAddress(ctx context.Context, addr types.Address) (*carrier.AddressValidation, error) {
	return nil, errors.New("not used in recovery")
}

func (f *fakeCarrier) VoidShipment(ctx context.Context, shipmentID string) error {
	return errors.New("not used in recovery")
}

func (f *fakeCarrier) TrackByReference(ctx context.Context, reference string) (*carrier.TrackedShipment, error) {
	f.lookups++
	if f.trackFn == nil {
		return &carrier.TrackedShipment{Found: false}, nil
	}
	return f.trackFn(reference)
}

type recoveryFixture struct {
	db      *gorm.DB
	jobs    repos.JobRepo
	rows    repos.JobRowRepo
	tasks   repos.WriteBackTaskRepo
	carrier *fakeCarrier
	coord   *Coordinator
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
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
	store, err := labels.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("labels store: %v", err)
	}

	jobRepo := repos.NewJobRepo(gdb, log)
	rowRepo := repos.NewJobRowRepo(gdb, log)
	taskRepo := repos.NewWriteBackTaskRepo(gdb, log)
	recorder := audit.NewRecorder(gdb, repos.NewAuditEventRepo(gdb, log), log)
	fc := &fakeCarrier{}

	coord := NewCoordinator(gdb, jobRepo, rowRepo, taskRepo, fc, store, recorder, log)
	coord.retryDelay = time.Millisecond

	return &recoveryFixture{
		db:      gdb,
		jobs:    jobRepo,
		rows:    rowRepo,
		tasks:   taskRepo,
		carrier: fc,
		coord:   coord,
	}
}

func (f *recoveryFixture) seedInterruptedJob(t *testing.T, state types.JobState, rowStates ...types.RowState) *types.Job {
	t.Helper()
	job, err := f.jobs.Create(context.Background(), nil, &types.Job{
		Name:             "interrupted",
		CommandText:      "ship pending orders",
		State:            state,
		WriteBackEnabled: true,
		TotalRows:        len(rowStates),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rows := make([]*types.JobRow, 0, len(rowStates))
	for i, rs := range rowStates {
		row := &types.JobRow{
			JobID:     job.ID,
			RowNumber: i + 1,
			Checksum:  uuid.NewString(),
			State:     rs,
		}
		if rs == types.RowStateInFlight {
			row.IdempotencyKey = uuid.NewString()
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		if _, err := f.rows.CreateBatch(context.Background(), nil, rows); err != nil {
			t.Fatalf("seed rows: %v", err)
		}
	}
	return job
}

func (f *recoveryFixture) rowByNumber(t *testing.T, jobID uuid.UUID, n int) *types.JobRow {
	t.Helper()
	row, err := f.rows.GetByJobAndNumber(context.Background(), nil, jobID, n)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row == nil {
		t.Fatalf("row %d not found", n)
	}
	return row
}

func TestRecoveryResolvesFoundShipment(t *testing.T) {
	f := newRecoveryFixture(t)
	job := f.seedInterruptedJob(t, types.JobStateRunning, types.RowStateCompleted, types.RowStateInFlight)

	f.carrier.trackFn = func(reference string) (*carrier.TrackedShipment, error) {
		return &carrier.TrackedShipment{
			Found:           true,
			ShipmentID:      "SHP-RECOVERED",
			TrackingNumbers: []string{"1ZRECOVERED"},
			TotalMinorUnits: 1500,
			Currency:        "USD",
			Breakdown:       types.ChargeBreakdown{TransportationMinorUnits: 1200, DutiesTaxMinorUnits: 300, Currency: "USD"},
		}, nil
	}

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.JobsExamined != 1 || summary.RowsResolved != 1 {
		t.Fatalf("summary: %+v", summary)
	}

	row := f.rowByNumber(t, job.ID, 2)
	if row.State != types.RowStateCompleted {
		t.Fatalf("row state: %s", row.State)
	}
	if row.TrackingNumber != "1ZRECOVERED" || row.CostMinorUnits != 1500 || row.DutiesTaxMinorUnits != 300 {
		t.Fatalf("recovered row: %+v", row)
	}

	task, err := f.tasks.GetByJobAndRow(context.Background(), nil, job.ID, 2)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task == nil || task.TrackingNumber != "1ZRECOVERED" {
		t.Fatalf("write-back task: %+v", task)
	}

	// The process that ran this job is gone; it must be parked for resume.
	recovered, err := f.jobs.GetByID(context.Background(), nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if recovered.State != types.JobStatePaused {
		t.Fatalf("interrupted running job must park as paused, got %s", recovered.State)
	}
}

func TestRecoveryFailsRowWhenShipmentNotFound(t *testing.T) {
	f := newRecoveryFixture(t)
	job := f.seedInterruptedJob(t, types.JobStatePaused, types.RowStateInFlight)

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RowsFailed != 1 {
		t.Fatalf("summary: %+v", summary)
	}

	row := f.rowByNumber(t, job.ID, 1)
	if row.State != types.RowStateFailed {
		t.Fatalf("row state: %s", row.State)
	}
	if row.ErrorCode != apperr.CodeCarrierShipmentNotFound {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeCarrierShipmentNotFound, row.ErrorCode)
	}
	if f.carrier.lookups != 1 {
		t.Fatalf("a definitive not-found needs no retries, got %d lookups", f.carrier.lookups)
	}
}

func TestRecoveryParksRowOnPersistentLookupFailure(t *testing.T) {
	f := newRecoveryFixture(t)
	job := f.seedInterruptedJob(t, types.JobStatePaused, types.RowStateInFlight)

	f.carrier.trackFn = func(reference string) (*carrier.TrackedShipment, error) {
		return nil, errors.New("connection refused")
	}

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RowsReview != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if f.carrier.lookups != lookupAttempts {
		t.Fatalf("lookups: want=%d got=%d", lookupAttempts, f.carrier.lookups)
	}

	row := f.rowByNumber(t, job.ID, 1)
	if row.State != types.RowStateNeedsReview {
		t.Fatalf("row state: %s", row.State)
	}
	if row.RecoveryAttempts != 1 {
		t.Fatalf("recovery attempts: want=1 got=%d", row.RecoveryAttempts)
	}
}

func TestRecoveryParksRowWithoutIdempotencyKey(t *testing.T) {
	f := newRecoveryFixture(t)
	job := f.seedInterruptedJob(t, types.JobStatePaused)
	if _, err := f.rows.CreateBatch(context.Background(), nil, []*types.JobRow{{
		JobID:     job.ID,
		RowNumber: 1,
		Checksum:  "c1",
		State:     types.RowStateInFlight,
	}}); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RowsReview != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if f.carrier.lookups != 0 {
		t.Fatal("a keyless row must never hit the carrier")
	}
	row := f.rowByNumber(t, job.ID, 1)
	if row.State != types.RowStateNeedsReview {
		t.Fatalf("row state: %s", row.State)
	}
}

func TestRecoverySecondPassIsNoOp(t *testing.T) {
	f := newRecoveryFixture(t)
	f.seedInterruptedJob(t, types.JobStateRunning, types.RowStateInFlight)

	if _, err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := f.carrier.lookups

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.carrier.lookups != first {
		t.Fatal("second pass must not re-query the carrier")
	}
	if summary.RowsResolved != 0 || summary.RowsFailed != 0 || summary.RowsReview != 0 {
		t.Fatalf("second pass summary: %+v", summary)
	}
}

func TestRecoveryIgnoresHealthyStates(t *testing.T) {
	f := newRecoveryFixture(t)
	f.seedInterruptedJob(t, types.JobStateCompleted, types.RowStateCompleted)
	f.seedInterruptedJob(t, types.JobStatePending, types.RowStatePending)

	summary, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.JobsExamined != 0 {
		t.Fatalf("terminal and pending jobs must be skipped: %+v", summary)
	}
}
