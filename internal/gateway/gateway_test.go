package gateway

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	g := NewForTest(log)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func writeCSV(t *testing.T, records [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create csv: %v", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	w.Flush()
	if err := f.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func sampleCSV(t *testing.T) string {
	return writeCSV(t, [][]string{
		{"Order ID", "Recipient Name", "Status"},
		{"1001", "Ada Byron", "pending"},
		{"1002", "Mary Shelley", "shipped"},
		{"1003", "Grace Hopper", "pending"},
	})
}

func TestImportDelimitedNormalizesColumns(t *testing.T) {
	g := testGateway(t)
	info, err := g.ImportDelimited(sampleCSV(t), ',', true)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if info.RowCount != 3 {
		t.Fatalf("row count: want=3 got=%d", info.RowCount)
	}
	want := []string{"order_id", "recipient_name", "status"}
	for i, col := range want {
		if info.Columns[i] != col {
			t.Fatalf("columns: want=%v got=%v", want, info.Columns)
		}
	}
	if info.Signature == "" {
		t.Fatal("signature must be computed on import")
	}
}

func TestImportDelimitedEmpty(t *testing.T) {
	g := testGateway(t)
	path := writeCSV(t, [][]string{{"a", "b"}})
	_, err := g.ImportDelimited(path, ',', true)
	if apperr.CodeOf(err) != apperr.CodeEmptyDataset {
		t.Fatalf("want %s, got %v", apperr.CodeEmptyDataset, err)
	}
}

func TestGetRowsByFilter(t *testing.T) {
	g := testGateway(t)
	if _, err := g.ImportDelimited(sampleCSV(t), ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}

	res, err := g.GetRowsByFilter(`"status" = ?`, []interface{}{"pending"}, 0, 0)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if res.TotalCount != 2 || len(res.Rows) != 2 {
		t.Fatalf("match count: %+v", res)
	}
	if res.Rows[0].RowNumber != 1 || res.Rows[1].RowNumber != 3 {
		t.Fatalf("row order: %d, %d", res.Rows[0].RowNumber, res.Rows[1].RowNumber)
	}
	if res.Rows[0].Fields["recipient_name"] != "Ada Byron" {
		t.Fatalf("fields: %+v", res.Rows[0].Fields)
	}
	if res.Rows[0].Checksum == "" {
		t.Fatal("rows must carry a checksum")
	}

	paged, err := g.GetRowsByFilter("", nil, 2, 1)
	if err != nil {
		t.Fatalf("paged filter: %v", err)
	}
	if paged.TotalCount != 3 || len(paged.Rows) != 2 || paged.Rows[0].RowNumber != 2 {
		t.Fatalf("paging: total=%d rows=%d first=%d", paged.TotalCount, len(paged.Rows), paged.Rows[0].RowNumber)
	}
}

func TestGetRowsByFilterRejectsUnsafeClauses(t *testing.T) {
	g := testGateway(t)
	if _, err := g.ImportDelimited(sampleCSV(t), ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}

	unsafe := []string{
		`"status" = 'x'; DROP TABLE source_rows`,
		`"status" = 'x' -- comment`,
		`"status" = 'x' /* block */`,
		`1=1 AND (SELECT 1 FROM pragma table_info)`,
		`update source_rows set checksum = ''`,
	}
	for _, clause := range unsafe {
		if _, err := g.GetRowsByFilter(clause, nil, 0, 0); apperr.CodeOf(err) != apperr.CodeFilterUnsafe {
			t.Fatalf("clause %q: want %s, got %v", clause, apperr.CodeFilterUnsafe, err)
		}
	}
}

func TestGetRowsByFilterUnknownColumn(t *testing.T) {
	g := testGateway(t)
	if _, err := g.ImportDelimited(sampleCSV(t), ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}
	_, err := g.GetRowsByFilter(`"no_such_column" = ?`, []interface{}{"x"}, 0, 0)
	if apperr.CodeOf(err) != apperr.CodeFilterUnparseable {
		t.Fatalf("want %s, got %v", apperr.CodeFilterUnparseable, err)
	}
}

func TestWriteBackDelimitedAppendsTrackingColumns(t *testing.T) {
	g := testGateway(t)
	path := sampleCSV(t)
	if _, err := g.ImportDelimited(path, ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}

	err := g.WriteBackBatch([]Update{
		{RowNumber: 1, Tracking: "1Z001", ShippedAt: "2026-08-24T10:00:00Z"},
		{RowNumber: 3, Tracking: "1Z003", ShippedAt: "2026-08-24T10:05:00Z"},
	})
	if err != nil {
		t.Fatalf("write-back: %v", err)
	}

	records := readCSV(t, path)
	header := records[0]
	if header[len(header)-2] != "tracking_number" || header[len(header)-1] != "shipped_at" {
		t.Fatalf("header after write-back: %v", header)
	}
	if records[1][3] != "1Z001" {
		t.Fatalf("row 1 tracking: %v", records[1])
	}
	if records[2][3] != "" {
		t.Fatalf("untouched row gained a tracking number: %v", records[2])
	}
	if records[3][3] != "1Z003" || records[3][4] != "2026-08-24T10:05:00Z" {
		t.Fatalf("row 3: %v", records[3])
	}
}

func TestWriteBackDelimitedReusesExistingColumns(t *testing.T) {
	g := testGateway(t)
	path := writeCSV(t, [][]string{
		{"order_id", "tracking_number", "shipped_at"},
		{"1001", "", ""},
	})
	if _, err := g.ImportDelimited(path, ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := g.WriteBackSingle(1, "1Z999", "2026-08-24T11:00:00Z"); err != nil {
		t.Fatalf("write-back: %v", err)
	}
	records := readCSV(t, path)
	if len(records[0]) != 3 {
		t.Fatalf("existing columns must be reused, not duplicated: %v", records[0])
	}
	if records[1][1] != "1Z999" {
		t.Fatalf("tracking not written in place: %v", records[1])
	}
}

func TestWriteBackOutOfRangeLeavesFileUntouched(t *testing.T) {
	g := testGateway(t)
	path := sampleCSV(t)
	if _, err := g.ImportDelimited(path, ',', true); err != nil {
		t.Fatalf("import: %v", err)
	}
	before := readCSV(t, path)

	err := g.WriteBackBatch([]Update{{RowNumber: 99, Tracking: "1Z", ShippedAt: "x"}})
	if err == nil {
		t.Fatal("out-of-range row must fail")
	}
	after := readCSV(t, path)
	if len(after) != len(before) || len(after[0]) != len(before[0]) {
		t.Fatalf("failed write-back must not touch the source: before=%v after=%v", before[0], after[0])
	}
}

func TestWriteBackCompanionSupersedes(t *testing.T) {
	g := testGateway(t)
	if _, err := g.ImportRecords([]map[string]string{
		{"order_id": "1", "name": "A"},
		{"order_id": "2", "name": "B"},
	}, filepath.Join(t.TempDir(), "pulled")); err != nil {
		t.Fatalf("import records: %v", err)
	}

	if err := g.WriteBackSingle(1, "OLD", "2026-08-24T09:00:00Z"); err != nil {
		t.Fatalf("first write-back: %v", err)
	}
	if err := g.WriteBackBatch([]Update{
		{RowNumber: 1, Tracking: "NEW", ShippedAt: "2026-08-24T10:00:00Z"},
		{RowNumber: 2, Tracking: "TWO", ShippedAt: "2026-08-24T10:01:00Z"},
	}); err != nil {
		t.Fatalf("second write-back: %v", err)
	}

	info, err := g.GetSourceInfo()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	records := readCSV(t, info.SourceRef+".tracking.csv")
	if len(records) != 3 {
		t.Fatalf("companion rows: want header+2 got=%d", len(records))
	}
	if records[1][1] != "NEW" {
		t.Fatalf("newest entry must supersede: %v", records[1])
	}
	if records[2][0] != "2" || records[2][1] != "TWO" {
		t.Fatalf("second row: %v", records[2])
	}
}

func TestWriteBackDatabase(t *testing.T) {
	g := testGateway(t)
	dbPath := filepath.Join(t.TempDir(), "source.db")
	src, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("open source db: %v", err)
	}
	setup := []string{
		`CREATE TABLE orders (id TEXT PRIMARY KEY, name TEXT, tracking_number TEXT, shipped_at TEXT)`,
		`INSERT INTO orders (id, name) VALUES ('A1', 'Ada'), ('A2', 'Mary')`,
	}
	for _, stmt := range setup {
		if err := src.Exec(stmt).Error; err != nil {
			t.Fatalf("seed source db: %v", err)
		}
	}
	if sqlDB, dErr := src.DB(); dErr == nil {
		_ = sqlDB.Close()
	}

	info, err := g.ImportDatabase(dbPath, "SELECT id, name FROM orders ORDER BY id", "orders", "id")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if info.RowCount != 2 {
		t.Fatalf("row count: %d", info.RowCount)
	}

	if err := g.WriteBackSingle(2, "1ZDB", "2026-08-24T12:00:00Z"); err != nil {
		t.Fatalf("write-back: %v", err)
	}

	check, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("reopen source db: %v", err)
	}
	var tracking string
	if err := check.Raw(`SELECT tracking_number FROM orders WHERE id = 'A2'`).Scan(&tracking).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if tracking != "1ZDB" {
		t.Fatalf("tracking: want=1ZDB got=%q", tracking)
	}
}

func TestSignatureIsSchemaOrderIndependent(t *testing.T) {
	a := Signature(SourceDelimited, "/tmp/a.csv", []string{"x", "y", "z"})
	b := Signature(SourceDelimited, "/tmp/a.csv", []string{"z", "x", "y"})
	if a != b {
		t.Fatal("signature must not depend on column order")
	}
	if Signature(SourceDelimited, "/tmp/b.csv", []string{"x", "y", "z"}) == a {
		t.Fatal("signature must depend on the source ref")
	}
	if Signature(SourceSpreadsheet, "/tmp/a.csv", []string{"x", "y", "z"}) == a {
		t.Fatal("signature must depend on the source type")
	}
}

func TestRowChecksumNormalizesWhitespace(t *testing.T) {
	cols := []string{"a", "b"}
	base := RowChecksum(cols, map[string]string{"a": "1", "b": "2"})
	if RowChecksum(cols, map[string]string{"a": " 1 ", "b": "2"}) != base {
		t.Fatal("checksum must trim cell whitespace")
	}
	if RowChecksum(cols, map[string]string{"a": "1", "b": "3"}) == base {
		t.Fatal("checksum must change with content")
	}
}

func TestReplayWriteBackSignatureGuard(t *testing.T) {
	g := testGateway(t)
	path := sampleCSV(t)
	info, err := g.ImportDelimited(path, ',', true)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&types.Job{}, &types.JobRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	jobRepo := repos.NewJobRepo(gdb, log)
	rowRepo := repos.NewJobRowRepo(gdb, log)

	job, err := jobRepo.Create(context.Background(), nil, &types.Job{
		Name:            "replay",
		State:           types.JobStateCompleted,
		SourceSignature: "not-the-loaded-source",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	_, err = g.ReplayWriteBackFromJob(context.Background(), gdb, jobRepo, rowRepo, job.ID)
	if apperr.CodeOf(err) != apperr.CodeSourceSignature {
		t.Fatalf("want %s, got %v", apperr.CodeSourceSignature, err)
	}

	// Align the recorded signature and replay for real.
	if err := gdb.Model(&types.Job{}).Where("id = ?", job.ID).Update("source_signature", info.Signature).Error; err != nil {
		t.Fatalf("align signature: %v", err)
	}
	processed := time.Now().UTC()
	if _, err := rowRepo.CreateBatch(context.Background(), nil, []*types.JobRow{{
		JobID:          job.ID,
		RowNumber:      2,
		State:          types.RowStateCompleted,
		TrackingNumber: "1ZREPLAY",
		ProcessedAt:    &processed,
	}}); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	n, err := g.ReplayWriteBackFromJob(context.Background(), gdb, jobRepo, rowRepo, job.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed rows: want=1 got=%d", n)
	}
	records := readCSV(t, path)
	if records[2][3] != "1ZREPLAY" {
		t.Fatalf("replay did not land: %v", records[2])
	}
}
