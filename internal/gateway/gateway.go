package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/logger"
)

type SourceType string

const (
	SourceDelimited   SourceType = "delimited"
	SourceSpreadsheet SourceType = "spreadsheet"
	SourceDatabase    SourceType = "database"
	SourceRecords     SourceType = "records"
)

// Row is one source row as served by the gateway. Fields are keyed by
// column name; RowNumber is the 1-based position in the original source.
type Row struct {
	RowNumber int               `json:"row_number"`
	Checksum  string            `json:"checksum"`
	Fields    map[string]string `json:"fields"`
}

type SourceInfo struct {
	SourceType SourceType `json:"source_type"`
	SourceRef  string     `json:"source_ref"`
	RowCount   int        `json:"row_count"`
	Columns    []string   `json:"columns"`
	Signature  string     `json:"signature"`
}

type Update struct {
	RowNumber int
	Tracking  string
	ShippedAt string
}

// Gateway owns the single active tabular source. Imported rows live in an
// embedded sqlite scratch database; filtered reads are SQL against that
// scratch table, never against the original file.
type Gateway struct {
	log *logger.Logger

	mu      sync.Mutex
	scratch *gorm.DB
	info    *SourceInfo
	source  sourceBinding

	trackingColumn  string
	shippedAtColumn string
}

// sourceBinding retains what the gateway needs to write results back to
// the original source.
type sourceBinding struct {
	path      string
	delimiter rune
	hasHeader bool
	sheet     string

	connString  string
	query       string
	table       string
	keyColumn   string
	keyByRow    map[int]string

	editable bool
}

var (
	gatewayOnce sync.Once
	gatewayInst *Gateway
)

// Get returns the process-global gateway, constructing it on first use.
func Get(log *logger.Logger) *Gateway {
	gatewayOnce.Do(func() {
		gatewayInst = &Gateway{
			log:             log.With("component", "DataGateway"),
			trackingColumn:  "tracking_number",
			shippedAtColumn: "shipped_at",
		}
	})
	return gatewayInst
}

// NewForTest builds an isolated gateway, bypassing the singleton.
func NewForTest(log *logger.Logger) *Gateway {
	return &Gateway{
		log:             log.With("component", "DataGateway"),
		trackingColumn:  "tracking_number",
		shippedAtColumn: "shipped_at",
	}
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeScratchLocked()
}

func (g *Gateway) closeScratchLocked() error {
	if g.scratch == nil {
		return nil
	}
	sqlDB, err := g.scratch.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
	g.scratch = nil
	g.info = nil
	g.source = sourceBinding{}
	return nil
}

func (g *Gateway) GetSourceInfo() (*SourceInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info == nil {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "no data source loaded")
	}
	cp := *g.info
	cp.Columns = append([]string(nil), g.info.Columns...)
	return &cp, nil
}

func (g *Gateway) GetSchema() ([]string, error) {
	info, err := g.GetSourceInfo()
	if err != nil {
		return nil, err
	}
	return info.Columns, nil
}

func (g *Gateway) GetSourceSignature() (string, error) {
	info, err := g.GetSourceInfo()
	if err != nil {
		return "", err
	}
	return info.Signature, nil
}

// replaceSource installs a freshly imported source, dropping the previous
// scratch database.
func (g *Gateway) replaceSource(rows []Row, columns []string, info SourceInfo, binding sourceBinding) (*SourceInfo, error) {
	if len(rows) == 0 {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "source contains no data rows")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.closeScratchLocked()

	scratch, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "open scratch engine").WithCause(err)
	}
	// A private in-memory database exists per connection; the pool must
	// stay at one connection or reads race the table definition.
	if sqlDB, err := scratch.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	ddlCols := make([]string, 0, len(columns)+2)
	ddlCols = append(ddlCols, `"row_number" INTEGER PRIMARY KEY`, `"checksum" TEXT NOT NULL`)
	for _, col := range columns {
		ddlCols = append(ddlCols, fmt.Sprintf("%s TEXT", quoteIdent(col)))
	}
	ddl := fmt.Sprintf("CREATE TABLE source_rows (%s)", strings.Join(ddlCols, ", "))
	if err := scratch.Exec(ddl).Error; err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "create scratch table").WithCause(err)
	}

	insertCols := []string{`"row_number"`, `"checksum"`}
	for _, col := range columns {
		insertCols = append(insertCols, quoteIdent(col))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(insertCols)), ",")
	insertSQL := fmt.Sprintf("INSERT INTO source_rows (%s) VALUES (%s)", strings.Join(insertCols, ", "), placeholders)

	err = scratch.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			args := make([]interface{}, 0, len(insertCols))
			args = append(args, row.RowNumber, row.Checksum)
			for _, col := range columns {
				args = append(args, row.Fields[col])
			}
			if err := tx.Exec(insertSQL, args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "load scratch rows").WithCause(err)
	}

	info.RowCount = len(rows)
	info.Columns = columns
	info.Signature = Signature(info.SourceType, info.SourceRef, columns)

	g.scratch = scratch
	g.info = &info
	g.source = binding

	g.log.Info("Source imported",
		"source_type", info.SourceType,
		"source_ref", info.SourceRef,
		"rows", info.RowCount,
		"columns", len(columns),
	)
	return g.GetSourceInfoLocked()
}

// GetSourceInfoLocked returns a copy of the info while g.mu is held.
func (g *Gateway) GetSourceInfoLocked() (*SourceInfo, error) {
	if g.info == nil {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "no data source loaded")
	}
	cp := *g.info
	cp.Columns = append([]string(nil), g.info.Columns...)
	return &cp, nil
}

// Signature is the stable hash over (source type, source ref, schema) used
// to guard write-back against mismatched sources.
func Signature(sourceType SourceType, sourceRef string, columns []string) string {
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(string(sourceType)))
	h.Write([]byte{0x1f})
	h.Write([]byte(sourceRef))
	for _, col := range sorted {
		h.Write([]byte{0x1f})
		h.Write([]byte(col))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RowChecksum is the stable content hash of one row's normalized cells in
// column order.
func RowChecksum(columns []string, fields map[string]string) string {
	h := sha256.New()
	for i, col := range columns {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.TrimSpace(fields[col])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
