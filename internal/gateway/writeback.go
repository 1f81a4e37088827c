package gateway

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
)

// WriteBackSingle applies one tracking update to the original source.
func (g *Gateway) WriteBackSingle(rowNumber int, tracking, shippedAt string) error {
	return g.WriteBackBatch([]Update{{RowNumber: rowNumber, Tracking: tracking, ShippedAt: shippedAt}})
}

// WriteBackBatch applies updates atomically. Delimited and spreadsheet
// sources are rewritten whole to a temp file and renamed into place;
// database sources issue one transaction of UPDATEs; non-editable sources
// get a companion CSV beside the source. Any failure leaves the original
// untouched.
func (g *Gateway) WriteBackBatch(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info == nil {
		return apperr.Data(apperr.CodeEmptyDataset, "no data source loaded")
	}

	switch {
	case g.info.SourceType == SourceDelimited && g.source.editable:
		return g.writeBackDelimited(updates)
	case g.info.SourceType == SourceSpreadsheet && g.source.editable:
		return g.writeBackSpreadsheet(updates)
	case g.info.SourceType == SourceDatabase && g.source.editable:
		return g.writeBackDatabase(updates)
	default:
		return g.writeBackCompanion(updates)
	}
}

func (g *Gateway) writeBackDelimited(updates []Update) error {
	path := g.source.path
	f, err := os.Open(path)
	if err != nil {
		return apperr.System(apperr.CodeFilesystemError, "open source for write-back").WithCause(err)
	}
	reader := csv.NewReader(f)
	reader.Comma = g.source.delimiter
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	f.Close()
	if err != nil {
		return apperr.System(apperr.CodeFilesystemError, "re-read source for write-back").WithCause(err)
	}
	if len(records) == 0 {
		return apperr.Data(apperr.CodeEmptyDataset, "source became empty")
	}

	headerOffset := 0
	var header []string
	if g.source.hasHeader {
		header = records[0]
		headerOffset = 1
	} else {
		header = syntheticColumns(len(records[0]))
		// Synthesize a header row so the appended columns are addressable.
		records = append([][]string{header}, records...)
		headerOffset = 1
		g.source.hasHeader = true
	}

	trackIdx, shipIdx, header := ensureColumns(header, g.trackingColumn, g.shippedAtColumn)
	records[0] = header

	for _, u := range updates {
		idx := headerOffset + u.RowNumber - 1
		if idx < headerOffset || idx >= len(records) {
			return apperr.System(apperr.CodeFilesystemError, fmt.Sprintf("write-back row %d out of range", u.RowNumber))
		}
		records[idx] = padRecord(records[idx], len(header))
		records[idx][trackIdx] = u.Tracking
		records[idx][shipIdx] = u.ShippedAt
	}
	for i := headerOffset; i < len(records); i++ {
		records[i] = padRecord(records[i], len(header))
	}

	return atomicWriteCSV(path, g.source.delimiter, records)
}

func (g *Gateway) writeBackSpreadsheet(updates []Update) error {
	path := g.source.path
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return apperr.System(apperr.CodeFilesystemError, "open workbook for write-back").WithCause(err)
	}
	defer wb.Close()
	sheet := g.source.sheet

	rows, err := wb.GetRows(sheet)
	if err != nil || len(rows) == 0 {
		return apperr.System(apperr.CodeFilesystemError, "re-read sheet for write-back").WithCause(err)
	}
	trackIdx, shipIdx, header := ensureColumns(rows[0], g.trackingColumn, g.shippedAtColumn)
	for i, v := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := wb.SetCellStr(sheet, cell, v); err != nil {
			return apperr.System(apperr.CodeFilesystemError, "update sheet header").WithCause(err)
		}
	}

	for _, u := range updates {
		// +1 for the header row, +1 for 1-based sheet coordinates.
		sheetRow := u.RowNumber + 1
		trackCell, _ := excelize.CoordinatesToCellName(trackIdx+1, sheetRow)
		shipCell, _ := excelize.CoordinatesToCellName(shipIdx+1, sheetRow)
		if err := wb.SetCellStr(sheet, trackCell, u.Tracking); err != nil {
			return apperr.System(apperr.CodeFilesystemError, "update sheet cell").WithCause(err)
		}
		if err := wb.SetCellStr(sheet, shipCell, u.ShippedAt); err != nil {
			return apperr.System(apperr.CodeFilesystemError, "update sheet cell").WithCause(err)
		}
	}

	tmp := path + ".tmp"
	if err := wb.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return apperr.System(apperr.CodeFilesystemError, "stage workbook write-back").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return apperr.System(apperr.CodeFilesystemError, "commit workbook write-back").WithCause(err)
	}
	return nil
}

func (g *Gateway) writeBackDatabase(updates []Update) error {
	src, err := openSourceDB(g.source.connString)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, dErr := src.DB(); dErr == nil {
			_ = sqlDB.Close()
		}
	}()

	table := quoteIdent(g.source.table)
	keyCol := quoteIdent(g.source.keyColumn)
	trackCol := quoteIdent(g.trackingColumn)
	shipCol := quoteIdent(g.shippedAtColumn)
	stmt := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s = ?", table, trackCol, shipCol, keyCol)

	return src.Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			key, ok := g.source.keyByRow[u.RowNumber]
			if !ok {
				return apperr.System(apperr.CodeStoreError, fmt.Sprintf("no key recorded for row %d", u.RowNumber))
			}
			if err := tx.Exec(stmt, u.Tracking, u.ShippedAt, key).Error; err != nil {
				return apperr.System(apperr.CodeStoreError, "apply database write-back").WithCause(err)
			}
		}
		return nil
	})
}

// writeBackCompanion appends tracked shipments to `<source>.tracking.csv`
// for sources that cannot be edited in place. Earlier entries for the
// same row are superseded by the newest one.
func (g *Gateway) writeBackCompanion(updates []Update) error {
	base := g.source.path
	if base == "" {
		base = "source"
	}
	path := base + ".tracking.csv"

	existing := map[int]Update{}
	if f, err := os.Open(path); err == nil {
		reader := csv.NewReader(f)
		reader.FieldsPerRecord = -1
		records, rErr := reader.ReadAll()
		f.Close()
		if rErr == nil {
			for i, rec := range records {
				if i == 0 || len(rec) < 3 {
					continue
				}
				var n int
				fmt.Sscanf(rec[0], "%d", &n)
				if n > 0 {
					existing[n] = Update{RowNumber: n, Tracking: rec[1], ShippedAt: rec[2]}
				}
			}
		}
	}
	for _, u := range updates {
		existing[u.RowNumber] = u
	}

	nums := make([]int, 0, len(existing))
	for n := range existing {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	records := [][]string{{"row_number", g.trackingColumn, g.shippedAtColumn}}
	for _, n := range nums {
		u := existing[n]
		records = append(records, []string{fmt.Sprintf("%d", n), u.Tracking, u.ShippedAt})
	}
	return atomicWriteCSV(path, ',', records)
}

// atomicWriteCSV stages to a temp file in the target directory and renames
// into place. A failure at any point leaves the original untouched.
func atomicWriteCSV(path string, delimiter rune, records [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperr.System(apperr.CodeFilesystemError, "stage write-back temp file").WithCause(err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	writer := csv.NewWriter(tmp)
	writer.Comma = delimiter
	if err := writer.WriteAll(records); err != nil {
		cleanup()
		return apperr.System(apperr.CodeFilesystemError, "write staged rows").WithCause(err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		cleanup()
		return apperr.System(apperr.CodeFilesystemError, "flush staged rows").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return apperr.System(apperr.CodeFilesystemError, "sync staged rows").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.System(apperr.CodeFilesystemError, "close staged file").WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return apperr.System(apperr.CodeFilesystemError, "commit write-back").WithCause(err)
	}
	return nil
}

func ensureColumns(header []string, trackingColumn, shippedAtColumn string) (trackIdx, shipIdx int, out []string) {
	out = append([]string(nil), header...)
	trackIdx = -1
	shipIdx = -1
	for i, h := range out {
		switch normalizeColumn(h) {
		case trackingColumn:
			trackIdx = i
		case shippedAtColumn:
			shipIdx = i
		}
	}
	if trackIdx < 0 {
		out = append(out, trackingColumn)
		trackIdx = len(out) - 1
	}
	if shipIdx < 0 {
		out = append(out, shippedAtColumn)
		shipIdx = len(out) - 1
	}
	return trackIdx, shipIdx, out
}

func padRecord(rec []string, width int) []string {
	for len(rec) < width {
		rec = append(rec, "")
	}
	return rec
}
