package gateway

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
)

// ImportDelimited replaces the active source with a delimited text file.
// When header is false, columns are named col_1..col_N.
func (g *Gateway) ImportDelimited(path string, delimiter rune, header bool) (*SourceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.System(apperr.CodeFilesystemError, "open source file").WithCause(err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if delimiter != 0 {
		reader.Comma = delimiter
	}
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, apperr.Data(apperr.CodeWrongFieldType, "parse delimited source").WithCause(err)
	}
	if len(records) == 0 {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "source contains no data rows")
	}

	var columns []string
	dataStart := 0
	if header {
		columns = normalizeColumns(records[0])
		dataStart = 1
	} else {
		columns = syntheticColumns(len(records[0]))
	}

	rows := recordsToRows(records[dataStart:], columns)
	return g.replaceSource(rows, columns, SourceInfo{
		SourceType: SourceDelimited,
		SourceRef:  path,
	}, sourceBinding{
		path:      path,
		delimiter: reader.Comma,
		hasHeader: header,
		editable:  true,
	})
}

// ImportSpreadsheet replaces the active source with one sheet of a
// workbook. An empty sheet name selects the first sheet.
func (g *Gateway) ImportSpreadsheet(path, sheet string) (*SourceInfo, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperr.System(apperr.CodeFilesystemError, "open workbook").WithCause(err)
	}
	defer wb.Close()

	if strings.TrimSpace(sheet) == "" {
		sheet = wb.GetSheetName(0)
	}
	records, err := wb.GetRows(sheet)
	if err != nil {
		return nil, apperr.Data(apperr.CodeWrongFieldType, fmt.Sprintf("read sheet %q", sheet)).WithCause(err)
	}
	if len(records) == 0 {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "sheet contains no data rows")
	}

	columns := normalizeColumns(records[0])
	rows := recordsToRows(records[1:], columns)
	return g.replaceSource(rows, columns, SourceInfo{
		SourceType: SourceSpreadsheet,
		SourceRef:  path + "#" + sheet,
	}, sourceBinding{
		path:      path,
		sheet:     sheet,
		hasHeader: true,
		editable:  true,
	})
}

// ImportDatabase replaces the active source with the result of a SQL
// query. Write-back needs a table and key column; without them the source
// is read-only and write-back falls to a companion CSV.
func (g *Gateway) ImportDatabase(connString, query, table, keyColumn string) (*SourceInfo, error) {
	if err := checkFilterSafety(query); err != nil {
		return nil, err
	}
	src, err := openSourceDB(connString)
	if err != nil {
		return nil, err
	}
	defer func() {
		if sqlDB, dErr := src.DB(); dErr == nil {
			_ = sqlDB.Close()
		}
	}()

	raw, err := src.Raw(query).Rows()
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "run source query").WithCause(err)
	}
	defer raw.Close()

	cols, err := raw.Columns()
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "read source columns").WithCause(err)
	}
	columns := normalizeColumns(cols)

	var rows []Row
	keyByRow := make(map[int]string)
	keyIdx := -1
	for i, c := range columns {
		if keyColumn != "" && c == keyColumn {
			keyIdx = i
		}
	}

	scan := make([]interface{}, len(columns))
	vals := make([]*string, len(columns))
	for i := range scan {
		scan[i] = &vals[i]
	}
	n := 0
	for raw.Next() {
		if err := raw.Scan(scan...); err != nil {
			return nil, apperr.System(apperr.CodeStoreError, "scan source row").WithCause(err)
		}
		n++
		fields := make(map[string]string, len(columns))
		for i, c := range columns {
			if vals[i] != nil {
				fields[c] = *vals[i]
			}
		}
		if keyIdx >= 0 {
			keyByRow[n] = fields[columns[keyIdx]]
		}
		rows = append(rows, Row{
			RowNumber: n,
			Checksum:  RowChecksum(columns, fields),
			Fields:    fields,
		})
	}
	if err := raw.Err(); err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "iterate source rows").WithCause(err)
	}

	editable := table != "" && keyColumn != "" && keyIdx >= 0
	return g.replaceSource(rows, columns, SourceInfo{
		SourceType: SourceDatabase,
		SourceRef:  redactConnString(connString) + "#" + query,
	}, sourceBinding{
		connString: connString,
		query:      query,
		table:      table,
		keyColumn:  keyColumn,
		keyByRow:   keyByRow,
		editable:   editable,
	})
}

// ImportRecords replaces the active source with in-memory records, used by
// remote-platform pulls and tests. Not editable; write-back produces a
// companion CSV next to the state store.
func (g *Gateway) ImportRecords(records []map[string]string, label string) (*SourceInfo, error) {
	if len(records) == 0 {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "no records provided")
	}
	colSet := map[string]bool{}
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if !colSet[k] {
				colSet[k] = true
				columns = append(columns, k)
			}
		}
	}
	columns = normalizeColumns(columns)

	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		fields := make(map[string]string, len(rec))
		for k, v := range rec {
			fields[normalizeColumn(k)] = v
		}
		rows = append(rows, Row{
			RowNumber: i + 1,
			Checksum:  RowChecksum(columns, fields),
			Fields:    fields,
		})
	}
	return g.replaceSource(rows, columns, SourceInfo{
		SourceType: SourceRecords,
		SourceRef:  label,
	}, sourceBinding{
		path:     label,
		editable: false,
	})
}

func openSourceDB(connString string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		gdb, err := gorm.Open(postgres.Open(connString), &gorm.Config{})
		if err != nil {
			return nil, apperr.System(apperr.CodeStoreError, "connect to source database").WithCause(err)
		}
		return gdb, nil
	default:
		// Anything else is treated as a sqlite file path.
		gdb, err := gorm.Open(sqlite.Open(connString), &gorm.Config{})
		if err != nil {
			return nil, apperr.System(apperr.CodeStoreError, "open source database file").WithCause(err)
		}
		return gdb, nil
	}
}

func recordsToRows(records [][]string, columns []string) []Row {
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		fields := make(map[string]string, len(columns))
		for j, col := range columns {
			if j < len(rec) {
				fields[col] = rec[j]
			}
		}
		rows = append(rows, Row{
			RowNumber: i + 1,
			Checksum:  RowChecksum(columns, fields),
			Fields:    fields,
		})
	}
	return rows
}

func normalizeColumns(raw []string) []string {
	out := make([]string, len(raw))
	seen := map[string]int{}
	for i, c := range raw {
		name := normalizeColumn(c)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name] = 1
		out[i] = name
	}
	return out
}

func normalizeColumn(c string) string {
	name := strings.TrimSpace(strings.ToLower(c))
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func syntheticColumns(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("col_%d", i+1)
	}
	return out
}

func redactConnString(conn string) string {
	if i := strings.Index(conn, "@"); i >= 0 {
		if j := strings.Index(conn, "://"); j >= 0 && j < i {
			return conn[:j+3] + "***" + conn[i:]
		}
	}
	return conn
}
