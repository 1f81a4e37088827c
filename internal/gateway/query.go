package gateway

import (
	"fmt"
	"strings"

	"github.com/draymark/shipflow-backend/internal/apperr"
)

// FilterResult carries one page of filtered rows plus the unpaged match
// count.
type FilterResult struct {
	Rows       []Row `json:"rows"`
	TotalCount int   `json:"total_count"`
}

// GetRowsByFilter serves rows matching a parameterized WHERE clause. The
// clause uses `?` placeholders with bound params; an empty clause matches
// every row.
func (g *Gateway) GetRowsByFilter(whereClause string, params []interface{}, limit, offset int) (*FilterResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scratch == nil || g.info == nil {
		return nil, apperr.Data(apperr.CodeEmptyDataset, "no data source loaded")
	}
	if err := checkFilterSafety(whereClause); err != nil {
		return nil, err
	}

	where := strings.TrimSpace(whereClause)
	countSQL := "SELECT COUNT(*) FROM source_rows"
	if where != "" {
		countSQL += " WHERE " + where
	}
	var total int
	if err := g.scratch.Raw(countSQL, params...).Scan(&total).Error; err != nil {
		return nil, apperr.Validation(apperr.CodeFilterUnparseable, "filter did not parse against the source schema").WithCause(err)
	}

	selectSQL := "SELECT * FROM source_rows"
	if where != "" {
		selectSQL += " WHERE " + where
	}
	selectSQL += ` ORDER BY "row_number" ASC`
	if limit > 0 {
		selectSQL += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			selectSQL += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	raw, err := g.scratch.Raw(selectSQL, params...).Rows()
	if err != nil {
		return nil, apperr.Validation(apperr.CodeFilterUnparseable, "filter did not parse against the source schema").WithCause(err)
	}
	defer raw.Close()

	cols, err := raw.Columns()
	if err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "read scratch columns").WithCause(err)
	}

	var rows []Row
	scan := make([]interface{}, len(cols))
	vals := make([]*string, len(cols))
	for i := range scan {
		scan[i] = &vals[i]
	}
	for raw.Next() {
		if err := raw.Scan(scan...); err != nil {
			return nil, apperr.System(apperr.CodeStoreError, "scan scratch row").WithCause(err)
		}
		row := Row{Fields: make(map[string]string, len(cols))}
		for i, c := range cols {
			v := ""
			if vals[i] != nil {
				v = *vals[i]
			}
			switch c {
			case "row_number":
				fmt.Sscanf(v, "%d", &row.RowNumber)
			case "checksum":
				row.Checksum = v
			default:
				row.Fields[c] = v
			}
		}
		rows = append(rows, row)
	}
	if err := raw.Err(); err != nil {
		return nil, apperr.System(apperr.CodeStoreError, "iterate scratch rows").WithCause(err)
	}

	return &FilterResult{Rows: rows, TotalCount: total}, nil
}

// checkFilterSafety rejects clause text that could smuggle statements past
// the parameterized filter: statement separators, comments, and DML/DDL
// verbs. The command resolver is external and untrusted by policy.
func checkFilterSafety(clause string) error {
	lower := strings.ToLower(clause)
	if strings.Contains(lower, ";") ||
		strings.Contains(lower, "--") ||
		strings.Contains(lower, "/*") {
		return apperr.Validation(apperr.CodeFilterUnsafe, "filter contains a forbidden token")
	}
	for _, verb := range []string{"insert ", "update ", "delete ", "drop ", "alter ", "create ", "attach ", "pragma "} {
		if strings.Contains(lower, verb) {
			return apperr.Validation(apperr.CodeFilterUnsafe, "filter contains a forbidden statement")
		}
	}
	return nil
}
