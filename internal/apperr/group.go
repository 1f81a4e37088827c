package apperr

import "sort"

// RowError is one row-level failure as persisted on a job row.
type RowError struct {
	RowNumber int
	Code      string
	Message   string
	Column    string
}

// ErrorGroup collapses identical failures across rows so the operator sees
// "rows 3, 7, 9: E-2001 bad ZIP" once instead of three times.
type ErrorGroup struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Column     string `json:"column,omitempty"`
	RowNumbers []int  `json:"row_numbers"`
	Count      int    `json:"count"`
}

func GroupRowErrors(rowErrs []RowError) []ErrorGroup {
	type key struct {
		code, message, column string
	}
	byKey := make(map[key]*ErrorGroup)
	order := make([]key, 0)
	for _, re := range rowErrs {
		k := key{re.Code, re.Message, re.Column}
		g, ok := byKey[k]
		if !ok {
			g = &ErrorGroup{Code: re.Code, Message: re.Message, Column: re.Column}
			byKey[k] = g
			order = append(order, k)
		}
		g.RowNumbers = append(g.RowNumbers, re.RowNumber)
		g.Count++
	}
	out := make([]ErrorGroup, 0, len(byKey))
	for _, k := range order {
		g := byKey[k]
		sort.Ints(g.RowNumbers)
		out = append(out, *g)
	}
	return out
}
