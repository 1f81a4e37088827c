package progress

// Event kinds are the discriminators clients switch on. Frames are
// serialized as {"event": <kind>, "data": {...}}.
type EventKind string

const (
	KindBatchStarted   EventKind = "batch_started"
	KindRowStarted     EventKind = "row_started"
	KindRowCompleted   EventKind = "row_completed"
	KindRowFailed      EventKind = "row_failed"
	KindBatchCompleted EventKind = "batch_completed"
	KindBatchFailed    EventKind = "batch_failed"
	KindPing           EventKind = "ping"
)

type Event struct {
	Kind EventKind `json:"event"`
	Data any       `json:"data,omitempty"`
}

type BatchStartedData struct {
	Total int `json:"total"`
}

type RowStartedData struct {
	RowNumber int `json:"row_number"`
}

type RowCompletedData struct {
	RowNumber      int    `json:"row_number"`
	Tracking       string `json:"tracking"`
	CostMinorUnits int64  `json:"cost_minor_units"`
}

type RowFailedData struct {
	RowNumber    int    `json:"row_number"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type BatchCompletedData struct {
	Total      int   `json:"total"`
	Successful int   `json:"successful"`
	TotalCost  int64 `json:"total_cost"`
}

type BatchFailedData struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Processed    int    `json:"processed"`
}

func BatchStarted(total int) Event {
	return Event{Kind: KindBatchStarted, Data: BatchStartedData{Total: total}}
}

func RowStarted(rowNumber int) Event {
	return Event{Kind: KindRowStarted, Data: RowStartedData{RowNumber: rowNumber}}
}

func RowCompleted(rowNumber int, tracking string, cost int64) Event {
	return Event{Kind: KindRowCompleted, Data: RowCompletedData{RowNumber: rowNumber, Tracking: tracking, CostMinorUnits: cost}}
}

func RowFailed(rowNumber int, code, message string) Event {
	return Event{Kind: KindRowFailed, Data: RowFailedData{RowNumber: rowNumber, ErrorCode: code, ErrorMessage: message}}
}

func BatchCompleted(total, successful int, totalCost int64) Event {
	return Event{Kind: KindBatchCompleted, Data: BatchCompletedData{Total: total, Successful: successful, TotalCost: totalCost}}
}

func BatchFailed(code, message string, processed int) Event {
	return Event{Kind: KindBatchFailed, Data: BatchFailedData{ErrorCode: code, ErrorMessage: message, Processed: processed}}
}

func Ping() Event {
	return Event{Kind: KindPing}
}
