package backfill

const reportErrorFailed = "backfill_failed"

// Report is the wire shape of a run or status result, shared by the admin endpoint and
// the command line.
type Report struct {
	OK              bool   `json:"ok"`
	ID              string `json:"id"`
	Position        *int64 `json:"position"`
	Finished        bool   `json:"finished"`
	AlreadyFinished bool   `json:"alreadyFinished,omitempty"`
	InProgress      bool   `json:"inProgress,omitempty"`
	Processed       int64  `json:"processed"`
	Batches         int    `json:"batches"`
	StopReason      string `json:"stopReason,omitempty"`
	Error           string `json:"error,omitempty"`
}

// NewReport describes result. A non-nil runErr marks the report failed; the partial
// progress in result is kept.
func NewReport(result Result, runErr error) Report {
	report := Report{
		OK:              runErr == nil,
		ID:              result.ID,
		Position:        result.Position,
		Finished:        result.Finished,
		AlreadyFinished: result.AlreadyFinished,
		InProgress:      result.InProgress,
		Processed:       result.Processed,
		Batches:         result.Batches,
		StopReason:      string(result.StopReason),
	}
	if runErr != nil {
		report.Error = reportErrorFailed
	}
	return report
}
