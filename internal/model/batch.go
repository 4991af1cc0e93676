package model

import "time"

// BatchStatus is the lifecycle state of an ingestion batch.
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchSuccess    BatchStatus = "success"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchSuccess || s == BatchPartial || s == BatchFailed
}

// RowOutcome is the result of processing one producer row.
type RowOutcome string

const (
	RowSucceeded RowOutcome = "succeeded"
	RowFailed    RowOutcome = "failed"
)

// Batch is one producer submission recorded in the ingestion ledger.
type Batch struct {
	Key           string         `json:"key"`
	Source        SourceKind     `json:"source"`
	Checksum      string         `json:"checksum"`
	Status        BatchStatus    `json:"status"`
	RowsSeen      int64          `json:"rows_seen"`
	RowsSucceeded int64          `json:"rows_succeeded"`
	RowsFailed    int64          `json:"rows_failed"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// TerminalStatus computes the status a batch settles in given its counters.
// A producer error always fails the batch.
func TerminalStatus(rows, failed int64, producerErr bool) BatchStatus {
	switch {
	case producerErr:
		return BatchFailed
	case failed == 0:
		return BatchSuccess
	case failed < rows:
		return BatchPartial
	default:
		return BatchFailed
	}
}
