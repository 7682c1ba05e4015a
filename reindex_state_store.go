package dicomindex

import (
	"context"
	"time"
)

// ReindexStatus is the per-(tag, operation) backfill status
type ReindexStatus string

const (
	ReindexStatusProcessing ReindexStatus = "Processing"
	ReindexStatusCompleted  ReindexStatus = "Completed"

	// ReindexStatusFailed marks a tag whose backfill terminally failed.
	// Other tags in the same operation continue independently; the entry is
	// kept for operational recovery, never silently flipped to Completed.
	ReindexStatusFailed ReindexStatus = "Failed"
)

// ReindexStateEntry is one row of durable reindex progress, keyed by
// (tag, operation).
type ReindexStateEntry struct {
	TagKey      int64         `json:"tag_key"`
	OperationID string        `json:"operation_id"`
	Status      ReindexStatus `json:"status"`

	// StartWatermark is the inclusive lower bound of work remaining. It
	// advances as batches complete; nil means "from the beginning".
	StartWatermark *Watermark `json:"start_watermark"`

	// EndWatermark is the inclusive upper bound, snapshotted exactly once
	// when the operation prepares. Instances stored later are handled by the
	// live indexing path, never by this backfill. Nil means the snapshot has
	// not been taken yet.
	EndWatermark *Watermark `json:"end_watermark"`
}

// Remaining returns the watermark range this entry still has to cover
func (e ReindexStateEntry) Remaining() WatermarkRange {
	start := Watermark(1)
	if e.StartWatermark != nil {
		start = *e.StartWatermark
	}
	end := Watermark(0)
	if e.EndWatermark != nil {
		end = *e.EndWatermark
	}
	return WatermarkRange{Start: start, End: end}
}

// ReindexStateStore persists per-tag reindex progress so the orchestrator can
// resume after a crash and be queried for status.
type ReindexStateStore interface {
	// PrepareReindexing snapshots the current maximum watermark as the end of
	// range and creates one Processing entry per tag with a nil start
	// watermark. Re-running for an already-prepared operation id creates no
	// duplicate entries and keeps the original snapshot.
	PrepareReindexing(ctx context.Context, tagKeys []int64, operationID string) ([]ReindexStateEntry, error)

	// GetEntries returns the entries recorded for an operation id
	GetEntries(ctx context.Context, operationID string) ([]ReindexStateEntry, error)

	// CommitProgress durably advances the start watermark of every entry of
	// the operation still in Processing. nextStart is the first watermark of
	// the earliest batch not yet completed.
	CommitProgress(ctx context.Context, operationID string, nextStart Watermark) error

	// CompleteTag marks the (tag, operation) entry Completed
	CompleteTag(ctx context.Context, operationID string, tagKey int64) error

	// FailTag marks the (tag, operation) entry Failed
	FailTag(ctx context.Context, operationID string, tagKey int64) error
}

// OperationStatus is the reindex workflow state machine's persisted state
type OperationStatus string

const (
	OperationStatusScheduled         OperationStatus = "Scheduled"
	OperationStatusPreparing         OperationStatus = "Preparing"
	OperationStatusProcessingBatches OperationStatus = "ProcessingBatches"
	OperationStatusCompleting        OperationStatus = "Completing"
	OperationStatusDone              OperationStatus = "Done"
	OperationStatusFailed            OperationStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusDone || s == OperationStatusFailed
}

// ReindexOperation is one durable reindex workflow run
type ReindexOperation struct {
	ID        string          `json:"id"`
	TagKeys   []int64         `json:"tag_keys"`
	Status    OperationStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OperationStore persists reindex operations
type OperationStore interface {
	// CreateOperation records a new operation in Scheduled status
	CreateOperation(ctx context.Context, op ReindexOperation) error

	// GetOperation returns the operation with the given id, or
	// ErrOperationNotFound
	GetOperation(ctx context.Context, operationID string) (ReindexOperation, error)

	// UpdateOperationStatus transitions the operation's persisted status
	UpdateOperationStatus(ctx context.Context, operationID string, status OperationStatus) error

	// ListOperationsByStatus returns operations in the given status, oldest
	// first. The worker uses it to claim Scheduled operations.
	ListOperationsByStatus(ctx context.Context, status OperationStatus) ([]ReindexOperation, error)
}
