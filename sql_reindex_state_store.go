package dicomindex

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLReindexStateStore persists per-tag reindex progress in the
// tag_reindex_state table. Requires schema V3 or later.
type SQLReindexStateStore struct {
	pool   *pgxpool.Pool
	logger Logger
}

// NewSQLReindexStateStore creates the SQL reindex state store
func NewSQLReindexStateStore(pool *pgxpool.Pool, logger Logger) *SQLReindexStateStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &SQLReindexStateStore{pool: pool, logger: logger}
}

// PrepareReindexing snapshots the current maximum watermark and inserts one
// Processing entry per tag. The ON CONFLICT clause makes a retried Prepare a
// no-op: existing entries keep their original snapshot and progress.
func (s *SQLReindexStateStore) PrepareReindexing(ctx context.Context, tagKeys []int64, operationID string) ([]ReindexStateEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeFailure("begin prepare reindexing", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var endWatermark int64
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(watermark), 0) FROM instance`).Scan(&endWatermark); err != nil {
		return nil, storeFailure("snapshot max watermark", err)
	}

	for _, key := range tagKeys {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tag_reindex_state (tag_key, operation_id, status, start_watermark, end_watermark)
			 VALUES ($1, $2, $3, NULL, $4)
			 ON CONFLICT (tag_key, operation_id) DO NOTHING`,
			key, operationID, string(ReindexStatusProcessing), endWatermark); err != nil {
			return nil, storeFailure("insert reindex state entry", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeFailure("commit prepare reindexing", err)
	}
	return s.GetEntries(ctx, operationID)
}

// GetEntries returns the entries recorded for an operation id
func (s *SQLReindexStateStore) GetEntries(ctx context.Context, operationID string) ([]ReindexStateEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tag_key, operation_id, status, start_watermark, end_watermark
		 FROM tag_reindex_state WHERE operation_id = $1 ORDER BY tag_key`, operationID)
	if err != nil {
		return nil, storeFailure("get reindex entries", err)
	}
	defer rows.Close()

	var entries []ReindexStateEntry
	for rows.Next() {
		var e ReindexStateEntry
		var status string
		if err := rows.Scan(&e.TagKey, &e.OperationID, &status, &e.StartWatermark, &e.EndWatermark); err != nil {
			return nil, storeFailure("scan reindex entry", err)
		}
		e.Status = ReindexStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("get reindex entries", err)
	}
	return entries, nil
}

// CommitProgress advances the start watermark of every Processing entry
func (s *SQLReindexStateStore) CommitProgress(ctx context.Context, operationID string, nextStart Watermark) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tag_reindex_state SET start_watermark = $3
		 WHERE operation_id = $1 AND status = $2`,
		operationID, string(ReindexStatusProcessing), nextStart)
	if err != nil {
		return storeFailure("commit reindex progress", err)
	}
	return nil
}

// CompleteTag marks the (tag, operation) entry Completed
func (s *SQLReindexStateStore) CompleteTag(ctx context.Context, operationID string, tagKey int64) error {
	return s.setTagStatus(ctx, operationID, tagKey, ReindexStatusCompleted)
}

// FailTag marks the (tag, operation) entry Failed
func (s *SQLReindexStateStore) FailTag(ctx context.Context, operationID string, tagKey int64) error {
	return s.setTagStatus(ctx, operationID, tagKey, ReindexStatusFailed)
}

func (s *SQLReindexStateStore) setTagStatus(ctx context.Context, operationID string, tagKey int64, status ReindexStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tag_reindex_state SET status = $3 WHERE operation_id = $1 AND tag_key = $2`,
		operationID, tagKey, string(status))
	if err != nil {
		return storeFailure("set reindex entry status", err)
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrOperationNotFound, map[string]interface{}{
			"operation_id": operationID,
			"tag_key":      tagKey,
		})
	}
	return nil
}

// SQLOperationStore persists reindex operations in the reindex_operation
// table. Requires schema V3 or later.
type SQLOperationStore struct {
	pool   *pgxpool.Pool
	logger Logger
}

// NewSQLOperationStore creates the SQL operation store
func NewSQLOperationStore(pool *pgxpool.Pool, logger Logger) *SQLOperationStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &SQLOperationStore{pool: pool, logger: logger}
}

// CreateOperation records a new operation
func (s *SQLOperationStore) CreateOperation(ctx context.Context, op ReindexOperation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reindex_operation (operation_id, tag_keys, status) VALUES ($1, $2, $3)`,
		op.ID, op.TagKeys, string(op.Status))
	if err != nil {
		return storeFailure("create operation", err)
	}
	return nil
}

// GetOperation returns the operation with the given id
func (s *SQLOperationStore) GetOperation(ctx context.Context, operationID string) (ReindexOperation, error) {
	var op ReindexOperation
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT operation_id, tag_keys, status, created_at, updated_at
		 FROM reindex_operation WHERE operation_id = $1`, operationID).
		Scan(&op.ID, &op.TagKeys, &status, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReindexOperation{}, WithContext(ErrOperationNotFound, map[string]interface{}{
				"operation_id": operationID,
			})
		}
		return ReindexOperation{}, storeFailure("get operation", err)
	}
	op.Status = OperationStatus(status)
	return op, nil
}

// UpdateOperationStatus transitions the operation's persisted status
func (s *SQLOperationStore) UpdateOperationStatus(ctx context.Context, operationID string, status OperationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reindex_operation SET status = $2, updated_at = $3 WHERE operation_id = $1`,
		operationID, string(status), time.Now().UTC())
	if err != nil {
		return storeFailure("update operation status", err)
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrOperationNotFound, map[string]interface{}{
			"operation_id": operationID,
		})
	}
	return nil
}

// ListOperationsByStatus returns operations in the given status, oldest first
func (s *SQLOperationStore) ListOperationsByStatus(ctx context.Context, status OperationStatus) ([]ReindexOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT operation_id, tag_keys, status, created_at, updated_at
		 FROM reindex_operation WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, storeFailure("list operations", err)
	}
	defer rows.Close()

	var ops []ReindexOperation
	for rows.Next() {
		var op ReindexOperation
		var st string
		if err := rows.Scan(&op.ID, &op.TagKeys, &st, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, storeFailure("scan operation", err)
		}
		op.Status = OperationStatus(st)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("list operations", err)
	}
	return ops, nil
}
