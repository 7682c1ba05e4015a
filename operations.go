package dicomindex

import (
	"context"
	"time"
)

// OperationProgress is the externally visible status of a reindex operation
type OperationProgress struct {
	OperationID   string          `json:"operation_id"`
	Status        OperationStatus `json:"status"`
	TotalTags     int             `json:"total_tags"`
	CompletedTags int             `json:"completed_tags"`
	FailedTags    int             `json:"failed_tags"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OperationsService schedules reindex operations and reports their progress.
// It owns the boundary between tag management (which only records intent)
// and the worker that actually drives the state machine.
type OperationsService struct {
	operations OperationStore
	state      ReindexStateStore
	tags       ExtendedQueryTagStoreProvider
	logger     Logger
	metrics    Metrics
}

// NewOperationsService creates an operations service
func NewOperationsService(operations OperationStore, state ReindexStateStore, tags ExtendedQueryTagStoreProvider) *OperationsService {
	return &OperationsService{
		operations: operations,
		state:      state,
		tags:       tags,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (s *OperationsService) WithLogger(l Logger) *OperationsService {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithMetrics sets the metrics collector
func (s *OperationsService) WithMetrics(m Metrics) *OperationsService {
	if m != nil {
		s.metrics = m
	}
	return s
}

// TriggerReindex records a Scheduled operation covering the given tag keys
// and returns its id. Every key must refer to a stored tag; the operation is
// picked up asynchronously by a worker.
func (s *OperationsService) TriggerReindex(ctx context.Context, tagKeys []int64) (string, error) {
	if len(tagKeys) == 0 {
		return "", &ValidationError{Problems: []string{"at least one tag key is required"}}
	}

	store, err := s.tags.GetInstance(ctx)
	if err != nil {
		return "", err
	}
	tags, err := store.GetTagsByKeys(ctx, tagKeys)
	if err != nil {
		return "", err
	}
	found := make(map[int64]bool, len(tags))
	for _, tag := range tags {
		found[tag.Key] = true
	}
	for _, key := range tagKeys {
		if !found[key] {
			return "", WithContext(ErrTagNotFound, map[string]interface{}{
				"tag_key": key,
			})
		}
	}

	op := ReindexOperation{
		ID:        NewOperationID(),
		TagKeys:   tagKeys,
		Status:    OperationStatusScheduled,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.operations.CreateOperation(ctx, op); err != nil {
		return "", err
	}

	s.logger.Info("scheduled reindex operation", "operation", op.ID, "tags", len(tagKeys))
	return op.ID, nil
}

// GetProgress returns the status of an operation together with per-tag
// completion counts
func (s *OperationsService) GetProgress(ctx context.Context, operationID string) (OperationProgress, error) {
	if !IsValidOperationID(operationID) {
		return OperationProgress{}, &ValidationError{Problems: []string{"malformed operation id"}}
	}

	op, err := s.operations.GetOperation(ctx, operationID)
	if err != nil {
		return OperationProgress{}, err
	}

	progress := OperationProgress{
		OperationID: op.ID,
		Status:      op.Status,
		TotalTags:   len(op.TagKeys),
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
	}

	entries, err := s.state.GetEntries(ctx, operationID)
	if err != nil {
		return OperationProgress{}, err
	}
	for _, entry := range entries {
		switch entry.Status {
		case ReindexStatusCompleted:
			progress.CompletedTags++
		case ReindexStatusFailed:
			progress.FailedTags++
		}
	}
	return progress, nil
}
