package dicomindex

import (
	"context"
	"sync"
	"time"
)

// Reindexer backfills the extended query tag index for a watermark range
type Reindexer interface {
	ReindexBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, rng WatermarkRange) (int, error)
}

// ReindexOrchestrator drives a reindex operation through its durable state
// machine:
//
//	Scheduled -> Preparing -> ProcessingBatches -> Completing -> Done
//
// with Failed reachable from every non-terminal state. Each transition is
// persisted before the next activity runs, so Run can be called again after
// a crash and resumes from the recorded state instead of starting over.
type ReindexOrchestrator struct {
	operations OperationStore
	state      ReindexStateStore
	tags       ExtendedQueryTagStoreProvider
	reindexer  Reindexer
	config     ReindexConfig
	cache      *QueryTagCache
	logger     Logger
	metrics    Metrics
}

// NewReindexOrchestrator creates an orchestrator
func NewReindexOrchestrator(operations OperationStore, state ReindexStateStore, tags ExtendedQueryTagStoreProvider, reindexer Reindexer, cfg ReindexConfig) *ReindexOrchestrator {
	return &ReindexOrchestrator{
		operations: operations,
		state:      state,
		tags:       tags,
		reindexer:  reindexer,
		config:     cfg,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (o *ReindexOrchestrator) WithLogger(l Logger) *ReindexOrchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// WithMetrics sets the metrics collector
func (o *ReindexOrchestrator) WithMetrics(m Metrics) *ReindexOrchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// WithCache invalidates the query-tag cache when completing flips tags to Ready
func (o *ReindexOrchestrator) WithCache(c *QueryTagCache) *ReindexOrchestrator {
	o.cache = c
	return o
}

// Run executes the operation until it reaches a terminal state. Running a
// terminal operation again is a no-op. A context cancellation leaves the
// operation in its current persisted state for a later resume; any other
// activity failure marks the operation Failed.
func (o *ReindexOrchestrator) Run(ctx context.Context, operationID string) error {
	started := time.Now()

	op, err := o.operations.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		o.logger.Debug("reindex operation already terminal", "operation", operationID, "status", op.Status)
		return nil
	}

	o.logger.Info("running reindex operation", "operation", operationID, "status", op.Status, "tags", len(op.TagKeys))

	for !op.Status.Terminal() {
		var next OperationStatus
		var actErr error

		switch op.Status {
		case OperationStatusScheduled:
			next = OperationStatusPreparing

		case OperationStatusPreparing:
			actErr = o.prepare(ctx, op)
			next = OperationStatusProcessingBatches

		case OperationStatusProcessingBatches:
			actErr = o.processBatches(ctx, op)
			next = OperationStatusCompleting

		case OperationStatusCompleting:
			actErr = o.complete(ctx, op)
			next = OperationStatusDone

		default:
			actErr = WithContext(ErrWorkflowFailure, map[string]interface{}{
				"operation": operationID,
				"status":    string(op.Status),
				"reason":    "unknown operation status",
			})
		}

		if actErr != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: the persisted state lets a later
				// Run pick up where this one stopped
				o.logger.Warn("reindex operation interrupted", "operation", operationID, "status", op.Status)
				return actErr
			}
			o.metrics.Increment(MetricReindexFailures)
			if err := o.operations.UpdateOperationStatus(ctx, operationID, OperationStatusFailed); err != nil {
				o.logger.Error("failed to mark operation failed", "operation", operationID, "error", err)
			}
			return WithContext(ErrWorkflowFailure, map[string]interface{}{
				"operation": operationID,
				"activity":  string(op.Status),
				"cause":     actErr.Error(),
			})
		}

		if err := o.operations.UpdateOperationStatus(ctx, operationID, next); err != nil {
			return err
		}
		op.Status = next
	}

	o.metrics.Timing(MetricReindexDuration, time.Since(started))
	o.logger.Info("reindex operation finished", "operation", operationID, "status", op.Status)
	return nil
}

// prepare snapshots the end watermark and creates the per-tag progress
// entries. PrepareReindexing is idempotent, so re-entering this activity
// after a crash keeps the original snapshot.
func (o *ReindexOrchestrator) prepare(ctx context.Context, op ReindexOperation) error {
	entries, err := o.state.PrepareReindexing(ctx, op.TagKeys, op.ID)
	if err != nil {
		return err
	}
	o.logger.Info("prepared reindex operation", "operation", op.ID, "entries", len(entries))
	return nil
}

// processingTags returns the tags whose progress entries are still in
// Processing. A tag deleted since the operation was scheduled has no store
// row anymore: its entry is marked Failed and the rest of the operation
// continues without it.
func (o *ReindexOrchestrator) processingTags(ctx context.Context, op ReindexOperation) ([]ExtendedQueryTagStoreEntry, WatermarkRange, error) {
	entries, err := o.state.GetEntries(ctx, op.ID)
	if err != nil {
		return nil, WatermarkRange{}, err
	}

	var keys []int64
	var remaining WatermarkRange
	for _, entry := range entries {
		if entry.Status != ReindexStatusProcessing {
			continue
		}
		r := entry.Remaining()
		if len(keys) == 0 {
			remaining = r
		} else {
			if r.Start < remaining.Start {
				remaining.Start = r.Start
			}
			if r.End > remaining.End {
				remaining.End = r.End
			}
		}
		keys = append(keys, entry.TagKey)
	}
	if len(keys) == 0 {
		return nil, WatermarkRange{}, nil
	}

	store, err := o.tags.GetInstance(ctx)
	if err != nil {
		return nil, WatermarkRange{}, err
	}
	tags, err := store.GetTagsByKeys(ctx, keys)
	if err != nil {
		return nil, WatermarkRange{}, err
	}

	found := make(map[int64]bool, len(tags))
	for _, tag := range tags {
		found[tag.Key] = true
	}
	for _, key := range keys {
		if !found[key] {
			o.logger.Warn("tag vanished during reindex, failing its entry", "operation", op.ID, "tag_key", key)
			if err := o.state.FailTag(ctx, op.ID, key); err != nil {
				return nil, WatermarkRange{}, err
			}
		}
	}

	return tags, remaining, nil
}

// processBatches walks the remaining watermark range in batches, committing
// durable progress after each window so a resumed run repeats at most one
// window of work.
func (o *ReindexOrchestrator) processBatches(ctx context.Context, op ReindexOperation) error {
	tags, remaining, err := o.processingTags(ctx, op)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		o.logger.Info("no tags left to process", "operation", op.ID)
		return nil
	}

	batches := remaining.SplitBatches(o.config.BatchSize)
	parallel := o.config.MaxParallelBatches
	if parallel < 1 {
		parallel = 1
	}

	for start := 0; start < len(batches); start += parallel {
		end := start + parallel
		if end > len(batches) {
			end = len(batches)
		}
		window := batches[start:end]

		if err := o.runWindow(ctx, tags, window); err != nil {
			return err
		}

		// All batches in the window are done; progress moves past the whole
		// window in one durable step
		if err := o.state.CommitProgress(ctx, op.ID, window[len(window)-1].End+1); err != nil {
			return err
		}
	}

	for _, tag := range tags {
		if err := o.state.CompleteTag(ctx, op.ID, tag.Key); err != nil {
			return err
		}
	}
	return nil
}

// runWindow executes up to MaxParallelBatches batches concurrently and
// returns the first error
func (o *ReindexOrchestrator) runWindow(ctx context.Context, tags []ExtendedQueryTagStoreEntry, window []WatermarkRange) error {
	if len(window) == 1 {
		return o.runBatch(ctx, tags, window[0])
	}

	var wg sync.WaitGroup
	errs := make([]error, len(window))
	for i, batch := range window {
		wg.Add(1)
		go func(i int, batch WatermarkRange) {
			defer wg.Done()
			errs[i] = o.runBatch(ctx, tags, batch)
		}(i, batch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runBatch reindexes one batch with bounded retries
func (o *ReindexOrchestrator) runBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, batch WatermarkRange) error {
	var lastErr error
	for attempt := 0; attempt <= o.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			o.metrics.Increment(MetricReindexRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.config.Retry.backoffFor(attempt - 1)):
			}
		}

		count, err := o.reindexer.ReindexBatch(ctx, tags, batch)
		if err == nil {
			o.metrics.Increment(MetricReindexBatches)
			o.logger.Debug("reindexed batch", "range", batch.String(), "instances", count)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || IsPermanent(err) {
			return err
		}
		o.logger.Warn("batch failed, will retry", "range", batch.String(), "attempt", attempt+1, "error", err)
	}
	return WithContext(ErrWorkflowFailure, map[string]interface{}{
		"range":   batch.String(),
		"retries": o.config.Retry.MaxRetries,
		"cause":   lastErr.Error(),
	})
}

// complete flips every tag whose backfill finished to Ready. Tags whose
// entries failed keep their Adding status for operational follow-up.
func (o *ReindexOrchestrator) complete(ctx context.Context, op ReindexOperation) error {
	entries, err := o.state.GetEntries(ctx, op.ID)
	if err != nil {
		return err
	}

	store, err := o.tags.GetInstance(ctx)
	if err != nil {
		return err
	}

	promoted := false
	for _, entry := range entries {
		if entry.Status != ReindexStatusCompleted {
			continue
		}
		if err := store.UpdateTagStatus(ctx, entry.TagKey, TagStatusReady); err != nil {
			if IsNotFound(err) {
				o.logger.Warn("completed tag no longer exists", "operation", op.ID, "tag_key", entry.TagKey)
				continue
			}
			return err
		}
		promoted = true
		o.logger.Info("extended query tag is ready", "operation", op.ID, "tag_key", entry.TagKey)
	}
	if promoted && o.cache != nil {
		if err := o.cache.Invalidate(ctx); err != nil {
			o.logger.Warn("tag cache invalidation failed", "operation", op.ID, "error", err)
		}
	}
	return nil
}
