package dicomindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// reindexHarness wires in-memory stores, a filesystem metadata store and a
// real InstanceReindexer into an orchestrator
type reindexHarness struct {
	tags       *memTagStore
	index      *memIndexStore
	state      *memStateStore
	operations *memOperationStore
	metadata   *MetadataStore
	reindexer  *InstanceReindexer
}

func newReindexHarness(t *testing.T) *reindexHarness {
	t.Helper()
	tags := newMemTagStore(SchemaV4)
	index := newMemIndexStore(SchemaV4, tags)
	metadata := NewMetadataStore(NewFilesystemBackend(t.TempDir()))
	return &reindexHarness{
		tags:       tags,
		index:      index,
		state:      newMemStateStore(index),
		operations: newMemOperationStore(),
		metadata:   metadata,
		reindexer:  NewInstanceReindexer(staticIndexProvider{store: index}, metadata),
	}
}

func (h *reindexHarness) orchestrator(cfg ReindexConfig) *ReindexOrchestrator {
	return NewReindexOrchestrator(h.operations, h.state, staticTagProvider{store: h.tags}, h.reindexer, cfg)
}

func (h *reindexHarness) orchestratorWith(cfg ReindexConfig, r Reindexer) *ReindexOrchestrator {
	return NewReindexOrchestrator(h.operations, h.state, staticTagProvider{store: h.tags}, r, cfg)
}

// storeInstances creates count instances with a PatientName and stores their
// metadata blobs
func (h *reindexHarness) storeInstances(t *testing.T, ctx context.Context, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		ds := Dataset{}
		ds.Set(TagStudyInstanceUID, "UI", "1.2.840.1")
		ds.Set(TagSeriesInstanceUID, "UI", "1.2.840.2")
		ds.Set(TagSOPInstanceUID, "UI", fmt.Sprintf("1.2.840.3.%d", i))
		ds.Set("00100010", "PN", fmt.Sprintf("PATIENT^%d", i))

		id, err := h.index.CreateInstance(ctx, ds)
		if err != nil {
			t.Fatalf("CreateInstance() error: %v", err)
		}
		if err := h.metadata.Store(ctx, id, ds); err != nil {
			t.Fatalf("metadata Store() error: %v", err)
		}
	}
}

// scheduleTag adds one tag and a Scheduled operation for it
func (h *reindexHarness) scheduleTag(t *testing.T, ctx context.Context, path, vr string) (int64, string) {
	t.Helper()
	keys, err := h.tags.AddTags(ctx, []AddExtendedQueryTagEntry{
		{Path: path, VR: vr, Level: QueryTagLevelStudy},
	}, DefaultMaxAllowedTagCount)
	if err != nil {
		t.Fatalf("AddTags() error: %v", err)
	}

	service := NewOperationsService(h.operations, h.state, staticTagProvider{store: h.tags})
	operationID, err := service.TriggerReindex(ctx, keys)
	if err != nil {
		t.Fatalf("TriggerReindex() error: %v", err)
	}
	return keys[0], operationID
}

func TestReindexZeroInstances(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	if err := h.orchestrator(DefaultReindexConfig()).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	op, _ := h.operations.GetOperation(ctx, operationID)
	if op.Status != OperationStatusDone {
		t.Errorf("operation status = %q, want Done", op.Status)
	}
	tag, _ := h.tags.GetTag(ctx, "00100010")
	if tag.Status != TagStatusReady {
		t.Errorf("tag status = %q, want Ready even over an empty store", tag.Status)
	}
	_ = key
}

func TestReindexBackfillsHistoricalInstances(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)

	// Instances stored before the tag exists get no live index rows
	h.storeInstances(t, ctx, 150)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	cfg := DefaultReindexConfig()
	cfg.BatchSize = 40
	if err := h.orchestrator(cfg).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	values, err := h.index.GetTagValues(ctx, key)
	if err != nil {
		t.Fatalf("GetTagValues() error: %v", err)
	}
	if len(values) != 150 {
		t.Fatalf("indexed %d instances, want 150", len(values))
	}

	tag, _ := h.tags.GetTag(ctx, "00100010")
	if tag.Status != TagStatusReady {
		t.Errorf("tag status = %q, want Ready", tag.Status)
	}

	// Full state machine walk, in order
	want := []OperationStatus{
		OperationStatusPreparing,
		OperationStatusProcessingBatches,
		OperationStatusCompleting,
		OperationStatusDone,
	}
	if len(h.operations.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", h.operations.transitions, want)
	}
	for i := range want {
		if h.operations.transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, h.operations.transitions[i], want[i])
		}
	}
}

// snapshotReindexer stores instances mid-run to prove the end-watermark
// snapshot keeps them out of the backfill
type snapshotReindexer struct {
	inner   Reindexer
	once    sync.Once
	sneakIn func()
}

func (r *snapshotReindexer) ReindexBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, rng WatermarkRange) (int, error) {
	r.once.Do(r.sneakIn)
	return r.inner.ReindexBatch(ctx, tags, rng)
}

func TestReindexSnapshotExcludesConcurrentStores(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)

	h.storeInstances(t, ctx, 50)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	// 10 instances arrive while batches are processing. V3+ live fanout
	// indexes them at create time; the backfill must not touch them.
	wrapped := &snapshotReindexer{
		inner:   h.reindexer,
		sneakIn: func() { h.storeInstances(t, ctx, 10) },
	}

	cfg := DefaultReindexConfig()
	cfg.BatchSize = 10
	if err := h.orchestratorWith(cfg, wrapped).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// All 60 end up indexed: 50 by the backfill, 10 by the live path
	values, _ := h.index.GetTagValues(ctx, key)
	if len(values) != 60 {
		t.Errorf("indexed %d instances, want 60", len(values))
	}

	// The snapshot never moved
	entries, _ := h.state.GetEntries(ctx, operationID)
	if entries[0].EndWatermark == nil || *entries[0].EndWatermark != 50 {
		t.Errorf("end watermark = %v, want 50", entries[0].EndWatermark)
	}
}

// crashingReindexer fails permanently after a number of successful batches
type crashingReindexer struct {
	inner     Reindexer
	succeed   int
	processed int
}

var errSimulatedCrash = errors.New("simulated crash")

func (r *crashingReindexer) ReindexBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, rng WatermarkRange) (int, error) {
	if r.processed >= r.succeed {
		return 0, WithContext(ErrTagValidation, map[string]interface{}{"cause": errSimulatedCrash.Error()})
	}
	r.processed++
	return r.inner.ReindexBatch(ctx, tags, rng)
}

func TestReindexResumesFromCommittedProgress(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)

	h.storeInstances(t, ctx, 100)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	cfg := DefaultReindexConfig()
	cfg.BatchSize = 20
	cfg.Retry.MaxRetries = 0

	// First run dies after 2 of 5 batches
	crashing := &crashingReindexer{inner: h.reindexer, succeed: 2}
	err := h.orchestratorWith(cfg, crashing).Run(ctx, operationID)
	if !errors.Is(err, ErrWorkflowFailure) {
		t.Fatalf("Run() = %v, want ErrWorkflowFailure", err)
	}

	op, _ := h.operations.GetOperation(ctx, operationID)
	if op.Status != OperationStatusFailed {
		t.Fatalf("operation status = %q, want Failed", op.Status)
	}

	// Progress survived: the next run must start at watermark 41
	entries, _ := h.state.GetEntries(ctx, operationID)
	remaining := entries[0].Remaining()
	if remaining.Start != 41 {
		t.Fatalf("resume start = %d, want 41", remaining.Start)
	}

	// Operator reschedules; a healthy run finishes the remaining batches
	if err := h.operations.UpdateOperationStatus(ctx, operationID, OperationStatusProcessingBatches); err != nil {
		t.Fatalf("UpdateOperationStatus() error: %v", err)
	}
	countingDown := &crashingReindexer{inner: h.reindexer, succeed: 1 << 30}
	if err := h.orchestratorWith(cfg, countingDown).Run(ctx, operationID); err != nil {
		t.Fatalf("resumed Run() error: %v", err)
	}
	if countingDown.processed != 3 {
		t.Errorf("resumed run processed %d batches, want 3", countingDown.processed)
	}

	values, _ := h.index.GetTagValues(ctx, key)
	if len(values) != 100 {
		t.Errorf("indexed %d instances, want 100", len(values))
	}
}

func TestReindexRunIsIdempotentWhenTerminal(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 5)
	_, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	orch := h.orchestrator(DefaultReindexConfig())
	if err := orch.Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	before := len(h.operations.transitions)
	if err := orch.Run(ctx, operationID); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if len(h.operations.transitions) != before {
		t.Error("rerunning a Done operation should not transition anything")
	}
}

func TestReindexFailsTagDeletedMidOperation(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 10)

	keys, err := h.tags.AddTags(ctx, []AddExtendedQueryTagEntry{
		{Path: "00100010", VR: "PN", Level: QueryTagLevelStudy},
		{Path: "00081030", VR: "LO", Level: QueryTagLevelStudy},
	}, DefaultMaxAllowedTagCount)
	if err != nil {
		t.Fatalf("AddTags() error: %v", err)
	}

	service := NewOperationsService(h.operations, h.state, staticTagProvider{store: h.tags})
	operationID, err := service.TriggerReindex(ctx, keys)
	if err != nil {
		t.Fatalf("TriggerReindex() error: %v", err)
	}

	// The second tag disappears before the worker picks the operation up
	h.tags.mu.Lock()
	delete(h.tags.tags, "00081030")
	h.tags.mu.Unlock()

	if err := h.orchestrator(DefaultReindexConfig()).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The surviving tag completed and went Ready
	tag, _ := h.tags.GetTag(ctx, "00100010")
	if tag.Status != TagStatusReady {
		t.Errorf("surviving tag status = %q, want Ready", tag.Status)
	}

	// The vanished tag's entry is Failed, not Completed
	entries, _ := h.state.GetEntries(ctx, operationID)
	byKey := map[int64]ReindexStatus{}
	for _, e := range entries {
		byKey[e.TagKey] = e.Status
	}
	if byKey[keys[0]] != ReindexStatusCompleted {
		t.Errorf("tag %d state = %q, want Completed", keys[0], byKey[keys[0]])
	}
	if byKey[keys[1]] != ReindexStatusFailed {
		t.Errorf("tag %d state = %q, want Failed", keys[1], byKey[keys[1]])
	}
}

// flakyReindexer fails transiently a fixed number of times per batch
type flakyReindexer struct {
	inner    Reindexer
	failures int
	failed   int
}

func (r *flakyReindexer) ReindexBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, rng WatermarkRange) (int, error) {
	if r.failed < r.failures {
		r.failed++
		return 0, WithContext(ErrStoreUnavailable, map[string]interface{}{"range": rng.String()})
	}
	return r.inner.ReindexBatch(ctx, tags, rng)
}

func TestReindexRetriesTransientBatchFailures(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 30)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	cfg := DefaultReindexConfig()
	cfg.BatchSize = 30
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialBackoff = time.Millisecond

	flaky := &flakyReindexer{inner: h.reindexer, failures: 2}
	if err := h.orchestratorWith(cfg, flaky).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	values, _ := h.index.GetTagValues(ctx, key)
	if len(values) != 30 {
		t.Errorf("indexed %d instances, want 30", len(values))
	}
}

func TestReindexParallelBatches(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 100)
	key, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	cfg := DefaultReindexConfig()
	cfg.BatchSize = 10
	cfg.MaxParallelBatches = 4

	if err := h.orchestrator(cfg).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	values, _ := h.index.GetTagValues(ctx, key)
	if len(values) != 100 {
		t.Errorf("indexed %d instances, want 100", len(values))
	}
}

func TestOperationsServiceValidation(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	service := NewOperationsService(h.operations, h.state, staticTagProvider{store: h.tags})

	if _, err := service.TriggerReindex(ctx, nil); !errors.Is(err, ErrTagValidation) {
		t.Errorf("TriggerReindex(nil) = %v, want validation error", err)
	}
	if _, err := service.TriggerReindex(ctx, []int64{12345}); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("TriggerReindex(unknown key) = %v, want ErrTagNotFound", err)
	}
	if _, err := service.GetProgress(ctx, "not-a-uuid"); !errors.Is(err, ErrTagValidation) {
		t.Errorf("GetProgress(malformed) = %v, want validation error", err)
	}
	if _, err := service.GetProgress(ctx, NewOperationID()); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("GetProgress(absent) = %v, want ErrOperationNotFound", err)
	}
}

func TestOperationsServiceProgress(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 10)
	_, operationID := h.scheduleTag(t, ctx, "00100010", "PN")

	service := NewOperationsService(h.operations, h.state, staticTagProvider{store: h.tags})

	progress, err := service.GetProgress(ctx, operationID)
	if err != nil {
		t.Fatalf("GetProgress() error: %v", err)
	}
	if progress.Status != OperationStatusScheduled || progress.CompletedTags != 0 {
		t.Errorf("initial progress = %+v", progress)
	}

	if err := h.orchestrator(DefaultReindexConfig()).Run(ctx, operationID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	progress, err = service.GetProgress(ctx, operationID)
	if err != nil {
		t.Fatalf("GetProgress() error: %v", err)
	}
	if progress.Status != OperationStatusDone {
		t.Errorf("status = %q, want Done", progress.Status)
	}
	if progress.CompletedTags != 1 || progress.TotalTags != 1 {
		t.Errorf("completed/total = %d/%d, want 1/1", progress.CompletedTags, progress.TotalTags)
	}
}

func TestPrepareReindexingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 20)
	key, opID := h.scheduleTag(t, ctx, "PatientName", "PN")

	first, err := h.state.PrepareReindexing(ctx, []int64{key}, opID)
	if err != nil {
		t.Fatalf("PrepareReindexing() error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d entries, want 1", len(first))
	}
	if first[0].EndWatermark == nil || *first[0].EndWatermark != 20 {
		t.Fatalf("end watermark = %v, want 20", first[0].EndWatermark)
	}

	// New instances after prepare must not move the snapshot
	h.storeInstances(t, ctx, 5)
	second, err := h.state.PrepareReindexing(ctx, []int64{key}, opID)
	if err != nil {
		t.Fatalf("PrepareReindexing() rerun error: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("rerun got %d entries, want 1", len(second))
	}
	if *second[0].EndWatermark != 20 {
		t.Errorf("rerun end watermark = %d, want 20", *second[0].EndWatermark)
	}
	if second[0].Status != ReindexStatusProcessing {
		t.Errorf("rerun status = %q, want Processing", second[0].Status)
	}
}
