package dicomindex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestWorkerLock(t *testing.T) *DistributedLock {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDistributedLock(client, "dicomindex-test")
}

func TestWorkerRunOnceDrivesScheduledOperation(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	h.storeInstances(t, ctx, 10)
	key, operationID := h.scheduleTag(t, ctx, "PatientName", "PN")

	worker := NewReindexWorker(h.operations, h.orchestrator(DefaultReindexConfig()), newTestWorkerLock(t), 0)
	worker.RunOnce(ctx)

	op, err := h.operations.GetOperation(ctx, operationID)
	if err != nil {
		t.Fatalf("GetOperation() error: %v", err)
	}
	if op.Status != OperationStatusDone {
		t.Errorf("operation status = %q, want Done", op.Status)
	}
	tag, err := h.tags.GetTag(ctx, "00100010")
	if err != nil {
		t.Fatalf("GetTag() error: %v", err)
	}
	if tag.Status != TagStatusReady {
		t.Errorf("tag %d status = %q, want Ready", key, tag.Status)
	}
}

func TestWorkerSkipsOperationHeldByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	h := newReindexHarness(t)
	_, operationID := h.scheduleTag(t, ctx, "PatientName", "PN")

	lock := newTestWorkerLock(t)
	release, err := lock.Lock(ctx, "reindex/"+operationID, time.Minute)
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	defer release()

	worker := NewReindexWorker(h.operations, h.orchestrator(DefaultReindexConfig()), lock, 0)
	worker.RunOnce(ctx)

	op, err := h.operations.GetOperation(ctx, operationID)
	if err != nil {
		t.Fatalf("GetOperation() error: %v", err)
	}
	if op.Status != OperationStatusScheduled {
		t.Errorf("operation status = %q, want Scheduled (held elsewhere)", op.Status)
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newReindexHarness(t)
	worker := NewReindexWorker(h.operations, h.orchestrator(DefaultReindexConfig()), newTestWorkerLock(t), time.Hour)
	worker.Start(ctx)

	worker.Stop()
	worker.Stop()
}
