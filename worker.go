package dicomindex

import (
	"context"
	"sync"
	"time"
)

const defaultWorkerPollInterval = 5 * time.Second

// ReindexWorker polls for Scheduled operations and drives them through the
// orchestrator. A Redis lock per operation keeps multiple worker processes
// from running the same operation at once; losing the race just means
// another worker took it.
type ReindexWorker struct {
	operations   OperationStore
	orchestrator *ReindexOrchestrator
	lock         *DistributedLock
	pollInterval time.Duration
	lockTTL      time.Duration
	logger       Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReindexWorker creates a worker. A zero poll interval uses the default
// of five seconds.
func NewReindexWorker(operations OperationStore, orchestrator *ReindexOrchestrator, lock *DistributedLock, pollInterval time.Duration) *ReindexWorker {
	if pollInterval <= 0 {
		pollInterval = defaultWorkerPollInterval
	}
	return &ReindexWorker{
		operations:   operations,
		orchestrator: orchestrator,
		lock:         lock,
		pollInterval: pollInterval,
		lockTTL:      5 * time.Minute,
		logger:       &NoOpLogger{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// WithLogger sets the logger
func (w *ReindexWorker) WithLogger(l Logger) *ReindexWorker {
	if l != nil {
		w.logger = l
	}
	return w
}

// Start launches the polling loop. Call Stop to shut it down.
func (w *ReindexWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the polling loop to exit and waits for it. Safe to call more
// than once.
func (w *ReindexWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// RunOnce claims and runs every currently Scheduled operation, skipping the
// ones another worker holds. Also usable directly for one-shot invocations.
func (w *ReindexWorker) RunOnce(ctx context.Context) {
	ops, err := w.operations.ListOperationsByStatus(ctx, OperationStatusScheduled)
	if err != nil {
		w.logger.Error("listing scheduled operations failed", "error", err)
		return
	}

	for _, op := range ops {
		if err := w.runLocked(ctx, op.ID); err != nil {
			if IsRetryable(err) {
				w.logger.Debug("operation busy, skipping", "operation", op.ID)
				continue
			}
			w.logger.Error("reindex operation failed", "operation", op.ID, "error", err)
		}
	}
}

func (w *ReindexWorker) runLocked(ctx context.Context, operationID string) error {
	release, err := w.lock.Lock(ctx, "reindex/"+operationID, w.lockTTL)
	if err != nil {
		return err
	}
	defer release()

	return w.orchestrator.Run(ctx, operationID)
}
