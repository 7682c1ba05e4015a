package dicomindex

import (
	"context"
	"sync"
	"time"
)

// SchemaVersion identifies the physical shape of the underlying storage.
// The store records the version it has applied; the running process declares
// the [MinSupportedSchemaVersion, MaxSupportedSchemaVersion] range it can
// speak. Resolution always follows the store's applied version, not the
// process maximum, so code can roll out ahead of the schema.
type SchemaVersion int

const (
	SchemaVersionUnknown SchemaVersion = 0

	// SchemaV1 is the initial layout: instance index plus a tag table whose
	// rows are queryable immediately (no reindex workflow).
	SchemaV1 SchemaVersion = 1

	// SchemaV2 returns generated tag keys from the add operation.
	SchemaV2 SchemaVersion = 2

	// SchemaV3 introduces the reindex workflow: tags start in Adding status,
	// the reindex state tables exist and instance creation fans out to
	// extended query tag rows.
	SchemaV3 SchemaVersion = 3

	// SchemaV4 adds server-side conflict discrimination for tag additions.
	SchemaV4 SchemaVersion = 4

	MinSupportedSchemaVersion = SchemaV1
	MaxSupportedSchemaVersion = SchemaV4
)

// Supported reports whether v falls in the process's supported range
func (v SchemaVersion) Supported() bool {
	return v >= MinSupportedSchemaVersion && v <= MaxSupportedSchemaVersion
}

// SchemaVersionReader reports the schema version currently applied to the
// physical store.
type SchemaVersionReader interface {
	CurrentSchemaVersion(ctx context.Context) (SchemaVersion, error)
}

// SchemaVersionResolver resolves the schema version to use for one logical
// operation. Implementations differ in freshness guarantees.
type SchemaVersionResolver interface {
	Resolve(ctx context.Context) (SchemaVersion, error)
}

// ForegroundSchemaResolver queries the store on every resolution. Use it when
// online schema upgrades may run concurrently with this process.
type ForegroundSchemaResolver struct {
	reader  SchemaVersionReader
	metrics Metrics
}

// NewForegroundSchemaResolver creates a query-on-demand resolver
func NewForegroundSchemaResolver(reader SchemaVersionReader) *ForegroundSchemaResolver {
	return &ForegroundSchemaResolver{reader: reader, metrics: &NoOpMetrics{}}
}

// SetMetrics updates the metrics collector
func (r *ForegroundSchemaResolver) SetMetrics(metrics Metrics) {
	r.metrics = metrics
}

// Resolve returns the store's applied version, failing with
// ErrSchemaVersionUnsupported when it falls outside the supported range.
func (r *ForegroundSchemaResolver) Resolve(ctx context.Context) (SchemaVersion, error) {
	version, err := r.reader.CurrentSchemaVersion(ctx)
	if err != nil {
		return SchemaVersionUnknown, storeFailure("resolve schema version", err)
	}
	r.metrics.Increment(MetricSchemaResolves)
	if !version.Supported() {
		return SchemaVersionUnknown, WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
			"applied": int(version),
			"min":     int(MinSupportedSchemaVersion),
			"max":     int(MaxSupportedSchemaVersion),
		})
	}
	return version, nil
}

// BackgroundSchemaResolver resolves from a periodically refreshed cache. Use
// it when the deployment topology guarantees no concurrent schema upgrade, or
// when a short staleness window is acceptable. Reads never block on a refresh
// in flight.
type BackgroundSchemaResolver struct {
	reader   SchemaVersionReader
	logger   Logger
	interval time.Duration

	mu      sync.RWMutex
	current SchemaVersion

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBackgroundSchemaResolver creates a cached resolver and primes the cache
// with a synchronous first read. Call Start to begin periodic refresh and
// Stop to end it.
func NewBackgroundSchemaResolver(ctx context.Context, reader SchemaVersionReader, interval time.Duration, logger Logger) (*BackgroundSchemaResolver, error) {
	if interval <= 0 {
		interval = DefaultSchemaRefreshInterval
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	r := &BackgroundSchemaResolver{
		reader:   reader,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	version, err := reader.CurrentSchemaVersion(ctx)
	if err != nil {
		return nil, storeFailure("resolve schema version", err)
	}
	r.current = version
	return r, nil
}

// Start launches the background refresh loop
func (r *BackgroundSchemaResolver) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.refresh()
			}
		}
	}()
}

// Stop ends the refresh loop and waits for it to exit
func (r *BackgroundSchemaResolver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *BackgroundSchemaResolver) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	version, err := r.reader.CurrentSchemaVersion(ctx)
	if err != nil {
		// Keep serving the previous version; the next tick retries
		r.logger.Warn("schema version refresh failed", "error", err)
		return
	}

	r.mu.Lock()
	if version != r.current {
		r.logger.Info("schema version changed", "from", int(r.current), "to", int(version))
		r.current = version
	}
	r.mu.Unlock()
}

// Resolve returns the cached applied version
func (r *BackgroundSchemaResolver) Resolve(ctx context.Context) (SchemaVersion, error) {
	r.mu.RLock()
	version := r.current
	r.mu.RUnlock()

	if !version.Supported() {
		return SchemaVersionUnknown, WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
			"applied": int(version),
			"min":     int(MinSupportedSchemaVersion),
			"max":     int(MaxSupportedSchemaVersion),
		})
	}
	return version, nil
}
