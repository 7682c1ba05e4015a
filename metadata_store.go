package dicomindex

import (
	"context"
	"encoding/json"
	"fmt"
)

// MetadataStore persists instance metadata documents in a blob backend,
// keyed by instance identity plus watermark so concurrent re-creates of the
// same SOP instance never overwrite each other's blobs.
type MetadataStore struct {
	backend Backend
	logger  Logger
	metrics Metrics
}

// NewMetadataStore creates a metadata store over the given backend
func NewMetadataStore(backend Backend) *MetadataStore {
	return &MetadataStore{
		backend: backend,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (s *MetadataStore) WithLogger(l Logger) *MetadataStore {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithMetrics sets the metrics collector
func (s *MetadataStore) WithMetrics(m Metrics) *MetadataStore {
	if m != nil {
		s.metrics = m
	}
	return s
}

// metadataKey builds the blob key for an instance's metadata document
func metadataKey(id InstanceIdentifier) string {
	return fmt.Sprintf("instances/%s/%s/%s/%d/metadata.json",
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, id.Watermark)
}

// Store writes the metadata document for an indexed instance
func (s *MetadataStore) Store(ctx context.Context, id InstanceIdentifier, ds Dataset) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "marshal metadata",
			"cause":  err.Error(),
		})
	}

	key := metadataKey(id)
	if err := s.backend.Put(ctx, key, data); err != nil {
		return err
	}

	s.logger.Debug("stored instance metadata", "key", key, "bytes", len(data))
	return nil
}

// Get fetches the metadata document for an indexed instance
func (s *MetadataStore) Get(ctx context.Context, id InstanceIdentifier) (Dataset, error) {
	data, err := s.backend.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, err
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason":    "unmarshal metadata",
			"watermark": id.Watermark,
			"cause":     err.Error(),
		})
	}
	return ds, nil
}

// Delete removes the metadata document for an instance
func (s *MetadataStore) Delete(ctx context.Context, id InstanceIdentifier) error {
	return s.backend.Delete(ctx, metadataKey(id))
}

// Exists reports whether the metadata document for an instance is stored
func (s *MetadataStore) Exists(ctx context.Context, id InstanceIdentifier) (bool, error) {
	return s.backend.Exists(ctx, metadataKey(id))
}
