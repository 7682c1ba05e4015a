package dicomindex

import "context"

// TagLifecycleManager is the entry point for extended query tag management:
// validation, normalization and the feature flag live here, ahead of the
// version-resolved store.
type TagLifecycleManager struct {
	provider  ExtendedQueryTagStoreProvider
	validator *TagEntryValidator
	config    ExtendedQueryTagConfig
	cache     *QueryTagCache
	logger    Logger
	metrics   Metrics
}

// NewTagLifecycleManager creates a lifecycle manager over a version-resolving
// tag store provider
func NewTagLifecycleManager(provider ExtendedQueryTagStoreProvider, cfg ExtendedQueryTagConfig) *TagLifecycleManager {
	return &TagLifecycleManager{
		provider:  provider,
		validator: NewTagEntryValidator(),
		config:    cfg,
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (m *TagLifecycleManager) WithLogger(l Logger) *TagLifecycleManager {
	if l != nil {
		m.logger = l
	}
	return m
}

// WithMetrics sets the metrics collector
func (m *TagLifecycleManager) WithMetrics(mm Metrics) *TagLifecycleManager {
	if mm != nil {
		m.metrics = mm
	}
	return m
}

// WithCache adds a read-through cache for GetAllTags. Mutations invalidate it.
func (m *TagLifecycleManager) WithCache(c *QueryTagCache) *TagLifecycleManager {
	m.cache = c
	return m
}

func (m *TagLifecycleManager) invalidateCache(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx); err != nil {
		m.logger.Warn("tag cache invalidation failed", "error", err)
	}
}

func (m *TagLifecycleManager) guardEnabled() error {
	if !m.config.Enabled {
		return WithContext(ErrFeatureDisabled, map[string]interface{}{
			"feature": "extended query tags",
		})
	}
	return nil
}

// AddTags validates, normalizes and stores a batch of extended query tags.
// The batch is transactional: a conflict or validation problem on any entry
// rejects the whole request. Returned keys follow input order; on schema
// versions that predate key reporting the slice is nil.
func (m *TagLifecycleManager) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry) ([]int64, error) {
	if err := m.guardEnabled(); err != nil {
		return nil, err
	}

	if err := m.validator.Validate(entries); err != nil {
		m.metrics.Increment(MetricTagValidation)
		return nil, err
	}

	normalized := make([]AddExtendedQueryTagEntry, len(entries))
	for i, entry := range entries {
		normalized[i] = entry.Normalize()
	}

	store, err := m.provider.GetInstance(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := store.AddTags(ctx, normalized, m.config.MaxAllowedCount)
	if err != nil {
		if IsConflict(err) {
			m.metrics.Increment(MetricTagConflicts)
		}
		return nil, err
	}

	m.invalidateCache(ctx)
	m.metrics.Increment(MetricTagsAdded)
	m.logger.Info("added extended query tags", "count", len(normalized))
	return keys, nil
}

// GetTag returns the stored tag for a raw path. Path validation runs before
// the store lookup, so a malformed path reports a validation error rather
// than not-found.
func (m *TagLifecycleManager) GetTag(ctx context.Context, rawPath string) (ExtendedQueryTagStoreEntry, error) {
	if err := m.guardEnabled(); err != nil {
		return ExtendedQueryTagStoreEntry{}, err
	}

	path, err := CanonicalTagPath(rawPath)
	if err != nil {
		m.metrics.Increment(MetricTagValidation)
		return ExtendedQueryTagStoreEntry{}, err
	}

	store, err := m.provider.GetInstance(ctx)
	if err != nil {
		return ExtendedQueryTagStoreEntry{}, err
	}
	return store.GetTag(ctx, path)
}

// GetAllTags returns every stored extended query tag
func (m *TagLifecycleManager) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	if err := m.guardEnabled(); err != nil {
		return nil, err
	}

	load := func(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
		store, err := m.provider.GetInstance(ctx)
		if err != nil {
			return nil, err
		}
		return store.GetAllTags(ctx)
	}
	if m.cache != nil {
		return m.cache.GetAllTags(ctx, load)
	}
	return load(ctx)
}

// DeleteTag removes a tag and its index rows. A tag still in Adding status
// belongs to a running reindex operation and is rejected with ErrTagBusy on
// schema versions that track status.
func (m *TagLifecycleManager) DeleteTag(ctx context.Context, rawPath string) error {
	if err := m.guardEnabled(); err != nil {
		return err
	}

	path, err := CanonicalTagPath(rawPath)
	if err != nil {
		m.metrics.Increment(MetricTagValidation)
		return err
	}

	store, err := m.provider.GetInstance(ctx)
	if err != nil {
		return err
	}

	if err := store.DeleteTag(ctx, path); err != nil {
		return err
	}

	m.invalidateCache(ctx)
	m.metrics.Increment(MetricTagsDeleted)
	m.logger.Info("deleted extended query tag", "path", path)
	return nil
}
