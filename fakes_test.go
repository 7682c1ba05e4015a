package dicomindex

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory store implementations mirroring the SQL stores' version
// semantics, shared by the lifecycle, factory and orchestrator tests.

type memTagStore struct {
	mu      sync.Mutex
	version SchemaVersion
	nextKey int64
	tags    map[string]*ExtendedQueryTagStoreEntry

	addErr    error // injected AddTags failure
	deleteErr error // injected DeleteTag failure
}

func newMemTagStore(version SchemaVersion) *memTagStore {
	return &memTagStore{
		version: version,
		nextKey: 1,
		tags:    map[string]*ExtendedQueryTagStoreEntry{},
	}
}

func (s *memTagStore) Version() SchemaVersion { return s.version }

func (s *memTagStore) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addErr != nil {
		return nil, s.addErr
	}

	if len(s.tags)+len(entries) > maxAllowedCount {
		return nil, WithContext(ErrExceedsMaxAllowedCount, map[string]interface{}{
			"max": maxAllowedCount,
		})
	}
	for _, entry := range entries {
		if _, exists := s.tags[entry.Path]; exists {
			return nil, WithContext(ErrTagAlreadyExists, map[string]interface{}{
				"path": entry.Path,
			})
		}
	}

	status := TagStatusReady
	if s.version >= SchemaV3 {
		status = TagStatusAdding
	}

	keys := make([]int64, 0, len(entries))
	for _, entry := range entries {
		key := s.nextKey
		s.nextKey++
		s.tags[entry.Path] = &ExtendedQueryTagStoreEntry{
			Key:    key,
			Path:   entry.Path,
			VR:     entry.VR,
			Level:  entry.Level,
			Status: status,
		}
		keys = append(keys, key)
	}

	if s.version < SchemaV2 {
		return nil, nil
	}
	return keys, nil
}

func (s *memTagStore) GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[path]
	if !ok {
		return ExtendedQueryTagStoreEntry{}, WithContext(ErrTagNotFound, map[string]interface{}{"path": path})
	}
	return *tag, nil
}

func (s *memTagStore) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExtendedQueryTagStoreEntry, 0, len(s.tags))
	for _, tag := range s.tags {
		out = append(out, *tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memTagStore) GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	if s.version < SchemaV3 {
		return nil, unsupportedOp(s.version, "GetTagsByKeys")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[int64]bool{}
	for _, k := range keys {
		want[k] = true
	}
	var out []ExtendedQueryTagStoreEntry
	for _, tag := range s.tags {
		if want[tag.Key] {
			out = append(out, *tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memTagStore) UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	if s.version < SchemaV3 {
		return unsupportedOp(s.version, "UpdateTagStatus")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range s.tags {
		if tag.Key == key {
			tag.Status = status
			return nil
		}
	}
	return WithContext(ErrTagNotFound, map[string]interface{}{"tag_key": key})
}

func (s *memTagStore) DeleteTag(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}

	tag, ok := s.tags[path]
	if !ok {
		return WithContext(ErrTagNotFound, map[string]interface{}{"path": path})
	}
	if s.version >= SchemaV3 && tag.Status == TagStatusAdding {
		return WithContext(ErrTagBusy, map[string]interface{}{"path": path})
	}
	delete(s.tags, path)
	return nil
}

type memIndexStore struct {
	mu        sync.Mutex
	version   SchemaVersion
	tagStore  *memTagStore // live fanout source, nil for V1/V2
	watermark Watermark
	instances []InstanceIdentifier
	values    map[int64]map[Watermark]TagValue
}

func newMemIndexStore(version SchemaVersion, tagStore *memTagStore) *memIndexStore {
	return &memIndexStore{
		version:  version,
		tagStore: tagStore,
		values:   map[int64]map[Watermark]TagValue{},
	}
}

func (s *memIndexStore) Version() SchemaVersion { return s.version }

func (s *memIndexStore) CreateInstance(ctx context.Context, ds Dataset) (InstanceIdentifier, error) {
	if err := ds.Validate(); err != nil {
		return InstanceIdentifier{}, err
	}

	s.mu.Lock()
	s.watermark++
	id := InstanceIdentifier{
		StudyInstanceUID:  ds.StudyInstanceUID(),
		SeriesInstanceUID: ds.SeriesInstanceUID(),
		SOPInstanceUID:    ds.SOPInstanceUID(),
		Watermark:         s.watermark,
	}
	s.instances = append(s.instances, id)
	s.mu.Unlock()

	if s.version >= SchemaV3 && s.tagStore != nil {
		tags, err := s.tagStore.GetAllTags(ctx)
		if err != nil {
			return InstanceIdentifier{}, err
		}
		var values []TagValue
		for _, tag := range tags {
			if tag.Status == TagStatusDeleting {
				continue
			}
			value, err := ExtractTagValue(tag, ds, id.Watermark)
			if err != nil || value == nil {
				continue
			}
			values = append(values, *value)
		}
		if err := s.UpsertTagValues(ctx, id, values); err != nil {
			return InstanceIdentifier{}, err
		}
	}

	return id, nil
}

func (s *memIndexStore) GetMaxWatermark(ctx context.Context) (Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *memIndexStore) ListInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InstanceIdentifier
	for _, id := range s.instances {
		if id.Watermark >= rng.Start && id.Watermark <= rng.End {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Watermark < out[j].Watermark })
	return out, nil
}

func (s *memIndexStore) UpsertTagValues(ctx context.Context, id InstanceIdentifier, values []TagValue) error {
	if s.version < SchemaV2 {
		return unsupportedOp(s.version, "UpsertTagValues")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		byWatermark, ok := s.values[v.TagKey]
		if !ok {
			byWatermark = map[Watermark]TagValue{}
			s.values[v.TagKey] = byWatermark
		}
		byWatermark[v.Watermark] = v
	}
	return nil
}

func (s *memIndexStore) GetTagValues(ctx context.Context, tagKey int64) ([]TagValue, error) {
	if s.version < SchemaV2 {
		return nil, unsupportedOp(s.version, "GetTagValues")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TagValue
	for _, v := range s.values[tagKey] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Watermark < out[j].Watermark })
	return out, nil
}

type memStateStore struct {
	mu      sync.Mutex
	index   *memIndexStore
	entries map[string]map[int64]*ReindexStateEntry
}

func newMemStateStore(index *memIndexStore) *memStateStore {
	return &memStateStore{
		index:   index,
		entries: map[string]map[int64]*ReindexStateEntry{},
	}
}

func (s *memStateStore) PrepareReindexing(ctx context.Context, tagKeys []int64, operationID string) ([]ReindexStateEntry, error) {
	max, err := s.index.GetMaxWatermark(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	byKey, ok := s.entries[operationID]
	if !ok {
		byKey = map[int64]*ReindexStateEntry{}
		s.entries[operationID] = byKey
	}
	for _, key := range tagKeys {
		if _, exists := byKey[key]; exists {
			continue // idempotent: keep the original snapshot
		}
		end := max
		byKey[key] = &ReindexStateEntry{
			TagKey:       key,
			OperationID:  operationID,
			Status:       ReindexStatusProcessing,
			EndWatermark: &end,
		}
	}
	s.mu.Unlock()

	return s.GetEntries(ctx, operationID)
}

func (s *memStateStore) GetEntries(ctx context.Context, operationID string) ([]ReindexStateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReindexStateEntry
	for _, entry := range s.entries[operationID] {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagKey < out[j].TagKey })
	return out, nil
}

func (s *memStateStore) CommitProgress(ctx context.Context, operationID string, nextStart Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries[operationID] {
		if entry.Status != ReindexStatusProcessing {
			continue
		}
		start := nextStart
		entry.StartWatermark = &start
	}
	return nil
}

func (s *memStateStore) CompleteTag(ctx context.Context, operationID string, tagKey int64) error {
	return s.setStatus(operationID, tagKey, ReindexStatusCompleted)
}

func (s *memStateStore) FailTag(ctx context.Context, operationID string, tagKey int64) error {
	return s.setStatus(operationID, tagKey, ReindexStatusFailed)
}

func (s *memStateStore) setStatus(operationID string, tagKey int64, status ReindexStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[operationID][tagKey]
	if !ok {
		return WithContext(ErrOperationNotFound, map[string]interface{}{
			"operation": operationID,
			"tag_key":   tagKey,
		})
	}
	entry.Status = status
	return nil
}

type memOperationStore struct {
	mu  sync.Mutex
	ops map[string]*ReindexOperation

	transitions []OperationStatus // every status written, in order
}

func newMemOperationStore() *memOperationStore {
	return &memOperationStore{ops: map[string]*ReindexOperation{}}
}

func (s *memOperationStore) CreateOperation(ctx context.Context, op ReindexOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := op
	s.ops[op.ID] = &copied
	return nil
}

func (s *memOperationStore) GetOperation(ctx context.Context, operationID string) (ReindexOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return ReindexOperation{}, WithContext(ErrOperationNotFound, map[string]interface{}{
			"operation": operationID,
		})
	}
	return *op, nil
}

func (s *memOperationStore) UpdateOperationStatus(ctx context.Context, operationID string, status OperationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return WithContext(ErrOperationNotFound, map[string]interface{}{
			"operation": operationID,
		})
	}
	op.Status = status
	op.UpdatedAt = time.Now().UTC()
	s.transitions = append(s.transitions, status)
	return nil
}

func (s *memOperationStore) ListOperationsByStatus(ctx context.Context, status OperationStatus) ([]ReindexOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReindexOperation
	for _, op := range s.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// staticTagProvider returns the same store without version resolution
type staticTagProvider struct {
	store ExtendedQueryTagStore
	err   error
}

func (p staticTagProvider) GetInstance(ctx context.Context) (ExtendedQueryTagStore, error) {
	return p.store, p.err
}

// staticIndexProvider returns the same store without version resolution
type staticIndexProvider struct {
	store IndexDataStore
	err   error
}

func (p staticIndexProvider) GetInstance(ctx context.Context) (IndexDataStore, error) {
	return p.store, p.err
}
