package dicomindex

import "context"

// ExtendedQueryTagStoreProvider yields the tag store implementation matching
// the schema version resolved for one logical operation.
type ExtendedQueryTagStoreProvider interface {
	GetInstance(ctx context.Context) (ExtendedQueryTagStore, error)
}

// IndexDataStoreProvider yields the index data store implementation matching
// the schema version resolved for one logical operation.
type IndexDataStoreProvider interface {
	GetInstance(ctx context.Context) (IndexDataStore, error)
}

// ExtendedQueryTagStoreFactory maps resolved schema versions to concrete tag
// store implementations. Resolution happens on every GetInstance call, never
// cached globally, so an online schema upgrade is picked up by new operations
// without a process restart.
type ExtendedQueryTagStoreFactory struct {
	resolver SchemaVersionResolver
	stores   map[SchemaVersion]ExtendedQueryTagStore
}

// NewExtendedQueryTagStoreFactory creates a factory over the full version family
func NewExtendedQueryTagStoreFactory(resolver SchemaVersionResolver, stores map[SchemaVersion]ExtendedQueryTagStore) *ExtendedQueryTagStoreFactory {
	return &ExtendedQueryTagStoreFactory{resolver: resolver, stores: stores}
}

// GetInstance resolves the applied schema version and returns the matching
// implementation. A supported version with no registered implementation is a
// wiring error and surfaces as ErrSchemaVersionUnsupported.
func (f *ExtendedQueryTagStoreFactory) GetInstance(ctx context.Context) (ExtendedQueryTagStore, error) {
	version, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	store, ok := f.stores[version]
	if !ok {
		return nil, WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
			"applied": int(version),
			"store":   "extended query tag store",
			"reason":  "no implementation registered for version",
		})
	}
	return store, nil
}

// IndexDataStoreFactory maps resolved schema versions to concrete index data
// store implementations, with the same per-operation resolution discipline.
type IndexDataStoreFactory struct {
	resolver SchemaVersionResolver
	stores   map[SchemaVersion]IndexDataStore
}

// NewIndexDataStoreFactory creates a factory over the full version family
func NewIndexDataStoreFactory(resolver SchemaVersionResolver, stores map[SchemaVersion]IndexDataStore) *IndexDataStoreFactory {
	return &IndexDataStoreFactory{resolver: resolver, stores: stores}
}

// GetInstance resolves the applied schema version and returns the matching
// implementation
func (f *IndexDataStoreFactory) GetInstance(ctx context.Context) (IndexDataStore, error) {
	version, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	store, ok := f.stores[version]
	if !ok {
		return nil, WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
			"applied": int(version),
			"store":   "index data store",
			"reason":  "no implementation registered for version",
		})
	}
	return store, nil
}

// unsupportedOp reports an operation a schema version predates
func unsupportedOp(version SchemaVersion, op string) error {
	return WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
		"applied":   int(version),
		"operation": op,
		"reason":    "operation requires a newer schema version",
	})
}
