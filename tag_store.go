package dicomindex

import "context"

// ExtendedQueryTagStore persists extended query tags. An ordered family of
// implementations exists, one per schema version; each version is a strict
// behavioral superset of its predecessor:
//
//	V1: tags are queryable immediately (inserted Ready), AddTags returns no keys
//	V2: AddTags returns the generated tag keys in input order
//	V3: tags are inserted Adding; GetTagsByKeys and UpdateTagStatus exist for
//	    the reindex workflow
//	V4: the add conflict check runs server side and reports a discriminator
//	    that maps to ErrTagAlreadyExists or ErrExceedsMaxAllowedCount
//
// Operations a version predates fail with ErrSchemaVersionUnsupported.
type ExtendedQueryTagStore interface {
	// Version returns the schema version this implementation speaks
	Version() SchemaVersion

	// AddTags registers a batch of normalized entries as a single
	// transactional unit. The duplicate-path and max-count checks are atomic
	// under concurrent adds: either every entry is inserted or none is.
	AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error)

	// GetTag returns the tag with the given canonical path, or ErrTagNotFound
	GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error)

	// GetAllTags returns every stored tag
	GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error)

	// GetTagsByKeys returns the tags with the given keys (V3+)
	GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error)

	// UpdateTagStatus transitions a tag's lifecycle status (V3+)
	UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error

	// DeleteTag removes the tag with the given canonical path together with
	// its index rows, or fails with ErrTagNotFound
	DeleteTag(ctx context.Context, path string) error
}

// TagValue is one typed index value for an (instance, tag) pair. Exactly one
// of the value fields is set, chosen by the tag's VR class.
type TagValue struct {
	TagKey      int64
	Watermark   Watermark
	ValueString *string
	ValueLong   *int64
	ValueDouble *float64
	ValueTime   *int64 // unix seconds; DA/DT/TM values collapse to this
}

// IndexDataStore persists instance identity and index rows. Versions:
//
//	V1: instance rows with watermark assignment and range listing
//	V2: idempotent typed extended-query-tag value upserts
//	V3: instance creation additionally fans out index rows for every tag in
//	    Adding or Ready status, in the same transaction (the live path)
type IndexDataStore interface {
	// Version returns the schema version this implementation speaks
	Version() SchemaVersion

	// CreateInstance records a newly stored instance. The watermark is
	// assigned here, from a strictly increasing sequence.
	CreateInstance(ctx context.Context, ds Dataset) (InstanceIdentifier, error)

	// GetMaxWatermark returns the highest assigned watermark, 0 when no
	// instance has been stored
	GetMaxWatermark(ctx context.Context) (Watermark, error)

	// ListInstances returns the identifiers of instances whose watermark
	// falls in rng, in ascending watermark order
	ListInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error)

	// UpsertTagValues writes index values for one instance (V2+). Re-running
	// the same upsert leaves the stored values unchanged.
	UpsertTagValues(ctx context.Context, id InstanceIdentifier, values []TagValue) error

	// GetTagValues reads the index values stored for a tag, in watermark
	// order (V2+). Primarily used by the query path and tests.
	GetTagValues(ctx context.Context, tagKey int64) ([]TagValue, error)
}
