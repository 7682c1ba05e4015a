package dicomindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sqlIndexStoreCore holds the logic shared by every index data store version
type sqlIndexStoreCore struct {
	pool    *pgxpool.Pool
	logger  Logger
	metrics Metrics
}

func newSQLIndexStoreCore(pool *pgxpool.Pool, logger Logger, metrics Metrics) *sqlIndexStoreCore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &sqlIndexStoreCore{pool: pool, logger: logger, metrics: metrics}
}

func (c *sqlIndexStoreCore) observe(version SchemaVersion, op string, start time.Time, err error) {
	v := fmt.Sprintf("%d", int(version))
	c.metrics.Increment(MetricStoreOps, "operation", op, "schema_version", v)
	c.metrics.Timing(MetricStoreLatency, time.Since(start), "operation", op, "schema_version", v)
	if err != nil {
		c.metrics.Increment(MetricStoreErrors, "operation", op, "schema_version", v, "error_type", "store")
	}
}

// createInstance inserts the instance row and assigns its watermark. With
// fanout set (V3) the same transaction writes extended query tag rows for
// every tag in Adding or Ready status, which is the live half of the
// exactly-once indexing guarantee.
func (c *sqlIndexStoreCore) createInstance(ctx context.Context, ds Dataset, fanout bool) (InstanceIdentifier, error) {
	if err := ds.Validate(); err != nil {
		return InstanceIdentifier{}, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return InstanceIdentifier{}, storeFailure("begin create instance", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	id := InstanceIdentifier{
		StudyInstanceUID:  ds.StudyInstanceUID(),
		SeriesInstanceUID: ds.SeriesInstanceUID(),
		SOPInstanceUID:    ds.SOPInstanceUID(),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO instance (study_instance_uid, series_instance_uid, sop_instance_uid)
		 VALUES ($1, $2, $3) RETURNING watermark`,
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID).Scan(&id.Watermark)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return InstanceIdentifier{}, WithContext(ErrInvalidData, map[string]interface{}{
				"reason": "instance already stored",
				"sop":    id.SOPInstanceUID,
			})
		}
		return InstanceIdentifier{}, storeFailure("insert instance", err)
	}

	if fanout {
		if err := c.fanoutTagValues(ctx, tx, id, ds); err != nil {
			return InstanceIdentifier{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InstanceIdentifier{}, storeFailure("commit create instance", err)
	}
	return id, nil
}

func (c *sqlIndexStoreCore) fanoutTagValues(ctx context.Context, tx pgx.Tx, id InstanceIdentifier, ds Dataset) error {
	rows, err := tx.Query(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tag WHERE tag_status = $1 OR tag_status = $2`,
		string(TagStatusAdding), string(TagStatusReady))
	if err != nil {
		return storeFailure("list live tags", err)
	}
	var tags []ExtendedQueryTagStoreEntry
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			rows.Close()
			return storeFailure("scan live tag", err)
		}
		tags = append(tags, tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storeFailure("list live tags", err)
	}

	for _, tag := range tags {
		value, err := ExtractTagValue(tag, ds, id.Watermark)
		if err != nil {
			c.logger.Warn("skipping unindexable attribute value",
				"tag", tag.Path, "watermark", id.Watermark, "error", err)
			continue
		}
		if value == nil {
			continue // instance does not carry this attribute
		}
		if err := upsertTagValueTx(ctx, tx, *value); err != nil {
			return err
		}
	}
	return nil
}

func upsertTagValueTx(ctx context.Context, tx pgx.Tx, v TagValue) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO extended_query_tag_value
		   (tag_key, watermark, value_string, value_long, value_double, value_datetime)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tag_key, watermark) DO UPDATE SET
		   value_string = EXCLUDED.value_string,
		   value_long = EXCLUDED.value_long,
		   value_double = EXCLUDED.value_double,
		   value_datetime = EXCLUDED.value_datetime`,
		v.TagKey, v.Watermark, v.ValueString, v.ValueLong, v.ValueDouble, v.ValueTime)
	if err != nil {
		return storeFailure("upsert tag value", err)
	}
	return nil
}

func (c *sqlIndexStoreCore) getMaxWatermark(ctx context.Context) (Watermark, error) {
	var max int64
	if err := c.pool.QueryRow(ctx, `SELECT coalesce(max(watermark), 0) FROM instance`).Scan(&max); err != nil {
		return 0, storeFailure("get max watermark", err)
	}
	return max, nil
}

func (c *sqlIndexStoreCore) listInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error) {
	if rng.IsEmpty() {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx,
		`SELECT study_instance_uid, series_instance_uid, sop_instance_uid, watermark
		 FROM instance WHERE watermark BETWEEN $1 AND $2 ORDER BY watermark`,
		rng.Start, rng.End)
	if err != nil {
		return nil, storeFailure("list instances", err)
	}
	defer rows.Close()

	var ids []InstanceIdentifier
	for rows.Next() {
		var id InstanceIdentifier
		if err := rows.Scan(&id.StudyInstanceUID, &id.SeriesInstanceUID, &id.SOPInstanceUID, &id.Watermark); err != nil {
			return nil, storeFailure("scan instance", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("list instances", err)
	}
	return ids, nil
}

// upsertTagValues applies a batch of value upserts as one transactional
// unit, so a cancelled call leaves no partial multi-row write applied.
func (c *sqlIndexStoreCore) upsertTagValues(ctx context.Context, values []TagValue) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return storeFailure("begin upsert tag values", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, v := range values {
		if err := upsertTagValueTx(ctx, tx, v); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeFailure("commit upsert tag values", err)
	}
	return nil
}

func (c *sqlIndexStoreCore) getTagValues(ctx context.Context, tagKey int64) ([]TagValue, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT tag_key, watermark, value_string, value_long, value_double, value_datetime
		 FROM extended_query_tag_value WHERE tag_key = $1 ORDER BY watermark`, tagKey)
	if err != nil {
		return nil, storeFailure("get tag values", err)
	}
	defer rows.Close()

	var values []TagValue
	for rows.Next() {
		var v TagValue
		if err := rows.Scan(&v.TagKey, &v.Watermark, &v.ValueString, &v.ValueLong, &v.ValueDouble, &v.ValueTime); err != nil {
			return nil, storeFailure("scan tag value", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("get tag values", err)
	}
	return values, nil
}

// SQLIndexDataStoreV1 speaks the initial schema: instance rows with
// watermark assignment and range listing. Extended query tag values do not
// exist yet.
type SQLIndexDataStoreV1 struct {
	core *sqlIndexStoreCore
}

// NewSQLIndexDataStoreV1 creates the V1 index data store
func NewSQLIndexDataStoreV1(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLIndexDataStoreV1 {
	return &SQLIndexDataStoreV1{core: newSQLIndexStoreCore(pool, logger, metrics)}
}

func (s *SQLIndexDataStoreV1) Version() SchemaVersion { return SchemaV1 }

func (s *SQLIndexDataStoreV1) CreateInstance(ctx context.Context, ds Dataset) (InstanceIdentifier, error) {
	start := time.Now()
	id, err := s.core.createInstance(ctx, ds, false)
	s.core.observe(SchemaV1, "create instance", start, err)
	return id, err
}

func (s *SQLIndexDataStoreV1) GetMaxWatermark(ctx context.Context) (Watermark, error) {
	return s.core.getMaxWatermark(ctx)
}

func (s *SQLIndexDataStoreV1) ListInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error) {
	return s.core.listInstances(ctx, rng)
}

func (s *SQLIndexDataStoreV1) UpsertTagValues(ctx context.Context, id InstanceIdentifier, values []TagValue) error {
	return unsupportedOp(SchemaV1, "upsert tag values")
}

func (s *SQLIndexDataStoreV1) GetTagValues(ctx context.Context, tagKey int64) ([]TagValue, error) {
	return nil, unsupportedOp(SchemaV1, "get tag values")
}

// SQLIndexDataStoreV2 adds idempotent typed value upserts
type SQLIndexDataStoreV2 struct {
	core *sqlIndexStoreCore
}

// NewSQLIndexDataStoreV2 creates the V2 index data store
func NewSQLIndexDataStoreV2(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLIndexDataStoreV2 {
	return &SQLIndexDataStoreV2{core: newSQLIndexStoreCore(pool, logger, metrics)}
}

func (s *SQLIndexDataStoreV2) Version() SchemaVersion { return SchemaV2 }

func (s *SQLIndexDataStoreV2) CreateInstance(ctx context.Context, ds Dataset) (InstanceIdentifier, error) {
	start := time.Now()
	id, err := s.core.createInstance(ctx, ds, false)
	s.core.observe(SchemaV2, "create instance", start, err)
	return id, err
}

func (s *SQLIndexDataStoreV2) GetMaxWatermark(ctx context.Context) (Watermark, error) {
	return s.core.getMaxWatermark(ctx)
}

func (s *SQLIndexDataStoreV2) ListInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error) {
	return s.core.listInstances(ctx, rng)
}

func (s *SQLIndexDataStoreV2) UpsertTagValues(ctx context.Context, id InstanceIdentifier, values []TagValue) error {
	start := time.Now()
	err := s.core.upsertTagValues(ctx, values)
	s.core.observe(SchemaV2, "upsert tag values", start, err)
	return err
}

func (s *SQLIndexDataStoreV2) GetTagValues(ctx context.Context, tagKey int64) ([]TagValue, error) {
	return s.core.getTagValues(ctx, tagKey)
}

// SQLIndexDataStoreV3 adds the live indexing path: instance creation fans
// out index rows for current Adding/Ready tags in the same transaction.
type SQLIndexDataStoreV3 struct {
	core *sqlIndexStoreCore
}

// NewSQLIndexDataStoreV3 creates the V3 index data store
func NewSQLIndexDataStoreV3(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLIndexDataStoreV3 {
	return &SQLIndexDataStoreV3{core: newSQLIndexStoreCore(pool, logger, metrics)}
}

func (s *SQLIndexDataStoreV3) Version() SchemaVersion { return SchemaV3 }

func (s *SQLIndexDataStoreV3) CreateInstance(ctx context.Context, ds Dataset) (InstanceIdentifier, error) {
	start := time.Now()
	id, err := s.core.createInstance(ctx, ds, true)
	s.core.observe(SchemaV3, "create instance", start, err)
	return id, err
}

func (s *SQLIndexDataStoreV3) GetMaxWatermark(ctx context.Context) (Watermark, error) {
	return s.core.getMaxWatermark(ctx)
}

func (s *SQLIndexDataStoreV3) ListInstances(ctx context.Context, rng WatermarkRange) ([]InstanceIdentifier, error) {
	return s.core.listInstances(ctx, rng)
}

func (s *SQLIndexDataStoreV3) UpsertTagValues(ctx context.Context, id InstanceIdentifier, values []TagValue) error {
	start := time.Now()
	err := s.core.upsertTagValues(ctx, values)
	s.core.observe(SchemaV3, "upsert tag values", start, err)
	return err
}

func (s *SQLIndexDataStoreV3) GetTagValues(ctx context.Context, tagKey int64) ([]TagValue, error) {
	return s.core.getTagValues(ctx, tagKey)
}

// NewSQLIndexStoreFamily builds the full version family keyed by schema
// version. V4 did not change the index data store; the V3 implementation
// serves both.
func NewSQLIndexStoreFamily(pool *pgxpool.Pool, logger Logger, metrics Metrics) map[SchemaVersion]IndexDataStore {
	v3 := NewSQLIndexDataStoreV3(pool, logger, metrics)
	return map[SchemaVersion]IndexDataStore{
		SchemaV1: NewSQLIndexDataStoreV1(pool, logger, metrics),
		SchemaV2: NewSQLIndexDataStoreV2(pool, logger, metrics),
		SchemaV3: v3,
		SchemaV4: v3,
	}
}
