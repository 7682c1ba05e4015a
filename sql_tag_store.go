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

// sqlTagStoreCore holds the logic shared by every tag store version. The
// version structs delegate to it explicitly so behavioral differences stay
// visible in each version's methods instead of leaking through inheritance.
type sqlTagStoreCore struct {
	pool    *pgxpool.Pool
	logger  Logger
	metrics Metrics
}

func newSQLTagStoreCore(pool *pgxpool.Pool, logger Logger, metrics Metrics) *sqlTagStoreCore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &sqlTagStoreCore{pool: pool, logger: logger, metrics: metrics}
}

func (c *sqlTagStoreCore) observe(version SchemaVersion, op string, start time.Time, err error) {
	v := fmt.Sprintf("%d", int(version))
	c.metrics.Increment(MetricStoreOps, "operation", op, "schema_version", v)
	c.metrics.Timing(MetricStoreLatency, time.Since(start), "operation", op, "schema_version", v)
	if err != nil {
		c.metrics.Increment(MetricStoreErrors, "operation", op, "schema_version", v, "error_type", "store")
	}
}

const tagColumns = `tag_key, tag_path, tag_vr, tag_level, tag_status`

func scanTag(row pgx.Row) (ExtendedQueryTagStoreEntry, error) {
	var e ExtendedQueryTagStoreEntry
	var level, status string
	if err := row.Scan(&e.Key, &e.Path, &e.VR, &level, &status); err != nil {
		return ExtendedQueryTagStoreEntry{}, err
	}
	e.Level = QueryTagLevel(level)
	e.Status = ExtendedQueryTagStatus(status)
	return e, nil
}

func (c *sqlTagStoreCore) getTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tag WHERE tag_path = $1`, path)
	entry, err := scanTag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExtendedQueryTagStoreEntry{}, WithContext(ErrTagNotFound, map[string]interface{}{"path": path})
		}
		return ExtendedQueryTagStoreEntry{}, storeFailure("get tag", err)
	}
	return entry, nil
}

func (c *sqlTagStoreCore) getAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tag ORDER BY tag_key`)
	if err != nil {
		return nil, storeFailure("get all tags", err)
	}
	defer rows.Close()

	var entries []ExtendedQueryTagStoreEntry
	for rows.Next() {
		entry, err := scanTag(rows)
		if err != nil {
			return nil, storeFailure("scan tag", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("get all tags", err)
	}
	return entries, nil
}

func (c *sqlTagStoreCore) getTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tag WHERE tag_key = ANY ($1) ORDER BY tag_key`, keys)
	if err != nil {
		return nil, storeFailure("get tags by keys", err)
	}
	defer rows.Close()

	var entries []ExtendedQueryTagStoreEntry
	for rows.Next() {
		entry, err := scanTag(rows)
		if err != nil {
			return nil, storeFailure("scan tag", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("get tags by keys", err)
	}
	return entries, nil
}

func (c *sqlTagStoreCore) updateStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE extended_query_tag SET tag_status = $2 WHERE tag_key = $1`, key, string(status))
	if err != nil {
		return storeFailure("update tag status", err)
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrTagNotFound, map[string]interface{}{"key": key})
	}
	return nil
}

// deleteTag removes a tag. With guardBusy set (V3+, where the reindex
// workflow exists) a tag still in Adding status is rejected with ErrTagBusy
// under a row lock, so deletion cannot race the backfill.
func (c *sqlTagStoreCore) deleteTag(ctx context.Context, path string, guardBusy bool) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return storeFailure("begin delete tag", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var key int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT tag_key, tag_status FROM extended_query_tag WHERE tag_path = $1 FOR UPDATE`, path).
		Scan(&key, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrTagNotFound, map[string]interface{}{"path": path})
		}
		return storeFailure("lock tag for delete", err)
	}

	if guardBusy && ExtendedQueryTagStatus(status) == TagStatusAdding {
		return WithContext(ErrTagBusy, map[string]interface{}{"path": path})
	}

	if _, err := tx.Exec(ctx,
		`UPDATE extended_query_tag SET tag_status = $2 WHERE tag_key = $1`, key, string(TagStatusDeleting)); err != nil {
		return storeFailure("mark tag deleting", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM extended_query_tag WHERE tag_key = $1`, key); err != nil {
		return storeFailure("delete tag", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeFailure("commit delete tag", err)
	}
	return nil
}

// addTagsChecked is the pre-V4 add path: the duplicate and max-count checks
// run inside one transaction under a table lock, so concurrent adds
// serialize and either every row is inserted or none is.
func (c *sqlTagStoreCore) addTagsChecked(
	ctx context.Context,
	entries []AddExtendedQueryTagEntry,
	maxAllowedCount int,
	initStatus ExtendedQueryTagStatus,
	returnKeys bool,
) ([]int64, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, storeFailure("begin add tags", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `LOCK TABLE extended_query_tag IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, storeFailure("lock tag table", err)
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM extended_query_tag`).Scan(&total); err != nil {
		return nil, storeFailure("count tags", err)
	}
	if total+len(entries) > maxAllowedCount {
		return nil, WithContext(ErrExceedsMaxAllowedCount, map[string]interface{}{
			"stored":  total,
			"adding":  len(entries),
			"maximum": maxAllowedCount,
		})
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extended_query_tag WHERE tag_path = ANY ($1))`, paths).Scan(&exists); err != nil {
		return nil, storeFailure("check existing tags", err)
	}
	if exists {
		return nil, WithContext(ErrTagAlreadyExists, map[string]interface{}{"paths": paths})
	}

	var keys []int64
	if returnKeys {
		keys = make([]int64, 0, len(entries))
	}
	for _, e := range entries {
		row := tx.QueryRow(ctx,
			`INSERT INTO extended_query_tag (tag_path, tag_vr, tag_level, tag_status)
			 VALUES ($1, $2, $3, $4) RETURNING tag_key`,
			e.Path, e.VR, string(e.Level), string(initStatus))
		var key int64
		if err := row.Scan(&key); err != nil {
			return nil, storeFailure("insert tag", err)
		}
		if returnKeys {
			keys = append(keys, key)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeFailure("commit add tags", err)
	}
	return keys, nil
}

// SQLExtendedQueryTagStoreV1 speaks the initial schema. Tags become
// queryable immediately (inserted Ready, predating the reindex workflow) and
// generated keys are not reported.
type SQLExtendedQueryTagStoreV1 struct {
	core *sqlTagStoreCore
}

// NewSQLExtendedQueryTagStoreV1 creates the V1 tag store
func NewSQLExtendedQueryTagStoreV1(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLExtendedQueryTagStoreV1 {
	return &SQLExtendedQueryTagStoreV1{core: newSQLTagStoreCore(pool, logger, metrics)}
}

func (s *SQLExtendedQueryTagStoreV1) Version() SchemaVersion { return SchemaV1 }

func (s *SQLExtendedQueryTagStoreV1) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	start := time.Now()
	_, err := s.core.addTagsChecked(ctx, entries, maxAllowedCount, TagStatusReady, false)
	s.core.observe(SchemaV1, "add tags", start, err)
	return nil, err
}

func (s *SQLExtendedQueryTagStoreV1) GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	return s.core.getTag(ctx, path)
}

func (s *SQLExtendedQueryTagStoreV1) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getAllTags(ctx)
}

func (s *SQLExtendedQueryTagStoreV1) GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	return nil, unsupportedOp(SchemaV1, "get tags by keys")
}

func (s *SQLExtendedQueryTagStoreV1) UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	return unsupportedOp(SchemaV1, "update tag status")
}

func (s *SQLExtendedQueryTagStoreV1) DeleteTag(ctx context.Context, path string) error {
	start := time.Now()
	err := s.core.deleteTag(ctx, path, false)
	s.core.observe(SchemaV1, "delete tag", start, err)
	return err
}

// SQLExtendedQueryTagStoreV2 behaves like V1 but reports the generated tag
// keys in input order.
type SQLExtendedQueryTagStoreV2 struct {
	core *sqlTagStoreCore
}

// NewSQLExtendedQueryTagStoreV2 creates the V2 tag store
func NewSQLExtendedQueryTagStoreV2(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLExtendedQueryTagStoreV2 {
	return &SQLExtendedQueryTagStoreV2{core: newSQLTagStoreCore(pool, logger, metrics)}
}

func (s *SQLExtendedQueryTagStoreV2) Version() SchemaVersion { return SchemaV2 }

func (s *SQLExtendedQueryTagStoreV2) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	start := time.Now()
	keys, err := s.core.addTagsChecked(ctx, entries, maxAllowedCount, TagStatusReady, true)
	s.core.observe(SchemaV2, "add tags", start, err)
	return keys, err
}

func (s *SQLExtendedQueryTagStoreV2) GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	return s.core.getTag(ctx, path)
}

func (s *SQLExtendedQueryTagStoreV2) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getAllTags(ctx)
}

func (s *SQLExtendedQueryTagStoreV2) GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	return nil, unsupportedOp(SchemaV2, "get tags by keys")
}

func (s *SQLExtendedQueryTagStoreV2) UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	return unsupportedOp(SchemaV2, "update tag status")
}

func (s *SQLExtendedQueryTagStoreV2) DeleteTag(ctx context.Context, path string) error {
	start := time.Now()
	err := s.core.deleteTag(ctx, path, false)
	s.core.observe(SchemaV2, "delete tag", start, err)
	return err
}

// SQLExtendedQueryTagStoreV3 carries the reindex workflow: tags are inserted
// in Adding status and only become queryable once the backfill completes.
type SQLExtendedQueryTagStoreV3 struct {
	core *sqlTagStoreCore
}

// NewSQLExtendedQueryTagStoreV3 creates the V3 tag store
func NewSQLExtendedQueryTagStoreV3(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLExtendedQueryTagStoreV3 {
	return &SQLExtendedQueryTagStoreV3{core: newSQLTagStoreCore(pool, logger, metrics)}
}

func (s *SQLExtendedQueryTagStoreV3) Version() SchemaVersion { return SchemaV3 }

func (s *SQLExtendedQueryTagStoreV3) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	start := time.Now()
	keys, err := s.core.addTagsChecked(ctx, entries, maxAllowedCount, TagStatusAdding, true)
	s.core.observe(SchemaV3, "add tags", start, err)
	return keys, err
}

func (s *SQLExtendedQueryTagStoreV3) GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	return s.core.getTag(ctx, path)
}

func (s *SQLExtendedQueryTagStoreV3) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getAllTags(ctx)
}

func (s *SQLExtendedQueryTagStoreV3) GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getTagsByKeys(ctx, keys)
}

func (s *SQLExtendedQueryTagStoreV3) UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	return s.core.updateStatus(ctx, key, status)
}

func (s *SQLExtendedQueryTagStoreV3) DeleteTag(ctx context.Context, path string) error {
	start := time.Now()
	err := s.core.deleteTag(ctx, path, true)
	s.core.observe(SchemaV3, "delete tag", start, err)
	return err
}

// SQLExtendedQueryTagStoreV4 moves the add conflict check into the store: a
// single server-side statement performs the count check, duplicate check and
// insert, and reports failures through a discriminator SQLSTATE that maps to
// the typed conflict errors.
type SQLExtendedQueryTagStoreV4 struct {
	core *sqlTagStoreCore
}

// NewSQLExtendedQueryTagStoreV4 creates the V4 tag store
func NewSQLExtendedQueryTagStoreV4(pool *pgxpool.Pool, logger Logger, metrics Metrics) *SQLExtendedQueryTagStoreV4 {
	return &SQLExtendedQueryTagStoreV4{core: newSQLTagStoreCore(pool, logger, metrics)}
}

func (s *SQLExtendedQueryTagStoreV4) Version() SchemaVersion { return SchemaV4 }

func (s *SQLExtendedQueryTagStoreV4) AddTags(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	start := time.Now()
	keys, err := s.addTagsServerChecked(ctx, entries, maxAllowedCount)
	s.core.observe(SchemaV4, "add tags", start, err)
	return keys, err
}

func (s *SQLExtendedQueryTagStoreV4) addTagsServerChecked(ctx context.Context, entries []AddExtendedQueryTagEntry, maxAllowedCount int) ([]int64, error) {
	paths := make([]string, len(entries))
	vrs := make([]string, len(entries))
	levels := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
		vrs[i] = e.VR
		levels[i] = string(e.Level)
	}

	rows, err := s.core.pool.Query(ctx,
		`SELECT add_extended_query_tags($1, $2, $3, $4, $5)`,
		paths, vrs, levels, string(TagStatusAdding), maxAllowedCount)
	if err != nil {
		return nil, mapAddTagsConflict(err, maxAllowedCount)
	}
	defer rows.Close()

	keys := make([]int64, 0, len(entries))
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, storeFailure("scan tag key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, mapAddTagsConflict(err, maxAllowedCount)
	}
	return keys, nil
}

// mapAddTagsConflict translates the V4 discriminator into typed errors
func mapAddTagsConflict(err error, maxAllowedCount int) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateTagCountExceeded:
			return WithContext(ErrExceedsMaxAllowedCount, map[string]interface{}{
				"maximum": maxAllowedCount,
			})
		case sqlStateTagExists:
			return ErrTagAlreadyExists
		}
	}
	return storeFailure("add tags", err)
}

func (s *SQLExtendedQueryTagStoreV4) GetTag(ctx context.Context, path string) (ExtendedQueryTagStoreEntry, error) {
	return s.core.getTag(ctx, path)
}

func (s *SQLExtendedQueryTagStoreV4) GetAllTags(ctx context.Context) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getAllTags(ctx)
}

func (s *SQLExtendedQueryTagStoreV4) GetTagsByKeys(ctx context.Context, keys []int64) ([]ExtendedQueryTagStoreEntry, error) {
	return s.core.getTagsByKeys(ctx, keys)
}

func (s *SQLExtendedQueryTagStoreV4) UpdateTagStatus(ctx context.Context, key int64, status ExtendedQueryTagStatus) error {
	return s.core.updateStatus(ctx, key, status)
}

func (s *SQLExtendedQueryTagStoreV4) DeleteTag(ctx context.Context, path string) error {
	start := time.Now()
	err := s.core.deleteTag(ctx, path, true)
	s.core.observe(SchemaV4, "delete tag", start, err)
	return err
}

// NewSQLTagStoreFamily builds the full version family keyed by schema version
func NewSQLTagStoreFamily(pool *pgxpool.Pool, logger Logger, metrics Metrics) map[SchemaVersion]ExtendedQueryTagStore {
	return map[SchemaVersion]ExtendedQueryTagStore{
		SchemaV1: NewSQLExtendedQueryTagStoreV1(pool, logger, metrics),
		SchemaV2: NewSQLExtendedQueryTagStoreV2(pool, logger, metrics),
		SchemaV3: NewSQLExtendedQueryTagStoreV3(pool, logger, metrics),
		SchemaV4: NewSQLExtendedQueryTagStoreV4(pool, logger, metrics),
	}
}
