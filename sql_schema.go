package dicomindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conflict discriminator SQLSTATEs raised by the V4 add function
const (
	sqlStateTagCountExceeded = "DX001"
	sqlStateTagExists        = "DX002"
)

// schemaMigrations holds the DDL applied when upgrading to each version.
// V2 is a behavioral change only (RETURNING on the add statement); its
// migration just records the version bump.
var schemaMigrations = map[SchemaVersion][]string{
	SchemaV1: {
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    integer PRIMARY KEY,
			status     text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS extended_query_tag (
			tag_key    bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			tag_path   character varying(8) NOT NULL UNIQUE,
			tag_vr     character varying(2) NOT NULL,
			tag_level  character varying(8) NOT NULL,
			tag_status character varying(8) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instance (
			watermark           bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			study_instance_uid  character varying(64) NOT NULL,
			series_instance_uid character varying(64) NOT NULL,
			sop_instance_uid    character varying(64) NOT NULL,
			created_at          timestamptz NOT NULL DEFAULT now(),
			UNIQUE (study_instance_uid, series_instance_uid, sop_instance_uid)
		)`,
	},
	SchemaV2: {},
	SchemaV3: {
		`CREATE TABLE IF NOT EXISTS extended_query_tag_value (
			tag_key        bigint NOT NULL REFERENCES extended_query_tag (tag_key) ON DELETE CASCADE,
			watermark      bigint NOT NULL REFERENCES instance (watermark) ON DELETE CASCADE,
			value_string   text,
			value_long     bigint,
			value_double   double precision,
			value_datetime bigint,
			PRIMARY KEY (tag_key, watermark)
		)`,
		`CREATE TABLE IF NOT EXISTS reindex_operation (
			operation_id uuid PRIMARY KEY,
			tag_keys     bigint[] NOT NULL,
			status       character varying(20) NOT NULL,
			created_at   timestamptz NOT NULL DEFAULT now(),
			updated_at   timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tag_reindex_state (
			tag_key         bigint NOT NULL REFERENCES extended_query_tag (tag_key) ON DELETE CASCADE,
			operation_id    uuid NOT NULL REFERENCES reindex_operation (operation_id) ON DELETE CASCADE,
			status          character varying(12) NOT NULL,
			start_watermark bigint,
			end_watermark   bigint,
			PRIMARY KEY (tag_key, operation_id)
		)`,
	},
	SchemaV4: {
		`CREATE OR REPLACE FUNCTION add_extended_query_tags(
			paths text[], vrs text[], levels text[], init_status text, max_allowed integer
		) RETURNS SETOF bigint AS $$
		DECLARE
			total integer;
		BEGIN
			LOCK TABLE extended_query_tag IN SHARE ROW EXCLUSIVE MODE;

			SELECT count(*) INTO total FROM extended_query_tag;
			IF total + coalesce(array_length(paths, 1), 0) > max_allowed THEN
				RAISE EXCEPTION 'extended query tag count exceeds maximum allowed'
					USING ERRCODE = '` + sqlStateTagCountExceeded + `';
			END IF;

			IF EXISTS (SELECT 1 FROM extended_query_tag t WHERE t.tag_path = ANY (paths)) THEN
				RAISE EXCEPTION 'extended query tag already exists'
					USING ERRCODE = '` + sqlStateTagExists + `';
			END IF;

			RETURN QUERY
				INSERT INTO extended_query_tag (tag_path, tag_vr, tag_level, tag_status)
				SELECT unnest(paths), unnest(vrs), unnest(levels), init_status
				RETURNING tag_key;
		END;
		$$ LANGUAGE plpgsql`,
	},
}

// SQLSchemaManager applies versioned schema migrations and reports the
// version currently applied to the store. It implements SchemaVersionReader.
type SQLSchemaManager struct {
	pool   *pgxpool.Pool
	logger Logger
}

// NewSQLSchemaManager creates a schema manager over a connection pool
func NewSQLSchemaManager(pool *pgxpool.Pool, logger Logger) *SQLSchemaManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &SQLSchemaManager{pool: pool, logger: logger}
}

// Apply upgrades the store to the target version, one version per
// transaction. Already-applied versions are skipped, so Apply is idempotent
// and safe to run on every deployment.
func (m *SQLSchemaManager) Apply(ctx context.Context, target SchemaVersion) error {
	if !target.Supported() {
		return WithContext(ErrSchemaVersionUnsupported, map[string]interface{}{
			"target": int(target),
		})
	}

	current, err := m.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := current + 1; v <= target; v++ {
		if err := m.applyOne(ctx, v); err != nil {
			return err
		}
		m.logger.Info("applied schema version", "version", int(v))
	}
	return nil
}

func (m *SQLSchemaManager) applyOne(ctx context.Context, version SchemaVersion) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return storeFailure("begin schema migration", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, ddl := range schemaMigrations[version] {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return storeFailure(fmt.Sprintf("apply schema v%d", version), err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version, status) VALUES ($1, 'completed')
		 ON CONFLICT (version) DO NOTHING`, int(version)); err != nil {
		return storeFailure(fmt.Sprintf("record schema v%d", version), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeFailure(fmt.Sprintf("commit schema v%d", version), err)
	}
	return nil
}

// CurrentSchemaVersion returns the highest version recorded as completed.
// A store without the version table reports SchemaVersionUnknown.
func (m *SQLSchemaManager) CurrentSchemaVersion(ctx context.Context) (SchemaVersion, error) {
	var version int
	err := m.pool.QueryRow(ctx,
		`SELECT coalesce(max(version), 0) FROM schema_version WHERE status = 'completed'`).Scan(&version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table
			return SchemaVersionUnknown, nil
		}
		return SchemaVersionUnknown, storeFailure("read schema version", err)
	}
	return SchemaVersion(version), nil
}
