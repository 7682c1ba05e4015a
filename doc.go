// Package dicomindex is the versioned index core of a DICOMweb store: it
// assigns watermarks to stored instances, maintains typed index rows for
// extended query tags, and runs the resumable backfill workflow that makes
// a newly promoted tag queryable over already-stored data.
//
// # Overview
//
// The package provides:
//
//   - A schema version resolver so one binary can run against several
//     deployed database versions during online upgrades
//   - A family of versioned stores (V1-V4), each a strict behavioral
//     superset of its predecessor
//   - Extended query tag lifecycle: validation, atomic batch add with
//     conflict detection, status transitions, guarded delete
//   - A durable reindex state machine with watermark-batched progress,
//     crash resume and per-tag failure isolation
//   - Instance metadata blobs on S3, GCS, MinIO or the local filesystem
//   - Distributed locking and a read-through tag cache on Redis
//   - Structured logging (zap) and Prometheus metrics throughout
//
// # Quick Start
//
// Wire the stores against a migrated database:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	logger, _ := dicomindex.NewProductionZapLogger()
//
//	manager := dicomindex.NewSQLSchemaManager(pool, logger)
//	resolver := dicomindex.NewForegroundSchemaResolver(manager)
//
//	tags := dicomindex.NewExtendedQueryTagStoreFactory(resolver,
//	    dicomindex.NewSQLTagStoreFamily(pool, logger, metrics))
//
//	lifecycle := dicomindex.NewTagLifecycleManager(tags, dicomindex.ExtendedQueryTagConfig{
//	    Enabled:         true,
//	    MaxAllowedCount: dicomindex.DefaultMaxAllowedTagCount,
//	}).WithLogger(logger)
//
//	keys, err := lifecycle.AddTags(ctx, []dicomindex.AddExtendedQueryTagEntry{
//	    {Path: "PatientName", VR: "PN", Level: dicomindex.QueryTagLevelStudy},
//	})
//
// A tag added on a V3+ schema starts in Adding status and becomes Ready
// once a reindex operation has backfilled it:
//
//	operationID, _ := operations.TriggerReindex(ctx, keys)
//	// a ReindexWorker picks the operation up and drives it to Done
//
// # Core Concepts
//
// Watermark: a strictly increasing sequence number assigned to every stored
// instance. Reindex operations snapshot the maximum watermark once at
// prepare time; instances stored after the snapshot are covered by the live
// indexing path instead.
//
// Schema version: the applied database version, resolved per operation so
// new code keeps working against an old database (and refuses versions it
// does not know).
//
// Extended query tag: a standard DICOM attribute promoted to queryable at
// runtime, indexed into a typed column chosen by its VR.
package dicomindex
