// Package contenthistory is a version-control engine for structured content
// entities. Every mutation of an entity is captured as an immutable, numbered
// Version; versions can be listed, compared structurally, reverted to, and
// aged through an archive/compress/purge retention pipeline that never breaks
// the ability to reconstruct a retained version.
//
// The package follows a small-interfaces design: persistence is behind
// Repository (in-memory and PostgreSQL implementations are provided under
// repo/), audit blob storage behind SnapshotArchive (memory, filesystem and
// S3 backends under storage/), and notifications behind EventSink. A Service
// is assembled with functional options:
//
//	svc, err := contenthistory.New(
//	    contenthistory.WithRepository(memory.New()),
//	    contenthistory.WithEventSink(contenthistory.NewLogEventSink(logger)),
//	)
//
// Writers are serialized per entity through an optimistic compare-and-swap on
// the entity's head version number; there are no cross-entity locks and reads
// never block writers.
package contenthistory
