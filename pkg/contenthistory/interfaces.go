package contenthistory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines append-only persistence of entities and their immutable
// versions. Implementations must make CommitVersion a single atomic
// compare-and-swap on the entity's head version: the head advance and the
// version insert succeed or fail together, so a retried commit can never
// leave a numbering gap.
type Repository interface {
	// GetEntity returns the entity record, including soft-deleted entities
	// (DeletedAt set). Write paths reject deleted entities; retention still
	// sweeps them.
	GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error)

	// ListEntities pages over entities for background sweeps.
	ListEntities(ctx context.Context, params ListEntitiesParams) ([]*Entity, error)

	// SoftDeleteEntity marks the entity deleted, preserving its versions.
	SoftDeleteEntity(ctx context.Context, id uuid.UUID) error

	// CommitVersion atomically checks that the entity's head equals
	// expectedHead, persists version (whose Number must be expectedHead+1),
	// and advances the head. expectedHead == 0 creates the entity. A stale
	// expectation fails with *ConflictError carrying the current head.
	CommitVersion(ctx context.Context, version *Version, expectedHead int64) error

	// GetVersion returns one version as stored (compressed versions come
	// back with Delta and BaselineRef, no Snapshot).
	GetVersion(ctx context.Context, entityID uuid.UUID, number int64) (*Version, error)

	// GetHeadVersion returns the entity's current head version.
	GetHeadVersion(ctx context.Context, entityID uuid.UUID) (*Version, error)

	// ListVersions returns version summaries, newest first unless Ascending.
	ListVersions(ctx context.Context, entityID uuid.UUID, params ListVersionsParams) ([]*VersionSummary, error)

	// MarkArchived moves a version to the archived state. Archiving an
	// already-archived version is a no-op.
	MarkArchived(ctx context.Context, entityID uuid.UUID, number int64, archivedAt time.Time) error

	// StoreCompressed replaces an archived version's full snapshot with a
	// delta and baseline reference, in one atomic step.
	StoreCompressed(ctx context.Context, entityID uuid.UUID, number int64, baselineRef int64, delta Diff) error

	// RestoreSnapshot materializes a full snapshot back onto a compressed
	// version (re-baselining), clearing its delta and baseline reference and
	// returning it to the archived state.
	RestoreSnapshot(ctx context.Context, entityID uuid.UUID, number int64, snapshot *Value) error

	// RetargetBaselines repoints compressed versions after newRef whose
	// baseline reference passes through oldRef to newRef.
	RetargetBaselines(ctx context.Context, entityID uuid.UUID, oldRef, newRef int64) error

	// PurgeVersion permanently deletes a version. Implementations must
	// refuse (ErrRetentionViolation) to purge a version that a surviving
	// compressed chain still needs.
	PurgeVersion(ctx context.Context, entityID uuid.UUID, number int64) error
}

// ListVersionsParams filters and pages a version listing.
type ListVersionsParams struct {
	// Cursor is an exclusive bound on version number: below it when
	// descending, above it when ascending.
	Cursor *int64

	// Limit caps the number of summaries returned; nil means no cap.
	Limit *int

	// IncludeArchived includes archived and compressed versions. Default
	// listings show only active versions.
	IncludeArchived bool

	// Ascending lists oldest first. Used by retention sweeps.
	Ascending bool
}

// ListEntitiesParams pages an entity listing.
type ListEntitiesParams struct {
	Limit          *int
	Offset         *int
	IncludeDeleted bool
}

// SnapshotArchive is the blob-storage collaborator holding audit copies of
// snapshots: archived versions are mirrored into it and purged versions are
// exported to it before deletion. Keys are opaque to the backend.
type SnapshotArchive interface {
	Store(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// EventSink is the notification collaborator. Events fire after commit in a
// detached goroutine and are never awaited; a failing sink cannot fail a
// write.
type EventSink interface {
	VersionCreated(ctx context.Context, version *Version) error
	VersionReverted(ctx context.Context, version *Version, target int64) error
	RetentionApplied(ctx context.Context, entityID uuid.UUID, report *RetentionReport) error
}

// IdentityResolver resolves an author identifier to a display identity for
// event enrichment. The engine trusts the identifier it is handed;
// authentication happens upstream.
type IdentityResolver interface {
	Resolve(ctx context.Context, authorID uuid.UUID) (string, error)
}
