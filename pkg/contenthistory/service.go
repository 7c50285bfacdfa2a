package contenthistory

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the main interface for the content-history library.
type Service interface {
	// CreateVersion validates, diffs against the current head, and commits a
	// new version under optimistic concurrency control.
	CreateVersion(ctx context.Context, req CreateVersionRequest) (*Version, error)

	// GetVersion returns one version with its full snapshot materialized
	// (compressed versions are reconstructed through their delta chain).
	GetVersion(ctx context.Context, entityID uuid.UUID, number int64) (*Version, error)

	// ListVersions pages an entity's history, newest first. Archived and
	// compressed versions are excluded unless requested.
	ListVersions(ctx context.Context, req ListVersionsRequest) (*VersionPage, error)

	// CompareVersions returns the structural diff between two historical
	// versions of the same entity.
	CompareVersions(ctx context.Context, entityID uuid.UUID, from, to int64) (Diff, error)

	// Revert commits the target version's snapshot as a brand-new head
	// version. The old version is never rewritten or re-activated.
	Revert(ctx context.Context, req RevertRequest) (*Version, error)

	// ApplyRetentionPolicy runs one idempotent archive/compress/purge sweep
	// over a single entity.
	ApplyRetentionPolicy(ctx context.Context, entityID uuid.UUID, policy RetentionPolicy) (*RetentionReport, error)

	// Entity operations
	GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error)
	DeleteEntity(ctx context.Context, id uuid.UUID) error
}
