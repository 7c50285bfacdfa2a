package contenthistory

import (
	"time"

	"github.com/google/uuid"
)

// StorageState is the domain type for version storage lifecycle states.
type StorageState string

// Storage state constants (typed).
const (
	StorageStateActive     StorageState = "active"
	StorageStateArchived   StorageState = "archived"
	StorageStateCompressed StorageState = "compressed"
)

// Entity represents a versioned content item. An entity owns all of its
// versions and is only ever soft-deleted; its history outlives it subject to
// the retention policy's audit floor.
type Entity struct {
	ID          uuid.UUID  `json:"id"`
	HeadVersion int64      `json:"head_version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Version is an immutable record of an entity's content at one point in time.
//
// Version numbers are strictly sequential per entity, starting at 1, with no
// gaps; the head version is always the maximum. Snapshot holds the complete
// document for active and archived versions. For compressed versions Snapshot
// is nil and Delta holds the structural diff from the immediately preceding
// version; BaselineRef points at the nearest earlier version that still
// carries a full snapshot.
type Version struct {
	EntityID      uuid.UUID    `json:"entity_id"`
	Number        int64        `json:"version_number"`
	Snapshot      *Value       `json:"snapshot,omitempty"`
	Delta         Diff         `json:"delta,omitempty"`
	BaselineRef   *int64       `json:"baseline_ref,omitempty"`
	AuthorID      uuid.UUID    `json:"author_id"`
	Comment       string       `json:"comment,omitempty"`
	ChangeSummary []string     `json:"change_summary"`
	StorageState  StorageState `json:"storage_state"`
	CreatedAt     time.Time    `json:"created_at"`
	ArchivedAt    *time.Time   `json:"archived_at,omitempty"`
}

// VersionSummary is the listing projection of a version: everything except
// the (potentially large) snapshot and delta payloads.
type VersionSummary struct {
	EntityID      uuid.UUID    `json:"entity_id"`
	Number        int64        `json:"version_number"`
	AuthorID      uuid.UUID    `json:"author_id"`
	Comment       string       `json:"comment,omitempty"`
	ChangeSummary []string     `json:"change_summary"`
	StorageState  StorageState `json:"storage_state"`
	BaselineRef   *int64       `json:"baseline_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// VersionPage is one page of a descending version listing.
type VersionPage struct {
	Items      []*VersionSummary `json:"items"`
	NextCursor *int64            `json:"next_cursor,omitempty"`
}

// RetentionPolicy governs when versions are archived, compressed, and purged.
// All fields are optional and independently configurable; a nil field
// disables that step.
type RetentionPolicy struct {
	// MaxActiveVersions keeps at most this many versions (head included) in
	// the active state; older active versions are archived.
	MaxActiveVersions *int `json:"max_active_versions,omitempty"`

	// MaxAge archives active versions older than this, regardless of count.
	MaxAge *time.Duration `json:"max_age,omitempty"`

	// CompressAfter converts archived versions older than this to delta-only
	// storage.
	CompressAfter *time.Duration `json:"compress_after,omitempty"`

	// PurgeAfter deletes versions older than this, after an audit export and
	// any re-baselining needed to keep surviving chains reconstructable.
	PurgeAfter *time.Duration `json:"purge_after,omitempty"`

	// AuditRetention is a floor under PurgeAfter: versions younger than this
	// are never purged, even when the owning entity has been soft-deleted.
	AuditRetention *time.Duration `json:"audit_retention,omitempty"`
}

// RetentionReport summarizes one retention sweep over a single entity.
type RetentionReport struct {
	Archived    int `json:"archived"`
	Compressed  int `json:"compressed"`
	Purged      int `json:"purged"`
	Rebaselined int `json:"rebaselined"`
}

func (r *RetentionReport) add(o RetentionReport) {
	r.Archived += o.Archived
	r.Compressed += o.Compressed
	r.Purged += o.Purged
	r.Rebaselined += o.Rebaselined
}
