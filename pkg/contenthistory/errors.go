package contenthistory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error sentinels. Typed wrappers below match these through errors.Is.
var (
	// ErrEntityNotFound indicates an unknown (or soft-deleted, for write
	// paths) entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVersionNotFound indicates a version that does not exist or has been
	// purged.
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionConflict indicates a stale expected version. The caller must
	// reload the head and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidSnapshot indicates a snapshot violating the schema contract.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrRetentionViolation indicates a retention step that would leave a
	// compressed chain unreconstructible.
	ErrRetentionViolation = errors.New("retention violation")

	// ErrStorageFailure indicates a persistence-layer error. Transient
	// failures are retried at the commit boundary only.
	ErrStorageFailure = errors.New("storage failure")

	// ErrDepthExceeded indicates a document nested beyond MaxDepth.
	ErrDepthExceeded = errors.New("document depth limit exceeded")

	// ErrArchiveNotFound indicates a missing snapshot-archive object.
	ErrArchiveNotFound = errors.New("archive object not found")
)

// ConflictError reports an optimistic-lock failure. CurrentHead carries the
// entity's true head so the caller can reload and retry.
type ConflictError struct {
	EntityID    uuid.UUID
	Expected    int64
	CurrentHead int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on entity %s: expected head %d, current head is %d",
		e.EntityID, e.Expected, e.CurrentHead)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// SnapshotViolation is one path-level schema violation.
type SnapshotViolation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// InvalidSnapshotError reports all schema violations found in a snapshot.
type InvalidSnapshotError struct {
	Violations []SnapshotViolation
}

func (e *InvalidSnapshotError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Path == "" {
			parts = append(parts, v.Reason)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", v.Path, v.Reason))
	}
	return "invalid snapshot: " + strings.Join(parts, "; ")
}

func (e *InvalidSnapshotError) Is(target error) bool { return target == ErrInvalidSnapshot }

// StorageError wraps a persistence-layer failure. Transient errors are safe
// to retry because the version-number reservation is part of the same atomic
// commit.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// RetentionError reports a failed retention step. The step leaves prior state
// untouched; the sweep can be retried.
type RetentionError struct {
	EntityID uuid.UUID
	Step     string
	Number   int64
	Err      error
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention %s failed for entity %s version %d: %v",
		e.Step, e.EntityID, e.Number, e.Err)
}

func (e *RetentionError) Unwrap() error { return e.Err }
