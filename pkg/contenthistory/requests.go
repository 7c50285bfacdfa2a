package contenthistory

import "github.com/google/uuid"

// CreateVersionRequest contains parameters for committing a new version.
// ExpectedVersion is the head the caller last observed; 0 creates the entity
// with version 1.
type CreateVersionRequest struct {
	EntityID        uuid.UUID
	Snapshot        *Value
	AuthorID        uuid.UUID
	Comment         string
	ExpectedVersion int64
}

// ListVersionsRequest pages an entity's history, newest first.
type ListVersionsRequest struct {
	EntityID        uuid.UUID
	Cursor          *int64
	PageSize        int
	IncludeArchived bool
}

// RevertRequest contains parameters for reverting an entity to a historical
// version. ExpectedVersion is the head at the time the caller decided to
// revert; a concurrent edit surfaces as a conflict, never a silent overwrite.
type RevertRequest struct {
	EntityID        uuid.UUID
	TargetVersion   int64
	AuthorID        uuid.UUID
	ExpectedVersion int64
}
