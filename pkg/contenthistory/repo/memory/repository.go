package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/content-history/pkg/contenthistory"
)

// Repository implements contenthistory.Repository using in-memory storage.
// All access goes through one RWMutex; CommitVersion's head check and insert
// happen in a single locked section, which is the compare-and-swap.
type Repository struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]*entityState
}

type entityState struct {
	entity   contenthistory.Entity
	versions map[int64]*contenthistory.Version
}

// New creates a new in-memory repository
func New() contenthistory.Repository {
	return &Repository{
		entities: make(map[uuid.UUID]*entityState),
	}
}

func (r *Repository) GetEntity(ctx context.Context, id uuid.UUID) (*contenthistory.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.entities[id]
	if !exists {
		return nil, contenthistory.ErrEntityNotFound
	}
	entityCopy := st.entity
	return &entityCopy, nil
}

func (r *Repository) ListEntities(ctx context.Context, params contenthistory.ListEntitiesParams) ([]*contenthistory.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*contenthistory.Entity
	for _, st := range r.entities {
		if st.entity.DeletedAt != nil && !params.IncludeDeleted {
			continue
		}
		entityCopy := st.entity
		all = append(all, &entityCopy)
	}

	// Stable order so batched sweeps see a consistent sequence
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	if params.Offset != nil {
		if *params.Offset >= len(all) {
			return nil, nil
		}
		all = all[*params.Offset:]
	}
	if params.Limit != nil && *params.Limit < len(all) {
		all = all[:*params.Limit]
	}
	return all, nil
}

func (r *Repository) SoftDeleteEntity(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.entities[id]
	if !exists {
		return contenthistory.ErrEntityNotFound
	}
	if st.entity.DeletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	st.entity.DeletedAt = &now
	st.entity.UpdatedAt = now
	return nil
}

func (r *Repository) CommitVersion(ctx context.Context, version *contenthistory.Version, expectedHead int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.entities[version.EntityID]
	if expectedHead == 0 {
		if exists {
			return &contenthistory.ConflictError{
				EntityID:    version.EntityID,
				Expected:    0,
				CurrentHead: st.entity.HeadVersion,
			}
		}
		st = &entityState{
			entity: contenthistory.Entity{
				ID:          version.EntityID,
				HeadVersion: 1,
				CreatedAt:   version.CreatedAt,
				UpdatedAt:   version.CreatedAt,
			},
			versions: make(map[int64]*contenthistory.Version),
		}
		st.versions[1] = copyVersion(version)
		r.entities[version.EntityID] = st
		return nil
	}

	if !exists || st.entity.DeletedAt != nil {
		return contenthistory.ErrEntityNotFound
	}
	if st.entity.HeadVersion != expectedHead {
		return &contenthistory.ConflictError{
			EntityID:    version.EntityID,
			Expected:    expectedHead,
			CurrentHead: st.entity.HeadVersion,
		}
	}

	st.versions[expectedHead+1] = copyVersion(version)
	st.entity.HeadVersion = expectedHead + 1
	st.entity.UpdatedAt = version.CreatedAt
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, entityID uuid.UUID, number int64) (*contenthistory.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.entities[entityID]
	if !exists {
		return nil, contenthistory.ErrEntityNotFound
	}
	v, exists := st.versions[number]
	if !exists {
		return nil, contenthistory.ErrVersionNotFound
	}
	return copyVersion(v), nil
}

func (r *Repository) GetHeadVersion(ctx context.Context, entityID uuid.UUID) (*contenthistory.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.entities[entityID]
	if !exists {
		return nil, contenthistory.ErrEntityNotFound
	}
	v, exists := st.versions[st.entity.HeadVersion]
	if !exists {
		return nil, contenthistory.ErrVersionNotFound
	}
	return copyVersion(v), nil
}

func (r *Repository) ListVersions(ctx context.Context, entityID uuid.UUID, params contenthistory.ListVersionsParams) ([]*contenthistory.VersionSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.entities[entityID]
	if !exists {
		return nil, contenthistory.ErrEntityNotFound
	}

	var result []*contenthistory.VersionSummary
	for _, v := range st.versions {
		if !params.IncludeArchived && v.StorageState != contenthistory.StorageStateActive {
			continue
		}
		if params.Cursor != nil {
			if params.Ascending && v.Number <= *params.Cursor {
				continue
			}
			if !params.Ascending && v.Number >= *params.Cursor {
				continue
			}
		}
		result = append(result, summarize(v))
	}

	sort.Slice(result, func(i, j int) bool {
		if params.Ascending {
			return result[i].Number < result[j].Number
		}
		return result[i].Number > result[j].Number
	})

	if params.Limit != nil && *params.Limit < len(result) {
		result = result[:*params.Limit]
	}
	return result, nil
}

func (r *Repository) MarkArchived(ctx context.Context, entityID uuid.UUID, number int64, archivedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.version(entityID, number)
	if err != nil {
		return err
	}
	if v.StorageState == contenthistory.StorageStateArchived {
		return nil
	}
	if v.StorageState != contenthistory.StorageStateActive {
		return contenthistory.ErrRetentionViolation
	}
	at := archivedAt
	v.StorageState = contenthistory.StorageStateArchived
	v.ArchivedAt = &at
	return nil
}

func (r *Repository) StoreCompressed(ctx context.Context, entityID uuid.UUID, number int64, baselineRef int64, delta contenthistory.Diff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.version(entityID, number)
	if err != nil {
		return err
	}
	if v.StorageState == contenthistory.StorageStateCompressed {
		return nil
	}
	if v.StorageState != contenthistory.StorageStateArchived {
		return contenthistory.ErrRetentionViolation
	}
	ref := baselineRef
	v.StorageState = contenthistory.StorageStateCompressed
	v.Snapshot = nil
	v.Delta = copyDiff(delta)
	v.BaselineRef = &ref
	return nil
}

func (r *Repository) RestoreSnapshot(ctx context.Context, entityID uuid.UUID, number int64, snapshot *contenthistory.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.version(entityID, number)
	if err != nil {
		return err
	}
	v.StorageState = contenthistory.StorageStateArchived
	v.Snapshot = snapshot.Clone()
	v.Delta = nil
	v.BaselineRef = nil
	return nil
}

func (r *Repository) RetargetBaselines(ctx context.Context, entityID uuid.UUID, oldRef, newRef int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.entities[entityID]
	if !exists {
		return contenthistory.ErrEntityNotFound
	}
	for _, v := range st.versions {
		if v.StorageState != contenthistory.StorageStateCompressed || v.Number <= newRef {
			continue
		}
		if v.BaselineRef != nil && *v.BaselineRef == oldRef {
			ref := newRef
			v.BaselineRef = &ref
		}
	}
	return nil
}

func (r *Repository) PurgeVersion(ctx context.Context, entityID uuid.UUID, number int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.entities[entityID]
	if !exists {
		return contenthistory.ErrEntityNotFound
	}
	if _, exists := st.versions[number]; !exists {
		return contenthistory.ErrVersionNotFound
	}

	// refuse to cut a surviving compressed chain
	for _, v := range st.versions {
		if v.StorageState != contenthistory.StorageStateCompressed || v.Number <= number {
			continue
		}
		if v.BaselineRef != nil && *v.BaselineRef <= number {
			return contenthistory.ErrRetentionViolation
		}
	}

	delete(st.versions, number)
	return nil
}

func (r *Repository) version(entityID uuid.UUID, number int64) (*contenthistory.Version, error) {
	st, exists := r.entities[entityID]
	if !exists {
		return nil, contenthistory.ErrEntityNotFound
	}
	v, exists := st.versions[number]
	if !exists {
		return nil, contenthistory.ErrVersionNotFound
	}
	return v, nil
}

// copyVersion isolates stored records from caller mutation.
func copyVersion(v *contenthistory.Version) *contenthistory.Version {
	out := *v
	out.Snapshot = v.Snapshot.Clone()
	out.Delta = copyDiff(v.Delta)
	if v.BaselineRef != nil {
		ref := *v.BaselineRef
		out.BaselineRef = &ref
	}
	if v.ArchivedAt != nil {
		at := *v.ArchivedAt
		out.ArchivedAt = &at
	}
	out.ChangeSummary = append([]string(nil), v.ChangeSummary...)
	return &out
}

func copyDiff(d contenthistory.Diff) contenthistory.Diff {
	if d == nil {
		return nil
	}
	// Change values are immutable once committed; copying the slice is
	// enough to isolate the record.
	return append(contenthistory.Diff(nil), d...)
}

func summarize(v *contenthistory.Version) *contenthistory.VersionSummary {
	s := &contenthistory.VersionSummary{
		EntityID:      v.EntityID,
		Number:        v.Number,
		AuthorID:      v.AuthorID,
		Comment:       v.Comment,
		ChangeSummary: append([]string(nil), v.ChangeSummary...),
		StorageState:  v.StorageState,
		CreatedAt:     v.CreatedAt,
	}
	if v.BaselineRef != nil {
		ref := *v.BaselineRef
		s.BaselineRef = &ref
	}
	return s
}
