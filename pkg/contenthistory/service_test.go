package contenthistory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/content-history/pkg/contenthistory"
	memoryrepo "github.com/tendant/content-history/pkg/contenthistory/repo/memory"
)

func newService(t *testing.T, options ...contenthistory.Option) contenthistory.Service {
	t.Helper()
	svc, err := contenthistory.New(append([]contenthistory.Option{
		contenthistory.WithRepository(memoryrepo.New()),
	}, options...)...)
	require.NoError(t, err)
	return svc
}

func snapshot(t *testing.T, doc string) *contenthistory.Value {
	t.Helper()
	v, err := contenthistory.ParseSnapshot([]byte(doc))
	require.NoError(t, err)
	return v
}

func commit(t *testing.T, svc contenthistory.Service, entityID uuid.UUID, doc string, expected int64) *contenthistory.Version {
	t.Helper()
	v, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID:        entityID,
		Snapshot:        snapshot(t, doc),
		AuthorID:        uuid.New(),
		ExpectedVersion: expected,
	})
	require.NoError(t, err)
	return v
}

func TestCreateVersion_First(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()

	v := commit(t, svc, entityID, `{"title":"hello","body":"world"}`, 0)

	assert.Equal(t, int64(1), v.Number)
	assert.Equal(t, contenthistory.StorageStateActive, v.StorageState)
	// every top-level section is new on the first version
	assert.Equal(t, []string{"title", "body"}, v.ChangeSummary)

	entity, err := svc.GetEntity(context.Background(), entityID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entity.HeadVersion)
}

func TestCreateVersion_ChangeSummary(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"hello","meta":{"draft":true},"body":"one"}`, 0)

	v := commit(t, svc, entityID, `{"title":"hello","meta":{"draft":false},"body":"one","tags":["x"]}`, 1)

	assert.Equal(t, int64(2), v.Number)
	assert.Equal(t, []string{"meta", "tags"}, v.ChangeSummary)
}

func TestCreateVersion_StaleExpected(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"v1"}`, 0)
	commit(t, svc, entityID, `{"title":"v2"}`, 1)

	_, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID:        entityID,
		Snapshot:        snapshot(t, `{"title":"stale"}`),
		AuthorID:        uuid.New(),
		ExpectedVersion: 1,
	})
	require.Error(t, err)

	var conflict *contenthistory.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.CurrentHead)

	// failed commit consumed no version number
	v := commit(t, svc, entityID, `{"title":"v3"}`, 2)
	assert.Equal(t, int64(3), v.Number)
}

func TestCreateVersion_NegativeExpectedRejected(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()

	_, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID:        entityID,
		Snapshot:        snapshot(t, `{"title":"x"}`),
		AuthorID:        uuid.New(),
		ExpectedVersion: -1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected version")

	// nothing was committed
	_, err = svc.GetEntity(context.Background(), entityID)
	assert.ErrorIs(t, err, contenthistory.ErrEntityNotFound)
}

func TestCreateVersion_InvalidSnapshot(t *testing.T) {
	svc := newService(t, contenthistory.WithSchema(contenthistory.SnapshotSchema{
		RequiredSections: []string{"title"},
	}))
	entityID := uuid.New()

	_, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID: entityID,
		Snapshot: snapshot(t, `{"body":"no title"}`),
		AuthorID: uuid.New(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contenthistory.ErrInvalidSnapshot)

	// nothing was committed
	_, err = svc.GetEntity(context.Background(), entityID)
	assert.ErrorIs(t, err, contenthistory.ErrEntityNotFound)
}

func TestCreateVersion_ConcurrentWriters(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"base"}`, 0)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
				EntityID:        entityID,
				Snapshot:        snapshot(t, fmt.Sprintf(`{"title":"writer-%d"}`, i)),
				AuthorID:        uuid.New(),
				ExpectedVersion: 1,
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, contenthistory.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	entity, err := svc.GetEntity(context.Background(), entityID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.HeadVersion)
}

// flakyRepo fails CommitVersion with a transient error a set number of times.
// When failAfterCommit is set, the commit lands before the error is returned,
// simulating a lost acknowledgement.
type flakyRepo struct {
	contenthistory.Repository
	mu              sync.Mutex
	failures        int
	failAfterCommit bool
}

func (r *flakyRepo) CommitVersion(ctx context.Context, version *contenthistory.Version, expectedHead int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		if r.failAfterCommit {
			if err := r.Repository.CommitVersion(ctx, version, expectedHead); err != nil {
				return err
			}
		}
		return &contenthistory.StorageError{Op: "commit version", Err: errors.New("connection reset"), Transient: true}
	}
	return r.Repository.CommitVersion(ctx, version, expectedHead)
}

func TestCreateVersion_RetriesTransientFailure(t *testing.T) {
	repo := &flakyRepo{Repository: memoryrepo.New(), failures: 2}
	svc, err := contenthistory.New(contenthistory.WithRepository(repo))
	require.NoError(t, err)

	entityID := uuid.New()
	v, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID: entityID,
		Snapshot: snapshot(t, `{"title":"persistent"}`),
		AuthorID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Number)
}

func TestCreateVersion_RetryObservesOwnCommit(t *testing.T) {
	// first attempt commits but reports a transient failure; the retry hits a
	// conflict, recognizes its own committed version and succeeds without
	// committing twice
	repo := &flakyRepo{Repository: memoryrepo.New(), failures: 1, failAfterCommit: true}
	svc, err := contenthistory.New(contenthistory.WithRepository(repo))
	require.NoError(t, err)

	entityID := uuid.New()
	v, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID: entityID,
		Snapshot: snapshot(t, `{"title":"exactly once"}`),
		AuthorID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Number)

	entity, err := svc.GetEntity(context.Background(), entityID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entity.HeadVersion)
}

func TestCreateVersion_GivesUpOnPersistentFailure(t *testing.T) {
	repo := &flakyRepo{Repository: memoryrepo.New(), failures: 100}
	svc, err := contenthistory.New(contenthistory.WithRepository(repo))
	require.NoError(t, err)

	_, err = svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID: uuid.New(),
		Snapshot: snapshot(t, `{"title":"doomed"}`),
		AuthorID: uuid.New(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contenthistory.ErrStorageFailure)
}

func TestGetVersion(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"v1"}`, 0)

	v, err := svc.GetVersion(context.Background(), entityID, 1)
	require.NoError(t, err)
	assert.True(t, v.Snapshot.Equal(snapshot(t, `{"title":"v1"}`)))

	_, err = svc.GetVersion(context.Background(), entityID, 9)
	assert.ErrorIs(t, err, contenthistory.ErrVersionNotFound)
}

func TestListVersions_Pagination(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	for i := int64(0); i < 7; i++ {
		commit(t, svc, entityID, fmt.Sprintf(`{"title":"v%d"}`, i+1), i)
	}

	page, err := svc.ListVersions(context.Background(), contenthistory.ListVersionsRequest{
		EntityID: entityID,
		PageSize: 3,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, int64(7), page.Items[0].Number)
	require.NotNil(t, page.NextCursor)

	page, err = svc.ListVersions(context.Background(), contenthistory.ListVersionsRequest{
		EntityID: entityID,
		PageSize: 3,
		Cursor:   page.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, int64(4), page.Items[0].Number)

	page, err = svc.ListVersions(context.Background(), contenthistory.ListVersionsRequest{
		EntityID: entityID,
		PageSize: 3,
		Cursor:   page.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.Items[0].Number)
	assert.Nil(t, page.NextCursor)
}

func TestCompareVersions(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"hello","body":"one"}`, 0)
	commit(t, svc, entityID, `{"title":"hello","body":"two"}`, 1)

	diff, err := svc.CompareVersions(context.Background(), entityID, 1, 2)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	assert.Equal(t, "body", diff[0].Path)
	assert.Equal(t, contenthistory.ChangeModified, diff[0].Type)

	// reversed direction mirrors
	rev, err := svc.CompareVersions(context.Background(), entityID, 2, 1)
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.True(t, rev[0].OldValue.Equal(diff[0].NewValue))
}

func TestRevert(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"original","body":"keep"}`, 0)
	commit(t, svc, entityID, `{"title":"mangled","body":"keep"}`, 1)

	authorID := uuid.New()
	v, err := svc.Revert(context.Background(), contenthistory.RevertRequest{
		EntityID:        entityID,
		TargetVersion:   1,
		AuthorID:        authorID,
		ExpectedVersion: 2,
	})
	require.NoError(t, err)

	// revert is a new version, not history rewrite
	assert.Equal(t, int64(3), v.Number)
	assert.True(t, v.Snapshot.Equal(snapshot(t, `{"title":"original","body":"keep"}`)))
	assert.Equal(t, "reverted from version 1", v.Comment)
	assert.Equal(t, []string{"title"}, v.ChangeSummary)

	// target version is untouched
	target, err := svc.GetVersion(context.Background(), entityID, 2)
	require.NoError(t, err)
	assert.True(t, target.Snapshot.Equal(snapshot(t, `{"title":"mangled","body":"keep"}`)))
}

func TestRevert_StaleExpected(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"v1"}`, 0)
	commit(t, svc, entityID, `{"title":"v2"}`, 1)

	_, err := svc.Revert(context.Background(), contenthistory.RevertRequest{
		EntityID:        entityID,
		TargetVersion:   1,
		AuthorID:        uuid.New(),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, contenthistory.ErrVersionConflict)
}

func TestRevert_MissingTarget(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"v1"}`, 0)

	_, err := svc.Revert(context.Background(), contenthistory.RevertRequest{
		EntityID:        entityID,
		TargetVersion:   5,
		AuthorID:        uuid.New(),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, contenthistory.ErrVersionNotFound)
}

func TestDeleteEntity_BlocksNewVersions(t *testing.T) {
	svc := newService(t)
	entityID := uuid.New()
	commit(t, svc, entityID, `{"title":"v1"}`, 0)

	require.NoError(t, svc.DeleteEntity(context.Background(), entityID))

	_, err := svc.CreateVersion(context.Background(), contenthistory.CreateVersionRequest{
		EntityID:        entityID,
		Snapshot:        snapshot(t, `{"title":"after"}`),
		AuthorID:        uuid.New(),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, contenthistory.ErrEntityNotFound)

	// history remains readable
	v, err := svc.GetVersion(context.Background(), entityID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Number)
}

// recordingSink captures events on channels so tests can await async delivery.
type recordingSink struct {
	contenthistory.NoopEventSink
	created  chan *contenthistory.Version
	reverted chan int64
}

func (s *recordingSink) VersionCreated(ctx context.Context, version *contenthistory.Version) error {
	s.created <- version
	return nil
}

func (s *recordingSink) VersionReverted(ctx context.Context, version *contenthistory.Version, target int64) error {
	s.reverted <- target
	return nil
}

func TestEventNotifications(t *testing.T) {
	sink := &recordingSink{
		created:  make(chan *contenthistory.Version, 4),
		reverted: make(chan int64, 4),
	}
	svc := newService(t, contenthistory.WithEventSink(sink))
	entityID := uuid.New()

	commit(t, svc, entityID, `{"title":"v1"}`, 0)
	select {
	case v := <-sink.created:
		assert.Equal(t, int64(1), v.Number)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for created event")
	}

	_, err := svc.Revert(context.Background(), contenthistory.RevertRequest{
		EntityID:        entityID,
		TargetVersion:   1,
		AuthorID:        uuid.New(),
		ExpectedVersion: 1,
	})
	require.NoError(t, err)

	select {
	case target := <-sink.reverted:
		assert.Equal(t, int64(1), target)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reverted event")
	}
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := contenthistory.New()
	assert.Error(t, err)
}
