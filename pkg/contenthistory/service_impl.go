package contenthistory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCommitAttempts = 3
	defaultRetryBackoff   = 50 * time.Millisecond

	defaultPageSize = 50
	maxPageSize     = 200
)

// service implements the Service interface
type service struct {
	repository Repository
	archive    SnapshotArchive
	events     EventSink
	identity   IdentityResolver
	schema     SnapshotSchema
	logger     *slog.Logger
	clock      func() time.Time

	commitAttempts int
	retryBackoff   time.Duration
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithSnapshotArchive sets the blob backend receiving audit copies of
// archived snapshots and pre-purge exports.
func WithSnapshotArchive(archive SnapshotArchive) Option {
	return func(s *service) {
		s.archive = archive
	}
}

// WithEventSink sets the notification sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.events = sink
	}
}

// WithIdentityResolver sets the identity collaborator used for event
// enrichment.
func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(s *service) {
		s.identity = resolver
	}
}

// WithSchema sets the snapshot schema contract enforced on every commit.
func WithSchema(schema SnapshotSchema) Option {
	return func(s *service) {
		s.schema = schema
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock overrides the time source. Used by tests and retention sweeps
// that need deterministic ages.
func WithClock(clock func() time.Time) Option {
	return func(s *service) {
		s.clock = clock
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		schema:         DefaultSchema(),
		events:         NewNoopEventSink(),
		identity:       NewNoopIdentityResolver(),
		logger:         slog.Default(),
		clock:          func() time.Time { return time.Now().UTC() },
		commitAttempts: defaultCommitAttempts,
		retryBackoff:   defaultRetryBackoff,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}

	return s, nil
}

func (s *service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*Version, error) {
	if req.ExpectedVersion < 0 {
		return nil, fmt.Errorf("expected version must not be negative: %d", req.ExpectedVersion)
	}
	if err := s.schema.Validate(req.Snapshot); err != nil {
		return nil, err
	}

	var summary []string
	if req.ExpectedVersion > 0 {
		head, err := s.repository.GetHeadVersion(ctx, req.EntityID)
		if err != nil {
			return nil, err
		}
		if head.Number != req.ExpectedVersion {
			return nil, &ConflictError{
				EntityID:    req.EntityID,
				Expected:    req.ExpectedVersion,
				CurrentHead: head.Number,
			}
		}
		headContent, err := s.materialize(ctx, head)
		if err != nil {
			return nil, err
		}
		d, err := Compare(ctx, headContent, req.Snapshot)
		if err != nil {
			return nil, err
		}
		summary = TopLevelPaths(d)
	} else {
		// first version: every top-level section is new
		summary = req.Snapshot.Keys()
	}

	version := &Version{
		EntityID:      req.EntityID,
		Number:        req.ExpectedVersion + 1,
		Snapshot:      req.Snapshot,
		AuthorID:      req.AuthorID,
		Comment:       req.Comment,
		ChangeSummary: summary,
		StorageState:  StorageStateActive,
		CreatedAt:     s.clock(),
	}

	if err := s.commitWithRetry(ctx, version, req.ExpectedVersion); err != nil {
		return nil, err
	}

	s.notify(ctx, func(ctx context.Context) error {
		author, err := s.identity.Resolve(ctx, version.AuthorID)
		if err != nil {
			author = version.AuthorID.String()
		}
		s.logger.Info("version committed",
			"entity_id", version.EntityID,
			"version", version.Number,
			"author", author,
			"change_summary", version.ChangeSummary)
		return s.events.VersionCreated(ctx, version)
	})

	return version, nil
}

// commitWithRetry retries the atomic commit on transient storage failures
// only. Because the head advance and the version insert are one
// compare-and-swap, a replay either completes or observes its own earlier
// success; it can never leave a numbering gap.
func (s *service) commitWithRetry(ctx context.Context, version *Version, expected int64) error {
	backoff := s.retryBackoff
	var err error
	for attempt := 0; attempt < s.commitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = s.repository.CommitVersion(ctx, version, expected)
		if err == nil {
			return nil
		}
		if attempt > 0 && errors.Is(err, ErrVersionConflict) {
			// A previous attempt may have landed before its response was
			// lost. If the committed version at our number is ours, the
			// commit already succeeded.
			if committed, getErr := s.repository.GetVersion(ctx, version.EntityID, version.Number); getErr == nil {
				if committed.AuthorID == version.AuthorID && committed.Snapshot.Equal(version.Snapshot) {
					return nil
				}
			}
			return err
		}
		if !errors.Is(err, ErrStorageFailure) {
			return err
		}
		s.logger.Warn("transient commit failure, retrying",
			"entity_id", version.EntityID,
			"version", version.Number,
			"attempt", attempt+1,
			"error", err)
	}
	return err
}

func (s *service) GetVersion(ctx context.Context, entityID uuid.UUID, number int64) (*Version, error) {
	version, err := s.repository.GetVersion(ctx, entityID, number)
	if err != nil {
		return nil, err
	}
	if version.StorageState == StorageStateCompressed {
		content, err := s.materialize(ctx, version)
		if err != nil {
			return nil, err
		}
		version.Snapshot = content
	}
	return version, nil
}

func (s *service) ListVersions(ctx context.Context, req ListVersionsRequest) (*VersionPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, err := s.repository.ListVersions(ctx, req.EntityID, ListVersionsParams{
		Cursor:          req.Cursor,
		Limit:           &pageSize,
		IncludeArchived: req.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	page := &VersionPage{Items: items}
	if len(items) == pageSize {
		last := items[len(items)-1].Number
		if last > 1 {
			page.NextCursor = &last
		}
	}
	return page, nil
}

func (s *service) CompareVersions(ctx context.Context, entityID uuid.UUID, from, to int64) (Diff, error) {
	a, err := s.GetVersion(ctx, entityID, from)
	if err != nil {
		return nil, err
	}
	b, err := s.GetVersion(ctx, entityID, to)
	if err != nil {
		return nil, err
	}
	return Compare(ctx, a.Snapshot, b.Snapshot)
}

func (s *service) Revert(ctx context.Context, req RevertRequest) (*Version, error) {
	target, err := s.repository.GetVersion(ctx, req.EntityID, req.TargetVersion)
	if err != nil {
		return nil, err
	}
	content, err := s.materialize(ctx, target)
	if err != nil {
		return nil, err
	}

	version, err := s.CreateVersion(ctx, CreateVersionRequest{
		EntityID:        req.EntityID,
		Snapshot:        content,
		AuthorID:        req.AuthorID,
		Comment:         fmt.Sprintf("reverted from version %d", req.TargetVersion),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, func(ctx context.Context) error {
		return s.events.VersionReverted(ctx, version, req.TargetVersion)
	})

	return version, nil
}

func (s *service) GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error) {
	return s.repository.GetEntity(ctx, id)
}

func (s *service) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	// Soft delete only. Version history is preserved and remains subject to
	// the retention policy's audit floor.
	return s.repository.SoftDeleteEntity(ctx, id)
}

// materialize returns the version's full snapshot content, walking back to
// the nearest full snapshot and replaying deltas forward when the version is
// stored compressed.
func (s *service) materialize(ctx context.Context, version *Version) (*Value, error) {
	if version.StorageState != StorageStateCompressed {
		if version.Snapshot == nil {
			return nil, fmt.Errorf("version %d of entity %s has no snapshot", version.Number, version.EntityID)
		}
		return version.Snapshot, nil
	}

	var deltas []Diff
	cur := version
	for cur.StorageState == StorageStateCompressed {
		deltas = append(deltas, cur.Delta)
		prev, err := s.repository.GetVersion(ctx, version.EntityID, cur.Number-1)
		if err != nil {
			return nil, &RetentionError{
				EntityID: version.EntityID,
				Step:     "reconstruct",
				Number:   cur.Number,
				Err:      fmt.Errorf("baseline chain broken below version %d: %w", cur.Number, err),
			}
		}
		cur = prev
	}

	content := cur.Snapshot.Clone()
	for i := len(deltas) - 1; i >= 0; i-- {
		var err error
		content, err = Apply(content, deltas[i])
		if err != nil {
			return nil, &RetentionError{
				EntityID: version.EntityID,
				Step:     "reconstruct",
				Number:   version.Number,
				Err:      err,
			}
		}
	}
	return content, nil
}

// notify fires an event without awaiting it. The commit path never blocks on
// the notification collaborator.
func (s *service) notify(ctx context.Context, fn func(context.Context) error) {
	if s.events == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := fn(detached); err != nil {
			s.logger.Warn("event sink error", "error", err)
		}
	}()
}
