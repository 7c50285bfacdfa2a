package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/content-history/pkg/contenthistory"
)

// DBTX is an interface that allows us to use either a connection pool or a
// mock. Begin is required because the commit path runs head advance and
// version insert in one transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements contenthistory.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) contenthistory.Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) contenthistory.Repository {
	return &Repository{db: pool}
}

// handlePostgresError maps driver errors onto the engine's error taxonomy.
// Connection-level failures come back as transient StorageErrors so the
// service layer can retry the commit.
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &contenthistory.StorageError{Op: operation, Err: fmt.Errorf("duplicate entry: %s", pgErr.ConstraintName)}
		case "23503": // foreign_key_violation
			return &contenthistory.StorageError{Op: operation, Err: fmt.Errorf("referenced record not found")}
		case "23514": // check_violation
			return contenthistory.ErrRetentionViolation
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &contenthistory.StorageError{Op: operation, Err: err, Transient: true}
		case "42P01": // undefined_table
			return &contenthistory.StorageError{Op: operation, Err: fmt.Errorf("table does not exist - database migration required")}
		default:
			return &contenthistory.StorageError{Op: operation, Err: fmt.Errorf("%s (code: %s)", pgErr.Message, pgErr.Code)}
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Anything else (closed connections, network failures) is transient.
	return &contenthistory.StorageError{Op: operation, Err: err, Transient: true}
}

// Entity operations

func (r *Repository) GetEntity(ctx context.Context, id uuid.UUID) (*contenthistory.Entity, error) {
	query := `
        SELECT id, head_version, created_at, updated_at, deleted_at
        FROM entities WHERE id = $1`

	var entity contenthistory.Entity
	err := r.db.QueryRow(ctx, query, id).Scan(
		&entity.ID, &entity.HeadVersion, &entity.CreatedAt, &entity.UpdatedAt, &entity.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, contenthistory.ErrEntityNotFound
		}
		return nil, r.handlePostgresError("get entity", err)
	}
	return &entity, nil
}

func (r *Repository) ListEntities(ctx context.Context, params contenthistory.ListEntitiesParams) ([]*contenthistory.Entity, error) {
	query := `
        SELECT id, head_version, created_at, updated_at, deleted_at
        FROM entities`
	var args []interface{}
	if !params.IncludeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	if params.Limit != nil {
		args = append(args, *params.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if params.Offset != nil {
		args = append(args, *params.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list entities", err)
	}
	defer rows.Close()

	var entities []*contenthistory.Entity
	for rows.Next() {
		var entity contenthistory.Entity
		if err := rows.Scan(&entity.ID, &entity.HeadVersion, &entity.CreatedAt, &entity.UpdatedAt, &entity.DeletedAt); err != nil {
			return nil, r.handlePostgresError("scan entity", err)
		}
		entities = append(entities, &entity)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("iterate entity rows", err)
	}
	return entities, nil
}

func (r *Repository) SoftDeleteEntity(ctx context.Context, id uuid.UUID) error {
	query := `
        UPDATE entities SET deleted_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return r.handlePostgresError("soft delete entity", err)
	}
	if tag.RowsAffected() == 0 {
		// already deleted is fine, missing is not
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)`, id).Scan(&exists); err != nil {
			return r.handlePostgresError("soft delete entity", err)
		}
		if !exists {
			return contenthistory.ErrEntityNotFound
		}
	}
	return nil
}

// Version operations

// CommitVersion performs the compare-and-swap commit: the head advance and
// the version insert happen in one transaction, so a stale expected head
// rolls back without leaving a gap in the sequence.
func (r *Repository) CommitVersion(ctx context.Context, version *contenthistory.Version, expectedHead int64) error {
	snapshot, err := json.Marshal(version.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("begin commit", err)
	}
	defer tx.Rollback(ctx)

	if expectedHead == 0 {
		tag, err := tx.Exec(ctx, `
            INSERT INTO entities (id, head_version, created_at, updated_at)
            VALUES ($1, 1, $2, $2)
            ON CONFLICT (id) DO NOTHING`,
			version.EntityID, version.CreatedAt)
		if err != nil {
			return r.handlePostgresError("create entity", err)
		}
		if tag.RowsAffected() == 0 {
			return r.conflict(ctx, tx, version.EntityID, expectedHead)
		}
	} else {
		tag, err := tx.Exec(ctx, `
            UPDATE entities SET head_version = $2 + 1, updated_at = $3
            WHERE id = $1 AND head_version = $2 AND deleted_at IS NULL`,
			version.EntityID, expectedHead, version.CreatedAt)
		if err != nil {
			return r.handlePostgresError("advance head", err)
		}
		if tag.RowsAffected() == 0 {
			return r.conflict(ctx, tx, version.EntityID, expectedHead)
		}
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO versions (
            entity_id, version_number, snapshot, author_id, comment,
            change_summary, storage_state, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		version.EntityID, expectedHead+1, snapshot, version.AuthorID,
		version.Comment, version.ChangeSummary, version.StorageState, version.CreatedAt)
	if err != nil {
		return r.handlePostgresError("insert version", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return r.handlePostgresError("commit version", err)
	}
	return nil
}

// conflict distinguishes a stale expected head from a missing or deleted
// entity after a zero-row CAS update.
func (r *Repository) conflict(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, expectedHead int64) error {
	var head int64
	var deletedAt *time.Time
	err := tx.QueryRow(ctx, `SELECT head_version, deleted_at FROM entities WHERE id = $1`, entityID).
		Scan(&head, &deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contenthistory.ErrEntityNotFound
		}
		return r.handlePostgresError("resolve conflict", err)
	}
	if expectedHead != 0 && deletedAt != nil {
		return contenthistory.ErrEntityNotFound
	}
	return &contenthistory.ConflictError{
		EntityID:    entityID,
		Expected:    expectedHead,
		CurrentHead: head,
	}
}

const versionColumns = `
        entity_id, version_number, snapshot, delta, baseline_ref, author_id,
        comment, change_summary, storage_state, created_at, archived_at`

func (r *Repository) GetVersion(ctx context.Context, entityID uuid.UUID, number int64) (*contenthistory.Version, error) {
	query := `SELECT` + versionColumns + `
        FROM versions WHERE entity_id = $1 AND version_number = $2`

	version, err := r.scanVersion(r.db.QueryRow(ctx, query, entityID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.versionNotFound(ctx, entityID)
		}
		return nil, r.handlePostgresError("get version", err)
	}
	return version, nil
}

func (r *Repository) GetHeadVersion(ctx context.Context, entityID uuid.UUID) (*contenthistory.Version, error) {
	query := `SELECT` + versionColumns + `
        FROM versions v
        WHERE v.entity_id = $1
          AND v.version_number = (SELECT head_version FROM entities WHERE id = $1)`

	version, err := r.scanVersion(r.db.QueryRow(ctx, query, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.versionNotFound(ctx, entityID)
		}
		return nil, r.handlePostgresError("get head version", err)
	}
	return version, nil
}

// versionNotFound reports whether the miss was the version or the whole
// entity.
func (r *Repository) versionNotFound(ctx context.Context, entityID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)`, entityID).Scan(&exists); err != nil {
		return r.handlePostgresError("check entity", err)
	}
	if !exists {
		return contenthistory.ErrEntityNotFound
	}
	return contenthistory.ErrVersionNotFound
}

func (r *Repository) scanVersion(row pgx.Row) (*contenthistory.Version, error) {
	var (
		version  contenthistory.Version
		snapshot []byte
		delta    []byte
	)
	err := row.Scan(
		&version.EntityID, &version.Number, &snapshot, &delta, &version.BaselineRef,
		&version.AuthorID, &version.Comment, &version.ChangeSummary,
		&version.StorageState, &version.CreatedAt, &version.ArchivedAt)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		parsed, err := contenthistory.ParseSnapshot(snapshot)
		if err != nil {
			return nil, fmt.Errorf("parse stored snapshot: %w", err)
		}
		version.Snapshot = parsed
	}
	if len(delta) > 0 {
		if err := json.Unmarshal(delta, &version.Delta); err != nil {
			return nil, fmt.Errorf("parse stored delta: %w", err)
		}
	}
	return &version, nil
}

func (r *Repository) ListVersions(ctx context.Context, entityID uuid.UUID, params contenthistory.ListVersionsParams) ([]*contenthistory.VersionSummary, error) {
	query := `
        SELECT entity_id, version_number, baseline_ref, author_id, comment,
               change_summary, storage_state, created_at
        FROM versions WHERE entity_id = $1`
	args := []interface{}{entityID}

	if !params.IncludeArchived {
		args = append(args, contenthistory.StorageStateActive)
		query += fmt.Sprintf(` AND storage_state = $%d`, len(args))
	}
	if params.Cursor != nil {
		args = append(args, *params.Cursor)
		if params.Ascending {
			query += fmt.Sprintf(` AND version_number > $%d`, len(args))
		} else {
			query += fmt.Sprintf(` AND version_number < $%d`, len(args))
		}
	}
	if params.Ascending {
		query += ` ORDER BY version_number ASC`
	} else {
		query += ` ORDER BY version_number DESC`
	}
	if params.Limit != nil {
		args = append(args, *params.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list versions", err)
	}
	defer rows.Close()

	var summaries []*contenthistory.VersionSummary
	for rows.Next() {
		var s contenthistory.VersionSummary
		if err := rows.Scan(
			&s.EntityID, &s.Number, &s.BaselineRef, &s.AuthorID, &s.Comment,
			&s.ChangeSummary, &s.StorageState, &s.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan version summary", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("iterate version rows", err)
	}

	if summaries == nil {
		// distinguish an empty history from a missing entity
		if err := r.requireEntity(ctx, entityID); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

func (r *Repository) requireEntity(ctx context.Context, entityID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)`, entityID).Scan(&exists); err != nil {
		return r.handlePostgresError("check entity", err)
	}
	if !exists {
		return contenthistory.ErrEntityNotFound
	}
	return nil
}

// Retention state transitions

func (r *Repository) MarkArchived(ctx context.Context, entityID uuid.UUID, number int64, archivedAt time.Time) error {
	query := `
        UPDATE versions SET storage_state = $3, archived_at = $4
        WHERE entity_id = $1 AND version_number = $2 AND storage_state = $5`

	tag, err := r.db.Exec(ctx, query, entityID, number,
		contenthistory.StorageStateArchived, archivedAt, contenthistory.StorageStateActive)
	if err != nil {
		return r.handlePostgresError("mark archived", err)
	}
	if tag.RowsAffected() == 0 {
		return r.requireTransition(ctx, entityID, number, contenthistory.StorageStateArchived)
	}
	return nil
}

func (r *Repository) StoreCompressed(ctx context.Context, entityID uuid.UUID, number int64, baselineRef int64, delta contenthistory.Diff) error {
	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}

	query := `
        UPDATE versions
        SET storage_state = $3, snapshot = NULL, delta = $4, baseline_ref = $5
        WHERE entity_id = $1 AND version_number = $2 AND storage_state = $6`

	tag, err := r.db.Exec(ctx, query, entityID, number,
		contenthistory.StorageStateCompressed, payload, baselineRef,
		contenthistory.StorageStateArchived)
	if err != nil {
		return r.handlePostgresError("store compressed", err)
	}
	if tag.RowsAffected() == 0 {
		return r.requireTransition(ctx, entityID, number, contenthistory.StorageStateCompressed)
	}
	return nil
}

// requireTransition decides what a zero-row state transition means: missing
// row, already in the target state (idempotent success), or an illegal
// transition.
func (r *Repository) requireTransition(ctx context.Context, entityID uuid.UUID, number int64, want contenthistory.StorageState) error {
	var state contenthistory.StorageState
	err := r.db.QueryRow(ctx,
		`SELECT storage_state FROM versions WHERE entity_id = $1 AND version_number = $2`,
		entityID, number).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.versionNotFound(ctx, entityID)
		}
		return r.handlePostgresError("check storage state", err)
	}
	if state == want {
		return nil
	}
	return contenthistory.ErrRetentionViolation
}

func (r *Repository) RestoreSnapshot(ctx context.Context, entityID uuid.UUID, number int64, snapshot *contenthistory.Value) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
        UPDATE versions
        SET storage_state = $3, snapshot = $4, delta = NULL, baseline_ref = NULL
        WHERE entity_id = $1 AND version_number = $2`

	tag, err := r.db.Exec(ctx, query, entityID, number,
		contenthistory.StorageStateArchived, payload)
	if err != nil {
		return r.handlePostgresError("restore snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return r.versionNotFound(ctx, entityID)
	}
	return nil
}

func (r *Repository) RetargetBaselines(ctx context.Context, entityID uuid.UUID, oldRef, newRef int64) error {
	query := `
        UPDATE versions SET baseline_ref = $3
        WHERE entity_id = $1 AND storage_state = $4
          AND baseline_ref = $2 AND version_number > $3`

	_, err := r.db.Exec(ctx, query, entityID, oldRef, newRef,
		contenthistory.StorageStateCompressed)
	if err != nil {
		return r.handlePostgresError("retarget baselines", err)
	}
	return nil
}

// PurgeVersion deletes a version row, refusing when a surviving compressed
// version still depends on it for reconstruction.
func (r *Repository) PurgeVersion(ctx context.Context, entityID uuid.UUID, number int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("begin purge", err)
	}
	defer tx.Rollback(ctx)

	var dependent bool
	err = tx.QueryRow(ctx, `
        SELECT EXISTS(
            SELECT 1 FROM versions
            WHERE entity_id = $1 AND storage_state = $3
              AND version_number > $2 AND baseline_ref <= $2)`,
		entityID, number, contenthistory.StorageStateCompressed).Scan(&dependent)
	if err != nil {
		return r.handlePostgresError("check chain dependents", err)
	}
	if dependent {
		return contenthistory.ErrRetentionViolation
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM versions WHERE entity_id = $1 AND version_number = $2`,
		entityID, number)
	if err != nil {
		return r.handlePostgresError("purge version", err)
	}
	if tag.RowsAffected() == 0 {
		return r.versionNotFound(ctx, entityID)
	}

	if err := tx.Commit(ctx); err != nil {
		return r.handlePostgresError("commit purge", err)
	}
	return nil
}
