package contenthistory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApplyRetentionPolicy runs one archive/compress/purge sweep over a single
// entity. Every step is its own atomic, idempotent unit: an interrupted sweep
// can be re-run and resumes from wherever it stopped without corrupting a
// delta chain. On error the report covers the steps that completed.
func (s *service) ApplyRetentionPolicy(ctx context.Context, entityID uuid.UUID, policy RetentionPolicy) (*RetentionReport, error) {
	entity, err := s.repository.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	report := &RetentionReport{}
	now := s.clock()

	summaries, err := s.loadAscending(ctx, entityID)
	if err != nil {
		return report, err
	}

	if err := s.archivePhase(ctx, entity, policy, now, summaries, report); err != nil {
		return report, err
	}
	if err := s.compressPhase(ctx, entity, policy, now, summaries, report); err != nil {
		return report, err
	}
	if err := s.purgePhase(ctx, entity, policy, now, summaries, report); err != nil {
		return report, err
	}

	if report.Archived+report.Compressed+report.Purged+report.Rebaselined > 0 {
		snapshot := *report
		s.notify(ctx, func(ctx context.Context) error {
			return s.events.RetentionApplied(ctx, entityID, &snapshot)
		})
	}
	return report, nil
}

func (s *service) loadAscending(ctx context.Context, entityID uuid.UUID) ([]*VersionSummary, error) {
	return s.repository.ListVersions(ctx, entityID, ListVersionsParams{
		IncludeArchived: true,
		Ascending:       true,
	})
}

// archivePhase moves active versions beyond MaxActiveVersions, or older than
// MaxAge, into the archived state. The head version always stays active.
func (s *service) archivePhase(ctx context.Context, entity *Entity, policy RetentionPolicy, now time.Time, summaries []*VersionSummary, report *RetentionReport) error {
	if policy.MaxActiveVersions == nil && policy.MaxAge == nil {
		return nil
	}

	var actives []*VersionSummary
	for _, v := range summaries {
		if v.StorageState == StorageStateActive {
			actives = append(actives, v)
		}
	}

	toArchive := make(map[int64]*VersionSummary)
	if policy.MaxActiveVersions != nil {
		keep := *policy.MaxActiveVersions
		if keep < 1 {
			keep = 1
		}
		for i := 0; i < len(actives)-keep; i++ {
			toArchive[actives[i].Number] = actives[i]
		}
	}
	if policy.MaxAge != nil {
		cutoff := now.Add(-*policy.MaxAge)
		for _, v := range actives {
			if v.Number != entity.HeadVersion && v.CreatedAt.Before(cutoff) {
				toArchive[v.Number] = v
			}
		}
	}
	delete(toArchive, entity.HeadVersion)

	for _, v := range actives {
		target, ok := toArchive[v.Number]
		if !ok {
			continue
		}
		if err := s.auditCopy(ctx, entity.ID, target.Number, "archived"); err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "archive", Number: target.Number, Err: err}
		}
		if err := s.repository.MarkArchived(ctx, entity.ID, target.Number, now); err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "archive", Number: target.Number, Err: err}
		}
		target.StorageState = StorageStateArchived
		report.Archived++
	}
	return nil
}

// compressPhase converts archived versions older than CompressAfter to
// delta-only storage. The delta is the diff from the immediate predecessor;
// the full snapshot is discarded only after the chain is verified to
// reconstruct it exactly. A version with no earlier full snapshot (the
// chain's ultimate baseline) is never compressed.
func (s *service) compressPhase(ctx context.Context, entity *Entity, policy RetentionPolicy, now time.Time, summaries []*VersionSummary, report *RetentionReport) error {
	if policy.CompressAfter == nil {
		return nil
	}
	cutoff := now.Add(-*policy.CompressAfter)

	var lastFull int64
	for _, v := range summaries {
		if v.StorageState == StorageStateCompressed {
			continue
		}

		candidate := v.StorageState == StorageStateArchived &&
			v.Number > 1 &&
			lastFull >= 1 &&
			v.Number != entity.HeadVersion &&
			v.CreatedAt.Before(cutoff)
		if !candidate {
			lastFull = v.Number
			continue
		}

		prev, err := s.repository.GetVersion(ctx, entity.ID, v.Number-1)
		if err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}
		prevContent, err := s.materialize(ctx, prev)
		if err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}
		cur, err := s.repository.GetVersion(ctx, entity.ID, v.Number)
		if err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}

		delta, err := Compare(ctx, prevContent, cur.Snapshot)
		if err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}

		// verify the chain reproduces the snapshot before discarding it
		reconstructed, err := Apply(prevContent, delta)
		if err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}
		if !reconstructed.Equal(cur.Snapshot) {
			return &RetentionError{
				EntityID: entity.ID,
				Step:     "compress",
				Number:   v.Number,
				Err:      fmt.Errorf("%w: delta chain does not reconstruct the stored snapshot", ErrRetentionViolation),
			}
		}

		if err := s.repository.StoreCompressed(ctx, entity.ID, v.Number, lastFull, delta); err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "compress", Number: v.Number, Err: err}
		}
		v.StorageState = StorageStateCompressed
		ref := lastFull
		v.BaselineRef = &ref
		report.Compressed++
	}
	return nil
}

// purgePhase deletes the oldest versions past PurgeAfter and the audit
// floor. When the purge prefix would orphan a compressed survivor, the
// oldest survivor is first re-baselined: its full snapshot is materialized
// and later chain references are retargeted onto it. Each version is
// exported to the snapshot archive before deletion, and deletion runs newest
// first within the prefix so a chain is never cut under a version that still
// needs it.
func (s *service) purgePhase(ctx context.Context, entity *Entity, policy RetentionPolicy, now time.Time, summaries []*VersionSummary, report *RetentionReport) error {
	if policy.PurgeAfter == nil {
		return nil
	}

	purgeBefore := now.Add(-*policy.PurgeAfter)
	if policy.AuditRetention != nil {
		floor := now.Add(-*policy.AuditRetention)
		if floor.Before(purgeBefore) {
			purgeBefore = floor
		}
	}

	// The head is purgeable only after the owning entity is soft-deleted.
	headProtected := entity.DeletedAt == nil

	var candidates []*VersionSummary
	for _, v := range summaries {
		if !v.CreatedAt.Before(purgeBefore) {
			break
		}
		if headProtected && v.Number == entity.HeadVersion {
			break
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil
	}

	lastPurged := candidates[len(candidates)-1].Number
	var firstSurvivor *VersionSummary
	for _, v := range summaries {
		if v.Number > lastPurged {
			firstSurvivor = v
			break
		}
	}

	if firstSurvivor != nil && firstSurvivor.StorageState == StorageStateCompressed {
		if err := s.rebaseline(ctx, entity.ID, firstSurvivor, report); err != nil {
			return err
		}
	}

	// export before any deletion so audit copies of chained versions can
	// still be materialized
	for _, v := range candidates {
		if err := s.auditCopy(ctx, entity.ID, v.Number, "purged"); err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "purge", Number: v.Number, Err: err}
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		if err := s.repository.PurgeVersion(ctx, entity.ID, candidates[i].Number); err != nil {
			return &RetentionError{EntityID: entity.ID, Step: "purge", Number: candidates[i].Number, Err: err}
		}
		report.Purged++
	}
	return nil
}

func (s *service) rebaseline(ctx context.Context, entityID uuid.UUID, survivor *VersionSummary, report *RetentionReport) error {
	stored, err := s.repository.GetVersion(ctx, entityID, survivor.Number)
	if err != nil {
		return &RetentionError{EntityID: entityID, Step: "rebaseline", Number: survivor.Number, Err: err}
	}
	if stored.BaselineRef == nil {
		return &RetentionError{
			EntityID: entityID,
			Step:     "rebaseline",
			Number:   survivor.Number,
			Err:      fmt.Errorf("%w: compressed version has no baseline reference", ErrRetentionViolation),
		}
	}
	oldRef := *stored.BaselineRef

	content, err := s.materialize(ctx, stored)
	if err != nil {
		return &RetentionError{EntityID: entityID, Step: "rebaseline", Number: survivor.Number, Err: err}
	}
	if err := s.repository.RestoreSnapshot(ctx, entityID, survivor.Number, content); err != nil {
		return &RetentionError{EntityID: entityID, Step: "rebaseline", Number: survivor.Number, Err: err}
	}
	if err := s.repository.RetargetBaselines(ctx, entityID, oldRef, survivor.Number); err != nil {
		return &RetentionError{EntityID: entityID, Step: "rebaseline", Number: survivor.Number, Err: err}
	}
	survivor.StorageState = StorageStateArchived
	survivor.BaselineRef = nil
	report.Rebaselined++
	return nil
}

// auditCopy exports a materialized version record to the snapshot archive.
// Skipped when no archive backend is configured. Re-export of the same key
// overwrites, keeping the sweep idempotent.
func (s *service) auditCopy(ctx context.Context, entityID uuid.UUID, number int64, reason string) error {
	if s.archive == nil {
		return nil
	}
	record, err := s.repository.GetVersion(ctx, entityID, number)
	if err != nil {
		return err
	}
	if record.StorageState == StorageStateCompressed {
		content, err := s.materialize(ctx, record)
		if err != nil {
			return err
		}
		record.Snapshot = content
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := archiveKey(entityID, number, reason)
	return s.archive.Store(ctx, key, data)
}

func archiveKey(entityID uuid.UUID, number int64, reason string) string {
	return fmt.Sprintf("%s/%08d.%s.json", entityID, number, reason)
}
