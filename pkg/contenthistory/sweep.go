package contenthistory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Sweeper applies a retention policy across many entities in batches. It is
// the background counterpart to Service.ApplyRetentionPolicy: cancellable
// between entities and safe to resume, because every per-entity step is
// idempotent.
type Sweeper struct {
	svc  Service
	repo Repository
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(svc Service, repo Repository) *Sweeper {
	return &Sweeper{svc: svc, repo: repo}
}

// SweepOptions configures the sweep operation.
type SweepOptions struct {
	// Policy is applied to every swept entity (required).
	Policy RetentionPolicy

	// BatchSize controls how many entities to query at once (default: 100)
	BatchSize int

	// IncludeDeleted sweeps soft-deleted entities too, so their histories
	// age out per the audit floor.
	IncludeDeleted bool

	// OnProgress is called after each entity is processed (optional)
	OnProgress func(swept int, totals RetentionReport)
}

// SweepResult contains statistics about the sweep operation.
type SweepResult struct {
	// EntitiesSwept is the number of entities whose sweep completed.
	EntitiesSwept int

	// EntitiesFailed is the number of entities whose sweep returned an
	// error. A failed entity leaves its prior state untouched and is
	// retried on the next run.
	EntitiesFailed int

	// Totals aggregates the per-entity retention reports.
	Totals RetentionReport

	// FailedIDs contains the IDs of entities that failed.
	FailedIDs []uuid.UUID
}

// Sweep pages over entities and applies the policy to each. A per-entity
// failure is recorded and sweeping continues; cancellation stops between
// entities and the next run resumes the remaining work.
func (s *Sweeper) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	result := &SweepResult{}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	offset := 0
	for {
		entities, err := s.repo.ListEntities(ctx, ListEntitiesParams{
			Limit:          &opts.BatchSize,
			Offset:         &offset,
			IncludeDeleted: opts.IncludeDeleted,
		})
		if err != nil {
			return result, fmt.Errorf("list entities: %w", err)
		}
		if len(entities) == 0 {
			return result, nil
		}

		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			report, err := s.svc.ApplyRetentionPolicy(ctx, entity.ID, opts.Policy)
			if report != nil {
				result.Totals.add(*report)
			}
			if err != nil {
				result.EntitiesFailed++
				result.FailedIDs = append(result.FailedIDs, entity.ID)
			} else {
				result.EntitiesSwept++
			}

			if opts.OnProgress != nil {
				opts.OnProgress(result.EntitiesSwept+result.EntitiesFailed, result.Totals)
			}
		}

		offset += len(entities)
	}
}
