package contenthistory

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is an event sink that does nothing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-op event sink
func NewNoopEventSink() *NoopEventSink { return &NoopEventSink{} }

func (s *NoopEventSink) VersionCreated(ctx context.Context, version *Version) error { return nil }

func (s *NoopEventSink) VersionReverted(ctx context.Context, version *Version, target int64) error {
	return nil
}

func (s *NoopEventSink) RetentionApplied(ctx context.Context, entityID uuid.UUID, report *RetentionReport) error {
	return nil
}

// LogEventSink logs events with slog. Useful as a stand-in for a real
// notification service in development.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink that logs each event.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger}
}

func (s *LogEventSink) VersionCreated(ctx context.Context, version *Version) error {
	s.logger.Info("version created",
		"entity_id", version.EntityID,
		"version", version.Number,
		"author_id", version.AuthorID,
		"change_summary", version.ChangeSummary)
	return nil
}

func (s *LogEventSink) VersionReverted(ctx context.Context, version *Version, target int64) error {
	s.logger.Info("version reverted",
		"entity_id", version.EntityID,
		"version", version.Number,
		"reverted_from", target)
	return nil
}

func (s *LogEventSink) RetentionApplied(ctx context.Context, entityID uuid.UUID, report *RetentionReport) error {
	s.logger.Info("retention applied",
		"entity_id", entityID,
		"archived", report.Archived,
		"compressed", report.Compressed,
		"purged", report.Purged,
		"rebaselined", report.Rebaselined)
	return nil
}

// NoopIdentityResolver returns the author identifier unresolved. The engine
// trusts the identifier either way.
type NoopIdentityResolver struct{}

// NewNoopIdentityResolver creates a resolver that echoes the identifier.
func NewNoopIdentityResolver() *NoopIdentityResolver { return &NoopIdentityResolver{} }

func (r *NoopIdentityResolver) Resolve(ctx context.Context, authorID uuid.UUID) (string, error) {
	return authorID.String(), nil
}
