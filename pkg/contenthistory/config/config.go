package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/content-history/pkg/contenthistory"
	"github.com/tendant/content-history/pkg/contenthistory/repo/memory"
	repopg "github.com/tendant/content-history/pkg/contenthistory/repo/postgres"
	fsarchive "github.com/tendant/content-history/pkg/contenthistory/storage/fs"
	memoryarchive "github.com/tendant/content-history/pkg/contenthistory/storage/memory"
	s3archive "github.com/tendant/content-history/pkg/contenthistory/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of
// library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:               "8080",
		Environment:        "development",
		DatabaseType:       "memory",
		ArchiveType:        "memory",
		ArchiveConfig:      map[string]interface{}{},
		RequiredSections:   nil,
		EnableEventLogging: true,
	}
}

// ServerConfig represents server configuration for the content-history
// service.
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	AutoMigrate  bool   // run schema migrations on startup (postgres only)

	// Snapshot archive configuration
	ArchiveType   string // "memory", "fs", "s3", "none"
	ArchiveConfig map[string]interface{}

	// Snapshot schema contract
	RequiredSections []string
	MediaRefKeys     []string

	// Retention defaults applied by the background sweeper
	Retention RetentionConfig

	// Server options
	EnableEventLogging bool
}

// RetentionConfig holds the retention thresholds applied on sweep. Zero
// values disable the corresponding stage.
type RetentionConfig struct {
	MaxActiveVersions int
	MaxAge            time.Duration
	CompressAfter     time.Duration
	PurgeAfter        time.Duration
	AuditRetention    time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
}

// Policy converts the configured thresholds into a RetentionPolicy. Disabled
// stages are left nil.
func (c RetentionConfig) Policy() contenthistory.RetentionPolicy {
	var policy contenthistory.RetentionPolicy
	if c.MaxActiveVersions > 0 {
		n := c.MaxActiveVersions
		policy.MaxActiveVersions = &n
	}
	if c.MaxAge > 0 {
		d := c.MaxAge
		policy.MaxAge = &d
	}
	if c.CompressAfter > 0 {
		d := c.CompressAfter
		policy.CompressAfter = &d
	}
	if c.PurgeAfter > 0 {
		d := c.PurgeAfter
		policy.PurgeAfter = &d
	}
	if c.AuditRetention > 0 {
		d := c.AuditRetention
		policy.AuditRetention = &d
	}
	return policy
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.ArchiveType {
	case "memory", "fs", "s3", "none":
	default:
		return fmt.Errorf("unsupported archive type: %s", c.ArchiveType)
	}

	if c.Retention.PurgeAfter > 0 && c.Retention.CompressAfter > c.Retention.PurgeAfter {
		return errors.New("compress_after must not exceed purge_after")
	}

	return nil
}

// BuildService creates a Service instance from the server configuration
func (c *ServerConfig) BuildService() (contenthistory.Service, error) {
	repo, err := c.BuildRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	return c.BuildServiceWithRepository(repo)
}

// BuildServiceWithRepository creates a Service on top of an existing
// repository. Used when the caller also needs direct repository access, such
// as the background sweeper.
func (c *ServerConfig) BuildServiceWithRepository(repo contenthistory.Repository) (contenthistory.Service, error) {
	var options []contenthistory.Option
	options = append(options, contenthistory.WithRepository(repo))

	archive, err := c.buildArchiveBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to build archive backend: %w", err)
	}
	if archive != nil {
		options = append(options, contenthistory.WithSnapshotArchive(archive))
	}

	schema := contenthistory.DefaultSchema()
	if len(c.RequiredSections) > 0 {
		schema.RequiredSections = c.RequiredSections
	}
	if len(c.MediaRefKeys) > 0 {
		schema.MediaRefKeys = c.MediaRefKeys
	}
	options = append(options, contenthistory.WithSchema(schema))

	if c.EnableEventLogging {
		options = append(options, contenthistory.WithEventSink(contenthistory.NewLogEventSink(slog.Default())))
	}

	return contenthistory.New(options...)
}

// BuildRepository creates a Repository based on the configuration
func (c *ServerConfig) BuildRepository() (contenthistory.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil
	case "postgres":
		if c.DatabaseURL == "" {
			return nil, errors.New("database_url is required for postgres")
		}
		if c.AutoMigrate {
			if err := repopg.Migrate(context.Background(), c.DatabaseURL); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := pgxpool.New(context.Background(), c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		return repopg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// buildArchiveBackend creates a SnapshotArchive based on the configuration.
// Returns nil for the "none" type: the service skips audit exports.
func (c *ServerConfig) buildArchiveBackend() (contenthistory.SnapshotArchive, error) {
	switch c.ArchiveType {
	case "none":
		return nil, nil

	case "memory":
		return memoryarchive.New(), nil

	case "fs":
		fsConfig := fsarchive.Config{
			BaseDir: getString(c.ArchiveConfig, "base_dir", "./data/archive"),
		}
		return fsarchive.New(fsConfig)

	case "s3":
		s3Config := s3archive.Config{
			Region:          getString(c.ArchiveConfig, "region", "us-east-1"),
			Bucket:          getString(c.ArchiveConfig, "bucket", ""),
			AccessKeyID:     getString(c.ArchiveConfig, "access_key_id", ""),
			SecretAccessKey: getString(c.ArchiveConfig, "secret_access_key", ""),
			Endpoint:        getString(c.ArchiveConfig, "endpoint", ""),
			UsePathStyle:    getBool(c.ArchiveConfig, "use_path_style", false),
			KeyPrefix:       getString(c.ArchiveConfig, "key_prefix", ""),
			EnableSSE:       getBool(c.ArchiveConfig, "enable_sse", false),
			SSEAlgorithm:    getString(c.ArchiveConfig, "sse_algorithm", "AES256"),
			SSEKMSKeyID:     getString(c.ArchiveConfig, "sse_kms_key_id", ""),
		}
		return s3archive.New(s3Config)

	default:
		return nil, fmt.Errorf("unsupported archive type: %s", c.ArchiveType)
	}
}

// PingPostgres verifies connectivity to Postgres.
func PingPostgres(databaseURL string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return defaultValue
}
