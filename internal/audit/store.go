package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// entryModel is the GORM row for a persisted audit entry. The column set
// mirrors Entry exactly: there is no column a header or credential value
// could land in. All GORM usage is confined to this file — the domain
// Entry stays ORM-free.
type entryModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt     time.Time `gorm:"index"`
	CorrelationID string    `gorm:"size:64;index"`
	Source        string    `gorm:"size:16"`
	SessionID     string    `gorm:"size:64;index"`
	Operation     string    `gorm:"size:128"`
	Repo          string    `gorm:"size:256"`
	Allowed       bool
	Reason        string `gorm:"size:512"`
	LatencyMS     int64
}

func (entryModel) TableName() string { return "audit_entries" }

// GormStore implements Store on a GORM database (SQLite or PostgreSQL).
// Append-only: no Update or Delete methods exist on this type.
type GormStore struct {
	db *gorm.DB
}

// SQLiteConfig holds SQLite-specific audit store settings.
type SQLiteConfig struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// OpenSQLite creates the default audit store: pure-Go SQLite with WAL.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (*GormStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite audit store: %w", err)
	}
	return migrate(db)
}

// PostgresConfig holds PostgreSQL-specific audit store settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

// OpenPostgres creates a PostgreSQL-backed audit store (pgx driver).
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (*GormStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	// Parse the DSN up front so a typo fails with a parse error instead
	// of a connection timeout at first use.
	if _, err := pgx.ParseConfig(cfg.DSN); err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres audit store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("extracting sql.DB: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return migrate(db)
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogWriter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func migrate(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&entryModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Append inserts a single entry. This is the only write method —
// immutability is enforced at the interface level.
func (s *GormStore) Append(ctx context.Context, e Entry) error {
	model := entryModel{
		ID:            uuid.New(),
		CreatedAt:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Source:        string(e.Source),
		SessionID:     e.SessionID,
		Operation:     e.Operation,
		Repo:          e.Repo,
		Allowed:       e.Allowed,
		Reason:        e.Reason,
		LatencyMS:     e.LatencyMS,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Recent returns entries newest first. Limit defaults to 100.
func (s *GormStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []entryModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	entries := make([]Entry, len(models))
	for i, m := range models {
		entries[i] = Entry{
			Timestamp:     m.CreatedAt,
			CorrelationID: m.CorrelationID,
			Source:        Source(m.Source),
			SessionID:     m.SessionID,
			Operation:     m.Operation,
			Repo:          m.Repo,
			Allowed:       m.Allowed,
			Reason:        m.Reason,
			LatencyMS:     m.LatencyMS,
		}
	}
	return entries, nil
}

// Ping verifies the underlying database connection, for readiness checks.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// slogWriter adapts slog to GORM's logger.Writer interface.
type slogWriter struct{ l *slog.Logger }

func (w slogWriter) Printf(format string, args ...any) {
	w.l.Warn(fmt.Sprintf(format, args...))
}
