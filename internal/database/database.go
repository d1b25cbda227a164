package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite handle shared by the job store, the conversation
// repository and the audit log. It is the sole coordination point between
// workers; the only cross-caller atomic operation is ClaimNext.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL + busy timeout so concurrent workers block briefly instead of
	// failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("database initialized")
	}
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email TEXT UNIQUE NOT NULL,
            display_name TEXT,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            onboarded_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_type TEXT NOT NULL,
            account_id INTEGER NOT NULL,
            payload TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 3,
            error_message TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            started_at DATETIME,
            completed_at DATETIME
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            thread_id TEXT NOT NULL,
            message_id TEXT NOT NULL,
            sender_email TEXT NOT NULL,
            sender_name TEXT,
            subject TEXT,
            snippet TEXT,
            received_at TEXT,
            classification TEXT NOT NULL DEFAULT 'fyi',
            confidence TEXT NOT NULL DEFAULT 'medium',
            reasoning TEXT,
            resolved_style TEXT NOT NULL DEFAULT 'business',
            message_count INTEGER NOT NULL DEFAULT 1,
            status TEXT NOT NULL DEFAULT 'pending',
            draft_id TEXT,
            rework_count INTEGER NOT NULL DEFAULT 0,
            last_rework_instruction TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(account_id, thread_id)
        )`,

		`CREATE TABLE IF NOT EXISTS sync_cursors (
            account_id INTEGER PRIMARY KEY,
            last_history_id TEXT NOT NULL,
            last_sync_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            watch_resource_id TEXT,
            watch_expiration DATETIME
        )`,

		`CREATE TABLE IF NOT EXISTS account_labels (
            account_id INTEGER NOT NULL,
            label_key TEXT NOT NULL,
            provider_label_id TEXT NOT NULL,
            provider_label_name TEXT NOT NULL,
            PRIMARY KEY (account_id, label_key)
        )`,

		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            thread_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            detail TEXT,
            label_id TEXT,
            draft_id TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, job_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_thread ON conversations(account_id, thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(account_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread ON events(account_id, thread_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ExecContext exposes the underlying handle for repositories in this package
// and for test assertions.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) Close() error {
	return db.db.Close()
}
