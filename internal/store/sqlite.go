package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 50 * time.Millisecond
	lastProjectKey  = "last_project"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS file_cache (
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		stamp TEXT NOT NULL,
		content TEXT NOT NULL,
		cached_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_file_cache_cached_at ON file_cache(cached_at);

	CREATE TABLE IF NOT EXISTS client_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadFiles returns every cached file of a project ordered by path.
func (s *SQLiteStore) LoadFiles(ctx context.Context, projectID string) ([]domain.CachedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, stamp, content FROM file_cache WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query cached files: %w", err)
	}
	defer rows.Close()

	var files []domain.CachedFile
	for rows.Next() {
		var f domain.CachedFile
		if err := rows.Scan(&f.Path, &f.UpdatedAt, &f.Content); err != nil {
			return nil, fmt.Errorf("scan cached file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached files: %w", err)
	}
	return files, nil
}

// SaveFile stores or replaces the cached content of one file.
func (s *SQLiteStore) SaveFile(ctx context.Context, projectID string, file domain.CachedFile) error {
	if projectID == "" || file.Path == "" {
		return errors.New("save file: project id and path are required")
	}
	query := `
	INSERT INTO file_cache (project_id, path, stamp, content, cached_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(project_id, path) DO UPDATE SET
		stamp = excluded.stamp,
		content = excluded.content,
		cached_at = excluded.cached_at`

	return shared.RetryOnConflict(ctx, "save cached file", writeAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, projectID, file.Path, file.UpdatedAt, file.Content, s.now().Unix())
		return err
	})
}

// DeleteProjectFiles removes the cached files of a project.
func (s *SQLiteStore) DeleteProjectFiles(ctx context.Context, projectID string) (int64, error) {
	return s.deleteWhere(ctx, "delete project files", `DELETE FROM file_cache WHERE project_id = ?`, projectID)
}

// PruneFiles removes cached files not written within maxAge.
func (s *SQLiteStore) PruneFiles(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).Unix()
	return s.deleteWhere(ctx, "prune cached files", `DELETE FROM file_cache WHERE cached_at < ?`, cutoff)
}

// ClearFiles removes every cached file.
func (s *SQLiteStore) ClearFiles(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, "clear cached files", `DELETE FROM file_cache`)
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, op, writeAttempts, writeRetryDelay, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// SetLastProject remembers the most recently opened project.
func (s *SQLiteStore) SetLastProject(ctx context.Context, projectID string) error {
	query := `
	INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "set last project", writeAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, lastProjectKey, projectID, s.now().Unix())
		return err
	})
}

// LastProject returns the most recently opened project, or "" if none.
func (s *SQLiteStore) LastProject(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, lastProjectKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last project: %w", err)
	}
	return id, nil
}
