// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
)

// Repository persists client-side state across restarts: fetched file
// contents keyed by server stamp, and the most recently opened project.
type Repository interface {
	// LoadFiles returns every cached file of a project.
	LoadFiles(ctx context.Context, projectID string) ([]domain.CachedFile, error)

	// SaveFile stores or replaces the cached content of one file.
	SaveFile(ctx context.Context, projectID string, file domain.CachedFile) error

	// DeleteProjectFiles removes the cached files of a project.
	DeleteProjectFiles(ctx context.Context, projectID string) (int64, error)

	// PruneFiles removes cached files not written within maxAge.
	PruneFiles(ctx context.Context, maxAge time.Duration) (int64, error)

	// ClearFiles removes every cached file.
	ClearFiles(ctx context.Context) (int64, error)

	// SetLastProject remembers the most recently opened project.
	SetLastProject(ctx context.Context, projectID string) error

	// LastProject returns the most recently opened project, or "" if none.
	LastProject(ctx context.Context) (string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
