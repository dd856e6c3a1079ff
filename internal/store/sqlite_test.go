package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFile(ctx, "p1", domain.CachedFile{Path: "b.txt", UpdatedAt: "t1", Content: "b"}); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if err := s.SaveFile(ctx, "p1", domain.CachedFile{Path: "a.txt", UpdatedAt: "t1", Content: "a"}); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if err := s.SaveFile(ctx, "p1", domain.CachedFile{Path: "a.txt", UpdatedAt: "t2", Content: "a2"}); err != nil {
		t.Fatalf("SaveFile overwrite failed: %v", err)
	}
	if err := s.SaveFile(ctx, "p2", domain.CachedFile{Path: "c.txt", UpdatedAt: "t1", Content: "c"}); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	files, err := s.LoadFiles(ctx, "p1")
	if err != nil {
		t.Fatalf("LoadFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "a.txt" || files[0].UpdatedAt != "t2" || files[0].Content != "a2" {
		t.Errorf("expected overwritten a.txt first, got %+v", files[0])
	}
}

func TestSaveFileRequiresKeys(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveFile(context.Background(), "", domain.CachedFile{Path: "a"}); err == nil {
		t.Error("expected error for missing project id")
	}
}

func TestDeleteAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	s.now = func() time.Time { return base }
	_ = s.SaveFile(ctx, "p1", domain.CachedFile{Path: "old.txt", UpdatedAt: "t", Content: "x"})
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	_ = s.SaveFile(ctx, "p1", domain.CachedFile{Path: "new.txt", UpdatedAt: "t", Content: "y"})
	_ = s.SaveFile(ctx, "p2", domain.CachedFile{Path: "other.txt", UpdatedAt: "t", Content: "z"})

	pruned, err := s.PruneFiles(ctx, 24*time.Hour)
	if err != nil || pruned != 1 {
		t.Errorf("expected 1 pruned, got %d (%v)", pruned, err)
	}
	deleted, err := s.DeleteProjectFiles(ctx, "p1")
	if err != nil || deleted != 1 {
		t.Errorf("expected 1 deleted, got %d (%v)", deleted, err)
	}
	cleared, err := s.ClearFiles(ctx)
	if err != nil || cleared != 1 {
		t.Errorf("expected 1 cleared, got %d (%v)", cleared, err)
	}
}

func TestLastProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.LastProject(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected no last project, got %q (%v)", id, err)
	}
	if err := s.SetLastProject(ctx, "p1"); err != nil {
		t.Fatalf("SetLastProject failed: %v", err)
	}
	if err := s.SetLastProject(ctx, "p2"); err != nil {
		t.Fatalf("SetLastProject failed: %v", err)
	}
	id, err = s.LastProject(ctx)
	if err != nil || id != "p2" {
		t.Errorf("expected p2, got %q (%v)", id, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
