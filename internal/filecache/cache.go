// Package filecache keeps the known files of the active project and their contents,
// fetching content lazily and only when the server reports a change.
package filecache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/appbuilder/internal/domain"
)

// Fetcher downloads the raw content of one project file.
type Fetcher interface {
	FileContent(ctx context.Context, projectID, path string) (string, error)
}

// Store persists fetched contents across restarts. It is optional.
type Store interface {
	LoadFiles(ctx context.Context, projectID string) ([]domain.CachedFile, error)
	SaveFile(ctx context.Context, projectID string, file domain.CachedFile) error
}

// Cache maps project-relative paths to contents for a single project.
// Every path with content also appears in the ordered listing; a listed path
// may lack content while its fetch is pending or after it failed.
type Cache struct {
	fetcher  Fetcher
	store    Store
	logger   *slog.Logger
	onChange func()

	mu        sync.Mutex
	projectID string
	epoch     uint64
	order     []string
	contents  map[string]string
	stamps    map[string]string // stamp the cached content was fetched at
	listed    map[string]string // stamp from the latest listing
	persisted map[string]domain.CachedFile
	inflight  map[string]struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore enables persistent backing.
func WithStore(s Store) Option { return func(c *Cache) { c.store = s } }

// WithLogger sets the logger for fetch failures.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithOnChange registers a callback invoked after content changes outside ApplyListing.
func WithOnChange(fn func()) Option { return func(c *Cache) { c.onChange = fn } }

// New creates an empty cache.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clear()
	return c
}

func (c *Cache) clear() {
	c.projectID = ""
	c.order = nil
	c.contents = make(map[string]string)
	c.stamps = make(map[string]string)
	c.listed = make(map[string]string)
	c.persisted = make(map[string]domain.CachedFile)
	c.inflight = make(map[string]struct{})
}

// Reset forgets everything. Fetches started before Reset are discarded when they finish.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.clear()
}

// Bind associates the cache with a project and loads previously persisted contents.
func (c *Cache) Bind(ctx context.Context, projectID string) {
	c.mu.Lock()
	if c.projectID == projectID {
		c.mu.Unlock()
		return
	}
	c.projectID = projectID
	epoch := c.epoch
	c.mu.Unlock()

	if c.store == nil || projectID == "" {
		return
	}
	files, err := c.store.LoadFiles(ctx, projectID)
	if err != nil {
		c.logger.Warn("Failed to load cached files", "project_id", projectID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.projectID != projectID {
		return
	}
	for _, f := range files {
		c.persisted[f.Path] = f
	}
}

// ProjectID returns the bound project.
func (c *Cache) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

// ApplyListing replaces the known file list and returns the paths whose content
// must be fetched: those without content, and those whose server stamp changed.
// Paths already being fetched are not returned again.
func (c *Cache) ApplyListing(entries []domain.FileEntry) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	listed := make(map[string]string, len(entries))
	for _, e := range entries {
		path := normalizePath(e.Path)
		if e.IsDir || path == "" || isIgnored(path) {
			continue
		}
		listed[path] = e.UpdatedAt
	}

	order := make([]string, 0, len(listed))
	for path := range listed {
		order = append(order, path)
	}
	sort.Strings(order)

	for path := range c.contents {
		if _, ok := listed[path]; !ok {
			delete(c.contents, path)
			delete(c.stamps, path)
		}
	}
	c.order = order
	c.listed = listed

	var stale []string
	for _, path := range order {
		stamp := listed[path]
		if _, ok := c.contents[path]; ok && c.stamps[path] == stamp {
			continue
		}
		if p, ok := c.persisted[path]; ok && p.UpdatedAt != "" && p.UpdatedAt == stamp {
			c.contents[path] = p.Content
			c.stamps[path] = stamp
			continue
		}
		if _, busy := c.inflight[path]; busy {
			continue
		}
		stale = append(stale, path)
	}
	return stale
}

// SetInline replaces the cache with files delivered directly in a generation response.
func (c *Cache) SetInline(files []domain.InlineFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.clear()
	for _, f := range files {
		path := normalizePath(f.Path)
		if path == "" {
			continue
		}
		if _, dup := c.contents[path]; !dup {
			c.order = append(c.order, path)
		}
		c.contents[path] = f.Content
		c.listed[path] = ""
	}
	sort.Strings(c.order)
}

// Fetch downloads one file unless a fetch for the same path is already running.
// Failures are logged and leave the content absent.
func (c *Cache) Fetch(ctx context.Context, projectID, path string) {
	c.mu.Lock()
	if projectID == "" || projectID != c.projectID {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[path]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[path] = struct{}{}
	epoch := c.epoch
	stamp := c.listed[path]
	c.mu.Unlock()

	content, err := c.fetcher.FileContent(ctx, projectID, path)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, path)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Failed to fetch file content", "project_id", projectID, "path", path, "error", err)
		return
	}
	if _, ok := c.listed[path]; !ok {
		c.mu.Unlock()
		return
	}
	c.contents[path] = content
	c.stamps[path] = stamp
	c.mu.Unlock()

	if c.store != nil && stamp != "" {
		if err := c.store.SaveFile(ctx, projectID, domain.CachedFile{Path: path, UpdatedAt: stamp, Content: content}); err != nil {
			c.logger.Warn("Failed to persist file content", "project_id", projectID, "path", path, "error", err)
		}
	}
	if c.onChange != nil {
		c.onChange()
	}
}

// FetchAll fetches paths concurrently and waits for all of them.
func (c *Cache) FetchAll(ctx context.Context, projectID string, paths []string) {
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			c.Fetch(ctx, projectID, path)
		}(path)
	}
	wg.Wait()
}

// Order returns the sorted list of known paths.
func (c *Cache) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Contents returns a copy of the path to content map.
func (c *Cache) Contents() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.contents))
	for k, v := range c.contents {
		out[k] = v
	}
	return out
}

// Content returns the cached content of path.
func (c *Cache) Content(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.contents[normalizePath(path)]
	return content, ok
}

func normalizePath(path string) string {
	return strings.TrimLeft(strings.TrimSpace(path), "/")
}

func isIgnored(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "node_modules" {
			return true
		}
	}
	return false
}
