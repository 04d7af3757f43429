package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrOutsideRoot is returned for paths that escape the source directory
var ErrOutsideRoot = errors.New("path escapes source root")

// Fetcher loads resources for programs
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// FileFetcher reads resources below a root directory
type FileFetcher struct {
	root string
}

// NewFileFetcher creates a fetcher rooted at dir
func NewFileFetcher(dir string) (*FileFetcher, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}
	return &FileFetcher{root: root}, nil
}

// Fetch reads path relative to the root
func (f *FileFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	full := filepath.Join(f.root, filepath.FromSlash(path))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return os.ReadFile(full)
}

// CachedFetcher keeps fetched resources for a TTL. Expired entries are swept
// in the background.
type CachedFetcher struct {
	next    Fetcher
	entries map[string]*cachedResource
	mu      sync.RWMutex
	ttl     time.Duration
	done    chan struct{}
}

type cachedResource struct {
	data      []byte
	expiresAt time.Time
}

// NewCachedFetcher wraps next with a TTL cache
func NewCachedFetcher(next Fetcher, ttl time.Duration) *CachedFetcher {
	c := &CachedFetcher{
		next:    next,
		entries: make(map[string]*cachedResource),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Fetch returns a cached copy when one has not expired
func (c *CachedFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	c.mu.RLock()
	cached, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.data, nil
	}

	data, err := c.next.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[path] = &cachedResource{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return data, nil
}

// Size returns the number of cached resources
func (c *CachedFetcher) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine
func (c *CachedFetcher) Close() {
	close(c.done)
}

func (c *CachedFetcher) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

func (c *CachedFetcher) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for path, cached := range c.entries {
		if now.After(cached.expiresAt) {
			delete(c.entries, path)
		}
	}
}
