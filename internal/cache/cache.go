package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const AssetExt = ".opus"

// Ledger records asset sizes and access times for eviction. The repository
// implements it.
type Ledger interface {
	AssetTouch(ctx context.Context, trackID, path string, size int64, created bool) error
	AssetRemove(ctx context.Context, trackID string) error
	AssetTotalBytes(ctx context.Context) (int64, error)
	AssetOldest(ctx context.Context, excludePaths []string) (trackID, path string, err error)
	AssetClear(ctx context.Context) error
}

// AssetCache is the shared asset directory. Files are named by track id plus
// AssetExt, so any of them can be deleted and fetched again.
type AssetCache struct {
	dir    string
	limit  int64
	ledger Ledger

	mu     sync.Mutex
	pinned map[string]int // by asset path
}

func NewAssetCache(dir string, limit int64, ledger Ledger) (*AssetCache, error) {
	c := &AssetCache{dir: dir, limit: limit, ledger: ledger, pinned: map[string]int{}}
	if err := c.ensureDirs(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AssetCache) ensureDirs() error {
	if err := os.MkdirAll(c.TempDir(), 0o755); err != nil {
		return fmt.Errorf("asset dir: %w", err)
	}
	return nil
}

func fileName(trackID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(trackID) + AssetExt
}

func (c *AssetCache) PathFor(trackID string) string {
	return filepath.Join(c.dir, fileName(trackID))
}

func (c *AssetCache) TempDir() string {
	return filepath.Join(c.dir, "tmp")
}

func (c *AssetCache) Lookup(ctx context.Context, trackID string) (string, bool) {
	p := c.PathFor(trackID)
	if st, err := os.Stat(p); err == nil && st.Size() > 0 {
		c.touch(ctx, trackID, p, st.Size(), false)
		return p, true
	}
	if c.ledger != nil {
		_ = c.ledger.AssetRemove(ctx, trackID)
	}
	return "", false
}

// Commit moves a finished temp file into place and evicts old assets if the
// directory grew past its limit.
func (c *AssetCache) Commit(ctx context.Context, trackID, tmpPath string) (string, error) {
	st, err := os.Stat(tmpPath)
	if err != nil {
		return "", err
	}
	if st.Size() == 0 {
		_ = os.Remove(tmpPath)
		return "", errors.New("empty asset")
	}
	final := c.PathFor(trackID)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("commit asset: %w", err)
	}
	c.touch(ctx, trackID, final, st.Size(), true)

	// the new asset is about to be played
	c.Pin(final)
	defer c.Unpin(final)
	if err := c.evictIfNeeded(ctx); err != nil {
		slog.Warn("asset eviction failed", "err", err)
	}
	return final, nil
}

func (c *AssetCache) touch(ctx context.Context, trackID, path string, size int64, created bool) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.AssetTouch(ctx, trackID, path, size, created); err != nil {
		slog.Debug("asset ledger touch", "trackID", trackID, "err", err)
	}
}

// Pin protects the asset at path from eviction until the matching Unpin.
func (c *AssetCache) Pin(path string) {
	c.mu.Lock()
	c.pinned[path]++
	c.mu.Unlock()
}

func (c *AssetCache) Unpin(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[path] <= 1 {
		delete(c.pinned, path)
		return
	}
	c.pinned[path]--
}

func (c *AssetCache) evictIfNeeded(ctx context.Context) error {
	if c.ledger == nil || c.limit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	exclude := make([]string, 0, len(c.pinned))
	for p := range c.pinned {
		exclude = append(exclude, p)
	}

	total, err := c.ledger.AssetTotalBytes(ctx)
	if err != nil {
		return err
	}
	for total > c.limit {
		id, path, err := c.ledger.AssetOldest(ctx, exclude)
		if err != nil {
			// nothing left that may be evicted
			return nil
		}
		if path == "" {
			path = c.PathFor(id)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := c.ledger.AssetRemove(ctx, id); err != nil {
			return err
		}
		slog.Debug("asset evicted", "trackID", id)
		if total, err = c.ledger.AssetTotalBytes(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every asset and temp file.
func (c *AssetCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("clear assets: %w", err)
	}
	if c.ledger != nil {
		if err := c.ledger.AssetClear(ctx); err != nil {
			return err
		}
	}
	return c.ensureDirs()
}
