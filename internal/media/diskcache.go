package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// diskCache stores rendered images under the hash of their cache key at
// dir/{hash[0:2]}/{hash[2:4]}/{hash}. Entry age is the file's mtime.
type diskCache struct {
	dir string
	now func() time.Time
}

func newDiskCache(dir string, now func() time.Time) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image cache directory: %w", err)
	}
	return &diskCache{dir: dir, now: now}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *diskCache) path(key string) string {
	h := hashKey(key)
	return filepath.Join(d.dir, h[0:2], h[2:4], h)
}

// get returns a cached entry younger than maxAge. Expired entries are removed.
func (d *diskCache) get(key string, maxAge time.Duration) ([]byte, bool) {
	p := d.path(key)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false
	}
	if d.now().Sub(info.ModTime()) > maxAge {
		os.Remove(p)
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (d *diskCache) put(key string, data []byte) error {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write cached image: %w", err)
	}
	now := d.now()
	return os.Chtimes(p, now, now)
}

// sweep deletes entries older than maxAge and returns the count and bytes freed.
func (d *diskCache) sweep(maxAge time.Duration) (int, int64, error) {
	cutoff := d.now().Add(-maxAge)
	removed := 0
	var freed int64
	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
				freed += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return removed, freed, fmt.Errorf("failed to walk image cache: %w", err)
	}
	return removed, freed, nil
}

// usage returns the entry count and total bytes on disk.
func (d *diskCache) usage() (int, int64, error) {
	count := 0
	var total int64
	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if info, err := entry.Info(); err == nil {
			count++
			total += info.Size()
		}
		return nil
	})
	return count, total, err
}

func (d *diskCache) clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
