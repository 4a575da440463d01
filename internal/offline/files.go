package offline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/kimhsiao/medportal/core/internal/models"
)

const (
	imagesDir  = "images"
	reportsDir = "reports"
)

// fileCache names and writes the flat files backing cached rows.
type fileCache struct {
	root string
}

func newFileCache(root string) (*fileCache, error) {
	for _, dir := range []string{imagesDir, reportsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &fileCache{root: root}, nil
}

// ImagePath returns <root>/images/<studyID>/<imageID>_<quality>.jpg.
func (f *fileCache) ImagePath(studyID, imageID string, q models.ImageQuality) string {
	return filepath.Join(f.root, imagesDir, safeName(studyID), fmt.Sprintf("%s_%s.jpg", safeName(imageID), q))
}

// ThumbnailPath returns the thumbnail path stored beside an image.
func (f *fileCache) ThumbnailPath(studyID, imageID string) string {
	return filepath.Join(f.root, imagesDir, safeName(studyID), fmt.Sprintf("%s_thumb.jpg", safeName(imageID)))
}

// ReportPath returns <root>/reports/<studyID>.json.
func (f *fileCache) ReportPath(studyID string) string {
	return filepath.Join(f.root, reportsDir, safeName(studyID)+".json")
}

// write replaces path atomically so a crash never leaves a torn file.
func (f *fileCache) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// remove deletes files, ignoring ones already gone. The first other error is returned.
func (f *fileCache) remove(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeStudyDir deletes the per-study image directory if it is empty or gone.
func (f *fileCache) removeStudyDir(studyID string) {
	_ = os.Remove(filepath.Join(f.root, imagesDir, safeName(studyID)))
}

// reset removes every cached file and recreates the namespaces.
func (f *fileCache) reset() error {
	for _, dir := range []string{imagesDir, reportsDir} {
		p := filepath.Join(f.root, dir)
		if err := os.RemoveAll(p); err != nil {
			return err
		}
		if err := os.MkdirAll(p, 0755); err != nil {
			return err
		}
	}
	return nil
}

// safeName keeps ids from escaping their namespace directory.
func safeName(id string) string {
	b := []byte(id)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	s := string(b)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
