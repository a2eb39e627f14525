package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	originalDir  = "original"
	predictedDir = "predicted"
)

// FileStore is the local working directory for prediction artifacts. Files
// live under <base>/original and <base>/predicted and are named <uid><ext>,
// so concurrent jobs never share a path.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath and creates its
// artifact directories.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if abs, err := filepath.Abs(basePath); err == nil {
		basePath = abs
	}
	for _, dir := range []string{originalDir, predictedDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("storage: ensure %s dir: %w", dir, err)
		}
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// OriginalPath is where the input image of uid is kept.
func (s *FileStore) OriginalPath(uid, ext string) string {
	return filepath.Join(s.basePath, originalDir, uid+ext)
}

// PredictedPath is where the annotated image of uid is kept.
func (s *FileStore) PredictedPath(uid, ext string) string {
	return filepath.Join(s.basePath, predictedDir, uid+ext)
}

// Write streams r to the given relative key and returns the absolute path.
// Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, r io.Reader) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("storage: create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	return fullPath, nil
}

// OriginalKey is the relative key of the input image of uid.
func OriginalKey(uid, ext string) string {
	return originalDir + "/" + uid + ext
}

// Remove deletes the given paths when they sit inside the store. Missing
// files are ignored. It returns how many files were removed.
func (s *FileStore) Remove(paths ...string) int {
	removed := 0
	for _, p := range paths {
		if p == "" || !s.contains(p) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return removed
}

func (s *FileStore) contains(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.basePath, abs)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
