// Package local mirrors saved reports into a second directory, typically a
// mounted network share or a backup volume.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the mirror directory.
type Config struct {
	// Dir receives report copies. Created when missing.
	Dir string
}

// BlobStore copies reports into Dir. It satisfies reportstore.Mirror.
type BlobStore struct {
	dir string
}

// New creates the mirror, verifying that Dir is a writable directory.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}
	dir := filepath.Clean(cfg.Dir)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create mirror directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat mirror directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("mirror path %s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("mirror directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// PutObject writes data to name under the mirror directory and returns a
// file:// URI. The copy appears atomically.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.dir, name))
	if !strings.HasPrefix(fullPath, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("object name %q escapes the mirror directory", name)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".mirror-*")
	if err != nil {
		return "", fmt.Errorf("create mirror temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write mirror copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close mirror copy: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish mirror copy: %w", err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}
