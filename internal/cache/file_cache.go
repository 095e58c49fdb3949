package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileCache keeps one <location>.png per rendered key in a flat directory.
// No lock is needed: files are published by rename and never rewritten.
type FileCache struct {
	dir string
}

func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		dir: dir,
	}, nil
}

func (c *FileCache) Dir() string {
	return c.dir
}

func (c *FileCache) path(filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." || filename != filepath.Base(filename) {
		return "", fmt.Errorf("invalid cache filename %q", filename)
	}
	return filepath.Join(c.dir, filename), nil
}

func (c *FileCache) Exists(filename string) bool {
	p, err := c.path(filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func (c *FileCache) Read(filename string) ([]byte, error) {
	p, err := c.path(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return data, nil
}

// Write stores data under filename unless an entry already exists.
func (c *FileCache) Write(filename string, data []byte) error {
	p, err := c.path(filename)
	if err != nil {
		return err
	}
	if c.Exists(filename) {
		return nil
	}

	// Write atomically
	tmp, err := os.CreateTemp(c.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod %s: %w", filename, err)
	}

	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish %s: %w", filename, err)
	}
	return nil
}
