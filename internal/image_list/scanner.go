package image_list

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry is one cached snapshot.
type Entry struct {
	Location string    `json:"location"`
	Filename string    `json:"filename"`
	Created  time.Time `json:"created"`
	Bytes    int64     `json:"bytes"`
}

// Scanner enumerates the snapshot directory. Snapshots are written once, so
// a file's modification time is its creation time.
type Scanner struct {
	dir    string
	logger *zap.Logger
}

func New(dir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dir:    dir,
		logger: logger,
	}
}

// Recent returns up to limit snapshots, newest first. A missing directory is
// reported as an error wrapping fs.ErrNotExist.
func (s *Scanner) Recent(limit int) ([]Entry, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("snapshot directory: %w", os.ErrNotExist)
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || strings.ToLower(filepath.Ext(name)) != ".png" {
			continue
		}

		info, err := de.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", filepath.Join(s.dir, name)), zap.Error(err))
			continue
		}

		entries = append(entries, Entry{
			Location: strings.TrimSuffix(name, filepath.Ext(name)),
			Filename: name,
			Created:  info.ModTime(),
			Bytes:    info.Size(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Created.After(entries[j].Created)
		}
		return entries[i].Filename < entries[j].Filename
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
