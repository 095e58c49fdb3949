package cache

import "errors"

var ErrNotFound = errors.New("snapshot not cached")

// Cache stores rendered snapshots by filename. Entries are write-once:
// there is no update, expiry or eviction.
type Cache interface {
	Exists(filename string) bool
	Read(filename string) ([]byte, error)
	Write(filename string, data []byte) error
	// Dir is the directory backing the cache, empty when nothing is persisted.
	Dir() string
}
