package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType, imagesDir string, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "file", "":
		log.Info("Using file cache", zap.String("images_dir", imagesDir))
		return NewFileCache(imagesDir)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: file, disabled)", cacheType)
	}
}
