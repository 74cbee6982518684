package local

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// FilesystemCache implements a flat folder cache of context archives,
// one {uniqueID}.tar.gz file per entry.
type FilesystemCache struct {
	Origin string
}

// NewFilesystemCache creates a new filesystem cache
func NewFilesystemCache(location string) (*FilesystemCache, error) {
	err := os.MkdirAll(location, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FilesystemCache{location}, nil
}

// Location computes the path of a context archive.
// Returns ok == true if that archive actually exists.
func (fsc *FilesystemCache) Location(uniqueID string) (path string, exists bool) {
	if err := os.MkdirAll(fsc.Origin, 0755); err != nil {
		log.WithError(err).WithField("dir", fsc.Origin).Warn("failed to create cache directory")
		return "", false
	}

	path = filepath.Join(fsc.Origin, fmt.Sprintf("%s.tar.gz", uniqueID))
	return path, fileExists(path)
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
