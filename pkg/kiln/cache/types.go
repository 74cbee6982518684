// Package cache provides local and remote caching for build-context archives.
//
// Archives are content-addressed: the cache key (uniqueID) combines a digest
// of the source path with either a git commit or a caller-supplied cache id,
// so identical content always maps to the same entry. The remote cache is a
// best-effort mirror - it only affects how often archives must be recreated,
// never the correctness of a build.
package cache

import (
	"context"
)

// LocalCache provides filesystem locations for context archives
type LocalCache interface {
	// Location returns the absolute filesystem path for the archive with the
	// given uniqueID. Returns ok == true if the archive actually exists.
	Location(uniqueID string) (path string, exists bool)
}

// RemoteCache mirrors context archives across machines.
// A cache miss does not constitute an error on any operation.
type RemoteCache interface {
	// Download makes a best-effort attempt at fetching previously cached
	// archives into the local cache.
	Download(ctx context.Context, dst LocalCache, uniqueIDs []string) error

	// Upload makes a best-effort attempt at mirroring local archives.
	Upload(ctx context.Context, src LocalCache, uniqueIDs []string) error
}

// ObjectStorage represents a generic object storage backend.
// This allows us to abstract S3, GCS, or other stores.
type ObjectStorage interface {
	// HasObject checks if an object exists
	HasObject(ctx context.Context, key string) (bool, error)

	// GetObject downloads an object to a local file
	GetObject(ctx context.Context, key string, dest string) (int64, error)

	// UploadObject uploads a local file to remote storage
	UploadObject(ctx context.Context, key string, src string) error
}

// RemoteConfig holds configuration for remote cache implementations
type RemoteConfig struct {
	// BucketName for object storage
	BucketName string

	// Region for services that require it (e.g. S3)
	Region string
}
