package remote

import (
	"context"

	"github.com/kiln-build/kiln/pkg/kiln/cache"
)

// NoRemoteCache is the remote cache used when no mirror bucket is configured.
// Every operation is a no-op.
type NoRemoteCache struct{}

// Download implements RemoteCache
func (NoRemoteCache) Download(ctx context.Context, dst cache.LocalCache, uniqueIDs []string) error {
	return nil
}

// Upload implements RemoteCache
func (NoRemoteCache) Upload(ctx context.Context, src cache.LocalCache, uniqueIDs []string) error {
	return nil
}
