package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-build/kiln/pkg/kiln/cache"
	"github.com/kiln-build/kiln/pkg/kiln/cache/local"
)

// fakeStorage is an in-memory ObjectStorage
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	headErr error
	getErr  error
	putErr  error

	downloads []string
	uploads   []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) HasObject(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return false, f.headErr
	}
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStorage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	content, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("no such key %s", key)
	}
	f.downloads = append(f.downloads, key)
	return int64(len(content)), os.WriteFile(dest, content, 0644)
}

func (f *fakeStorage) UploadObject(ctx context.Context, key string, src string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f.objects[key] = content
	f.uploads = append(f.uploads, key)
	return nil
}

func newTestLocalCache(t *testing.T) *local.FilesystemCache {
	t.Helper()
	fsc, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)
	return fsc
}

func TestS3CacheDownload(t *testing.T) {
	storage := newFakeStorage()
	storage.objects["hit.tar.gz"] = []byte("remote archive")

	localCache := newTestLocalCache(t)
	s3cache := newS3CacheWithStorage(storage)

	err := s3cache.Download(context.Background(), localCache, []string{"hit", "miss"})
	require.NoError(t, err)

	path, exists := localCache.Location("hit")
	assert.True(t, exists)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote archive", string(content))

	_, exists = localCache.Location("miss")
	assert.False(t, exists, "a remote miss stays a local miss")
}

func TestS3CacheDownloadSkipsExistingLocal(t *testing.T) {
	storage := newFakeStorage()
	storage.objects["entry.tar.gz"] = []byte("remote")

	localCache := newTestLocalCache(t)
	path, _ := localCache.Location("entry")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0644))

	err := newS3CacheWithStorage(storage).Download(context.Background(), localCache, []string{"entry"})
	require.NoError(t, err)

	assert.Empty(t, storage.downloads, "existing local archives are not re-fetched")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "local", string(content))
}

func TestS3CacheDownloadFailuresAreBestEffort(t *testing.T) {
	storage := newFakeStorage()
	storage.objects["entry.tar.gz"] = []byte("remote")
	storage.getErr = fmt.Errorf("throttled")

	localCache := newTestLocalCache(t)
	err := newS3CacheWithStorage(storage).Download(context.Background(), localCache, []string{"entry"})
	assert.NoError(t, err, "transfer failures degrade to cache misses")

	_, exists := localCache.Location("entry")
	assert.False(t, exists)
}

func TestS3CacheUpload(t *testing.T) {
	storage := newFakeStorage()
	localCache := newTestLocalCache(t)

	path, _ := localCache.Location("entry")
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0644))

	err := newS3CacheWithStorage(storage).Upload(context.Background(), localCache, []string{"entry", "absent"})
	require.NoError(t, err)

	assert.Equal(t, []string{"entry.tar.gz"}, storage.uploads)
	assert.Equal(t, []byte("archive"), storage.objects["entry.tar.gz"])
}

func TestS3CacheUploadFailuresAreBestEffort(t *testing.T) {
	storage := newFakeStorage()
	storage.putErr = fmt.Errorf("access denied")

	localCache := newTestLocalCache(t)
	path, _ := localCache.Location("entry")
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0644))

	err := newS3CacheWithStorage(storage).Upload(context.Background(), localCache, []string{"entry"})
	assert.NoError(t, err, "mirror uploads never fail the build")
}

func TestNoRemoteCache(t *testing.T) {
	localCache := newTestLocalCache(t)
	var nrc cache.RemoteCache = NoRemoteCache{}

	assert.NoError(t, nrc.Download(context.Background(), localCache, []string{"x"}))
	assert.NoError(t, nrc.Upload(context.Background(), localCache, []string{"x"}))
}

func TestNewS3CacheNeedsBucket(t *testing.T) {
	_, err := NewS3Cache(&cache.RemoteConfig{})
	assert.Error(t, err)
}
