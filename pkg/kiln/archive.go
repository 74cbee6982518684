package kiln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/kiln-build/kiln/pkg/kiln/cache"
	"github.com/kiln-build/kiln/pkg/kiln/cache/local"
	"github.com/kiln-build/kiln/pkg/kiln/cache/remote"
)

// SourceArchive is a content-addressed build-context tarball on disk.
// While referenced by a build the file is read-only.
type SourceArchive struct {
	// Path is the location of the .tar.gz file in the archive cache
	Path string

	// UniqueID is the cache key: {pathDigest}-{versionOrCacheDigest}
	UniqueID string

	singleUse bool
}

// Clean removes the archive file if it was flagged single-use. Archives keyed
// by an explicit cache id stay on disk as a warm cache for subsequent builds.
func (a *SourceArchive) Clean() error {
	if a == nil || !a.singleUse {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Archiver produces cached build-context archives from directories and git commits.
type Archiver struct {
	localCache  cache.LocalCache
	remoteCache cache.RemoteCache
}

// NewArchiver creates an archiver storing archives under cacheDir.
// mirror may be nil in which case no remote mirroring happens.
func NewArchiver(cacheDir string, mirror cache.RemoteCache) (*Archiver, error) {
	fsc, err := local.NewFilesystemCache(cacheDir)
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		mirror = remote.NoRemoteCache{}
	}
	return &Archiver{
		localCache:  fsc,
		remoteCache: mirror,
	}, nil
}

// FromGit produces the archive of a resolved git commit. The same commit
// always yields byte-identical archives, so an existing cache entry is reused
// without re-archiving.
func (a *Archiver) FromGit(ctx context.Context, workingCopy, subpath, ref string) (*SourceArchive, error) {
	commit, err := resolveGitCommit(ctx, workingCopy, subpath, ref)
	if err != nil {
		return nil, err
	}
	pathDigest, err := gitPathDigest(ctx, workingCopy, subpath)
	if err != nil {
		return nil, err
	}

	uniqueID := fmt.Sprintf("%s-%s", pathDigest, commit)
	if archive, ok := a.cached(ctx, uniqueID, false); ok {
		return archive, nil
	}

	path, _ := a.localCache.Location(uniqueID)
	if path == "" {
		return nil, xerrors.Errorf("cannot determine archive cache location for %s", uniqueID)
	}

	err = a.createValidated(ctx, path, func(tmpfile string) error {
		args := []string{"archive", "--format=tar.gz", "-o", tmpfile, commit}
		if subpath != "" && subpath != "." {
			args = append(args, "--", subpath)
		}
		// fixed locale keeps the archive independent of the host machine
		if _, err := runCommand(ctx, workingCopy, tarEnv, "git", args...); err != nil {
			return &GitError{Op: "archive " + commit, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	archive := &SourceArchive{Path: path, UniqueID: uniqueID}
	a.mirror(ctx, archive)
	return archive, nil
}

// FromDirectory produces the archive of a directory snapshot. Without an
// explicit cacheKey the archive gets a generated single-use id and is removed
// by Clean after the build.
func (a *Archiver) FromDirectory(ctx context.Context, dir string, excludes []string, cacheKey string) (*SourceArchive, error) {
	if stat, err := os.Stat(dir); err != nil {
		return nil, xerrors.Errorf("cannot archive %s: %w", dir, err)
	} else if !stat.IsDir() {
		return nil, xerrors.Errorf("cannot archive %s: not a directory", dir)
	}

	singleUse := cacheKey == ""
	if singleUse {
		cacheKey = uuid.New().String()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	pathDigest, err := HashBytes([]byte(filepath.Clean(abs)), pathDigestLength)
	if err != nil {
		return nil, err
	}
	keyDigest, err := HashBytes([]byte(cacheKey), pathDigestLength)
	if err != nil {
		return nil, err
	}

	uniqueID := fmt.Sprintf("%s-%s", pathDigest, keyDigest)
	if archive, ok := a.cached(ctx, uniqueID, singleUse); ok {
		return archive, nil
	}

	path, _ := a.localCache.Location(uniqueID)
	if path == "" {
		return nil, xerrors.Errorf("cannot determine archive cache location for %s", uniqueID)
	}

	err = a.createValidated(ctx, path, func(tmpfile string) error {
		cmd := BuildTarCommand(
			WithOutputFile(tmpfile),
			WithWorkingDir(abs),
			WithExcludePatterns(excludes...),
		)
		if _, err := runCommand(ctx, "", tarEnv, cmd[0], cmd[1:]...); err != nil {
			return xerrors.Errorf("cannot archive %s: %w", dir, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	archive := &SourceArchive{Path: path, UniqueID: uniqueID, singleUse: singleUse}
	if !singleUse {
		a.mirror(ctx, archive)
	}
	return archive, nil
}

// cached checks the local cache, warming it from the remote mirror for
// reusable entries.
func (a *Archiver) cached(ctx context.Context, uniqueID string, singleUse bool) (*SourceArchive, bool) {
	if path, exists := a.localCache.Location(uniqueID); exists {
		log.WithField("archive", path).Debug("reusing cached context archive")
		return &SourceArchive{Path: path, UniqueID: uniqueID, singleUse: singleUse}, true
	}
	if singleUse {
		return nil, false
	}

	if err := a.remoteCache.Download(ctx, a.localCache, []string{uniqueID}); err != nil {
		log.WithError(err).WithField("uniqueID", uniqueID).Warn("remote archive mirror lookup failed - continuing")
	}
	if path, exists := a.localCache.Location(uniqueID); exists {
		log.WithField("archive", path).Debug("fetched context archive from remote mirror")
		return &SourceArchive{Path: path, UniqueID: uniqueID, singleUse: singleUse}, true
	}
	return nil, false
}

// createValidated writes the archive through produce to a temporary path,
// validates it is a readable tarball and atomically renames it into place.
// A corrupt archive never lands at the canonical cache path.
func (a *Archiver) createValidated(ctx context.Context, path string, produce func(tmpfile string) error) error {
	// the temp name keeps the .gz suffix so the tar command writes exactly here
	tmpfile := fmt.Sprintf("%s.tmp-%s.gz", strings.TrimSuffix(path, ".gz"), uuid.New().String()[:8])
	defer os.Remove(tmpfile)

	if err := produce(tmpfile); err != nil {
		return err
	}

	listCmd := BuildTarListCommand(tmpfile)
	if _, err := runCommand(ctx, "", tarEnv, listCmd[0], listCmd[1:]...); err != nil {
		return xerrors.Errorf("archive validation failed for %s: %w", path, err)
	}

	if err := os.Rename(tmpfile, path); err != nil {
		return xerrors.Errorf("cannot place archive at %s: %w", path, err)
	}
	return nil
}

// mirror uploads a reusable archive to the remote mirror, best-effort.
func (a *Archiver) mirror(ctx context.Context, archive *SourceArchive) {
	if err := a.remoteCache.Upload(ctx, a.localCache, []string{archive.UniqueID}); err != nil {
		log.WithError(err).WithField("archive", archive.Path).Warn("failed to mirror context archive - continuing")
	}
}

// extractArchive unpacks an archive into a fresh temporary directory owned by
// the caller.
func extractArchive(ctx context.Context, archive *SourceArchive) (dir string, err error) {
	dir, err = os.MkdirTemp("", "kiln-context-")
	if err != nil {
		return "", xerrors.Errorf("cannot create context directory: %w", err)
	}

	cmd := BuildUnTarCommand(archive.Path, dir)
	if _, err := runCommand(ctx, "", tarEnv, cmd[0], cmd[1:]...); err != nil {
		_ = os.RemoveAll(dir)
		return "", xerrors.Errorf("cannot extract %s: %w", archive.Path, err)
	}
	return dir, nil
}

// DefaultCacheDir returns the per-user archive cache location, honoring
// KILN_CACHE_DIR.
func DefaultCacheDir() string {
	if dir := os.Getenv("KILN_CACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "kiln")
}
