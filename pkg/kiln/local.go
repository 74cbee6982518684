package kiln

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// localBuild drives the local container-build tool through a strictly
// sequential pipeline: cleanup, optional cache pull, build, push, extra tags,
// digest inspection. Temporary resources are released unconditionally.
type localBuild struct {
	spec      *BuildSpec
	reference string
	archiver  *Archiver

	// tmpdirs tracks directories to remove after the build, success or failure
	tmpdirs []string
}

// tryOptionalStep runs a best-effort step. Its failure affects cache warmth,
// not correctness, so it is logged and swallowed.
func tryOptionalStep(reference, step string, fn func() error) {
	if err := fn(); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"reference": reference,
			"step":      step,
		}).Warn("optional step failed - continuing")
	}
}

func (b *localBuild) Run(ctx context.Context) (result string, err error) {
	defer b.cleanup()

	tryOptionalStep(b.reference, "remove-stale-image", func() error {
		return dockerRemoveImage(ctx, b.reference)
	})
	if b.spec.CacheFrom != "" {
		tryOptionalStep(b.reference, "cache-pull", func() error {
			return dockerPull(ctx, b.spec.CacheFrom)
		})
	}

	contextDir, err := b.materializeContext(ctx)
	if err != nil {
		return "", err
	}

	var secretSrc string
	if len(b.spec.Secrets) > 0 {
		dir, file, err := materializeSecretFile(b.spec.Secrets)
		if err != nil {
			return "", xerrors.Errorf("cannot materialize secrets for %s: %w", b.reference, err)
		}
		b.tmpdirs = append(b.tmpdirs, dir)
		secretSrc = file
	}

	err = dockerBuild(ctx, dockerBuildArgs{
		ContextDir: contextDir,
		Reference:  b.reference,
		Dockerfile: b.spec.Dockerfile,
		Platform:   b.spec.Platform,
		BuildArgs:  b.spec.BuildArgs,
		CacheFrom:  b.spec.CacheFrom,
		SecretSrc:  secretSrc,
	})
	if err != nil {
		return "", err
	}

	if err := dockerPush(ctx, b.reference); err != nil {
		return "", err
	}
	for _, tag := range b.spec.Tags {
		extra := b.spec.Registry + "/" + b.spec.Name + ":" + tag
		if err := dockerTag(ctx, b.reference, extra); err != nil {
			return "", err
		}
		if err := dockerPush(ctx, extra); err != nil {
			return "", err
		}
	}

	return dockerImageDigest(ctx, b.reference)
}

// materializeContext obtains the build-context directory: the caller-given
// path for a plain directory source, otherwise a fresh extraction of the
// source archive.
func (b *localBuild) materializeContext(ctx context.Context) (string, error) {
	if dir, ok := b.spec.Source.(DirectorySource); ok {
		if stat, err := os.Stat(dir.Path); err != nil {
			return "", xerrors.Errorf("build context of %s: %w", b.reference, err)
		} else if !stat.IsDir() {
			return "", xerrors.Errorf("build context of %s: %s is not a directory", b.reference, dir.Path)
		}
		return dir.Path, nil
	}

	archive, err := b.spec.Source.Archive(ctx, b.archiver)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := archive.Clean(); err != nil {
			log.WithError(err).WithField("archive", archive.Path).Warn("cannot remove single-use archive")
		}
	}()

	dir, err := extractArchive(ctx, archive)
	if err != nil {
		return "", err
	}
	b.tmpdirs = append(b.tmpdirs, dir)
	return dir, nil
}

// cleanup removes all temporary directories. It never masks the build error.
func (b *localBuild) cleanup() {
	for _, dir := range b.tmpdirs {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("cannot remove temporary build directory")
		}
	}
	b.tmpdirs = nil
}
