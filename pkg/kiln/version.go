package kiln

import (
	"context"
	"fmt"
)

// VersioningStrategy produces the version tag of an image reference.
// The strategy type is embedded in content-derived tags (hash_, git_) so a
// stale or foreign tag identifies its own origin during debugging.
type VersioningStrategy interface {
	// ResolveVersion returns the version tag for this strategy.
	ResolveVersion(ctx context.Context) (string, error)
}

// FixedVersion uses the caller-provided value verbatim.
type FixedVersion struct {
	Version string
}

func (v FixedVersion) ResolveVersion(ctx context.Context) (string, error) {
	if v.Version == "" {
		return "", fmt.Errorf("fixed version must not be empty")
	}
	return v.Version, nil
}

// ContentVersion derives the tag from the content of a file or directory tree.
// The same tree state yields the same tag regardless of when or where it is built.
type ContentVersion struct {
	Path string
}

func (v ContentVersion) ResolveVersion(ctx context.Context) (string, error) {
	hash, err := HashTree(v.Path, versionTagLength)
	if err != nil {
		return "", err
	}
	return "hash_" + hash, nil
}

// GitVersion derives the tag from a resolved git commit. The tag embeds a
// digest of the subpath so two images built from different subpaths of the
// same commit do not collide.
type GitVersion struct {
	WorkingCopy string
	Subpath     string
	Ref         string
}

func (v GitVersion) ResolveVersion(ctx context.Context) (string, error) {
	commit, err := resolveGitCommit(ctx, v.WorkingCopy, v.Subpath, v.Ref)
	if err != nil {
		return "", err
	}
	pathDigest, err := gitPathDigest(ctx, v.WorkingCopy, v.Subpath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("git_%s-%s", pathDigest, commit), nil
}
