package kiln

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// BuildSource is where the build context comes from. The concrete type decides
// how the context is materialized and whether the resulting archive is cached
// across invocations.
type BuildSource interface {
	// Archive materializes the source as a cached context tarball.
	Archive(ctx context.Context, a *Archiver) (*SourceArchive, error)
}

// DirectorySource uses a plain directory. Local builds hand the path to the
// build tool directly; remote builds archive it with a generated single-use
// cache id.
type DirectorySource struct {
	Path string
}

func (s DirectorySource) Archive(ctx context.Context, a *Archiver) (*SourceArchive, error) {
	return a.FromDirectory(ctx, s.Path, nil, "")
}

// SnapshotSource archives a directory honoring exclusion globs. An explicit
// CacheKey opts into persisting the archive across invocations.
type SnapshotSource struct {
	Path     string
	Excludes []string
	CacheKey string
}

func (s SnapshotSource) Archive(ctx context.Context, a *Archiver) (*SourceArchive, error) {
	return a.FromDirectory(ctx, s.Path, s.Excludes, s.CacheKey)
}

// GitSource archives a commit of a git working copy. An empty Commit resolves
// to the latest commit touching Subpath.
type GitSource struct {
	WorkingCopy string
	Subpath     string
	Commit      string
}

func (s GitSource) Archive(ctx context.Context, a *Archiver) (*SourceArchive, error) {
	return a.FromGit(ctx, s.WorkingCopy, s.Subpath, s.Commit)
}

// RemoteTarget carries the fields a remote build needs. All three must be set;
// their joint presence on a BuildSpec selects the remote backend.
type RemoteTarget struct {
	// ServiceAccount is the principal executing the remote build job
	ServiceAccount string
	// ContextBucket receives the uploaded build context
	ContextBucket string
	// Project hosts the remote build job, its logs and ephemeral secrets
	Project string
}

func (t *RemoteTarget) validate() error {
	if t.ServiceAccount == "" || t.ContextBucket == "" || t.Project == "" {
		return fmt.Errorf("remote builds need serviceAccount, contextBucket and project - got %+v", *t)
	}
	return nil
}

// BuildSpec is the immutable description of one image build.
type BuildSpec struct {
	// Registry is the registry base URL, e.g. gcr.io/acme
	Registry string
	// Name is the image name within the registry
	Name string
	// Tags are additional tags pushed besides the version tag
	Tags []string
	// CacheFrom is an optional tag pulled before the build to seed layer caching
	CacheFrom string

	Versioning VersioningStrategy
	Source     BuildSource

	// BuildArgs maps build argument names to optional values. A nil value
	// passes the argument without a value so the build tool takes it from
	// its environment.
	BuildArgs map[string]*string
	// Dockerfile is a context-relative path to the Dockerfile, empty for default
	Dockerfile string
	// Platform is the target platform, e.g. linux/amd64
	Platform string
	// Secrets are injected via a secret mount, never via build args
	Secrets SecretBundle
	// GrantUploadAccess requests idempotent IAM grants for the remote principal
	GrantUploadAccess bool

	// Remote selects the remote backend when fully populated. A partially
	// populated target is a configuration error caught by Validate.
	Remote *RemoteTarget
}

// Validate checks the spec for configuration errors. These are always fatal
// and never retried.
func (s *BuildSpec) Validate() error {
	if s.Registry == "" {
		return fmt.Errorf("registry must not be empty")
	}
	if s.Name == "" {
		return fmt.Errorf("image name must not be empty")
	}
	if s.Versioning == nil {
		return fmt.Errorf("image %s: versioning strategy is required", s.Name)
	}
	if s.Source == nil {
		return fmt.Errorf("image %s: build source is required", s.Name)
	}
	if s.Remote != nil {
		if err := s.Remote.validate(); err != nil {
			return xerrors.Errorf("image %s: %w", s.Name, err)
		}
	}
	return nil
}

// ResolveReference computes the canonical image reference
// {registry}/{name}:{versionTag}. Identical spec content always yields the
// same reference - the basis of build deduplication and caching.
func (s *BuildSpec) ResolveReference(ctx context.Context) (string, error) {
	version, err := s.Versioning.ResolveVersion(ctx)
	if err != nil {
		return "", xerrors.Errorf("cannot resolve version of %s: %w", s.Name, err)
	}
	return fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(s.Registry, "/"), s.Name, version), nil
}
