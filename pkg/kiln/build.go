// Package kiln turns heterogeneous build inputs into digest-pinned container
// images. It resolves a deterministic version tag from the build's content or
// git state, materializes the build context as a content-addressed archive,
// deduplicates concurrent builds of the same resolved reference and drives
// either the local container-build tool or a remote build service through the
// build/tag/push pipeline.
package kiln

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/kiln-build/kiln/pkg/kiln/cloud"
)

// backend key namespaces for the coordinator: a local build and a remote
// build of the "same" reference are not interchangeable artifacts.
const (
	backendLocal  = "docker"
	backendRemote = "gcb"
)

// Builder is the single entry point for image builds. It owns the coordinator
// and the archiver; cloud services are injected and may be nil for purely
// local use.
type Builder struct {
	coordinator *BuildCoordinator
	archiver    *Archiver

	builds  cloud.BuildService
	storage cloud.ObjectUploader
	secrets cloud.SecretManager
	granter cloud.AccessGranter
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithCloudServices injects the remote build collaborators
func WithCloudServices(builds cloud.BuildService, storage cloud.ObjectUploader, secrets cloud.SecretManager, granter cloud.AccessGranter) BuilderOption {
	return func(b *Builder) {
		b.builds = builds
		b.storage = storage
		b.secrets = secrets
		b.granter = granter
	}
}

// NewBuilder creates a builder with its own coordinator.
func NewBuilder(archiver *Archiver, opts ...BuilderOption) *Builder {
	b := &Builder{
		coordinator: NewBuildCoordinator(),
		archiver:    archiver,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBuilderFrom creates a builder sharing the given builder's archiver and
// cloud services but with a fresh coordinator. The coordinator caches build
// results per reference, so a rebuild of possibly-changed inputs needs a new
// one.
func NewBuilderFrom(b *Builder) *Builder {
	return &Builder{
		coordinator: NewBuildCoordinator(),
		archiver:    b.archiver,
		builds:      b.builds,
		storage:     b.storage,
		secrets:     b.secrets,
		granter:     b.granter,
	}
}

// Build resolves the spec's image reference and returns the digest-pinned
// result, executing the underlying pipeline at most once per reference and
// backend within this process. Errors carry the resolved reference so
// concurrent requests can be correlated.
func (b *Builder) Build(ctx context.Context, spec *BuildSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	reference, err := spec.ResolveReference(ctx)
	if err != nil {
		return "", err
	}

	backend := backendLocal
	if spec.Remote != nil {
		backend = backendRemote
		if b.builds == nil || b.storage == nil || b.secrets == nil || b.granter == nil {
			return "", xerrors.Errorf("build of %s needs cloud services which this builder was created without", reference)
		}
	}

	log.WithFields(log.Fields{
		"reference": reference,
		"backend":   backend,
	}).Info("building image")

	job := b.coordinator.GetOrCreate(backend+":"+reference, reference, func() (string, error) {
		// the job outlives any single caller; it must not be bound to the
		// first caller's context
		result, err := b.execute(context.Background(), spec, backend, reference)
		if err != nil {
			return "", xerrors.Errorf("build of %s failed: %w", reference, err)
		}
		return result, nil
	})

	return job.Await(ctx)
}

func (b *Builder) execute(ctx context.Context, spec *BuildSpec, backend, reference string) (string, error) {
	if backend == backendRemote {
		run := &remoteBuild{
			spec:      spec,
			reference: reference,
			archiver:  b.archiver,
			builds:    b.builds,
			storage:   b.storage,
			secrets:   b.secrets,
			granter:   b.granter,
		}
		return run.Run(ctx)
	}

	run := &localBuild{
		spec:      spec,
		reference: reference,
		archiver:  b.archiver,
	}
	return run.Run(ctx)
}
