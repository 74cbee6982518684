package kiln

import (
	"context"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/cloudbuild/v1"

	"github.com/kiln-build/kiln/pkg/kiln/cloud"
)

const (
	// dockerBuilderImage is the tool image remote docker steps run in
	dockerBuilderImage = "gcr.io/cloud-builders/docker"

	// remoteBuildTimeout bounds one remote job
	remoteBuildTimeout = "1800s"

	// contextObjectPrefix is where uploaded build contexts live in the bucket.
	// Contexts are retained after the job so the exact input stays inspectable.
	contextObjectPrefix = "build-contexts"
)

// projectRolesForBuilds are the project-scoped roles a build principal needs
// besides read access to the context object.
var projectRolesForBuilds = []string{
	"roles/logging.logWriter",
	"roles/cloudbuild.builds.builder",
}

// remoteBuild assembles and dispatches one build job to the remote build
// service and extracts the digest-pinned result from its terminal payload.
type remoteBuild struct {
	spec      *BuildSpec
	reference string
	archiver  *Archiver

	builds  cloud.BuildService
	storage cloud.ObjectUploader
	secrets cloud.SecretManager
	granter cloud.AccessGranter
}

func (b *remoteBuild) Run(ctx context.Context) (result string, err error) {
	target := b.spec.Remote

	archive, err := b.spec.Source.Archive(ctx, b.archiver)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := archive.Clean(); cerr != nil {
			log.WithError(cerr).WithField("archive", archive.Path).Warn("cannot remove single-use archive")
		}
	}()

	object := fmt.Sprintf("%s/%s", contextObjectPrefix, filepath.Base(archive.Path))
	if err := b.storage.Upload(ctx, target.ContextBucket, object, archive.Path); err != nil {
		return "", err
	}

	if b.spec.GrantUploadAccess {
		if err := b.storage.GrantReadAccess(ctx, target.ContextBucket, target.ServiceAccount); err != nil {
			return "", err
		}
		if err := b.granter.GrantProjectRoles(ctx, target.Project, target.ServiceAccount, projectRolesForBuilds...); err != nil {
			return "", err
		}
	}

	job, secretName, err := b.assembleJob(ctx, target, object)
	if err != nil {
		return "", err
	}
	if secretName != "" {
		defer func() {
			// the delete-me name prefix lets an external sweep catch entries
			// this best-effort deletion misses
			if derr := b.secrets.Delete(context.WithoutCancel(ctx), target.Project, secretName); derr != nil {
				log.WithError(derr).WithField("secret", secretName).Warn("cannot delete ephemeral build secret")
			}
		}()
	}

	terminal, err := b.builds.Run(ctx, target.Project, job)
	if err != nil {
		return "", err
	}
	if err := cloud.ToError(terminal); err != nil {
		return "", err
	}

	return extractDigest(terminal)
}

// assembleJob builds the ordered step list and job envelope. When secrets are
// present it also creates the ephemeral secret-manager entry and returns its
// name so the caller owns deletion.
func (b *remoteBuild) assembleJob(ctx context.Context, target *RemoteTarget, object string) (*cloudbuild.Build, string, error) {
	var (
		steps      []*cloudbuild.BuildStep
		secretName string
		secretEnvs []*cloudbuild.SecretManagerSecret
	)

	if b.spec.CacheFrom != "" {
		steps = append(steps, &cloudbuild.BuildStep{
			Id:           "cache-pull",
			Name:         dockerBuilderImage,
			Args:         []string{"pull", b.spec.CacheFrom},
			AllowFailure: true,
		})
	}

	if len(b.spec.Secrets) > 0 {
		secretName = disposableSecretName()
		versionName, err := b.secrets.CreateEphemeral(ctx, target.Project, secretName, b.spec.Secrets.Serialize(), target.ServiceAccount)
		if err != nil {
			return nil, "", xerrors.Errorf("cannot create ephemeral secret for %s: %w", b.reference, err)
		}
		secretEnvs = append(secretEnvs, &cloudbuild.SecretManagerSecret{
			Env:         remoteSecretEnv,
			VersionName: versionName,
		})
		// the raw value only travels through the secret env binding; step
		// arguments never see it
		steps = append(steps, &cloudbuild.BuildStep{
			Id:         "materialize-secrets",
			Name:       dockerBuilderImage,
			Entrypoint: "bash",
			Args:       []string{"-c", fmt.Sprintf(`printf '%%s' "$$%s" > %s`, remoteSecretEnv, remoteSecretPath)},
			SecretEnv:  []string{remoteSecretEnv},
		})
	}

	buildArgs := dockerBuildArgs{
		ContextDir: ".",
		Reference:  b.reference,
		Dockerfile: b.spec.Dockerfile,
		Platform:   b.spec.Platform,
		BuildArgs:  b.spec.BuildArgs,
		CacheFrom:  b.spec.CacheFrom,
	}
	buildStep := &cloudbuild.BuildStep{
		Id:   "build",
		Name: dockerBuilderImage,
	}
	if secretName != "" {
		buildArgs.SecretSrc = remoteSecretPath
		buildStep.Env = []string{"DOCKER_BUILDKIT=1"}
	}
	buildStep.Args = buildArgs.commandLine()
	steps = append(steps, buildStep)

	images := []string{b.reference}
	for _, tag := range b.spec.Tags {
		extra := b.spec.Registry + "/" + b.spec.Name + ":" + tag
		steps = append(steps, &cloudbuild.BuildStep{
			Id:   "tag-" + tag,
			Name: dockerBuilderImage,
			Args: []string{"tag", b.reference, extra},
		})
		images = append(images, extra)
	}

	job := &cloudbuild.Build{
		ServiceAccount: fmt.Sprintf("projects/%s/serviceAccounts/%s", target.Project, target.ServiceAccount),
		Images:         images,
		Timeout:        remoteBuildTimeout,
		Options:        &cloudbuild.BuildOptions{Logging: "CLOUD_LOGGING_ONLY"},
		Steps:          steps,
		Source: &cloudbuild.Source{
			StorageSource: &cloudbuild.StorageSource{
				Bucket: target.ContextBucket,
				Object: object,
			},
		},
	}
	if len(secretEnvs) > 0 {
		job.AvailableSecrets = &cloudbuild.Secrets{SecretManager: secretEnvs}
	}
	return job, secretName, nil
}

// extractDigest reads the first built image from the terminal result payload.
// A successful job without a usable name/digest is a service-contract
// violation, not a transient failure.
func extractDigest(build *cloudbuild.Build) (string, error) {
	if build.Results == nil || len(build.Results.Images) == 0 {
		return "", xerrors.Errorf("remote build %s succeeded but reported no images", build.Id)
	}

	img := build.Results.Images[0]
	if img.Name == "" || img.Digest == "" {
		return "", xerrors.Errorf("remote build %s reported an image without name or digest", build.Id)
	}
	return fmt.Sprintf("%s@%s", stripTag(img.Name), img.Digest), nil
}
