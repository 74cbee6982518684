package kiln

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/xerrors"
)

// dockerBuildArgs describes one invocation of the build tool.
type dockerBuildArgs struct {
	ContextDir string
	Reference  string
	Dockerfile string
	Platform   string
	BuildArgs  map[string]*string
	CacheFrom  string
	SecretSrc  string
}

func (a dockerBuildArgs) commandLine() []string {
	cmd := []string{"build", a.ContextDir, "-t", a.Reference}
	if a.Dockerfile != "" {
		cmd = append(cmd, "-f", a.Dockerfile)
	}
	if a.Platform != "" {
		cmd = append(cmd, "--platform", a.Platform)
	}
	// sorted so identical specs always assemble identical command lines
	args := make([]string, 0, len(a.BuildArgs))
	for arg := range a.BuildArgs {
		args = append(args, arg)
	}
	sort.Strings(args)
	for _, arg := range args {
		if val := a.BuildArgs[arg]; val == nil {
			cmd = append(cmd, "--build-arg", arg)
		} else {
			cmd = append(cmd, "--build-arg", fmt.Sprintf("%s=%s", arg, *val))
		}
	}
	if a.CacheFrom != "" {
		cmd = append(cmd, "--cache-from", a.CacheFrom)
	}
	if a.SecretSrc != "" {
		cmd = append(cmd, "--secret", secretMountArg(a.SecretSrc))
	}
	return cmd
}

func dockerBuild(ctx context.Context, args dockerBuildArgs) error {
	var env []string
	if args.SecretSrc != "" {
		// secret mounts need the buildkit backend
		env = append(env, "DOCKER_BUILDKIT=1")
	}
	cmd := args.commandLine()
	if _, err := runCommand(ctx, "", env, "docker", cmd...); err != nil {
		return xerrors.Errorf("docker build failed: %w", err)
	}
	return nil
}

func dockerPush(ctx context.Context, ref string) error {
	if _, err := runCommand(ctx, "", nil, "docker", "push", ref); err != nil {
		return xerrors.Errorf("docker push %s failed: %w", ref, err)
	}
	return nil
}

func dockerTag(ctx context.Context, src, dst string) error {
	if _, err := runCommand(ctx, "", nil, "docker", "tag", src, dst); err != nil {
		return xerrors.Errorf("docker tag %s %s failed: %w", src, dst, err)
	}
	return nil
}

func dockerPull(ctx context.Context, ref string) error {
	if _, err := runCommand(ctx, "", nil, "docker", "pull", ref); err != nil {
		return xerrors.Errorf("docker pull %s failed: %w", ref, err)
	}
	return nil
}

func dockerRemoveImage(ctx context.Context, ref string) error {
	if _, err := runCommand(ctx, "", nil, "docker", "image", "rm", ref); err != nil {
		return xerrors.Errorf("docker image rm %s failed: %w", ref, err)
	}
	return nil
}

// dockerImageDigest inspects a pushed image and returns its digest-pinned
// reference {name}@{algo}:{hex}. The first entry of the first inspect
// result's repo digests is authoritative.
func dockerImageDigest(ctx context.Context, ref string) (string, error) {
	out, err := runCommand(ctx, "", nil, "docker", "image", "inspect", ref)
	if err != nil {
		return "", xerrors.Errorf("docker image inspect %s failed: %w", ref, err)
	}

	var inspect []struct {
		RepoDigests []string `json:"RepoDigests"`
	}
	if err := json.Unmarshal(out, &inspect); err != nil {
		return "", xerrors.Errorf("cannot parse docker inspect output for %s: %w", ref, err)
	}
	if len(inspect) == 0 || len(inspect[0].RepoDigests) == 0 {
		return "", xerrors.Errorf("image %s has no repo digest - was it pushed?", ref)
	}

	pinned := inspect[0].RepoDigests[0]
	if _, err := name.NewDigest(pinned); err != nil {
		return "", xerrors.Errorf("image %s has malformed repo digest %q: %w", ref, pinned, err)
	}
	return pinned, nil
}

// stripTag removes a trailing :tag from an image name, leaving any digest and
// registry port intact.
func stripTag(ref string) string {
	if at := strings.Index(ref, "@"); at >= 0 {
		ref = ref[:at]
	}
	if colon := strings.LastIndex(ref, ":"); colon >= 0 && !strings.Contains(ref[colon:], "/") {
		ref = ref[:colon]
	}
	return ref
}
