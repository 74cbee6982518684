package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	// secretMountID is the id the Dockerfile uses to reference the secret mount:
	// RUN --mount=type=secret,id=secrets ...
	secretMountID = "secrets"

	// remoteSecretPath is the in-job path the secret-materialization step
	// writes to and the main build step mounts from.
	remoteSecretPath = "/workspace/.kiln-secrets"

	// remoteSecretEnv is the environment name binding the secret-manager entry
	// into the materialization step.
	remoteSecretEnv = "KILN_BUILD_SECRETS"
)

// SecretBundle holds named secret values destined for the build.
// Values never enter build args, step arguments or image history - only an
// indirection (a mount id or an environment name) does.
type SecretBundle map[string]string

// Serialize renders the bundle as sorted name=value lines.
func (s SecretBundle) Serialize() []byte {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf strings.Builder
	for _, name := range names {
		fmt.Fprintf(&buf, "%s=%s\n", name, s[name])
	}
	return []byte(buf.String())
}

// materializeSecretFile writes the bundle to a mode-restricted file in a fresh
// private directory. The caller owns the directory and must remove it after
// the build, success or failure.
func materializeSecretFile(bundle SecretBundle) (dir string, file string, err error) {
	dir, err = os.MkdirTemp("", "kiln-secrets-")
	if err != nil {
		return "", "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}

	file = filepath.Join(dir, "secrets")
	if err := os.WriteFile(file, bundle.Serialize(), 0600); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	return dir, file, nil
}

// disposableSecretName produces the clearly-marked-disposable name of a
// short-lived secret-manager entry. The delete-me prefix lets an external
// sweep catch entries leaked by crashed processes; regular deletion is owned
// by the remote executor.
func disposableSecretName() string {
	return "delete-me-kiln-build-" + uuid.New().String()
}

// secretMountArg is the build-tool flag mounting the secret file.
func secretMountArg(path string) string {
	return fmt.Sprintf("id=%s,src=%s", secretMountID, path)
}
