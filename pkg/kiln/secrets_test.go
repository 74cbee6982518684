package kiln

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBundleSerialize(t *testing.T) {
	bundle := SecretBundle{
		"NPM_TOKEN":    "tok-npm",
		"API_KEY":      "tok-api",
		"GITHUB_TOKEN": "tok-gh",
	}

	serialized := string(bundle.Serialize())
	assert.Equal(t, "API_KEY=tok-api\nGITHUB_TOKEN=tok-gh\nNPM_TOKEN=tok-npm\n", serialized, "serialization must be sorted and stable")
	assert.Equal(t, serialized, string(bundle.Serialize()))
}

func TestMaterializeSecretFile(t *testing.T) {
	dir, file, err := materializeSecretFile(SecretBundle{"API_KEY": "tok-api"})
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assert.Equal(t, dir, filepath.Dir(file))

	dirStat, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirStat.Mode().Perm())

	fileStat, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileStat.Mode().Perm())

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "API_KEY=tok-api\n", string(content))
}

func TestDisposableSecretName(t *testing.T) {
	name := disposableSecretName()
	assert.True(t, strings.HasPrefix(name, "delete-me-kiln-build-"), "got %q", name)
	assert.NotEqual(t, name, disposableSecretName())
}

func TestSecretMountArg(t *testing.T) {
	assert.Equal(t, "id=secrets,src=/tmp/kiln-secrets-x/secrets", secretMountArg("/tmp/kiln-secrets-x/secrets"))
}
