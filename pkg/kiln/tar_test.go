package kiln

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildTarCommand(t *testing.T) {
	cmd := BuildTarCommand(
		WithOutputFile("/cache/entry.tar.gz"),
		WithWorkingDir("/src"),
		WithExcludePatterns(".git"),
	)
	line := strings.Join(cmd, " ")

	assert.Equal(t, "tar", cmd[0])
	assert.Contains(t, line, "--sort=name")
	assert.Contains(t, line, "--owner=0 --group=0 --numeric-owner")
	assert.Contains(t, line, "--no-xattrs --no-acls")
	assert.Contains(t, line, "-czf /cache/entry.tar.gz")
	assert.Contains(t, line, "-C /src")
	assert.Contains(t, line, "--exclude .git")
	assert.Equal(t, ".", cmd[len(cmd)-1], "the whole working dir is archived")

	if runtime.GOOS == "linux" {
		assert.Contains(t, line, "--sparse")
	}
}

func TestBuildTarCommandAppendsGzSuffix(t *testing.T) {
	cmd := BuildTarCommand(WithOutputFile("/cache/entry"))
	line := strings.Join(cmd, " ")
	assert.Contains(t, line, "-czf /cache/entry.gz")
}

func TestBuildUnTarCommand(t *testing.T) {
	cmd := BuildUnTarCommand("/cache/entry.tar.gz", "/tmp/ctx")
	line := strings.Join(cmd, " ")
	assert.Contains(t, line, "-xzf /cache/entry.tar.gz")
	assert.Contains(t, line, "--no-same-owner")
	assert.Contains(t, line, "-C /tmp/ctx")
}

func TestBuildTarListCommand(t *testing.T) {
	assert.Equal(t, []string{"tar", "-tzf", "/cache/entry.tar.gz"}, BuildTarListCommand("/cache/entry.tar.gz"))
}
