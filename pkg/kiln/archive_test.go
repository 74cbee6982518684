package kiln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// archiveToolStub emulates tar and git archive: create commands produce their
// output file, list commands verify it exists.
func archiveToolStub(t *testing.T) func(cmd recordedCommand) ([]byte, error) {
	t.Helper()
	return func(cmd recordedCommand) ([]byte, error) {
		args := cmd.Args
		for i, arg := range args {
			switch arg {
			case "-czf", "-o":
				if i+1 >= len(args) {
					return nil, fmt.Errorf("missing output file: %s", cmd)
				}
				return nil, os.WriteFile(args[i+1], []byte("stub archive"), 0644)
			case "-tzf":
				if i+1 >= len(args) {
					return nil, fmt.Errorf("missing archive file: %s", cmd)
				}
				if _, err := os.Stat(args[i+1]); err != nil {
					return nil, fmt.Errorf("no archive at %s", args[i+1])
				}
				return []byte("./\n./Dockerfile\n"), nil
			case "log":
				return []byte("232bbf468ca410aabddb02037a4297eebf828940\n"), nil
			case "rev-parse":
				// working copies in these tests sit at the repository root
				return []byte("\n"), nil
			}
		}
		return nil, fmt.Errorf("unexpected command: %s", cmd)
	}
}

func countCreates(recorded []recordedCommand) int {
	var n int
	for _, cmd := range recorded {
		for _, arg := range cmd.Args {
			if arg == "-czf" || arg == "-o" {
				n++
			}
		}
	}
	return n
}

func TestFromDirectorySingleUse(t *testing.T) {
	recorded := stubCommands(t, archiveToolStub(t))

	archiver, err := NewArchiver(t.TempDir(), nil)
	require.NoError(t, err)

	src := t.TempDir()
	archive, err := archiver.FromDirectory(context.Background(), src, nil, "")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(archive.Path, ".tar.gz"))
	assert.FileExists(t, archive.Path)
	assert.Equal(t, 1, countCreates(*recorded))

	require.NoError(t, archive.Clean())
	assert.NoFileExists(t, archive.Path, "single-use archives are removed by Clean")
}

func TestFromDirectoryCacheKeyReuse(t *testing.T) {
	recorded := stubCommands(t, archiveToolStub(t))

	archiver, err := NewArchiver(t.TempDir(), nil)
	require.NoError(t, err)

	src := t.TempDir()
	first, err := archiver.FromDirectory(context.Background(), src, nil, "workspace-main")
	require.NoError(t, err)
	assert.Equal(t, 1, countCreates(*recorded))

	require.NoError(t, first.Clean())
	assert.FileExists(t, first.Path, "keyed archives survive Clean")

	second, err := archiver.FromDirectory(context.Background(), src, nil, "workspace-main")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.UniqueID, second.UniqueID)
	assert.Equal(t, 1, countCreates(*recorded), "cached archive must not be recreated")

	other, err := archiver.FromDirectory(context.Background(), src, nil, "workspace-branch")
	require.NoError(t, err)
	assert.NotEqual(t, first.UniqueID, other.UniqueID)
	assert.Equal(t, 2, countCreates(*recorded))
}

func TestFromDirectoryExcludes(t *testing.T) {
	recorded := stubCommands(t, archiveToolStub(t))

	archiver, err := NewArchiver(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = archiver.FromDirectory(context.Background(), t.TempDir(), []string{".git", "node_modules"}, "keyed")
	require.NoError(t, err)

	var createCmd recordedCommand
	for _, cmd := range *recorded {
		if strings.Contains(cmd.String(), "-czf") {
			createCmd = cmd
		}
	}
	line := createCmd.String()
	assert.Contains(t, line, "--exclude .git")
	assert.Contains(t, line, "--exclude node_modules")
	assert.Contains(t, line, "--sort=name")
	assert.Contains(t, line, "--owner=0")
}

func TestFromDirectoryNotADirectory(t *testing.T) {
	stubCommands(t, archiveToolStub(t))

	archiver, err := NewArchiver(t.TempDir(), nil)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err = archiver.FromDirectory(context.Background(), file, nil, "")
	assert.Error(t, err)
}

func TestFromGitReuse(t *testing.T) {
	recorded := stubCommands(t, archiveToolStub(t))

	archiver, err := NewArchiver(t.TempDir(), nil)
	require.NoError(t, err)

	first, err := archiver.FromGit(context.Background(), "/workspace/repo", "services/api", "")
	require.NoError(t, err)
	assert.Contains(t, first.UniqueID, "232bbf468ca410aabddb02037a4297eebf828940")
	assert.Equal(t, 1, countCreates(*recorded))

	require.NoError(t, first.Clean())
	assert.FileExists(t, first.Path, "commit archives are never single-use")

	second, err := archiver.FromGit(context.Background(), "/workspace/repo", "services/api", "")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, countCreates(*recorded), "same commit must reuse the cached archive")
}

func TestFromGitFailedArchiveLeavesNoCacheEntry(t *testing.T) {
	cacheDir := t.TempDir()
	stubCommands(t, func(cmd recordedCommand) ([]byte, error) {
		switch cmd.Args[0] {
		case "log":
			return []byte("232bbf468ca410aabddb02037a4297eebf828940\n"), nil
		case "rev-parse":
			return []byte("\n"), nil
		}
		return nil, fmt.Errorf("boom")
	})

	archiver, err := NewArchiver(cacheDir, nil)
	require.NoError(t, err)

	_, err = archiver.FromGit(context.Background(), "/workspace/repo", "", "")
	require.Error(t, err)

	var gitErr *GitError
	assert.ErrorAs(t, err, &gitErr)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tar.gz"), "failed archiving must not land at the canonical cache path")
	}
}
