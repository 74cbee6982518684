package kiln

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestHashBytes(t *testing.T) {
	full, err := HashBytes([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Len(t, full, 64)

	short, err := HashBytes([]byte("hello"), versionTagLength)
	require.NoError(t, err)
	assert.Len(t, short, versionTagLength)
	assert.Equal(t, full[:versionTagLength], short)

	other, err := HashBytes([]byte("hellp"), 0)
	require.NoError(t, err)
	assert.NotEqual(t, full, other)
}

func TestHashTreeDeterminism(t *testing.T) {
	files := map[string]string{
		"Dockerfile":      "FROM scratch\n",
		"app/main.go":     "package main\n",
		"app/util/aux.go": "package util\n",
	}

	treeA := t.TempDir()
	treeB := t.TempDir()
	writeTree(t, treeA, files)
	writeTree(t, treeB, files)

	hashA, err := HashTree(treeA, versionTagLength)
	require.NoError(t, err)
	hashB, err := HashTree(treeB, versionTagLength)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB, "identical trees must hash identically regardless of location")

	require.NoError(t, os.WriteFile(filepath.Join(treeB, "app", "main.go"), []byte("package main // changed\n"), 0644))
	hashChanged, err := HashTree(treeB, versionTagLength)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashChanged)
}

func TestHashTreeSingleFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Dockerfile")
	require.NoError(t, os.WriteFile(file, []byte("FROM scratch\n"), 0644))

	fromTree, err := HashTree(file, 0)
	require.NoError(t, err)
	fromFile, err := HashFile(file, 0)
	require.NoError(t, err)
	assert.Equal(t, fromFile, fromTree)
}

func TestHashTreeMissingPath(t *testing.T) {
	_, err := HashTree(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	assert.Error(t, err)
}
