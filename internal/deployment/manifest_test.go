package deployment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifestHashesAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644))

	m, err := buildManifest(dir)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)

	paths := []string{m.Files[0].Path, m.Files[1].Path}
	assert.Contains(t, paths, "a.txt")
	assert.Contains(t, paths, filepath.Join("sub", "b.txt"))
}

func TestVerifyManifestDetectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	m, err := buildManifest(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("tampered"), 0o644))

	err = verifyManifest(dir, m, false)
	assert.Error(t, err)
}

func TestVerifyManifestOverrideIgnoresMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	m, err := buildManifest(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("tampered"), 0o644))

	assert.NoError(t, verifyManifest(dir, m, true))
}

func TestWriteAndReadManifestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Files: []FileEntry{{Path: "a.txt", SHA256: "abc", Size: 5}}, RedactedTokens: []string{"hf_token"}}
	require.NoError(t, writeManifest(dir, m))

	got, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Files, got.Files)
	assert.Equal(t, m.RedactedTokens, got.RedactedTokens)
}
