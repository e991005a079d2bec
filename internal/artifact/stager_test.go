package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestUpload_SkipsIdenticalBytes(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStager(root)

	src := filepath.Join(root, "incoming", "app.jar")
	writeFile(t, src, "payload-v1")

	written, err := s.Upload(src, "uploads/app.jar")
	require.NoError(t, err)
	assert.True(t, written, "first upload writes")

	// Same bytes again: no rewrite.
	written, err = s.Upload(src, "uploads/app.jar")
	require.NoError(t, err)
	assert.False(t, written, "identical upload is skipped")

	// Changed bytes: rewrite.
	writeFile(t, src, "payload-v2")
	written, err = s.Upload(src, "uploads/app.jar")
	require.NoError(t, err)
	assert.True(t, written, "changed upload writes")

	got, err := os.ReadFile(filepath.Join(root, "uploads", "app.jar"))
	require.NoError(t, err)
	assert.Equal(t, "payload-v2", string(got))
}

func TestChecksum_StableForSameContent(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStager(root)

	writeFile(t, filepath.Join(root, "a.jar"), "same")
	writeFile(t, filepath.Join(root, "b.jar"), "same")
	writeFile(t, filepath.Join(root, "c.jar"), "different")

	ha, err := s.Checksum("a.jar")
	require.NoError(t, err)
	hb, err := s.Checksum("b.jar")
	require.NoError(t, err)
	hc, err := s.Checksum("c.jar")
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
}

func TestCopyDir(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStager(root)

	writeFile(t, filepath.Join(root, "src", "lib", "dep.jar"), "dep")
	writeFile(t, filepath.Join(root, "src", "main.jar"), "main")

	require.NoError(t, s.CopyDir("src", "dst"))

	got, err := os.ReadFile(filepath.Join(root, "dst", "lib", "dep.jar"))
	require.NoError(t, err)
	assert.Equal(t, "dep", string(got))
}

func TestMove(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStager(root)

	writeFile(t, filepath.Join(root, "tmp", "build.out"), "out")
	require.NoError(t, s.Move("tmp/build.out", "final/build.out"))

	exists, err := s.Exists("tmp/build.out")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = s.Exists("final/build.out")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExistsAndDelete(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStager(root)

	exists, err := s.Exists("nope")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Mkdirs("dir/sub"))
	exists, err = s.Exists("dir/sub")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete("dir"))
	exists, err = s.Exists("dir/sub")
	require.NoError(t, err)
	assert.False(t, exists)
}
