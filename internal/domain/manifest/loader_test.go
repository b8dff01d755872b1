package manifest

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDescriptor(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorName), []byte(body), 0o600))
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func descriptor(id, version string) string {
	return "plugin.class=" + id + ".wasm\nplugin.id=" + id + "\nplugin.version=" + version + "\n"
}

func TestLoader_Discover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "one"), descriptor("one", "1.0.0"))
	writeDescriptor(t, filepath.Join(root, "two"), descriptor("two", "0.0.2"))
	writeDescriptor(t, filepath.Join(root, "broken"), "plugin.id=broken\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o600))
	writeArchive(t, filepath.Join(root, "three.plugin"), map[string]string{
		DescriptorName: descriptor("three", "0.0.3"),
		"three.wasm":   "module",
	})

	loader := NewLoader(root, filepath.Join(root, "missing"))
	result, err := loader.Discover(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(result.Manifests))
	for _, m := range result.Manifests {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"one", "two", "three"}, ids)

	require.True(t, result.HasErrors())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, filepath.Join(root, "broken"), result.Errors[0].Path)
	assert.True(t, IsManifestParse(&result.Errors[0]))
}

func TestLoader_RootIsPlugin(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeDescriptor(t, root, descriptor("solo", "1.0.0"))

	result, err := NewLoader(root).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Manifests, 1)
	assert.Equal(t, "solo", result.Manifests[0].ID)
	assert.Equal(t, root, result.Manifests[0].Source)
}

func TestLoader_DiscoverIsRepeatable(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "one"), descriptor("one", "1.0.0"))
	loader := NewLoader(root)

	first, err := loader.Discover(context.Background())
	require.NoError(t, err)

	writeDescriptor(t, filepath.Join(root, "two"), descriptor("two", "1.0.0"))
	second, err := loader.Discover(context.Background())
	require.NoError(t, err)

	assert.Len(t, first.Manifests, 1)
	assert.Len(t, second.Manifests, 2)
}

func TestLoader_DiscoverCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoader(t.TempDir()).Discover(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadFromDir_TooLarge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	big := make([]byte, maxDescriptorSize+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorName), big, 0o600))

	_, err := LoadFromDir(dir)
	var sizeErr *DescriptorSizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, maxDescriptorSize, sizeErr.Limit)
}

func TestLoadFromArchive_NoDescriptor(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.zip")
	writeArchive(t, path, map[string]string{"other.txt": "x"})

	_, err := LoadFromArchive(path)
	require.ErrorIs(t, err, ErrDescriptorNotFound)
}

func TestReadModule(t *testing.T) {
	t.Parallel()

	t.Run("exploded", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, descriptor("one", "1.0.0"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "one.wasm"), []byte("bytes"), 0o600))

		m, err := LoadFromDir(dir)
		require.NoError(t, err)

		data, err := ReadModule(m)
		require.NoError(t, err)
		assert.Equal(t, "bytes", string(data))
	})

	t.Run("packaged", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "one.zip")
		writeArchive(t, path, map[string]string{
			DescriptorName: descriptor("one", "1.0.0"),
			"one.wasm":     "zipped",
		})

		m, err := LoadFromArchive(path)
		require.NoError(t, err)
		assert.True(t, m.Packaged)

		data, err := ReadModule(m)
		require.NoError(t, err)
		assert.Equal(t, "zipped", string(data))
	})

	t.Run("missing module", func(t *testing.T) {
		m := &Manifest{ID: "x", ClassRef: "x.wasm", Source: t.TempDir()}
		_, err := ReadModule(m)
		require.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("path traversal", func(t *testing.T) {
		for _, ref := range []string{"../escape.wasm", "/abs.wasm", "..", ""} {
			m := &Manifest{ID: "x", ClassRef: ref, Source: t.TempDir()}
			_, err := ReadModule(m)
			assert.True(t, IsPathTraversal(err), ref)
		}
	})
}

func TestReadModule_TooLarge(t *testing.T) {
	t.Parallel()

	t.Run("exploded", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, descriptor("one", "1.0.0"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "one.wasm"), []byte("12345"), 0o600))

		m, err := LoadFromDir(dir)
		require.NoError(t, err)

		_, err = readModule(m, 4)
		var sizeErr *ModuleSizeError
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, "one.wasm", sizeErr.Path)
		assert.Equal(t, int64(5), sizeErr.Size)
		assert.Equal(t, int64(4), sizeErr.Limit)
		assert.NotContains(t, err.Error(), "descriptor")
	})

	t.Run("packaged", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "one.zip")
		writeArchive(t, path, map[string]string{
			DescriptorName: descriptor("one", "1.0.0"),
			"one.wasm":     "12345",
		})

		m, err := LoadFromArchive(path)
		require.NoError(t, err)

		_, err = readModule(m, 4)
		var sizeErr *ModuleSizeError
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, int64(5), sizeErr.Size)

		var descErr *DescriptorSizeError
		assert.False(t, errors.As(err, &descErr))
	})
}
