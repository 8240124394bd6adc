package payload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestReadDescriptor(t *testing.T) {
	apk := writeArchive(t, map[string]string{
		"assets/vm_config.json": `{
			"os": {"name": "microdroid"},
			"task": {"type": "microdroid_launcher", "command": "payload.so"},
			"extra_apks": [{"path": "/system/etc/a.apk"}, {"path": "/system/etc/b.apk"}]
		}`,
		"assets/vm_config.yaml": "extra_apks:\n  - path: /system/etc/c.apk\n",
		"assets/empty.json":     `{"task": {"type": "microdroid_launcher"}}`,
		"assets/broken.json":    `{"extra_apks": [`,
		"assets/nopath.json":    `{"extra_apks": [{}]}`,
	})

	t.Run("json", func(t *testing.T) {
		desc, err := ReadDescriptor(apk, "assets/vm_config.json")
		require.NoError(t, err)
		require.Len(t, desc.ExtraApks, 2)
		assert.Equal(t, "/system/etc/a.apk", desc.ExtraApks[0].Path)
		assert.Equal(t, "/system/etc/b.apk", desc.ExtraApks[1].Path)
	})

	t.Run("yaml", func(t *testing.T) {
		desc, err := ReadDescriptor(apk, "assets/vm_config.yaml")
		require.NoError(t, err)
		require.Len(t, desc.ExtraApks, 1)
		assert.Equal(t, "/system/etc/c.apk", desc.ExtraApks[0].Path)
	})

	t.Run("leading slash", func(t *testing.T) {
		desc, err := ReadDescriptor(apk, "/assets/vm_config.json")
		require.NoError(t, err)
		assert.Len(t, desc.ExtraApks, 2)
	})

	t.Run("no extra apks", func(t *testing.T) {
		desc, err := ReadDescriptor(apk, "assets/empty.json")
		require.NoError(t, err)
		assert.Empty(t, desc.ExtraApks)
	})

	t.Run("missing entry", func(t *testing.T) {
		_, err := ReadDescriptor(apk, "assets/missing.json")
		assert.ErrorIs(t, err, ErrDescriptorNotFound)
	})

	t.Run("outside archive", func(t *testing.T) {
		_, err := ReadDescriptor(apk, "../vm_config.json")
		assert.ErrorIs(t, err, ErrDescriptorNotFound)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ReadDescriptor(apk, "assets/broken.json")
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("entry without path", func(t *testing.T) {
		_, err := ReadDescriptor(apk, "assets/nopath.json")
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})
}

func TestReadDescriptor_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0644))

	_, err := ReadDescriptor(path, "assets/vm_config.json")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDescriptorNotFound)
}

func TestExtraApks(t *testing.T) {
	desc := &Descriptor{ExtraApks: []ExtraApkEntry{{Path: "/a.apk"}, {Path: "/b.apk"}}}

	got := ExtraApks(desc, "/data/vm/vm1")
	assert.Equal(t, []ExtraApk{
		{Path: "/a.apk", IDSigPath: "/data/vm/vm1/extra_idsig_0"},
		{Path: "/b.apk", IDSigPath: "/data/vm/vm1/extra_idsig_1"},
	}, got)

	assert.Empty(t, ExtraApks(&Descriptor{}, "/data/vm/vm1"))
	assert.Nil(t, ExtraApks(nil, "/data/vm/vm1"))
}
