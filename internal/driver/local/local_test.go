package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

func newDriver(t *testing.T, extra map[string]string) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	cfg := map[string]string{"root_path": root}
	for k, v := range extra {
		cfg[k] = v
	}
	d, err := Factory(context.Background(), &model.StorageConfig{Type: DriverType, Config: cfg}, driver.Env{})
	require.NoError(t, err)
	return d.(*Driver), root
}

func TestFactory_Validation(t *testing.T) {
	_, err := Factory(context.Background(), &model.StorageConfig{Config: map[string]string{}}, driver.Env{})
	assert.Error(t, err, "missing root_path")

	_, err = Factory(context.Background(), &model.StorageConfig{
		Config: map[string]string{"root_path": "relative/path"},
	}, driver.Env{})
	assert.Error(t, err, "relative root_path")

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err = Factory(context.Background(), &model.StorageConfig{
		Config: map[string]string{"root_path": missing},
	}, driver.Env{})
	assert.Error(t, err, "nonexistent root without auto_create_root")

	d, err := Factory(context.Background(), &model.StorageConfig{
		Config: map[string]string{"root_path": missing, "auto_create_root": "true"},
	}, driver.Env{})
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestCapabilities(t *testing.T) {
	d, _ := newDriver(t, nil)
	caps := d.Capabilities()
	assert.True(t, caps.Has(driver.CapReader|driver.CapWriter))
	assert.True(t, caps.Has(driver.CapAtomic))
	assert.False(t, caps.Has(driver.CapPresigned))
	assert.False(t, caps.Has(driver.CapMultipart))
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()
	content := []byte("hello local world")

	_, err := d.Upload(ctx, "dir/file.txt", driver.NewBytesBody(content))
	require.NoError(t, err)

	desc, err := d.Download(ctx, "dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), desc.Size)
	assert.True(t, desc.RangeSupported())

	rc, err := desc.OpenFull(ctx)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownload_Range(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	_, err := d.Upload(ctx, "f.txt", driver.NewBytesBody([]byte("hello world")))
	require.NoError(t, err)

	desc, err := d.Download(ctx, "f.txt")
	require.NoError(t, err)

	rc, honored, err := desc.OpenRange(ctx, 6, 10)
	require.NoError(t, err)
	defer rc.Close()
	assert.True(t, honored)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "world", string(got))

	// Single byte.
	rc2, _, err := desc.OpenRange(ctx, 0, 0)
	require.NoError(t, err)
	defer rc2.Close()
	one, _ := io.ReadAll(rc2)
	assert.Len(t, one, 1)
}

func TestPathEscape_Rejected(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	for _, p := range []string{"../outside", "a/../../outside", "/../../etc/passwd"} {
		_, err := d.Stat(ctx, p)
		require.Error(t, err, p)
		kind := fgerr.KindOf(err)
		assert.Contains(t, []fgerr.Kind{fgerr.KindDriverPathOutOfRoot, fgerr.KindNotFound}, kind, p)
	}
}

func TestSymlinkEscape_Rejected(t *testing.T) {
	d, root := newDriver(t, nil)
	ctx := context.Background()

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "leak")))

	_, err := d.Download(ctx, "leak/secret.txt")
	require.Error(t, err)
	assert.Equal(t, fgerr.KindDriverSymlinkEscape, fgerr.KindOf(err))

	// A link inside the root is fine.
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("ok"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "alias.txt")))
	_, err = d.Stat(ctx, "alias.txt")
	assert.NoError(t, err)
}

func TestListDirectory(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	listing, err := d.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.True(t, listing.IsRoot)
	assert.Empty(t, listing.Items)

	_, err = d.Upload(ctx, "a.txt", driver.NewBytesBody([]byte("a")))
	require.NoError(t, err)
	_, err = d.CreateDirectory(ctx, "sub")
	require.NoError(t, err)

	listing, err = d.ListDirectory(ctx, "")
	require.NoError(t, err)
	require.Len(t, listing.Items, 2)

	_, err = d.ListDirectory(ctx, "missing")
	assert.Equal(t, fgerr.KindNotFound, fgerr.KindOf(err))
}

func TestRename_RoundTrip(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()
	content := []byte("payload")

	_, err := d.Upload(ctx, "a.bin", driver.NewBytesBody(content))
	require.NoError(t, err)

	res, err := d.Rename(ctx, "a.bin", "b.bin")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = d.Rename(ctx, "b.bin", "a.bin")
	require.NoError(t, err)
	assert.True(t, res.Success)

	desc, err := d.Download(ctx, "a.bin")
	require.NoError(t, err)
	rc, _ := desc.OpenFull(ctx)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, content, got)
}

func TestCopy_SkipExisting(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	_, err := d.Upload(ctx, "src.txt", driver.NewBytesBody([]byte("src")))
	require.NoError(t, err)
	_, err = d.Upload(ctx, "dst.txt", driver.NewBytesBody([]byte("old")))
	require.NoError(t, err)

	res, err := d.Copy(ctx, "src.txt", "dst.txt", driver.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, res.Status)

	res, err = d.Copy(ctx, "src.txt", "dst.txt", driver.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySucceeded, res.Status)

	desc, _ := d.Download(ctx, "dst.txt")
	rc, _ := desc.OpenFull(ctx)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "src", string(got))
}

func TestBatchDelete_NoTrash(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	_, err := d.Upload(ctx, "x.txt", driver.NewBytesBody([]byte("x")))
	require.NoError(t, err)

	res, err := d.BatchDelete(ctx, []string{"x.txt", "missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successes)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "missing.txt", res.Failures[0].Path)

	exists, _ := d.Exists(ctx, "x.txt")
	assert.False(t, exists)
}

func TestBatchDelete_Trash(t *testing.T) {
	trash := t.TempDir()
	d, _ := newDriver(t, map[string]string{"trash_path": trash})
	ctx := context.Background()

	_, err := d.Upload(ctx, "t.txt", driver.NewBytesBody([]byte("t")))
	require.NoError(t, err)

	res, err := d.BatchDelete(ctx, []string{"t.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successes)

	entries, err := os.ReadDir(trash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "t.txt.")
}

func TestReadonly(t *testing.T) {
	d, root := newDriver(t, map[string]string{"readonly": "true"})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "r.txt"), []byte("r"), 0o644))

	_, err := d.Upload(ctx, "w.txt", driver.NewBytesBody([]byte("w")))
	assert.Equal(t, fgerr.KindDriverReadonly, fgerr.KindOf(err))

	_, err = d.BatchDelete(ctx, []string{"r.txt"})
	assert.Equal(t, fgerr.KindDriverReadonly, fgerr.KindOf(err))

	desc, err := d.Download(ctx, "r.txt")
	require.NoError(t, err)
	rc, _ := desc.OpenFull(ctx)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "r", string(got))
}

func TestSearch(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	for _, p := range []string{"docs/report-2024.pdf", "docs/notes.txt", "media/report-video.mp4"} {
		_, err := d.Upload(ctx, p, driver.NewBytesBody([]byte("x")))
		require.NoError(t, err)
	}

	found, err := d.Search(ctx, "", "report")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = d.Search(ctx, "docs", "report")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "docs/report-2024.pdf", found[0].Path)
}

func TestCreateDirectory_Existing(t *testing.T) {
	d, _ := newDriver(t, nil)
	ctx := context.Background()

	existed, err := d.CreateDirectory(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = d.CreateDirectory(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, existed)
}
