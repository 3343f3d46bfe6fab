package fs

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/driver/local"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

var admin = model.Principal{ID: "admin", IsAdmin: true, BasicPath: "/"}

// newFixture builds a filesystem over two local mounts at /alpha and
// /beta.
func newFixture(t *testing.T) (*FileSystem, *repo.Store) {
	t.Helper()
	store := repo.NewMemoryStore()
	ctx := context.Background()

	for i, name := range []string{"alpha", "beta"} {
		cfgID := "cfg-" + name
		require.NoError(t, store.StorageConfigs.Create(ctx, &model.StorageConfig{
			ID:       cfgID,
			Type:     local.DriverType,
			IsPublic: true,
			Config:   map[string]string{"root_path": t.TempDir()},
		}))
		require.NoError(t, store.Mounts.Create(ctx, &model.Mount{
			ID: "m-" + strconv.Itoa(i), MountPath: "/" + name, StorageConfigID: cfgID,
		}))
	}

	registry := driver.NewRegistry()
	registry.Register(local.DriverType, local.Factory)
	drivers := driver.NewCache(registry, driver.Env{})

	return New(store, drivers, nil, "fixture-secret", "https://gw.test", nil), store
}

func upload(t *testing.T, f *FileSystem, path, content string) {
	t.Helper()
	_, err := f.Upload(context.Background(), admin, path, driver.NewBytesBody([]byte(content)))
	require.NoError(t, err)
}

func download(t *testing.T, f *FileSystem, path string) string {
	t.Helper()
	desc, err := f.Download(context.Background(), admin, path)
	require.NoError(t, err)
	rc, err := desc.OpenFull(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestUploadDownload_VirtualPath(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/docs/x.txt", "payload")
	assert.Equal(t, "payload", download(t, f, "/alpha/docs/x.txt"))
}

func TestList_VirtualRoot(t *testing.T) {
	f, _ := newFixture(t)

	listing, err := f.List(context.Background(), admin, "/", "")
	require.NoError(t, err)
	assert.True(t, listing.IsRoot)
	require.Len(t, listing.Items, 2)
	for _, item := range listing.Items {
		assert.True(t, item.IsVirtual)
		assert.True(t, item.IsDirectory)
		assert.Zero(t, item.Size)
	}
	assert.Equal(t, "/alpha", listing.Items[0].Path)
}

func TestList_MountedPathsAreVirtualized(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/a.txt", "a")

	listing, err := f.List(context.Background(), admin, "/alpha", "")
	require.NoError(t, err)
	assert.True(t, listing.IsRoot, "mount root must report isRoot")
	require.Len(t, listing.Items, 1)
	assert.Equal(t, "/alpha/a.txt", listing.Items[0].Path)
}

func TestStat_VirtualDirectory(t *testing.T) {
	f, _ := newFixture(t)

	info, err := f.Stat(context.Background(), admin, "/")
	require.NoError(t, err)
	assert.True(t, info.IsVirtual)
	assert.True(t, info.IsDirectory)
}

func TestRename_CrossMountRejected(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/x.txt", "x")

	_, err := f.Rename(context.Background(), admin, "/alpha/x.txt", "/beta/x.txt")
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err))

	res, err := f.Rename(context.Background(), admin, "/alpha/x.txt", "/alpha/y.txt")
	require.NoError(t, err)
	assert.Equal(t, "/alpha/x.txt", res.Source)
	assert.Equal(t, "/alpha/y.txt", res.Target)
}

func TestCopyItem_SameMountAtomic(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/src.txt", "data")

	out, err := f.CopyItem(context.Background(), admin, "/alpha/src.txt", "/alpha/dst.txt", false, false)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySucceeded, out.Result.Status)
	assert.Equal(t, "data", download(t, f, "/alpha/dst.txt"))
}

func TestCopyItem_CrossMountStreams(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/big.bin", "cross-mount-bytes")

	out, err := f.CopyItem(context.Background(), admin, "/alpha/big.bin", "/beta/big.bin", false, false)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySucceeded, out.Result.Status)
	assert.Equal(t, int64(len("cross-mount-bytes")), out.BytesCopied)
	assert.Equal(t, "cross-mount-bytes", download(t, f, "/beta/big.bin"))
}

func TestCopyItem_SkipExisting(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/s.txt", "new")
	upload(t, f, "/beta/s.txt", "old")

	out, err := f.CopyItem(context.Background(), admin, "/alpha/s.txt", "/beta/s.txt", true, false)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, out.Result.Status)
	assert.Equal(t, "old", download(t, f, "/beta/s.txt"))
}

func TestBatchDelete_AcrossMounts(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/a.txt", "a")
	upload(t, f, "/beta/b.txt", "b")

	res, err := f.BatchDelete(context.Background(), admin,
		[]string{"/alpha/a.txt", "/beta/b.txt", "/beta/missing.txt", "/nomount/x"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successes)
	assert.Len(t, res.Failures, 2)
}

func TestSearch(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/report-a.txt", "a")
	upload(t, f, "/alpha/other.txt", "o")

	found, err := f.Search(context.Background(), admin, "/alpha", "report")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/alpha/report-a.txt", found[0].Path)

	_, err = f.Search(context.Background(), admin, "/alpha", "  ")
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err))
}

func TestProxyURL_RoundTrip(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/p.txt", "proxied")

	link, err := f.FileLink(context.Background(), admin, "/alpha/p.txt", 0, false)
	require.NoError(t, err)
	assert.Equal(t, driver.LinkProxy, link.Type)

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/p/alpha/p.txt", u.Path)

	ts, err := strconv.ParseInt(u.Query().Get("ts"), 10, 64)
	require.NoError(t, err)
	var exp int64
	if raw := u.Query().Get("exp"); raw != "" {
		exp, _ = strconv.ParseInt(raw, 10, 64)
	}

	desc, err := f.OpenProxy(context.Background(), "/alpha/p.txt", u.Query().Get("sign"), ts, exp)
	require.NoError(t, err)
	rc, _ := desc.OpenFull(context.Background())
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "proxied", string(data))
}

func TestOpenProxy_RejectsBadSignature(t *testing.T) {
	f, _ := newFixture(t)
	upload(t, f, "/alpha/p.txt", "proxied")

	_, err := f.OpenProxy(context.Background(), "/alpha/p.txt", "forged", 0, 0)
	assert.Equal(t, fgerr.KindForbidden, fgerr.KindOf(err))
}
