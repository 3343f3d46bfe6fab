package fs

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/stream"
)

// mpDriver is a stub backend with a scriptable multipart lifecycle.
type mpDriver struct {
	mu        sync.Mutex
	uploads   map[string][]driver.PartInfo
	lost      bool // provider forgot the upload
	completed []string
	aborted   []string
}

func newMPDriver() *mpDriver {
	return &mpDriver{uploads: make(map[string][]driver.PartInfo)}
}

func (d *mpDriver) Type() string { return "fake-mp" }
func (d *mpDriver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapMultipart
}
func (d *mpDriver) ListDirectory(context.Context, string) (*driver.ListResult, error) {
	return &driver.ListResult{Items: []driver.FileInfo{}}, nil
}
func (d *mpDriver) Stat(context.Context, string) (*driver.FileInfo, error) {
	return nil, fgerr.New(fgerr.KindNotFound, "stub")
}
func (d *mpDriver) Exists(context.Context, string) (bool, error) { return false, nil }
func (d *mpDriver) Download(context.Context, string) (*stream.Descriptor, error) {
	return nil, fgerr.New(fgerr.KindNotFound, "stub")
}
func (d *mpDriver) Upload(context.Context, string, driver.Body) (*driver.UploadResult, error) {
	return &driver.UploadResult{}, nil
}
func (d *mpDriver) Update(context.Context, string, driver.Body) error { return nil }
func (d *mpDriver) CreateDirectory(context.Context, string) (bool, error) {
	return false, nil
}
func (d *mpDriver) Rename(_ context.Context, a, b string) (*driver.RenameResult, error) {
	return &driver.RenameResult{Success: true, Source: a, Target: b}, nil
}
func (d *mpDriver) Copy(_ context.Context, a, b string, _ driver.CopyOptions) (*driver.CopyResult, error) {
	return &driver.CopyResult{Status: driver.CopySucceeded, Source: a, Target: b}, nil
}
func (d *mpDriver) BatchDelete(context.Context, []string) (*driver.BatchDeleteResult, error) {
	return &driver.BatchDeleteResult{}, nil
}

func (d *mpDriver) InitMultipart(_ context.Context, subpath string, req driver.MultipartInitRequest) (*driver.MultipartInitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := "upload-" + strconv.Itoa(len(d.uploads)+1)
	d.uploads[id] = nil
	count := int((req.FileSize + req.PartSize - 1) / req.PartSize)
	urls := make([]driver.PartURL, count)
	for i := range urls {
		urls[i] = driver.PartURL{PartNumber: i + 1, URL: "https://backend/part/" + strconv.Itoa(i+1)}
	}
	return &driver.MultipartInitResult{
		UploadID:    id,
		StoragePath: subpath,
		PartSize:    req.PartSize,
		PartCount:   count,
		PartURLs:    urls,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (d *mpDriver) CompleteMultipart(_ context.Context, handle driver.UploadHandle, _ []driver.CompletedPart) (*driver.UploadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, fgerr.New(fgerr.KindUploadSessionNotFound, "gone")
	}
	d.completed = append(d.completed, handle.UploadID)
	return &driver.UploadResult{StoragePath: handle.Subpath}, nil
}

func (d *mpDriver) AbortMultipart(_ context.Context, handle driver.UploadHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = append(d.aborted, handle.UploadID)
	return nil
}

func (d *mpDriver) ListParts(_ context.Context, handle driver.UploadHandle) ([]driver.PartInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, fgerr.New(fgerr.KindUploadSessionNotFound, "gone")
	}
	return d.uploads[handle.UploadID], nil
}

func (d *mpDriver) RefreshPartURLs(_ context.Context, _ driver.UploadHandle, nums []int) ([]driver.PartURL, error) {
	urls := make([]driver.PartURL, len(nums))
	for i, n := range nums {
		urls[i] = driver.PartURL{PartNumber: n, URL: "https://backend/refreshed/" + strconv.Itoa(n)}
	}
	return urls, nil
}

func newMPFixture(t *testing.T) (*FileSystem, *repo.Store, *mpDriver) {
	t.Helper()
	store := repo.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.StorageConfigs.Create(ctx, &model.StorageConfig{
		ID: "cfg-mp", Type: "fake-mp", IsPublic: true, Config: map[string]string{},
	}))
	require.NoError(t, store.Mounts.Create(ctx, &model.Mount{
		ID: "m-mp", MountPath: "/up", StorageConfigID: "cfg-mp",
	}))

	stub := newMPDriver()
	registry := driver.NewRegistry()
	registry.Register("fake-mp", func(context.Context, *model.StorageConfig, driver.Env) (driver.Driver, error) {
		return stub, nil
	})
	drivers := driver.NewCache(registry, driver.Env{})

	return New(store, drivers, nil, "mp-secret", "", nil), store, stub
}

func TestInitMultipart_CreatesActiveSession(t *testing.T) {
	f, store, _ := newMPFixture(t)
	ctx := context.Background()

	session, init, err := f.InitMultipart(ctx, admin, "/up/big.bin", "big.bin", 8<<20, 5<<20)
	require.NoError(t, err)
	assert.Equal(t, 2, init.PartCount)
	assert.Len(t, init.PartURLs, 2)

	stored, err := store.UploadSessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadActive, stored.Status)
	assert.Equal(t, int64(8<<20), stored.FileSize)
	assert.Equal(t, 2, stored.TotalParts)
	assert.Equal(t, "/up/big.bin", stored.FsPath)
}

func TestInitMultipart_Validation(t *testing.T) {
	f, _, _ := newMPFixture(t)
	ctx := context.Background()

	_, _, err := f.InitMultipart(ctx, admin, "/up/z.bin", "z.bin", 0, 0)
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err))

	_, _, err = f.InitMultipart(ctx, admin, "/up/z.bin", "z.bin", 1<<40, 1024)
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err), "too many parts")
}

func TestCompleteMultipart(t *testing.T) {
	f, store, stub := newMPFixture(t)
	ctx := context.Background()

	session, _, err := f.InitMultipart(ctx, admin, "/up/c.bin", "c.bin", 10<<20, 5<<20)
	require.NoError(t, err)

	_, err = f.CompleteMultipart(ctx, admin, session.ID, []driver.CompletedPart{
		{PartNumber: 1, ETag: "e1"}, {PartNumber: 2, ETag: "e2"},
	})
	require.NoError(t, err)
	assert.Len(t, stub.completed, 1)

	stored, err := store.UploadSessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, stored.Status)
	assert.Equal(t, stored.FileSize, stored.BytesUploaded)

	// A completed session rejects further operations.
	_, err = f.CompleteMultipart(ctx, admin, session.ID, nil)
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))
}

func TestAbortMultipart(t *testing.T) {
	f, store, stub := newMPFixture(t)
	ctx := context.Background()

	session, _, err := f.InitMultipart(ctx, admin, "/up/a.bin", "a.bin", 6<<20, 5<<20)
	require.NoError(t, err)

	require.NoError(t, f.AbortMultipart(ctx, admin, session.ID))
	assert.Len(t, stub.aborted, 1)

	stored, err := store.UploadSessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadAborted, stored.Status)
}

func TestListSessionParts_ProviderLostSession(t *testing.T) {
	f, store, stub := newMPFixture(t)
	ctx := context.Background()

	session, _, err := f.InitMultipart(ctx, admin, "/up/l.bin", "l.bin", 6<<20, 5<<20)
	require.NoError(t, err)

	stub.lost = true
	_, err = f.ListSessionParts(ctx, admin, session.ID)
	require.Error(t, err)
	assert.Equal(t, fgerr.KindUploadSessionNotFound, fgerr.KindOf(err))

	stored, err := store.UploadSessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadError, stored.Status)
}

func TestListSessionParts_UpdatesProgress(t *testing.T) {
	f, store, stub := newMPFixture(t)
	ctx := context.Background()

	session, init, err := f.InitMultipart(ctx, admin, "/up/p.bin", "p.bin", 8<<20, 5<<20)
	require.NoError(t, err)

	stub.mu.Lock()
	stub.uploads[init.UploadID] = []driver.PartInfo{{PartNumber: 1, Size: 5 << 20}}
	stub.mu.Unlock()

	parts, err := f.ListSessionParts(ctx, admin, session.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	stored, err := store.UploadSessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), stored.BytesUploaded)
	assert.Equal(t, 1, stored.UploadedParts)
	assert.Equal(t, "5242880-8388607", stored.NextExpectedRange)
}

func TestMultipart_ForeignPrincipalDenied(t *testing.T) {
	f, _, _ := newMPFixture(t)
	ctx := context.Background()

	session, _, err := f.InitMultipart(ctx, admin, "/up/o.bin", "o.bin", 6<<20, 5<<20)
	require.NoError(t, err)

	other := model.Principal{ID: "someone-else", BasicPath: "/"}
	_, err = f.ListSessionParts(ctx, other, session.ID)
	assert.Equal(t, fgerr.KindForbidden, fgerr.KindOf(err))
}
