package job

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/driver/local"
	"github.com/filegate/filegate/internal/fs"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

var admin = model.Principal{ID: "admin", IsAdmin: true, BasicPath: "/"}

func newFixture(t *testing.T) (*Engine, *fs.FileSystem, *repo.Store) {
	t.Helper()
	store := repo.NewMemoryStore()
	ctx := context.Background()

	for i, name := range []string{"src", "dst"} {
		cfgID := "cfg-" + name
		require.NoError(t, store.StorageConfigs.Create(ctx, &model.StorageConfig{
			ID: cfgID, Type: local.DriverType, IsPublic: true,
			Config: map[string]string{"root_path": t.TempDir()},
		}))
		require.NoError(t, store.Mounts.Create(ctx, &model.Mount{
			ID: "m-" + strconv.Itoa(i), MountPath: "/" + name, StorageConfigID: cfgID,
		}))
	}

	registry := driver.NewRegistry()
	registry.Register(local.DriverType, local.Factory)
	filesystem := fs.New(store, driver.NewCache(registry, driver.Env{}), nil, "job-secret", "", nil)

	engine := NewEngine(store.Jobs, nil, nil)
	engine.Register(NewCopyHandler(filesystem))
	return engine, filesystem, store
}

func copyPayload(t *testing.T, items []CopyItem, opts CopyOptions) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(CopyPayload{Items: items, Options: opts})
	require.NoError(t, err)
	return payload
}

func waitTerminal(t *testing.T, engine *Engine, id string) *model.JobDescriptor {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("job did not reach a terminal state")
		default:
		}
		j, err := engine.Get(context.Background(), admin, id)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCopyJob_CrossStorage(t *testing.T) {
	engine, filesystem, _ := newFixture(t)
	ctx := context.Background()

	_, err := filesystem.Upload(ctx, admin, "/src/x.bin", driver.NewBytesBody([]byte("cross-storage")))
	require.NoError(t, err)

	payload := copyPayload(t,
		[]CopyItem{{SourcePath: "/src/x.bin", TargetPath: "/dst/x.bin"}},
		CopyOptions{SkipExisting: true, MaxConcurrency: 4})

	j, err := engine.Create(ctx, TaskTypeCopy, payload, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Stats.Total)

	done := waitTerminal(t, engine, j.ID)
	assert.Equal(t, model.JobSucceeded, done.Status)
	assert.Equal(t, model.JobStats{Success: 1, Total: 1, BytesCopied: int64(len("cross-storage"))}, done.Stats)

	// Second identical run skips the existing target.
	j2, err := engine.Create(ctx, TaskTypeCopy, payload, admin)
	require.NoError(t, err)
	done2 := waitTerminal(t, engine, j2.ID)
	assert.Equal(t, model.JobSucceeded, done2.Status)
	assert.Equal(t, 1, done2.Stats.Skipped)
	assert.Equal(t, 0, done2.Stats.Success)
}

func TestCopyJob_ItemFailureDoesNotAbort(t *testing.T) {
	engine, filesystem, _ := newFixture(t)
	ctx := context.Background()

	_, err := filesystem.Upload(ctx, admin, "/src/good.txt", driver.NewBytesBody([]byte("ok")))
	require.NoError(t, err)

	payload := copyPayload(t, []CopyItem{
		{SourcePath: "/src/missing.txt", TargetPath: "/dst/a.txt"},
		{SourcePath: "/src/good.txt", TargetPath: "/dst/good.txt"},
	}, CopyOptions{MaxConcurrency: 1})

	j, err := engine.Create(ctx, TaskTypeCopy, payload, admin)
	require.NoError(t, err)

	done := waitTerminal(t, engine, j.ID)
	assert.Equal(t, model.JobFailed, done.Status)
	assert.Equal(t, 1, done.Stats.Failed)
	assert.Equal(t, 1, done.Stats.Success)
	assert.LessOrEqual(t, done.Stats.Success+done.Stats.Skipped+done.Stats.Failed, done.Stats.Total)
}

func TestCreate_ValidatesPayload(t *testing.T) {
	engine, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, TaskTypeCopy, json.RawMessage(`{"items":[]}`), admin)
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err))

	_, err = engine.Create(ctx, "unknown-type", json.RawMessage(`{}`), admin)
	assert.Equal(t, fgerr.KindValidation, fgerr.KindOf(err))
}

func TestList_PrincipalScoping(t *testing.T) {
	engine, filesystem, _ := newFixture(t)
	ctx := context.Background()

	_, err := filesystem.Upload(ctx, admin, "/src/s.txt", driver.NewBytesBody([]byte("s")))
	require.NoError(t, err)

	payload := copyPayload(t,
		[]CopyItem{{SourcePath: "/src/s.txt", TargetPath: "/dst/s.txt"}}, CopyOptions{})
	j, err := engine.Create(ctx, TaskTypeCopy, payload, admin)
	require.NoError(t, err)
	waitTerminal(t, engine, j.ID)

	other := model.Principal{ID: "other", BasicPath: "/"}
	jobs, err := engine.List(ctx, other, repo.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = engine.Get(ctx, other, j.ID)
	assert.Equal(t, fgerr.KindNotFound, fgerr.KindOf(err))

	jobs, err = engine.List(ctx, admin, repo.JobFilter{TaskType: TaskTypeCopy})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

// blockingHandler parks until released, to exercise cancellation.
type blockingHandler struct {
	started chan struct{}
	once    sync.Once
}

func (h *blockingHandler) TaskType() string { return "block" }
func (h *blockingHandler) CountItems(json.RawMessage) (int, error) {
	return 1, nil
}
func (h *blockingHandler) Run(ctx context.Context, _ *JobContext) error {
	h.once.Do(func() { close(h.started) })
	<-ctx.Done()
	return fgerr.Wrap(fgerr.KindCancelled, "cancelled", ctx.Err())
}

func TestCancel(t *testing.T) {
	engine, _, _ := newFixture(t)
	ctx := context.Background()

	blocker := &blockingHandler{started: make(chan struct{})}
	engine.Register(blocker)

	j, err := engine.Create(ctx, "block", json.RawMessage(`{}`), admin)
	require.NoError(t, err)
	<-blocker.started

	require.NoError(t, engine.Cancel(ctx, admin, j.ID))
	done := waitTerminal(t, engine, j.ID)
	assert.Equal(t, model.JobCancelled, done.Status)

	// A second cancel reports the conflict.
	err = engine.Cancel(ctx, admin, j.ID)
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))
}

func TestDelete_RequiresTerminal(t *testing.T) {
	engine, _, _ := newFixture(t)
	ctx := context.Background()

	blocker := &blockingHandler{started: make(chan struct{})}
	engine.Register(blocker)

	j, err := engine.Create(ctx, "block", json.RawMessage(`{}`), admin)
	require.NoError(t, err)
	<-blocker.started

	err = engine.Delete(ctx, admin, j.ID)
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))

	require.NoError(t, engine.Cancel(ctx, admin, j.ID))
	waitTerminal(t, engine, j.ID)
	assert.NoError(t, engine.Delete(ctx, admin, j.ID))
}
