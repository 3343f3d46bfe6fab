package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

func TestUploadSessions_StatusDAG(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := &model.UploadSession{Status: model.UploadActive, FileSize: 100}
	require.NoError(t, store.UploadSessions.Create(ctx, s))

	// Progress updates keep the session active.
	_, err := store.UploadSessions.UpdateActive(ctx, s.ID, func(u *model.UploadSession) {
		u.BytesUploaded = 50
	})
	require.NoError(t, err)

	require.NoError(t, store.UploadSessions.Transition(ctx, s.ID, model.UploadCompleted))

	// No retrograde moves and no second terminal transition.
	err = store.UploadSessions.Transition(ctx, s.ID, model.UploadAborted)
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))

	_, err = store.UploadSessions.UpdateActive(ctx, s.ID, func(u *model.UploadSession) {})
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))
}

func TestUploadSessions_ExpireStaleAndPrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(status model.UploadSessionStatus, expiresAt, updatedAt time.Time) string {
		s := &model.UploadSession{Status: status, ExpiresAt: expiresAt}
		require.NoError(t, store.UploadSessions.Create(ctx, s))
		raw := store.UploadSessions.(*memUploadSessions)
		raw.mu.Lock()
		item := raw.items[s.ID]
		item.UpdatedAt = updatedAt
		raw.items[s.ID] = item
		raw.mu.Unlock()
		return s.ID
	}

	// 2 active past provider expiry, 1 active stale by inactivity, 2 fresh.
	mk(model.UploadActive, now.Add(-time.Hour), now)
	mk(model.UploadActive, now.Add(-time.Minute), now)
	mk(model.UploadActive, now.Add(time.Hour), now.Add(-25*time.Hour))
	mk(model.UploadActive, now.Add(time.Hour), now)
	mk(model.UploadActive, now.Add(time.Hour), now)
	// 3 completed older than the keep window.
	for i := 0; i < 3; i++ {
		id := mk(model.UploadActive, now.Add(time.Hour), now)
		require.NoError(t, store.UploadSessions.Transition(ctx, id, model.UploadCompleted))
		raw := store.UploadSessions.(*memUploadSessions)
		raw.mu.Lock()
		item := raw.items[id]
		item.UpdatedAt = now.Add(-31 * 24 * time.Hour)
		raw.items[id] = item
		raw.mu.Unlock()
	}

	marked, err := store.UploadSessions.ExpireStale(ctx, now, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	deleted, err := store.UploadSessions.DeleteTerminalBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	counts, err := store.UploadSessions.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.UploadActive])
	assert.Equal(t, 3, counts[model.UploadExpired])
}

func TestScheduledJobs_LeaseCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	j := &model.ScheduledJob{TaskID: "t1", Enabled: true}
	require.NoError(t, store.ScheduledJobs.Create(ctx, j))

	until := now.Add(5 * time.Minute)

	// Two dispatchers observed the same unlocked state; only one wins.
	won1, err := store.ScheduledJobs.AcquireLease(ctx, "t1", nil, until)
	require.NoError(t, err)
	won2, err := store.ScheduledJobs.AcquireLease(ctx, "t1", nil, until)
	require.NoError(t, err)
	assert.True(t, won1 != won2, "exactly one CAS must win")

	// Finish clears the lease.
	require.NoError(t, store.ScheduledJobs.Finish(ctx, "t1", func(s *model.ScheduledJob) {
		s.RunCount++
	}))
	got, err := store.ScheduledJobs.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.LockUntil)
	assert.Equal(t, 1, got.RunCount)

	// A stale observed value loses against a fresh lock.
	won, err := store.ScheduledJobs.AcquireLease(ctx, "t1", nil, until)
	require.NoError(t, err)
	require.True(t, won)
	stale := now.Add(-time.Hour)
	won, err = store.ScheduledJobs.AcquireLease(ctx, "t1", &stale, until)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestScheduledJobs_ListDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	jobs := []*model.ScheduledJob{
		{TaskID: "due", Enabled: true, NextRunAfter: &past},
		{TaskID: "future", Enabled: true, NextRunAfter: &future},
		{TaskID: "disabled", Enabled: false, NextRunAfter: &past},
		{TaskID: "locked", Enabled: true, NextRunAfter: &past, LockUntil: &future},
		{TaskID: "idle", Enabled: true},
	}
	for _, j := range jobs {
		require.NoError(t, store.ScheduledJobs.Create(ctx, j))
	}

	due, err := store.ScheduledJobs.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].TaskID)
}

func TestJobs_ListFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, j := range []*model.JobDescriptor{
		{TaskType: "copy", Status: model.JobSucceeded, Principal: "alice"},
		{TaskType: "copy", Status: model.JobRunning, Principal: "bob"},
		{TaskType: "prune", Status: model.JobSucceeded, Principal: "alice"},
	} {
		require.NoError(t, store.Jobs.Create(ctx, j))
	}

	out, err := store.Jobs.List(ctx, JobFilter{TaskType: "copy"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = store.Jobs.List(ctx, JobFilter{Principal: "alice"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = store.Jobs.List(ctx, JobFilter{TaskType: "copy", Status: model.JobRunning})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].Principal)

	out, err = store.Jobs.List(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestMounts_DuplicatePathRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Mounts.Create(ctx, &model.Mount{MountPath: "/m", StorageConfigID: "c"}))
	err := store.Mounts.Create(ctx, &model.Mount{MountPath: "/m", StorageConfigID: "c"})
	assert.Equal(t, fgerr.KindConflict, fgerr.KindOf(err))
}
