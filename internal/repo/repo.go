// Package repo defines the persistence contracts the gateway core depends
// on. The relational store behind them is not part of the core; the
// in-memory implementations in this package serve wiring and tests.
package repo

import (
	"context"
	"time"

	"github.com/filegate/filegate/internal/model"
)

// Mounts is the mount-table repository.
type Mounts interface {
	List(ctx context.Context) ([]model.Mount, error)
	Get(ctx context.Context, id string) (*model.Mount, error)
	Create(ctx context.Context, m *model.Mount) error
	Update(ctx context.Context, m *model.Mount) error
	Delete(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// StorageConfigs stores backend configurations.
type StorageConfigs interface {
	Get(ctx context.Context, id string) (*model.StorageConfig, error)
	List(ctx context.Context) ([]model.StorageConfig, error)
	Create(ctx context.Context, c *model.StorageConfig) error
}

// ACLs answers which storage configs a subject may use.
type ACLs interface {
	ConfigIDsFor(ctx context.Context, subjectType, subjectID string) (map[string]bool, error)
	Grant(ctx context.Context, acl model.StorageACL) error
}

// PathPasswords stores per-path access tokens.
type PathPasswords interface {
	Get(ctx context.Context, path string) (*model.PathPassword, error)
	Set(ctx context.Context, pw model.PathPassword) error
}

// UploadSessions stores resumable-upload state. Mutations of active
// sessions go through compare-and-set so an abort racing a progress update
// cannot resurrect the session.
type UploadSessions interface {
	Create(ctx context.Context, s *model.UploadSession) error
	Get(ctx context.Context, id string) (*model.UploadSession, error)

	// UpdateActive applies fn to the session iff it is still active.
	// Returns the updated session, or a CONFLICT error when the session
	// left the active state concurrently.
	UpdateActive(ctx context.Context, id string, fn func(*model.UploadSession)) (*model.UploadSession, error)

	// Transition moves the session from active to a terminal status.
	Transition(ctx context.Context, id string, to model.UploadSessionStatus) error

	CountByStatus(ctx context.Context) (map[model.UploadSessionStatus]int, error)

	// ExpireStale marks active sessions expired when past their expiry or
	// untouched since the grace cutoff. Returns how many were marked.
	ExpireStale(ctx context.Context, now time.Time, graceCutoff time.Time) (int, error)

	// DeleteTerminalBefore removes terminal-state sessions last updated
	// before the cutoff. Returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// JobFilter narrows job listings.
type JobFilter struct {
	TaskType  string
	Status    model.JobStatus
	Principal string // empty means all principals
	Limit     int
	Offset    int
}

// Jobs stores job descriptors.
type Jobs interface {
	Create(ctx context.Context, j *model.JobDescriptor) error
	Get(ctx context.Context, id string) (*model.JobDescriptor, error)

	// Update applies fn to the descriptor under the store lock.
	Update(ctx context.Context, id string, fn func(*model.JobDescriptor)) (*model.JobDescriptor, error)

	List(ctx context.Context, filter JobFilter) ([]model.JobDescriptor, error)
	Delete(ctx context.Context, id string) error
}

// ScheduledJobs stores scheduled-job bindings and implements the lease.
type ScheduledJobs interface {
	List(ctx context.Context) ([]model.ScheduledJob, error)
	Get(ctx context.Context, taskID string) (*model.ScheduledJob, error)
	Create(ctx context.Context, j *model.ScheduledJob) error
	Update(ctx context.Context, j *model.ScheduledJob) error
	Delete(ctx context.Context, taskID string) error

	// ListDue returns enabled jobs whose next_run_after is at or before
	// now and whose lock is absent or stale.
	ListDue(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)

	// AcquireLease atomically sets lock_until to until iff the stored
	// lock still equals observed (nil meaning unlocked). Reports whether
	// the caller won the lease.
	AcquireLease(ctx context.Context, taskID string, observed *time.Time, until time.Time) (bool, error)

	// Finish records run bookkeeping and clears the lease.
	Finish(ctx context.Context, taskID string, fn func(*model.ScheduledJob)) error
}

// ScheduledRuns stores per-run audit records.
type ScheduledRuns interface {
	Append(ctx context.Context, run *model.ScheduledJobRun) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]model.ScheduledJobRun, error)
	ListSince(ctx context.Context, since time.Time) ([]model.ScheduledJobRun, error)
}

// Store bundles every repository the core consumes.
type Store struct {
	Mounts         Mounts
	StorageConfigs StorageConfigs
	ACLs           ACLs
	PathPasswords  PathPasswords
	UploadSessions UploadSessions
	Jobs           Jobs
	ScheduledJobs  ScheduledJobs
	ScheduledRuns  ScheduledRuns
}
