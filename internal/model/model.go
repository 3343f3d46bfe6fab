// Package model holds the persistent domain records shared by the
// repositories, the orchestrator, and the schedulers.
package model

import (
	"encoding/json"
	"time"
)

// WebDAVPolicy selects how WebDAV-backed content is exposed to clients.
type WebDAVPolicy string

const (
	WebDAVRedirect    WebDAVPolicy = "redirect"
	WebDAVUseProxyURL WebDAVPolicy = "use_proxy_url"
	WebDAVNativeProxy WebDAVPolicy = "native_proxy"
)

// Mount binds a virtual path prefix to a storage configuration.
// Mount paths form a prefix-free set within one visibility scope.
type Mount struct {
	ID              string        `json:"id"`
	MountPath       string        `json:"mountPath"`
	StorageConfigID string        `json:"storageConfigId"`
	CacheTTL        time.Duration `json:"cacheTtl"`
	WebProxy        bool          `json:"webProxy"`
	WebDAVPolicy    WebDAVPolicy  `json:"webdavPolicy"`
	Owner           string        `json:"owner"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastUsedAt      time.Time     `json:"lastUsedAt"`
}

// StorageConfig is the stored, driver-specific backend configuration.
// Secrets live in SecretsCiphertext and are decrypted only inside driver
// constructors.
type StorageConfig struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Config            map[string]string `json:"config"`
	IsPublic          bool              `json:"isPublic"`
	IsDefault         bool              `json:"isDefault"`
	OwnerID           string            `json:"ownerId"`
	SecretsCiphertext string            `json:"-"`
}

// StorageACL grants a principal access to a storage configuration.
type StorageACL struct {
	SubjectType     string `json:"subjectType"`
	SubjectID       string `json:"subjectId"`
	StorageConfigID string `json:"storageConfigId"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsAdmin   bool   `json:"isAdmin"`
	BasicPath string `json:"basicPath"` // required path prefix for API-key principals
}

// SystemPrincipal is the admin identity scheduled jobs run under.
var SystemPrincipal = Principal{ID: "system", Name: "system", IsAdmin: true, BasicPath: "/"}

// PathPassword is the per-path access token non-admin listings must present.
type PathPassword struct {
	Path        string `json:"path"`
	Token       string `json:"token"`
	RotatedFrom string `json:"-"` // previous token, kept to report rotation
}

// UploadSessionStatus is the lifecycle state of a resumable upload.
// Transitions follow active -> {completed, aborted, expired, error} only.
type UploadSessionStatus string

const (
	UploadActive    UploadSessionStatus = "active"
	UploadCompleted UploadSessionStatus = "completed"
	UploadAborted   UploadSessionStatus = "aborted"
	UploadExpired   UploadSessionStatus = "expired"
	UploadError     UploadSessionStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s UploadSessionStatus) Terminal() bool { return s != UploadActive }

// UploadSession is the persistent record of a resumable multipart upload.
type UploadSession struct {
	ID                string              `json:"id"`
	Principal         string              `json:"principal"`
	StorageConfigID   string              `json:"storageConfigId"`
	MountID           string              `json:"mountId"`
	FsPath            string              `json:"fsPath"`
	FileName          string              `json:"fileName"`
	FileSize          int64               `json:"fileSize"`
	PartSize          int64               `json:"partSize"`
	TotalParts        int                 `json:"totalParts"`
	BytesUploaded     int64               `json:"bytesUploaded"`
	UploadedParts     int                 `json:"uploadedParts"`
	NextExpectedRange string              `json:"nextExpectedRange"`
	ProviderUploadID  string              `json:"providerUploadId"`
	ProviderUploadURL string              `json:"providerUploadUrl"`
	ProviderMeta      json.RawMessage     `json:"providerMeta,omitempty"`
	Status            UploadSessionStatus `json:"status"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	ExpiresAt         time.Time           `json:"expiresAt"`
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobStats aggregates per-item outcomes. success+skipped+failed never
// exceeds total and every counter is monotonically non-decreasing.
type JobStats struct {
	Success     int   `json:"success"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
	Total       int   `json:"total"`
	BytesCopied int64 `json:"bytesCopied"`
}

// JobItemKind classifies one processed job item.
type JobItemKind string

const (
	ItemSucceeded JobItemKind = "success"
	ItemSkipped   JobItemKind = "skipped"
	ItemFailed    JobItemKind = "failed"
)

// JobItemOutcome is what a worker reports per finished item.
type JobItemOutcome struct {
	Kind  JobItemKind
	Path  string
	Error string
	Bytes int64
}

// JobDescriptor is the persistent record of a background job.
type JobDescriptor struct {
	ID        string          `json:"id"`
	TaskType  string          `json:"taskType"`
	Status    JobStatus       `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Stats     JobStats        `json:"stats"`
	Principal string          `json:"principal"`
	MountIDs  []string        `json:"mountIds,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Error     string          `json:"error,omitempty"`
	Resumable bool            `json:"resumable"`
}

// ScheduleType selects interval or cron scheduling.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ScheduledJob binds a registered handler to a recurring schedule.
type ScheduledJob struct {
	TaskID         string          `json:"taskId"`
	HandlerID      string          `json:"handlerId"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Enabled        bool            `json:"enabled"`
	ScheduleType   ScheduleType    `json:"scheduleType"`
	IntervalSec    int             `json:"intervalSec,omitempty"`
	CronExpression string          `json:"cronExpression,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`

	RunCount          int        `json:"runCount"`
	FailureCount      int        `json:"failureCount"`
	LastRunStatus     string     `json:"lastRunStatus,omitempty"`
	LastRunStartedAt  *time.Time `json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt *time.Time `json:"lastRunFinishedAt,omitempty"`
	NextRunAfter      *time.Time `json:"nextRunAfter,omitempty"`
	LockUntil         *time.Time `json:"lockUntil,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

// RuntimeState is the derived dispatcher view of a scheduled job.
type RuntimeState string

const (
	StateDisabled  RuntimeState = "disabled"
	StateRunning   RuntimeState = "running"
	StateIdle      RuntimeState = "idle"
	StateScheduled RuntimeState = "scheduled"
	StatePending   RuntimeState = "pending"
)

// RuntimeStateOf derives the dispatcher state at now.
func (j *ScheduledJob) RuntimeStateOf(now time.Time) RuntimeState {
	switch {
	case !j.Enabled:
		return StateDisabled
	case j.LockUntil != nil && j.LockUntil.After(now):
		return StateRunning
	case j.NextRunAfter == nil:
		return StateIdle
	case now.Before(*j.NextRunAfter):
		return StateScheduled
	default:
		return StatePending
	}
}

// RunTrigger records what started a scheduled run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// ScheduledJobRun is the per-run audit record.
type ScheduledJobRun struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	Status       string          `json:"status"` // success | failure
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	DurationMs   int64           `json:"durationMs"`
	Summary      string          `json:"summary,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Trigger      RunTrigger      `json:"trigger"`
}
