package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

// Built-in handler ids.
const (
	HandlerCleanupUploadSessions = "cleanup_upload_sessions"
	HandlerScheduledSyncCopy     = "scheduled_sync_copy"
)

// maxSyncPairs caps the copy pairs a single sync run may enqueue; the
// excess is truncated and reported.
const maxSyncPairs = 100

// CleanupConfig tunes the upload-session janitor.
type CleanupConfig struct {
	// KeepDays is how long terminal sessions stay for auditing.
	KeepDays int `json:"keepDays"`
	// ActiveGraceHours marks active sessions expired after this much
	// inactivity even before their provider expiry.
	ActiveGraceHours int `json:"activeGraceHours"`
}

// CleanupUploadSessions marks stale active sessions expired and prunes
// aged terminal sessions.
type CleanupUploadSessions struct{}

func (h *CleanupUploadSessions) ID() string       { return HandlerCleanupUploadSessions }
func (h *CleanupUploadSessions) Name() string     { return "上传会话清理" }
func (h *CleanupUploadSessions) Category() string { return CategoryMaintenance }

func (h *CleanupUploadSessions) config(raw json.RawMessage) (CleanupConfig, error) {
	cfg := CleanupConfig{KeepDays: 30, ActiveGraceHours: 24}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fgerr.Wrap(fgerr.KindValidation, "malformed cleanup config", err)
		}
	}
	if cfg.KeepDays < 1 {
		return cfg, fgerr.New(fgerr.KindValidation, "keepDays must be at least 1")
	}
	if cfg.ActiveGraceHours < 1 {
		return cfg, fgerr.New(fgerr.KindValidation, "activeGraceHours must be at least 1")
	}
	return cfg, nil
}

func (h *CleanupUploadSessions) ValidateConfig(raw json.RawMessage) error {
	_, err := h.config(raw)
	return err
}

func (h *CleanupUploadSessions) Run(ctx context.Context, hc *HandlerContext) (*RunResult, error) {
	cfg, err := h.config(hc.Config)
	if err != nil {
		return nil, err
	}

	before, err := hc.Store.UploadSessions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	graceCutoff := hc.Now.Add(-time.Duration(cfg.ActiveGraceHours) * time.Hour)
	marked, err := hc.Store.UploadSessions.ExpireStale(ctx, hc.Now, graceCutoff)
	if err != nil {
		return nil, err
	}

	keepCutoff := hc.Now.Add(-time.Duration(cfg.KeepDays) * 24 * time.Hour)
	deleted, err := hc.Store.UploadSessions.DeleteTerminalBefore(ctx, keepCutoff)
	if err != nil {
		return nil, err
	}

	after, err := hc.Store.UploadSessions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	details, _ := json.Marshal(map[string]interface{}{
		"before":  statusCounts(before),
		"after":   statusCounts(after),
		"marked":  marked,
		"deleted": deleted,
	})
	return &RunResult{
		Summary: fmt.Sprintf("标记过期会话 %d 条，删除历史会话 %d 条", marked, deleted),
		Details: details,
	}, nil
}

func statusCounts(counts map[model.UploadSessionStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

// SyncCopyConfig drives the scheduled cross-mount copy.
type SyncCopyConfig struct {
	Mode           string         `json:"mode"`
	Pairs          []SyncCopyPair `json:"pairs"`
	SkipExisting   bool           `json:"skipExisting"`
	MaxConcurrency int            `json:"maxConcurrency"`
}

// SyncCopyPair is one source/target mapping.
type SyncCopyPair struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// ScheduledSyncCopy enqueues a copy job for the configured pairs under the
// admin system principal.
type ScheduledSyncCopy struct{}

func (h *ScheduledSyncCopy) ID() string       { return HandlerScheduledSyncCopy }
func (h *ScheduledSyncCopy) Name() string     { return "定时同步复制" }
func (h *ScheduledSyncCopy) Category() string { return CategoryBusiness }

func (h *ScheduledSyncCopy) config(raw json.RawMessage) (SyncCopyConfig, error) {
	var cfg SyncCopyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fgerr.Wrap(fgerr.KindValidation, "malformed sync copy config", err)
	}
	if cfg.Mode != "copyNew" {
		return cfg, fgerr.Newf(fgerr.KindValidation, "unsupported mode %q", cfg.Mode)
	}
	if len(cfg.Pairs) == 0 {
		return cfg, fgerr.New(fgerr.KindValidation, "sync copy needs at least one pair")
	}
	for _, pair := range cfg.Pairs {
		if pair.SourcePath == "" || pair.TargetPath == "" {
			return cfg, fgerr.New(fgerr.KindValidation, "pairs need sourcePath and targetPath")
		}
	}
	return cfg, nil
}

func (h *ScheduledSyncCopy) ValidateConfig(raw json.RawMessage) error {
	_, err := h.config(raw)
	return err
}

func (h *ScheduledSyncCopy) Run(ctx context.Context, hc *HandlerContext) (*RunResult, error) {
	cfg, err := h.config(hc.Config)
	if err != nil {
		return nil, err
	}

	truncated := 0
	pairs := cfg.Pairs
	if len(pairs) > maxSyncPairs {
		truncated = len(pairs) - maxSyncPairs
		pairs = pairs[:maxSyncPairs]
	}

	items := make([]job.CopyItem, len(pairs))
	for i, pair := range pairs {
		items[i] = job.CopyItem{SourcePath: pair.SourcePath, TargetPath: pair.TargetPath}
	}
	payload, err := json.Marshal(job.CopyPayload{
		Items: items,
		Options: job.CopyOptions{
			SkipExisting:   cfg.SkipExisting,
			MaxConcurrency: cfg.MaxConcurrency,
		},
	})
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "payload encoding failed", err)
	}

	descriptor, err := hc.Jobs.Create(ctx, job.TaskTypeCopy, payload, model.SystemPrincipal)
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("enqueued copy job %s with %d pairs", descriptor.ID, len(items))
	if truncated > 0 {
		summary += fmt.Sprintf(" (%d pairs over the %d cap dropped)", truncated, maxSyncPairs)
	}
	details, _ := json.Marshal(map[string]interface{}{
		"jobId":     descriptor.ID,
		"pairs":     len(items),
		"truncated": truncated,
	})
	return &RunResult{Summary: summary, Details: details}, nil
}
