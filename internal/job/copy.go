package job

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/filegate/filegate/internal/fs"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

// TaskTypeCopy is the built-in copy task.
const TaskTypeCopy = "copy"

// CopyItem is one source/target pair in a copy payload.
type CopyItem struct {
	SourcePath   string `json:"sourcePath"`
	TargetPath   string `json:"targetPath"`
	SkipExisting *bool  `json:"skipExisting,omitempty"` // overrides the job-wide option
}

// CopyOptions are the job-wide copy options.
type CopyOptions struct {
	SkipExisting   bool `json:"skipExisting"`
	MaxConcurrency int  `json:"maxConcurrency"`

	// PrecheckDone disables the engine's target-existence re-check for
	// callers that already performed it.
	PrecheckDone bool `json:"precheckDone,omitempty"`
}

// CopyPayload is the payload schema for TaskTypeCopy.
type CopyPayload struct {
	Items   []CopyItem  `json:"items"`
	Options CopyOptions `json:"options"`
}

// CopyHandler processes copy jobs through the filesystem orchestrator.
type CopyHandler struct {
	fs *fs.FileSystem
}

// NewCopyHandler wires the handler.
func NewCopyHandler(filesystem *fs.FileSystem) *CopyHandler {
	return &CopyHandler{fs: filesystem}
}

func (h *CopyHandler) TaskType() string { return TaskTypeCopy }

// CountItems validates the payload and returns the item count.
func (h *CopyHandler) CountItems(payload json.RawMessage) (int, error) {
	var p CopyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fgerr.Wrap(fgerr.KindValidation, "malformed copy payload", err)
	}
	if len(p.Items) == 0 {
		return 0, fgerr.New(fgerr.KindValidation, "copy payload has no items")
	}
	for _, item := range p.Items {
		if item.SourcePath == "" || item.TargetPath == "" {
			return 0, fgerr.New(fgerr.KindValidation, "copy items need sourcePath and targetPath")
		}
	}
	return len(p.Items), nil
}

// Run fans the items out to at most MaxConcurrency workers sharing the
// job's cancellation signal. Item failures are recorded without aborting
// the job; only fatal driver configuration errors end the run early.
func (h *CopyHandler) Run(ctx context.Context, jc *JobContext) error {
	var p CopyPayload
	if err := json.Unmarshal(jc.Descriptor.Payload, &p); err != nil {
		return fgerr.Wrap(fgerr.KindValidation, "malformed copy payload", err)
	}

	concurrency := p.Options.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	principal := jc.Principal

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, item := range p.Items {
		item := item
		group.Go(func() error {
			// The boundary check: cancelled jobs stop picking up items.
			if err := groupCtx.Err(); err != nil {
				return err
			}

			skip := p.Options.SkipExisting
			if item.SkipExisting != nil {
				skip = *item.SkipExisting
			}

			outcome, err := h.fs.CopyItem(groupCtx, principal, item.SourcePath, item.TargetPath, skip, p.Options.PrecheckDone)
			switch {
			case err != nil && fgerr.IsKind(err, fgerr.KindCancelled):
				return err
			case err != nil && fgerr.IsKind(err, fgerr.KindDriverUnsupportedEnv):
				// A broken backend configuration fails every remaining
				// item the same way; stop the run.
				jc.RecordItem(groupCtx, model.JobItemOutcome{
					Kind: model.ItemFailed, Path: item.SourcePath, Error: err.Error(),
				})
				return err
			case err != nil:
				bytes := int64(0)
				if outcome != nil {
					bytes = outcome.BytesCopied
				}
				jc.RecordItem(groupCtx, model.JobItemOutcome{
					Kind: model.ItemFailed, Path: item.SourcePath, Error: err.Error(), Bytes: bytes,
				})
				return nil
			}

			kind := model.ItemSucceeded
			switch outcome.Result.Status {
			case "skipped":
				kind = model.ItemSkipped
			case "failed":
				kind = model.ItemFailed
			}
			jc.RecordItem(groupCtx, model.JobItemOutcome{
				Kind: kind, Path: item.SourcePath, Bytes: outcome.BytesCopied,
			})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return fgerr.Wrap(fgerr.KindCancelled, "copy job cancelled", ctx.Err())
		}
		return err
	}
	return nil
}
