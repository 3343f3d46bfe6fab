package fs

import (
	"context"
	"fmt"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/pathutil"
)

const (
	defaultPartSize = 16 * 1024 * 1024
	maxPartCount    = 10000

	// sessionTTL bounds how long an untouched session stays resumable.
	sessionTTL = 24 * time.Hour
)

// InitMultipart starts a resumable upload: the driver opens its provider
// upload and a session row records the state the client resumes from.
func (f *FileSystem) InitMultipart(ctx context.Context, principal model.Principal, path, fileName string, fileSize, partSize int64) (sess *model.UploadSession, init *driver.MultipartInitResult, err error) {
	start := time.Now()
	defer func() { f.observe("multipart_init", start, err) }()

	if fileSize <= 0 {
		return nil, nil, fgerr.New(fgerr.KindValidation, "file size must be positive")
	}
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	if (fileSize+partSize-1)/partSize > maxPartCount {
		return nil, nil, fgerr.Newf(fgerr.KindValidation,
			"part size %d yields more than %d parts", partSize, maxPartCount)
	}

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapWriter|driver.CapMultipart)
	if err != nil {
		return nil, nil, err
	}
	mp, ok := d.(driver.Multiparter)
	if !ok {
		return nil, nil, fgerr.New(fgerr.KindValidation, "storage does not support multipart uploads").WithPath(path)
	}

	result, err := mp.InitMultipart(ctx, res.Subpath, driver.MultipartInitRequest{
		FileName: fileName,
		FileSize: fileSize,
		PartSize: partSize,
	})
	if err != nil {
		return nil, nil, err
	}

	expiresAt := result.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(sessionTTL)
	}
	session := &model.UploadSession{
		Principal:         principal.ID,
		StorageConfigID:   res.Config.ID,
		MountID:           res.Mount.ID,
		FsPath:            path,
		FileName:          fileName,
		FileSize:          fileSize,
		PartSize:          partSize,
		TotalParts:        result.PartCount,
		ProviderUploadID:  result.UploadID,
		ProviderUploadURL: result.UploadURL,
		Status:            model.UploadActive,
		ExpiresAt:         expiresAt,
	}
	if err := f.store.UploadSessions.Create(ctx, session); err != nil {
		// Do not leave an orphaned provider upload behind.
		_ = mp.AbortMultipart(ctx, f.handleFor(session, res.Subpath))
		return nil, nil, err
	}
	return session, result, nil
}

// CompleteMultipart finishes a session from the client's part report.
func (f *FileSystem) CompleteMultipart(ctx context.Context, principal model.Principal, sessionID string, parts []driver.CompletedPart) (result *driver.UploadResult, err error) {
	start := time.Now()
	defer func() { f.observe("multipart_complete", start, err) }()

	session, mp, handle, err := f.sessionDriver(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	out, err := mp.CompleteMultipart(ctx, handle, parts)
	if err != nil {
		if fgerr.IsKind(err, fgerr.KindUploadSessionNotFound) {
			_ = f.store.UploadSessions.Transition(ctx, session.ID, model.UploadError)
		}
		return nil, err
	}
	if _, err := f.store.UploadSessions.UpdateActive(ctx, session.ID, func(s *model.UploadSession) {
		s.BytesUploaded = s.FileSize
		s.UploadedParts = s.TotalParts
		s.NextExpectedRange = ""
	}); err != nil {
		return nil, err
	}
	if err := f.store.UploadSessions.Transition(ctx, session.ID, model.UploadCompleted); err != nil {
		return nil, err
	}
	return out, nil
}

// AbortMultipart cancels a session on the provider and in the store.
func (f *FileSystem) AbortMultipart(ctx context.Context, principal model.Principal, sessionID string) (err error) {
	start := time.Now()
	defer func() { f.observe("multipart_abort", start, err) }()

	session, mp, handle, err := f.sessionDriver(ctx, principal, sessionID)
	if err != nil {
		return err
	}
	if err := mp.AbortMultipart(ctx, handle); err != nil &&
		!fgerr.IsKind(err, fgerr.KindUploadSessionNotFound) {
		return err
	}
	return f.store.UploadSessions.Transition(ctx, session.ID, model.UploadAborted)
}

// ListSessionParts reflects provider part state for resume and folds the
// progress back into the session row. A provider that no longer knows the
// upload flips the session to error with UPLOAD_SESSION_NOT_FOUND so the
// client restarts from scratch.
func (f *FileSystem) ListSessionParts(ctx context.Context, principal model.Principal, sessionID string) (parts []driver.PartInfo, err error) {
	start := time.Now()
	defer func() { f.observe("multipart_parts", start, err) }()

	session, mp, handle, err := f.sessionDriver(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err = mp.ListParts(ctx, handle)
	if err != nil {
		if fgerr.IsKind(err, fgerr.KindUploadSessionNotFound) {
			_ = f.store.UploadSessions.Transition(ctx, session.ID, model.UploadError)
		}
		return nil, err
	}

	var bytesUploaded int64
	for _, p := range parts {
		bytesUploaded += p.Size
	}
	uploadedParts := len(parts)
	nextRange := ""
	if bytesUploaded < session.FileSize {
		nextRange = fmt.Sprintf("%d-%d", bytesUploaded, session.FileSize-1)
	}
	_, _ = f.store.UploadSessions.UpdateActive(ctx, session.ID, func(s *model.UploadSession) {
		s.BytesUploaded = bytesUploaded
		s.UploadedParts = uploadedParts
		s.NextExpectedRange = nextRange
	})
	return parts, nil
}

// RefreshPartURLs re-presigns a subset of part upload URLs.
func (f *FileSystem) RefreshPartURLs(ctx context.Context, principal model.Principal, sessionID string, partNumbers []int) (urls []driver.PartURL, err error) {
	start := time.Now()
	defer func() { f.observe("multipart_refresh", start, err) }()

	_, mp, handle, err := f.sessionDriver(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	return mp.RefreshPartURLs(ctx, handle, partNumbers)
}

// sessionDriver loads an active session the principal owns and rebuilds
// the driver handle for it.
func (f *FileSystem) sessionDriver(ctx context.Context, principal model.Principal, sessionID string) (*model.UploadSession, driver.Multiparter, driver.UploadHandle, error) {
	var zero driver.UploadHandle

	session, err := f.store.UploadSessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, zero, err
	}
	if !principal.IsAdmin && session.Principal != principal.ID {
		return nil, nil, zero, fgerr.New(fgerr.KindForbidden, "session belongs to another principal")
	}
	if session.Status != model.UploadActive {
		return nil, nil, zero, fgerr.Newf(fgerr.KindConflict, "upload session is %s", session.Status)
	}

	m, err := f.store.Mounts.Get(ctx, session.MountID)
	if err != nil {
		return nil, nil, zero, err
	}
	cfg, err := f.store.StorageConfigs.Get(ctx, session.StorageConfigID)
	if err != nil {
		return nil, nil, zero, err
	}
	d, err := f.drivers.Get(ctx, cfg)
	if err != nil {
		return nil, nil, zero, err
	}
	mp, ok := d.(driver.Multiparter)
	if !ok || !d.Capabilities().Has(driver.CapMultipart) {
		return nil, nil, zero, fgerr.New(fgerr.KindValidation, "storage does not support multipart uploads")
	}

	sub, ok := pathutil.Subpath(m.MountPath, session.FsPath)
	if !ok {
		return nil, nil, zero, fgerr.New(fgerr.KindInternal, "session path left its mount")
	}
	return session, mp, f.handleFor(session, sub), nil
}

func (f *FileSystem) handleFor(session *model.UploadSession, subpath string) driver.UploadHandle {
	return driver.UploadHandle{
		Subpath:  subpath,
		UploadID: session.ProviderUploadID,
		PartSize: session.PartSize,
		FileSize: session.FileSize,
	}
}
