// Package fs is the orchestrator above the storage drivers: it resolves
// virtual paths, enforces capabilities, synthesizes virtual directories,
// and carries out every public filesystem operation.
package fs

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/mount"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/pathutil"
	"github.com/filegate/filegate/pkg/sign"
	"github.com/filegate/filegate/pkg/stream"
)

// FileSystem exposes the gateway operations over virtual paths.
type FileSystem struct {
	resolver *mount.Resolver
	drivers  *driver.Cache
	store    *repo.Store
	metrics  *metrics.Collector
	logger   *slog.Logger

	signSecret string
	proxyBase  string
}

// New wires the orchestrator.
func New(store *repo.Store, drivers *driver.Cache, mc *metrics.Collector, signSecret, proxyBase string, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{
		resolver:   mount.NewResolver(store),
		drivers:    drivers,
		store:      store,
		metrics:    mc,
		logger:     logger.With("component", "fs"),
		signSecret: signSecret,
		proxyBase:  strings.TrimSuffix(proxyBase, "/"),
	}
}

// Resolver exposes the mount resolver for layers that need raw resolution.
func (f *FileSystem) Resolver() *mount.Resolver { return f.resolver }

// resolveMounted resolves a path and requires it to land on a mount with
// the given capabilities.
func (f *FileSystem) resolveMounted(ctx context.Context, principal model.Principal, path string, caps driver.Capability) (*mount.Resolution, driver.Driver, error) {
	res, err := f.resolver.Resolve(ctx, principal, path)
	if err != nil {
		return nil, nil, err
	}
	if res.Kind == mount.KindVirtualDir {
		return nil, nil, fgerr.New(fgerr.KindValidation, "operation not supported on a virtual directory").WithPath(path)
	}
	d, err := f.drivers.Get(ctx, res.Config)
	if err != nil {
		return nil, nil, err
	}
	if !d.Capabilities().Has(caps) {
		return nil, nil, fgerr.Newf(fgerr.KindValidation,
			"storage %s does not support this operation", res.Config.Type).WithPath(path)
	}
	_ = f.store.Mounts.TouchLastUsed(ctx, res.Mount.ID, time.Now())
	return res, d, nil
}

func (f *FileSystem) observe(op string, start time.Time, err error) {
	if f.metrics != nil {
		f.metrics.RecordOperation(op, time.Since(start), err)
	}
}

// List returns a directory listing, synthesizing virtual directories from
// mount paths without touching any driver.
func (f *FileSystem) List(ctx context.Context, principal model.Principal, path, pathToken string) (result *driver.ListResult, err error) {
	start := time.Now()
	defer func() { f.observe("list", start, err) }()

	res, err := f.resolver.Resolve(ctx, principal, path)
	if err != nil {
		return nil, err
	}

	if res.Kind == mount.KindVirtualDir {
		items := make([]driver.FileInfo, 0, len(res.Children))
		for _, name := range res.Children {
			items = append(items, driver.FileInfo{
				Name:        name,
				Path:        pathutil.Join(path, name),
				IsDirectory: true,
				IsVirtual:   true,
			})
		}
		return &driver.ListResult{Items: items, IsRoot: pathutil.IsRoot(path)}, nil
	}

	if err := f.resolver.CheckPathToken(ctx, principal, path, pathToken); err != nil {
		return nil, err
	}

	d, err := f.drivers.Get(ctx, res.Config)
	if err != nil {
		return nil, err
	}
	listing, err := d.ListDirectory(ctx, res.Subpath)
	if err != nil {
		return nil, err
	}
	// Rewrite driver subpaths into virtual paths.
	for i := range listing.Items {
		listing.Items[i].Path = pathutil.Join(res.Mount.MountPath, res.Subpath, listing.Items[i].Name)
	}
	listing.IsRoot = res.Subpath == ""
	return listing, nil
}

// Stat returns metadata for a file, directory, or virtual directory.
func (f *FileSystem) Stat(ctx context.Context, principal model.Principal, path string) (info *driver.FileInfo, err error) {
	start := time.Now()
	defer func() { f.observe("stat", start, err) }()

	res, err := f.resolver.Resolve(ctx, principal, path)
	if err != nil {
		return nil, err
	}
	if res.Kind == mount.KindVirtualDir {
		return &driver.FileInfo{
			Name:        pathutil.Base(path),
			Path:        path,
			IsDirectory: true,
			IsVirtual:   true,
		}, nil
	}
	d, err := f.drivers.Get(ctx, res.Config)
	if err != nil {
		return nil, err
	}
	fi, err := d.Stat(ctx, res.Subpath)
	if err != nil {
		return nil, err
	}
	fi.Path = path
	return fi, nil
}

// Download opens a stream descriptor for a file.
func (f *FileSystem) Download(ctx context.Context, principal model.Principal, path string) (desc *stream.Descriptor, err error) {
	start := time.Now()
	defer func() { f.observe("download", start, err) }()

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapReader)
	if err != nil {
		return nil, err
	}
	return d.Download(ctx, res.Subpath)
}

// Upload writes a file.
func (f *FileSystem) Upload(ctx context.Context, principal model.Principal, path string, body driver.Body) (result *driver.UploadResult, err error) {
	start := time.Now()
	defer func() { f.observe("upload", start, err) }()

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapWriter)
	if err != nil {
		return nil, err
	}
	out, err := d.Upload(ctx, res.Subpath, body)
	if err != nil {
		return nil, err
	}
	if f.metrics != nil && body.Size > 0 {
		f.metrics.RecordBytes("in", body.Size)
	}
	return out, nil
}

// Mkdir creates a directory, reporting whether it already existed.
func (f *FileSystem) Mkdir(ctx context.Context, principal model.Principal, path string) (existed bool, err error) {
	start := time.Now()
	defer func() { f.observe("mkdir", start, err) }()

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapWriter)
	if err != nil {
		return false, err
	}
	return d.CreateDirectory(ctx, res.Subpath)
}

// Rename moves a file within one mount.
func (f *FileSystem) Rename(ctx context.Context, principal model.Principal, oldPath, newPath string) (result *driver.RenameResult, err error) {
	start := time.Now()
	defer func() { f.observe("rename", start, err) }()

	oldRes, d, err := f.resolveMounted(ctx, principal, oldPath, driver.CapWriter)
	if err != nil {
		return nil, err
	}
	newRes, err := f.resolver.Resolve(ctx, principal, newPath)
	if err != nil {
		return nil, err
	}
	if newRes.Kind != mount.KindMounted || newRes.Mount.ID != oldRes.Mount.ID {
		return nil, fgerr.New(fgerr.KindValidation,
			"rename cannot cross mounts; use a copy job").WithPath(newPath)
	}
	out, err := d.Rename(ctx, oldRes.Subpath, newRes.Subpath)
	if err != nil {
		return nil, err
	}
	out.Source = oldPath
	out.Target = newPath
	return out, nil
}

// BatchDelete removes paths that may span several mounts, grouping per
// mount and aggregating the per-driver results.
func (f *FileSystem) BatchDelete(ctx context.Context, principal model.Principal, paths []string) (result *driver.BatchDeleteResult, err error) {
	start := time.Now()
	defer func() { f.observe("batch_delete", start, err) }()

	type group struct {
		res      *mount.Resolution
		subpaths []string
		paths    []string
	}
	groups := make(map[string]*group)
	out := &driver.BatchDeleteResult{}

	for _, p := range paths {
		canonical, err := pathutil.Canonicalize(p)
		if err != nil {
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: p, Error: err.Error()})
			continue
		}
		res, err := f.resolver.Resolve(ctx, principal, canonical)
		if err != nil || res.Kind != mount.KindMounted {
			msg := "path is not deletable"
			if err != nil {
				msg = err.Error()
			}
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: p, Error: msg})
			continue
		}
		g, ok := groups[res.Mount.ID]
		if !ok {
			g = &group{res: res}
			groups[res.Mount.ID] = g
		}
		g.subpaths = append(g.subpaths, res.Subpath)
		g.paths = append(g.paths, canonical)
	}

	for _, g := range groups {
		d, err := f.drivers.Get(ctx, g.res.Config)
		if err != nil {
			for _, p := range g.paths {
				out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: p, Error: err.Error()})
			}
			continue
		}
		if !d.Capabilities().Has(driver.CapWriter) {
			for _, p := range g.paths {
				out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: p, Error: "storage is read-only"})
			}
			continue
		}
		r, err := d.BatchDelete(ctx, g.subpaths)
		if err != nil {
			for _, p := range g.paths {
				out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: p, Error: err.Error()})
			}
			continue
		}
		out.Successes += r.Successes
		// Driver failures carry subpaths; translate back to virtual paths.
		for _, failure := range r.Failures {
			virtual := failure.Path
			for i, sp := range g.subpaths {
				if sp == failure.Path {
					virtual = g.paths[i]
					break
				}
			}
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: virtual, Error: failure.Error})
		}
	}
	return out, nil
}

// Search finds entries under path, gated on the SEARCH capability.
func (f *FileSystem) Search(ctx context.Context, principal model.Principal, path, keyword string) (items []driver.FileInfo, err error) {
	start := time.Now()
	defer func() { f.observe("search", start, err) }()

	if strings.TrimSpace(keyword) == "" {
		return nil, fgerr.New(fgerr.KindValidation, "search keyword is required")
	}
	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapReader|driver.CapSearch)
	if err != nil {
		return nil, err
	}
	searcher, ok := d.(driver.Searcher)
	if !ok {
		return nil, fgerr.New(fgerr.KindValidation, "storage does not support search").WithPath(path)
	}
	found, err := searcher.Search(ctx, res.Subpath, keyword)
	if err != nil {
		return nil, err
	}
	for i := range found {
		found[i].Path = pathutil.Join(res.Mount.MountPath, found[i].Path)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

// CopyOutcome reports one copy item's result plus moved bytes.
type CopyOutcome struct {
	Result      *driver.CopyResult
	BytesCopied int64
}

// CopyItem performs one copy between virtual paths. Same-mount copies use
// the driver's atomic copy when declared; everything else streams the
// source into the target upload path. skipExisting is always re-checked
// here unless precheckDone says the caller already did.
func (f *FileSystem) CopyItem(ctx context.Context, principal model.Principal, sourcePath, targetPath string, skipExisting, precheckDone bool) (*CopyOutcome, error) {
	srcRes, srcDrv, err := f.resolveMounted(ctx, principal, sourcePath, driver.CapReader)
	if err != nil {
		return nil, err
	}
	dstRes, dstDrv, err := f.resolveMounted(ctx, principal, targetPath, driver.CapWriter)
	if err != nil {
		return nil, err
	}

	if srcRes.Mount.ID == dstRes.Mount.ID && srcDrv.Capabilities().Has(driver.CapAtomic) {
		result, err := srcDrv.Copy(ctx, srcRes.Subpath, dstRes.Subpath, driver.CopyOptions{
			SkipExisting: skipExisting,
			PrecheckDone: precheckDone,
		})
		if err != nil {
			return nil, err
		}
		result.Source = sourcePath
		result.Target = targetPath
		return &CopyOutcome{Result: result}, nil
	}

	// Cross-storage: stream download into upload.
	srcInfo, err := srcDrv.Stat(ctx, srcRes.Subpath)
	if err != nil {
		return nil, err
	}
	if srcInfo.IsDirectory {
		return nil, fgerr.New(fgerr.KindValidation, "directory copy is not supported").WithPath(sourcePath)
	}
	if skipExisting && !precheckDone {
		exists, err := dstDrv.Exists(ctx, dstRes.Subpath)
		if err != nil {
			return nil, err
		}
		if exists {
			return &CopyOutcome{Result: &driver.CopyResult{
				Status: driver.CopySkipped, Source: sourcePath, Target: targetPath, Reason: "target exists",
			}}, nil
		}
	}

	desc, err := srcDrv.Download(ctx, srcRes.Subpath)
	if err != nil {
		return nil, err
	}
	rc, err := desc.OpenFull(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	if _, err := dstDrv.Upload(ctx, dstRes.Subpath, driver.NewStreamBody(counter, desc.Size)); err != nil {
		return &CopyOutcome{
			Result: &driver.CopyResult{
				Status: driver.CopyFailed, Source: sourcePath, Target: targetPath, Reason: "upload failed",
			},
			BytesCopied: counter.n,
		}, err
	}
	if f.metrics != nil {
		f.metrics.RecordBytes("copy", counter.n)
	}
	return &CopyOutcome{
		Result:      &driver.CopyResult{Status: driver.CopySucceeded, Source: sourcePath, Target: targetPath},
		BytesCopied: counter.n,
	}, nil
}

// CopyPlan tells the API layer how a batch copy should be executed.
type CopyPlan struct {
	// ClientSide carries presigned instructions when both ends support
	// direct transfer; the client downloads from Source and uploads to
	// Target itself.
	ClientSide bool                    `json:"clientSide"`
	Items      []ClientCopyInstruction `json:"items,omitempty"`
}

// ClientCopyInstruction is one presigned copy leg.
type ClientCopyInstruction struct {
	SourcePath  string                  `json:"sourcePath"`
	TargetPath  string                  `json:"targetPath"`
	DownloadURL string                  `json:"downloadUrl"`
	Upload      *driver.PresignedUpload `json:"upload"`
}

// PlanCopy decides between client-side presigned copy and a server job.
// Client-side is offered only when every pair crosses mounts and both
// sides can presign; otherwise the caller should enqueue a copy job.
func (f *FileSystem) PlanCopy(ctx context.Context, principal model.Principal, pairs [][2]string) (*CopyPlan, error) {
	instructions := make([]ClientCopyInstruction, 0, len(pairs))
	for _, pair := range pairs {
		srcRes, srcDrv, err := f.resolveMounted(ctx, principal, pair[0], driver.CapReader)
		if err != nil {
			return nil, err
		}
		dstRes, dstDrv, err := f.resolveMounted(ctx, principal, pair[1], driver.CapWriter)
		if err != nil {
			return nil, err
		}
		if srcRes.Mount.ID == dstRes.Mount.ID {
			return &CopyPlan{ClientSide: false}, nil
		}
		linker, okSrc := srcDrv.(driver.DirectLinker)
		uploader, okDst := dstDrv.(driver.PresignUploader)
		if !okSrc || !okDst ||
			!srcDrv.Capabilities().Has(driver.CapDirectLink) ||
			!dstDrv.Capabilities().Has(driver.CapPresigned) {
			return &CopyPlan{ClientSide: false}, nil
		}

		srcInfo, err := srcDrv.Stat(ctx, srcRes.Subpath)
		if err != nil {
			return nil, err
		}
		download, err := linker.PresignDownload(ctx, srcRes.Subpath, driver.PresignDownloadOptions{})
		if err != nil {
			return nil, err
		}
		if download.Type == driver.LinkProxy || download.URL == "" {
			return &CopyPlan{ClientSide: false}, nil
		}
		upload, err := uploader.PresignUpload(ctx, dstRes.Subpath, driver.PresignUploadOptions{
			FileSize: srcInfo.Size,
			MIMEType: srcInfo.MIME,
		})
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ClientCopyInstruction{
			SourcePath:  pair[0],
			TargetPath:  pair[1],
			DownloadURL: download.URL,
			Upload:      upload,
		})
	}
	return &CopyPlan{ClientSide: true, Items: instructions}, nil
}

// CommitCopied registers client-performed uploads after a presigned batch
// copy: it verifies each target object now exists on the mount's backend.
func (f *FileSystem) CommitCopied(ctx context.Context, principal model.Principal, targetMountID string, files []CommitFile) (*driver.BatchDeleteResult, error) {
	m, err := f.store.Mounts.Get(ctx, targetMountID)
	if err != nil {
		return nil, err
	}
	// The mount must be visible to the caller, not just exist.
	if res, err := f.resolver.Resolve(ctx, principal, m.MountPath); err != nil {
		return nil, err
	} else if res.Kind != mount.KindMounted || res.Mount.ID != m.ID {
		return nil, fgerr.Newf(fgerr.KindNotFound, "mount %s not found", targetMountID)
	}
	cfg, err := f.store.StorageConfigs.Get(ctx, m.StorageConfigID)
	if err != nil {
		return nil, err
	}
	d, err := f.drivers.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}

	out := &driver.BatchDeleteResult{}
	for _, file := range files {
		canonical, err := pathutil.Canonicalize(file.TargetPath)
		if err != nil {
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: file.TargetPath, Error: err.Error()})
			continue
		}
		sub, ok := pathutil.Subpath(m.MountPath, canonical)
		if !ok {
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{
				Path: file.TargetPath, Error: "path is outside the target mount"})
			continue
		}
		exists, err := d.Exists(ctx, sub)
		if err != nil {
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{Path: file.TargetPath, Error: err.Error()})
			continue
		}
		if !exists {
			out.Failures = append(out.Failures, driver.BatchDeleteFailure{
				Path: file.TargetPath, Error: "object not found on target storage"})
			continue
		}
		out.Successes++
	}
	return out, nil
}

// CommitFile is one client-copied object to verify.
type CommitFile struct {
	TargetPath string `json:"targetPath"`
	S3Path     string `json:"s3Path"`
}

// mountSigner derives the per-mount proxy signing key from the gateway
// secret; rotating the gateway secret invalidates every permanent link.
func (f *FileSystem) mountSigner(mountID string) *sign.Signer {
	key := sha256.Sum256([]byte(f.signSecret + ":" + mountID))
	return sign.New(key[:])
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
