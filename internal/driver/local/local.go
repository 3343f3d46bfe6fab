// Package local implements the storage driver for a jailed directory tree
// on the gateway host. Every subpath is contained under the configured
// root; symbolic links that point outside the root are rejected before any
// filesystem operation touches them.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/stream"
)

// DriverType is the registry name.
const DriverType = "local"

const copyBufferSize = 256 * 1024

// Driver serves a local directory tree.
type Driver struct {
	root           string
	trashPath      string
	dirPermission  os.FileMode
	filePermission os.FileMode
	readonly       bool
	logger         *slog.Logger
}

// Factory builds the local driver from a stored configuration. Recognized
// keys: root_path (required, absolute), trash_path, dir_permission (octal),
// readonly ("true"), auto_create_root ("true").
func Factory(_ context.Context, cfg *model.StorageConfig, env driver.Env) (driver.Driver, error) {
	rootPath := cfg.Config["root_path"]
	if rootPath == "" || !filepath.IsAbs(rootPath) {
		return nil, fgerr.New(fgerr.KindValidation, "local driver requires an absolute root_path")
	}
	rootPath = filepath.Clean(rootPath)

	dirPerm := os.FileMode(0o755)
	if raw := cfg.Config["dir_permission"]; raw != "" {
		parsed, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return nil, fgerr.Newf(fgerr.KindValidation, "invalid dir_permission %q", raw)
		}
		dirPerm = os.FileMode(parsed)
	}

	readonly := cfg.Config["readonly"] == "true"

	info, err := os.Stat(rootPath)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fgerr.Newf(fgerr.KindDriverUnsupportedEnv, "root %s is not a directory", rootPath)
		}
	case os.IsNotExist(err) && cfg.Config["auto_create_root"] == "true" && !readonly:
		if err := os.MkdirAll(rootPath, dirPerm); err != nil {
			return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv, "cannot create root", err)
		}
	default:
		return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv,
			fmt.Sprintf("root %s is not accessible", rootPath), err)
	}

	if _, err := os.ReadDir(rootPath); err != nil {
		return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv, "root is not readable", err)
	}
	if !readonly {
		probe := filepath.Join(rootPath, ".fg-write-probe")
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv, "root is not writable", err)
		}
		f.Close()
		os.Remove(probe)
	}

	trashPath := cfg.Config["trash_path"]
	if trashPath != "" {
		if !filepath.IsAbs(trashPath) {
			return nil, fgerr.New(fgerr.KindValidation, "trash_path must be absolute")
		}
		if err := os.MkdirAll(trashPath, dirPerm); err != nil {
			return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv, "cannot create trash directory", err)
		}
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		root:           rootPath,
		trashPath:      trashPath,
		dirPermission:  dirPerm,
		filePermission: 0o644,
		readonly:       readonly,
		logger:         logger.With("component", "driver:local", "root", rootPath),
	}, nil
}

func (d *Driver) Type() string { return DriverType }

func (d *Driver) Capabilities() driver.Capability {
	caps := driver.CapReader | driver.CapWriter | driver.CapAtomic | driver.CapProxy | driver.CapSearch
	return caps
}

// resolve joins a subpath under the root and verifies containment. For
// every existing path segment it resolves symbolic links and re-checks the
// result against the root, stopping at the first nonexistent segment.
func (d *Driver) resolve(subpath string) (string, error) {
	joined := filepath.Join(d.root, filepath.FromSlash(subpath))
	rel, err := filepath.Rel(d.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fgerr.Newf(fgerr.KindDriverPathOutOfRoot, "path escapes storage root").WithPath(subpath)
	}

	// Walk each existing segment; a link pointing outside the root is a
	// permission failure, not a missing file.
	current := d.root
	if rel != "." {
		for _, seg := range strings.Split(rel, string(filepath.Separator)) {
			current = filepath.Join(current, seg)
			info, err := os.Lstat(current)
			if os.IsNotExist(err) {
				break
			}
			if err != nil {
				return "", fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(subpath)
			}
			if info.Mode()&os.ModeSymlink != 0 {
				resolved, err := filepath.EvalSymlinks(current)
				if err != nil {
					return "", fgerr.Wrap(fgerr.KindDriverSymlinkEscape, "unresolvable symlink", err).WithPath(subpath)
				}
				relResolved, err := filepath.Rel(d.root, resolved)
				if err != nil || relResolved == ".." ||
					strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
					return "", fgerr.Newf(fgerr.KindDriverSymlinkEscape,
						"symlink points outside storage root").WithPath(subpath)
				}
			}
		}
	}
	return joined, nil
}

func (d *Driver) checkWritable() error {
	if d.readonly {
		return fgerr.New(fgerr.KindDriverReadonly, "storage is read-only")
	}
	return nil
}

func (d *Driver) ListDirectory(_ context.Context, subpath string) (*driver.ListResult, error) {
	full, err := d.resolve(subpath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.Newf(fgerr.KindNotFound, "directory not found").WithPath(subpath)
		}
		return nil, fgerr.Wrap(fgerr.KindInternal, "list failed", err).WithPath(subpath)
	}

	items := make([]driver.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // entry vanished between readdir and stat
		}
		items = append(items, d.toFileInfo(subpath, entry.Name(), info))
	}
	return &driver.ListResult{Items: items, IsRoot: subpath == ""}, nil
}

func (d *Driver) Stat(_ context.Context, subpath string) (*driver.FileInfo, error) {
	full, err := d.resolve(subpath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such file").WithPath(subpath)
		}
		return nil, fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(subpath)
	}
	fi := d.toFileInfo(parentOf(subpath), info.Name(), info)
	fi.Path = subpath
	return &fi, nil
}

func (d *Driver) Exists(ctx context.Context, subpath string) (bool, error) {
	_, err := d.Stat(ctx, subpath)
	if err != nil {
		if fgerr.IsKind(err, fgerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Driver) Download(_ context.Context, subpath string) (*stream.Descriptor, error) {
	full, err := d.resolve(subpath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such file").WithPath(subpath)
		}
		return nil, fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(subpath)
	}
	if info.IsDir() {
		return nil, fgerr.Newf(fgerr.KindValidation, "cannot download a directory").WithPath(subpath)
	}

	openFull := func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(full)
		if err != nil {
			return nil, fgerr.Wrap(fgerr.KindInternal, "open failed", err).WithPath(subpath)
		}
		return f, nil
	}
	openRange := func(_ context.Context, start, end int64) (io.ReadCloser, bool, error) {
		f, err := os.Open(full)
		if err != nil {
			return nil, false, fgerr.Wrap(fgerr.KindInternal, "open failed", err).WithPath(subpath)
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, false, fgerr.Wrap(fgerr.KindInternal, "seek failed", err).WithPath(subpath)
		}
		if end < 0 {
			return f, true, nil
		}
		return readCloser{Reader: io.LimitReader(f, end-start+1), Closer: f}, true, nil
	}

	return stream.New(info.Size(), mimeFor(info.Name()), etagFor(info), info.ModTime(), openFull, openRange), nil
}

func (d *Driver) Upload(_ context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	full, err := d.resolve(subpath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), d.dirPermission); err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "mkdir failed", err).WithPath(subpath)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, d.filePermission)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "create failed", err).WithPath(subpath)
	}

	// Pull streams are written chunk by chunk; bounded bodies land in one
	// buffered copy either way.
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, body.Reader, buf); err != nil {
		f.Close()
		os.Remove(full)
		return nil, fgerr.Wrap(fgerr.KindInternal, "write failed", err).WithPath(subpath)
	}
	if err := f.Close(); err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "close failed", err).WithPath(subpath)
	}
	if err := os.Chmod(full, d.filePermission); err != nil {
		d.logger.Warn("chmod after write failed", "path", subpath, "error", err)
	}
	return &driver.UploadResult{StoragePath: subpath}, nil
}

func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)
	return err
}

func (d *Driver) CreateDirectory(_ context.Context, subpath string) (bool, error) {
	if err := d.checkWritable(); err != nil {
		return false, err
	}
	full, err := d.resolve(subpath)
	if err != nil {
		return false, err
	}
	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return true, nil
		}
		return false, fgerr.Newf(fgerr.KindConflict, "a file exists at this path").WithPath(subpath)
	}
	if err := os.MkdirAll(full, d.dirPermission); err != nil {
		return false, fgerr.Wrap(fgerr.KindInternal, "mkdir failed", err).WithPath(subpath)
	}
	return false, nil
}

func (d *Driver) Rename(_ context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	oldFull, err := d.resolve(oldSubpath)
	if err != nil {
		return nil, err
	}
	newFull, err := d.resolve(newSubpath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(oldFull); err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such file").WithPath(oldSubpath)
		}
		return nil, fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(oldSubpath)
	}
	if err := os.MkdirAll(filepath.Dir(newFull), d.dirPermission); err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "mkdir failed", err).WithPath(newSubpath)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "rename failed", err).WithPath(oldSubpath)
	}
	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	srcFull, err := d.resolve(srcSubpath)
	if err != nil {
		return nil, err
	}
	dstFull, err := d.resolve(dstSubpath)
	if err != nil {
		return nil, err
	}

	if opts.SkipExisting && !opts.PrecheckDone {
		if _, err := os.Stat(dstFull); err == nil {
			return &driver.CopyResult{Status: driver.CopySkipped, Source: srcSubpath, Target: dstSubpath,
				Reason: "target exists"}, nil
		}
	}

	info, err := os.Stat(srcFull)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such file").WithPath(srcSubpath)
		}
		return nil, fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(srcSubpath)
	}
	if info.IsDir() {
		return nil, fgerr.Newf(fgerr.KindValidation, "directory copy is not supported").WithPath(srcSubpath)
	}

	if err := os.MkdirAll(filepath.Dir(dstFull), d.dirPermission); err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "mkdir failed", err).WithPath(dstSubpath)
	}
	if err := copyFile(ctx, srcFull, dstFull, d.filePermission); err != nil {
		return &driver.CopyResult{Status: driver.CopyFailed, Source: srcSubpath, Target: dstSubpath,
			Reason: "copy failed"}, err
	}
	return &driver.CopyResult{Status: driver.CopySucceeded, Source: srcSubpath, Target: dstSubpath}, nil
}

func (d *Driver) BatchDelete(_ context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	result := &driver.BatchDeleteResult{}
	for _, sp := range subpaths {
		if err := d.deleteOne(sp); err != nil {
			result.Failures = append(result.Failures, driver.BatchDeleteFailure{Path: sp, Error: err.Error()})
			continue
		}
		result.Successes++
	}
	return result, nil
}

// deleteOne moves the target into the trash when one is configured,
// otherwise removes it unconditionally.
func (d *Driver) deleteOne(subpath string) error {
	full, err := d.resolve(subpath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err != nil {
		if os.IsNotExist(err) {
			return fgerr.Newf(fgerr.KindNotFound, "no such file").WithPath(subpath)
		}
		return fgerr.Wrap(fgerr.KindInternal, "stat failed", err).WithPath(subpath)
	}

	if d.trashPath == "" {
		if err := os.RemoveAll(full); err != nil {
			return fgerr.Wrap(fgerr.KindInternal, "delete failed", err).WithPath(subpath)
		}
		return nil
	}

	// Collide-proof trash name with a millisecond suffix.
	trashed := filepath.Join(d.trashPath,
		fmt.Sprintf("%s.%d", filepath.Base(full), time.Now().UnixMilli()))
	if err := os.Rename(full, trashed); err == nil {
		return nil
	}
	// Rename across devices fails; fall back to copy + unlink.
	if err := copyTree(full, trashed, d.dirPermission, d.filePermission); err != nil {
		return fgerr.Wrap(fgerr.KindInternal, "move to trash failed", err).WithPath(subpath)
	}
	if err := os.RemoveAll(full); err != nil {
		return fgerr.Wrap(fgerr.KindInternal, "delete after trash copy failed", err).WithPath(subpath)
	}
	return nil
}

// Search walks the tree under subpath matching names case-insensitively.
func (d *Driver) Search(ctx context.Context, subpath, keyword string) ([]driver.FileInfo, error) {
	full, err := d.resolve(subpath)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	var out []driver.FileInfo
	err = filepath.WalkDir(full, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == full {
			return nil
		}
		if !strings.Contains(strings.ToLower(entry.Name()), needle) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return nil
		}
		fi := d.toFileInfo("", entry.Name(), info)
		fi.Path = filepath.ToSlash(rel)
		out = append(out, fi)
		return nil
	})
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindCancelled, "search cancelled", err)
	}
	return out, nil
}

func (d *Driver) toFileInfo(parent, name string, info os.FileInfo) driver.FileInfo {
	p := name
	if parent != "" {
		p = parent + "/" + name
	}
	fi := driver.FileInfo{
		Name:        name,
		Path:        p,
		Size:        info.Size(),
		IsDirectory: info.IsDir(),
		Modified:    info.ModTime(),
	}
	if !info.IsDir() {
		fi.MIME = mimeFor(name)
		fi.ETag = etagFor(info)
	} else {
		fi.Size = 0
	}
	return fi
}

func parentOf(subpath string) string {
	idx := strings.LastIndexByte(subpath, '/')
	if idx < 0 {
		return ""
	}
	return subpath[:idx]
}

func mimeFor(name string) string {
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func etagFor(info os.FileInfo) string {
	return fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	buf := make([]byte, copyBufferSize)
	for {
		if ctx.Err() != nil {
			out.Close()
			os.Remove(dst)
			return ctx.Err()
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(dst)
				return writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(dst)
			return readErr
		}
	}
	return out.Close()
}

func copyTree(src, dst string, dirPerm, filePerm os.FileMode) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(context.Background(), src, dst, filePerm)
	}
	if err := os.MkdirAll(dst, dirPerm); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), dirPerm, filePerm); err != nil {
			return err
		}
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
