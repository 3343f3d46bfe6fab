// Package webdav implements the storage driver for WebDAV servers using
// PROPFIND, GET, PUT, MKCOL, MOVE, COPY and DELETE. Range requests are
// attempted on download; servers that answer 200 instead of 206 are
// reported as range-dishonoring so the orchestrator can slice.
package webdav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/retry"
	"github.com/filegate/filegate/pkg/stream"
)

// DriverType is the registry name.
const DriverType = "webdav"

const requestTimeout = 60 * time.Second

// Driver talks to one WebDAV endpoint with Basic auth.
type Driver struct {
	base     *url.URL
	username string
	password string // decrypted at init, held in memory only
	client   *http.Client
	retryer  *retry.Retryer
	logger   *slog.Logger
}

// Factory builds the driver. Recognized config keys: endpoint (required),
// username, tls_insecure ("true"). The password comes from the encrypted
// secrets blob.
func Factory(_ context.Context, cfg *model.StorageConfig, env driver.Env) (driver.Driver, error) {
	endpoint := cfg.Config["endpoint"]
	if endpoint == "" {
		return nil, fgerr.New(fgerr.KindValidation, "webdav driver requires an endpoint")
	}
	base, err := url.Parse(strings.TrimSuffix(endpoint, "/") + "/")
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindValidation, "invalid webdav endpoint", err)
	}

	password := ""
	if cfg.SecretsCiphertext != "" {
		password, err = env.Secrets.Open(cfg.SecretsCiphertext)
		if err != nil {
			return nil, err
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Config["tls_insecure"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		base:     base,
		username: cfg.Config["username"],
		password: password,
		client:   &http.Client{Transport: transport, Timeout: 0},
		retryer:  retry.New(retry.DefaultConfig()),
		logger:   logger.With("component", "driver:webdav", "endpoint", base.Host),
	}, nil
}

func (d *Driver) Type() string { return DriverType }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic | driver.CapProxy
}

func (d *Driver) urlFor(subpath string) string {
	segments := strings.Split(strings.Trim(subpath, "/"), "/")
	encoded := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg != "" {
			encoded = append(encoded, url.PathEscape(seg))
		}
	}
	return d.base.String() + strings.Join(encoded, "/")
}

func (d *Driver) newRequest(ctx context.Context, method, subpath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.urlFor(subpath), body)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
	}
	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}
	return req, nil
}

// do runs a request with per-call timeout and retries transient 5xx.
func (d *Driver) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return d.doTimeout(ctx, requestTimeout, build)
}

// doStream is do without the request deadline, for downloads whose body
// outlives any fixed timeout. Cancellation still flows through ctx.
func (d *Driver) doStream(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return d.doTimeout(ctx, 0, build)
}

func (d *Driver) doTimeout(ctx context.Context, timeout time.Duration, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	err := d.retryer.Do(ctx, func(ctx context.Context) error {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		req, err := build(callCtx)
		if err != nil {
			cancel()
			return err
		}
		r, err := d.client.Do(req)
		if err != nil {
			cancel()
			return fgerr.Wrap(fgerr.KindUpstream, "webdav request failed", err).WithRetryable(true)
		}
		if r.StatusCode >= 500 {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			cancel()
			return fgerr.Newf(fgerr.KindUpstream, "webdav server returned %d", r.StatusCode).
				WithDetail("status", r.StatusCode).WithRetryable(true)
		}
		// The caller owns the body; tie the timeout to its lifetime.
		r.Body = &cancelReadCloser{ReadCloser: r.Body, cancel: cancel}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// multistatus is the PROPFIND response document.
type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href  string     `xml:"href"`
	Props []propstat `xml:"propstat"`
}

type propstat struct {
	Status string `xml:"status"`
	Prop   prop   `xml:"prop"`
}

type prop struct {
	DisplayName   string       `xml:"displayname"`
	ContentLength string       `xml:"getcontentlength"`
	LastModified  string       `xml:"getlastmodified"`
	ETag          string       `xml:"getetag"`
	ContentType   string       `xml:"getcontenttype"`
	ResourceType  resourceType `xml:"resourcetype"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/><d:getcontentlength/><d:getlastmodified/>
    <d:getetag/><d:getcontenttype/><d:resourcetype/>
  </d:prop>
</d:propfind>`

func (d *Driver) propfind(ctx context.Context, subpath string, depth int) (*multistatus, error) {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := d.newRequest(ctx, "PROPFIND", subpath, strings.NewReader(propfindBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Depth", strconv.Itoa(depth))
		req.Header.Set("Content-Type", "application/xml")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
	case http.StatusNotFound:
		return nil, fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fgerr.Newf(fgerr.KindForbidden, "webdav access denied").WithPath(subpath)
	default:
		return nil, fgerr.Newf(fgerr.KindUpstream, "unexpected PROPFIND status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).WithPath(subpath)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "malformed PROPFIND response", err).WithPath(subpath)
	}
	return &ms, nil
}

func (d *Driver) ListDirectory(ctx context.Context, subpath string) (*driver.ListResult, error) {
	ms, err := d.propfind(ctx, subpath, 1)
	if err != nil {
		return nil, err
	}

	selfPath := "/" + strings.Trim(d.base.Path+strings.Trim(subpath, "/"), "/")
	items := make([]driver.FileInfo, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		fi, ok := d.toFileInfo(subpath, r)
		if !ok {
			continue
		}
		// PROPFIND Depth 1 includes the collection itself.
		href, _ := url.PathUnescape(r.Href)
		if strings.TrimSuffix(hrefPath(href), "/") == strings.TrimSuffix(selfPath, "/") {
			continue
		}
		items = append(items, fi)
	}
	return &driver.ListResult{Items: items, IsRoot: subpath == ""}, nil
}

func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	ms, err := d.propfind(ctx, subpath, 0)
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
	}
	fi, ok := d.toFileInfo(parentOf(subpath), ms.Responses[0])
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
	}
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

func (d *Driver) Download(ctx context.Context, subpath string) (*stream.Descriptor, error) {
	// HEAD probe first; when the probe fails or its response carries no
	// Content-Length, the size is recovered via PROPFIND. A Content-Length
	// the server does send is used as is.
	size := stream.SizeUnknown
	contentType := ""
	etag := ""
	var modified time.Time

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return d.newRequest(ctx, http.MethodHead, subpath, nil)
	})
	if err == nil {
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			size = resp.ContentLength
			contentType = resp.Header.Get("Content-Type")
			etag = strings.Trim(resp.Header.Get("ETag"), `"`)
			if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
				modified = t
			}
		case http.StatusNotFound:
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
		}
	}
	if size < 0 {
		info, err := d.Stat(ctx, subpath)
		if err != nil {
			return nil, err
		}
		size = info.Size
		if contentType == "" {
			contentType = info.MIME
		}
		if etag == "" {
			etag = info.ETag
		}
		if modified.IsZero() {
			modified = info.Modified
		}
	}
	if contentType == "" {
		contentType = mimeFor(subpath)
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := d.doStream(ctx, func(ctx context.Context) (*http.Request, error) {
			return d.newRequest(ctx, http.MethodGet, subpath, nil)
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, d.statusError(resp.StatusCode, subpath)
		}
		return resp.Body, nil
	}
	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		rangeHeader := fmt.Sprintf("bytes=%d-", start)
		if end >= 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
		}
		resp, err := d.doStream(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := d.newRequest(ctx, http.MethodGet, subpath, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Range", rangeHeader)
			return req, nil
		})
		if err != nil {
			return nil, false, err
		}
		switch resp.StatusCode {
		case http.StatusPartialContent:
			return resp.Body, true, nil
		case http.StatusOK:
			// Server ignored the Range header; hand the full body back
			// and let the caller slice.
			return resp.Body, false, nil
		default:
			resp.Body.Close()
			return nil, false, d.statusError(resp.StatusCode, subpath)
		}
	}

	return stream.New(size, contentType, etag, modified, openFull, openRange), nil
}

func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	// PUT does not retry: the body reader cannot be rewound safely.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := d.newRequest(callCtx, http.MethodPut, subpath, body.Reader)
	if err != nil {
		return nil, err
	}
	if body.Size >= 0 {
		req.ContentLength = body.Size
	}
	req.Header.Set("Content-Type", mimeFor(subpath))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "webdav upload failed", err).WithPath(subpath)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return &driver.UploadResult{StoragePath: subpath}, nil
	case http.StatusConflict:
		return nil, fgerr.Newf(fgerr.KindConflict, "parent collection missing").WithPath(subpath)
	default:
		return nil, d.statusError(resp.StatusCode, subpath)
	}
}

func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)
	return err
}

func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (bool, error) {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return d.newRequest(ctx, "MKCOL", subpath, nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return false, nil
	case http.StatusMethodNotAllowed:
		// Collection already exists.
		return true, nil
	case http.StatusConflict:
		return false, fgerr.Newf(fgerr.KindConflict, "parent collection missing").WithPath(subpath)
	default:
		return false, d.statusError(resp.StatusCode, subpath)
	}
}

func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	if err := d.moveOrCopy(ctx, "MOVE", oldSubpath, newSubpath); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	if opts.SkipExisting && !opts.PrecheckDone {
		exists, err := d.Exists(ctx, dstSubpath)
		if err != nil {
			return nil, err
		}
		if exists {
			return &driver.CopyResult{Status: driver.CopySkipped, Source: srcSubpath, Target: dstSubpath,
				Reason: "target exists"}, nil
		}
	}
	if err := d.moveOrCopy(ctx, "COPY", srcSubpath, dstSubpath); err != nil {
		if fgerr.IsKind(err, fgerr.KindNotFound) {
			return nil, err
		}
		return &driver.CopyResult{Status: driver.CopyFailed, Source: srcSubpath, Target: dstSubpath,
			Reason: "server copy failed"}, err
	}
	return &driver.CopyResult{Status: driver.CopySucceeded, Source: srcSubpath, Target: dstSubpath}, nil
}

func (d *Driver) moveOrCopy(ctx context.Context, method, src, dst string) error {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := d.newRequest(ctx, method, src, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Destination", d.urlFor(dst))
		req.Header.Set("Overwrite", "T")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(src)
	case http.StatusPreconditionFailed:
		return fgerr.Newf(fgerr.KindConflict, "destination exists").WithPath(dst)
	default:
		return d.statusError(resp.StatusCode, src)
	}
}

func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	result := &driver.BatchDeleteResult{}
	for _, sp := range subpaths {
		if err := d.deleteOne(ctx, sp); err != nil {
			result.Failures = append(result.Failures, driver.BatchDeleteFailure{Path: sp, Error: err.Error()})
			continue
		}
		result.Successes++
	}
	return result, nil
}

func (d *Driver) deleteOne(ctx context.Context, subpath string) error {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return d.newRequest(ctx, http.MethodDelete, subpath, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
	default:
		return d.statusError(resp.StatusCode, subpath)
	}
}

func (d *Driver) statusError(status int, subpath string) error {
	switch status {
	case http.StatusNotFound:
		return fgerr.Newf(fgerr.KindNotFound, "no such resource").WithPath(subpath)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fgerr.Newf(fgerr.KindForbidden, "webdav access denied").WithPath(subpath)
	default:
		return fgerr.Newf(fgerr.KindUpstream, "unexpected webdav status %d", status).
			WithDetail("status", status).WithPath(subpath).WithComponent("driver:webdav")
	}
}

func (d *Driver) toFileInfo(parent string, r response) (driver.FileInfo, bool) {
	var p *prop
	for i := range r.Props {
		if strings.Contains(r.Props[i].Status, "200") {
			p = &r.Props[i].Prop
			break
		}
	}
	if p == nil {
		return driver.FileInfo{}, false
	}

	href, _ := url.PathUnescape(r.Href)
	name := p.DisplayName
	if name == "" {
		name = path.Base(strings.TrimSuffix(hrefPath(href), "/"))
	}
	if name == "" || name == "/" {
		return driver.FileInfo{}, false
	}

	fi := driver.FileInfo{
		Name:        name,
		Path:        joinSub(parent, name),
		IsDirectory: p.ResourceType.Collection != nil,
		ETag:        strings.Trim(p.ETag, `"`),
	}
	if !fi.IsDirectory {
		if n, err := strconv.ParseInt(p.ContentLength, 10, 64); err == nil {
			fi.Size = n
		}
		fi.MIME = p.ContentType
		if fi.MIME == "" {
			fi.MIME = mimeFor(name)
		}
	}
	if t, err := http.ParseTime(p.LastModified); err == nil {
		fi.Modified = t
	}
	return fi, true
}

// cancelReadCloser releases the request timeout when the body closes.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func hrefPath(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return u.Path
	}
	return href
}

func parentOf(subpath string) string {
	idx := strings.LastIndexByte(subpath, '/')
	if idx < 0 {
		return ""
	}
	return subpath[:idx]
}

func joinSub(parent, name string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func mimeFor(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
