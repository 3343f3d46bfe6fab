package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	"github.com/filegate/filegate/pkg/stream"
)

// DriverType is the registry name.
const DriverType = "onedrive"

const (
	graphBase = "https://graph.microsoft.com/v1.0"

	// simpleUploadMaxSize is the largest body sent with a single
	// PUT .../content request; larger bodies go through an upload session.
	simpleUploadMaxSize = 4 * 1024 * 1024

	maxAttempts = 3

	directLinkTTL = time.Hour
)

// Driver talks to one Microsoft Graph drive.
type Driver struct {
	tokens *tokenManager
	client *http.Client
	base   string // API base, overridable for sovereign clouds
	root   string // path prefix inside the drive, no leading/trailing slash
	logger *slog.Logger
}

type graphSecrets struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Factory builds the driver. Recognized config keys: endpoint, root_path,
// token_endpoint, online_api. Client credentials and the refresh token
// come from the encrypted secrets blob.
func Factory(_ context.Context, cfg *model.StorageConfig, env driver.Env) (driver.Driver, error) {
	if cfg.SecretsCiphertext == "" {
		return nil, fgerr.New(fgerr.KindValidation, "onedrive driver requires credentials")
	}
	plain, err := env.Secrets.Open(cfg.SecretsCiphertext)
	if err != nil {
		return nil, err
	}
	var creds graphSecrets
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, fgerr.Wrap(fgerr.KindValidation, "malformed onedrive credentials", err)
	}
	if creds.RefreshToken == "" {
		return nil, fgerr.New(fgerr.KindValidation, "onedrive driver requires a refresh token")
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "driver:onedrive")

	base := strings.TrimSuffix(cfg.Config["endpoint"], "/")
	if base == "" {
		base = graphBase
	}

	client := &http.Client{}
	return &Driver{
		base: base,
		tokens: &tokenManager{
			clientID:      creds.ClientID,
			clientSecret:  creds.ClientSecret,
			refreshToken:  creds.RefreshToken,
			tokenEndpoint: cfg.Config["token_endpoint"],
			onlineAPI:     cfg.Config["online_api"],
			client:        client,
			logger:        logger,
		},
		client: client,
		root:   strings.Trim(cfg.Config["root_path"], "/"),
		logger: logger,
	}, nil
}

func (d *Driver) Type() string { return DriverType }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic |
		driver.CapDirectLink | driver.CapMultipart | driver.CapProxy | driver.CapSearch
}

// driveItem is the subset of the Graph drive item FileGate consumes.
type driveItem struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Size         int64      `json:"size,omitempty"`
	LastModified *time.Time `json:"lastModifiedDateTime,omitempty"`
	ETag         string     `json:"eTag,omitempty"`
	Folder       *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl,omitempty"`
}

type childrenResponse struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// itemURL composes /me/drive/root:/<encoded-path>:/<op>, degrading to the
// root form when the path is empty.
func (d *Driver) itemURL(subpath, op string) string {
	full := d.fullPath(subpath)
	if full == "" {
		if op == "" {
			return d.base + "/me/drive/root"
		}
		return d.base + "/me/drive/root/" + op
	}
	encoded := encodePath(full)
	if op == "" {
		return d.base + "/me/drive/root:/" + encoded
	}
	return d.base + "/me/drive/root:/" + encoded + ":/" + op
}

func (d *Driver) fullPath(subpath string) string {
	subpath = strings.Trim(subpath, "/")
	switch {
	case d.root == "":
		return subpath
	case subpath == "":
		return d.root
	default:
		return d.root + "/" + subpath
	}
}

func encodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// do sends an authenticated request with the Graph retry policy: on 429
// sleep for Retry-After, on transient 5xx back off exponentially, three
// attempts in total. Bodies are rebuilt per attempt by the builder.
func (d *Driver) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", err)
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		token, err := d.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := d.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", err)
			}
			lastErr = fgerr.Wrap(fgerr.KindUpstream, "graph request failed", err).WithRetryable(true)
		} else {
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				wait := retryAfter(resp, backoff)
				drainClose(resp)
				lastErr = fgerr.New(fgerr.KindUpstream, "graph rate limited").WithDetail("status", 429)
				if !sleepCtx(ctx, wait) {
					return nil, fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", ctx.Err())
				}
				continue
			case resp.StatusCode >= 500:
				drainClose(resp)
				lastErr = fgerr.Newf(fgerr.KindUpstream, "graph returned %d", resp.StatusCode).
					WithDetail("status", resp.StatusCode).WithRetryable(true)
			default:
				return resp, nil
			}
		}

		if attempt < maxAttempts {
			if !sleepCtx(ctx, backoff) {
				return nil, fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (d *Driver) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return d.apiError(resp, "")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fgerr.Wrap(fgerr.KindUpstream, "malformed graph response", err)
	}
	return nil
}

func (d *Driver) apiError(resp *http.Response, subpath string) error {
	defer drainClose(resp)
	var ge graphError
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &ge)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fgerr.Newf(fgerr.KindNotFound, "no such item").WithPath(subpath)
	case http.StatusConflict:
		return fgerr.Newf(fgerr.KindConflict, "item conflict: %s", ge.Error.Code).WithPath(subpath)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fgerr.Newf(fgerr.KindForbidden, "graph access denied").WithPath(subpath)
	default:
		return fgerr.Newf(fgerr.KindUpstream, "unexpected graph status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).WithDetail("code", ge.Error.Code).
			WithPath(subpath).WithComponent("driver:onedrive")
	}
}

func (d *Driver) ListDirectory(ctx context.Context, subpath string) (*driver.ListResult, error) {
	next := d.itemURL(subpath, "children")
	items := []driver.FileInfo{}
	for next != "" {
		var page childrenResponse
		if err := d.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Value {
			items = append(items, toFileInfo(subpath, it))
		}
		next = page.NextLink
	}
	return &driver.ListResult{Items: items, IsRoot: strings.Trim(subpath, "/") == ""}, nil
}

func (d *Driver) statItem(ctx context.Context, subpath string) (*driveItem, error) {
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, d.itemURL(subpath, ""), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, d.apiError(resp, subpath)
	}
	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "malformed graph response", err)
	}
	return &item, nil
}

func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	item, err := d.statItem(ctx, subpath)
	if err != nil {
		return nil, err
	}
	fi := toFileInfo(parentOf(subpath), *item)
	fi.Path = strings.Trim(subpath, "/")
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
	item, err := d.statItem(ctx, subpath)
	if err != nil {
		return nil, err
	}
	if item.Folder != nil {
		return nil, fgerr.Newf(fgerr.KindValidation, "cannot download a folder").WithPath(subpath)
	}
	downloadURL := item.DownloadURL

	// The pre-authenticated download URL honors Range natively.
	open := func(ctx context.Context, rangeHeader string) (io.ReadCloser, int, error) {
		u := downloadURL
		if u == "" {
			refreshed, err := d.statItem(ctx, subpath)
			if err != nil {
				return nil, 0, err
			}
			u = refreshed.DownloadURL
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, 0, fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, 0, fgerr.Wrap(fgerr.KindUpstream, "graph download failed", err).WithPath(subpath)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			status := resp.StatusCode
			drainClose(resp)
			return nil, 0, fgerr.Newf(fgerr.KindUpstream, "graph download returned %d", status).
				WithDetail("status", status).WithPath(subpath)
		}
		return resp.Body, resp.StatusCode, nil
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		rc, _, err := open(ctx, "")
		return rc, err
	}
	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		rangeHeader := fmt.Sprintf("bytes=%d-", start)
		if end >= 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
		}
		rc, status, err := open(ctx, rangeHeader)
		if err != nil {
			return nil, false, err
		}
		return rc, status == http.StatusPartialContent, nil
	}

	modified := time.Time{}
	if item.LastModified != nil {
		modified = *item.LastModified
	}
	contentType := ""
	if item.File != nil {
		contentType = item.File.MimeType
	}
	if contentType == "" {
		contentType = mimeFor(subpath)
	}
	return stream.New(item.Size, contentType, strings.Trim(item.ETag, `"`), modified, openFull, openRange), nil
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

func (d *Driver) createUploadSession(ctx context.Context, subpath string) (*uploadSessionResponse, error) {
	payload := map[string]interface{}{
		"item": map[string]interface{}{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.itemURL(subpath, "createUploadSession"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, d.apiError(resp, subpath)
	}
	var session uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "malformed upload session response", err)
	}
	if session.UploadURL == "" {
		return nil, fgerr.New(fgerr.KindUpstream, "upload session missing uploadUrl")
	}
	return &session, nil
}

func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	if body.Size >= 0 && body.Size <= simpleUploadMaxSize {
		return d.simpleUpload(ctx, subpath, body)
	}
	return d.sessionUpload(ctx, subpath, body)
}

func (d *Driver) simpleUpload(ctx context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	data, err := io.ReadAll(body.Reader)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "read upload body failed", err)
	}
	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			d.itemURL(subpath, "content"), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, d.apiError(resp, subpath)
	}
	return &driver.UploadResult{StoragePath: d.fullPath(subpath)}, nil
}

// sessionUpload streams a large body through an upload session with a
// single ranged PUT covering the whole file.
func (d *Driver) sessionUpload(ctx context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	if body.Size < 0 {
		// Graph needs the total length in Content-Range; buffer unsized
		// bodies.
		data, err := io.ReadAll(body.Reader)
		if err != nil {
			return nil, fgerr.Wrap(fgerr.KindInternal, "read upload body failed", err)
		}
		body = driver.NewBytesBody(data)
	}

	session, err := d.createUploadSession(ctx, subpath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, body.Reader)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
	}
	req.ContentLength = body.Size
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", body.Size-1, body.Size))

	// The session URL is pre-authenticated; no Authorization header.
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "session upload failed", err).WithPath(subpath)
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return &driver.UploadResult{StoragePath: d.fullPath(subpath)}, nil
	default:
		return nil, d.apiError(resp, subpath)
	}
}

func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)
	return err
}

func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (bool, error) {
	parent := parentOf(subpath)
	name := path.Base(strings.Trim(subpath, "/"))
	payload := map[string]interface{}{
		"name":                              name,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "fail",
	}
	body, _ := json.Marshal(payload)

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.itemURL(parent, "children"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return false, err
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return false, nil
	case http.StatusConflict:
		return true, nil
	default:
		return false, d.apiError(resp, subpath)
	}
}

func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	newParent := parentOf(newSubpath)
	payload := map[string]interface{}{
		"name": path.Base(strings.Trim(newSubpath, "/")),
		"parentReference": map[string]string{
			"path": "/drive/root:/" + encodePath(d.fullPath(newParent)),
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			d.itemURL(oldSubpath, ""), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, d.apiError(resp, oldSubpath)
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

	dstParent := parentOf(dstSubpath)
	payload := map[string]interface{}{
		"name": path.Base(strings.Trim(dstSubpath, "/")),
		"parentReference": map[string]string{
			"path": "/drive/root:/" + encodePath(d.fullPath(dstParent)),
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.itemURL(srcSubpath, "copy"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	monitor := resp.Header.Get("Location")
	drainClose(resp)
	if resp.StatusCode != http.StatusAccepted {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fgerr.Newf(fgerr.KindNotFound, "no such item").WithPath(srcSubpath)
		}
		return &driver.CopyResult{Status: driver.CopyFailed, Source: srcSubpath, Target: dstSubpath,
			Reason: fmt.Sprintf("copy rejected with status %d", resp.StatusCode)}, nil
	}

	// Graph copy is asynchronous; poll the monitor until it settles.
	if monitor != "" {
		if err := d.awaitCopy(ctx, monitor); err != nil {
			return &driver.CopyResult{Status: driver.CopyFailed, Source: srcSubpath, Target: dstSubpath,
				Reason: "async copy failed"}, err
		}
	}
	return &driver.CopyResult{Status: driver.CopySucceeded, Source: srcSubpath, Target: dstSubpath}, nil
}

func (d *Driver) awaitCopy(ctx context.Context, monitor string) error {
	type monitorStatus struct {
		Status string `json:"status"`
	}
	for {
		if !sleepCtx(ctx, time.Second) {
			return fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", ctx.Err())
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, monitor, nil)
		if err != nil {
			return fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return fgerr.Wrap(fgerr.KindUpstream, "copy monitor failed", err)
		}
		if resp.StatusCode == http.StatusSeeOther || resp.StatusCode == http.StatusOK && resp.Request.URL.String() != monitor {
			drainClose(resp)
			return nil
		}
		var ms monitorStatus
		err = json.NewDecoder(resp.Body).Decode(&ms)
		drainClose(resp)
		if err != nil {
			return nil // monitor redirected to the finished item
		}
		switch ms.Status {
		case "completed":
			return nil
		case "failed":
			return fgerr.New(fgerr.KindUpstream, "graph copy failed")
		}
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
		return http.NewRequestWithContext(ctx, http.MethodDelete, d.itemURL(subpath, ""), nil)
	})
	if err != nil {
		return err
	}
	defer drainClose(resp)
	// DELETE accepts 204 as success.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return d.apiError(resp, subpath)
}

func (d *Driver) Search(ctx context.Context, subpath, keyword string) ([]driver.FileInfo, error) {
	rawURL := d.itemURL(subpath, fmt.Sprintf("search(q='%s')", url.PathEscape(keyword)))
	var out []driver.FileInfo
	next := rawURL
	for next != "" {
		var page childrenResponse
		if err := d.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Value {
			out = append(out, toFileInfo(subpath, it))
		}
		next = page.NextLink
	}
	return out, nil
}

func (d *Driver) PresignDownload(ctx context.Context, subpath string, _ driver.PresignDownloadOptions) (*driver.PresignedDownload, error) {
	item, err := d.statItem(ctx, subpath)
	if err != nil {
		return nil, err
	}
	if item.DownloadURL == "" {
		// No pre-authenticated URL for this item; callers fall back to
		// the proxy path.
		return &driver.PresignedDownload{Type: driver.LinkProxy}, nil
	}
	expires := time.Now().Add(directLinkTTL)
	return &driver.PresignedDownload{URL: item.DownloadURL, Type: driver.LinkNativeDirect, ExpiresAt: &expires}, nil
}

func toFileInfo(parent string, it driveItem) driver.FileInfo {
	fi := driver.FileInfo{
		Name:        it.Name,
		Path:        joinSub(parent, it.Name),
		Size:        it.Size,
		IsDirectory: it.Folder != nil,
		ETag:        strings.Trim(it.ETag, `"`),
	}
	if it.LastModified != nil {
		fi.Modified = *it.LastModified
	}
	if it.File != nil {
		fi.MIME = it.File.MimeType
	}
	if fi.IsDirectory {
		fi.Size = 0
	}
	return fi
}

func parentOf(subpath string) string {
	subpath = strings.Trim(subpath, "/")
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

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
