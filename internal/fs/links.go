package fs

import (
	"context"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/mount"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/sign"
	"github.com/filegate/filegate/pkg/stream"
)

// FileLink returns the best download URL for a file: a native or
// custom-host presigned URL when the driver can mint one, otherwise a
// signed proxy URL through the gateway.
func (f *FileSystem) FileLink(ctx context.Context, principal model.Principal, path string, ttl time.Duration, forceDownload bool) (link *driver.PresignedDownload, err error) {
	start := time.Now()
	defer func() { f.observe("file_link", start, err) }()

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapReader)
	if err != nil {
		return nil, err
	}

	if linker, ok := d.(driver.DirectLinker); ok && d.Capabilities().Has(driver.CapDirectLink) {
		direct, err := linker.PresignDownload(ctx, res.Subpath, driver.PresignDownloadOptions{
			TTL:           ttl,
			ForceDownload: forceDownload,
		})
		if err != nil {
			return nil, err
		}
		if direct.Type != driver.LinkProxy && direct.URL != "" {
			return direct, nil
		}
	}

	if !d.Capabilities().Has(driver.CapProxy) {
		return nil, fgerr.New(fgerr.KindValidation, "storage offers no download link").WithPath(path)
	}
	proxyURL := f.ProxyURL(res.Mount, path, ttl, forceDownload)
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	return &driver.PresignedDownload{URL: proxyURL, Type: driver.LinkProxy, ExpiresAt: expires}, nil
}

// PresignUpload mints a direct upload URL on drivers that support it.
func (f *FileSystem) PresignUpload(ctx context.Context, principal model.Principal, path string, opts driver.PresignUploadOptions) (result *driver.PresignedUpload, err error) {
	start := time.Now()
	defer func() { f.observe("presign_upload", start, err) }()

	res, d, err := f.resolveMounted(ctx, principal, path, driver.CapWriter|driver.CapPresigned)
	if err != nil {
		return nil, err
	}
	uploader, ok := d.(driver.PresignUploader)
	if !ok {
		return nil, fgerr.New(fgerr.KindValidation, "storage does not support presigned uploads").WithPath(path)
	}
	return uploader.PresignUpload(ctx, res.Subpath, opts)
}

// ProxyURL builds a signed gateway URL for path. A zero ttl issues a
// permanent signature invalidated only by secret rotation.
func (f *FileSystem) ProxyURL(m *model.Mount, path string, ttl time.Duration, forceDownload bool) string {
	signer := f.mountSigner(m.ID)
	sig := signer.Sign(path, time.Now(), ttl)
	raw := f.proxyBase + "/api/p" + path
	if forceDownload {
		raw += "?download=1"
	}
	return sign.AppendQuery(raw, sig)
}

// OpenProxy verifies a proxy signature and opens the content. The caller
// is unauthenticated; the signature is the authorization.
func (f *FileSystem) OpenProxy(ctx context.Context, path, sigStr string, issued, expires int64) (desc *stream.Descriptor, err error) {
	start := time.Now()
	defer func() { f.observe("proxy_open", start, err) }()

	res, err := f.resolver.Resolve(ctx, model.SystemPrincipal, path)
	if err != nil {
		return nil, err
	}
	if res.Kind != mount.KindMounted {
		return nil, fgerr.New(fgerr.KindNotFound, "no mount at this path").WithPath(path)
	}
	signer := f.mountSigner(res.Mount.ID)
	if err := signer.Verify(path, sigStr, issued, expires, time.Now()); err != nil {
		return nil, err
	}

	d, err := f.drivers.Get(ctx, res.Config)
	if err != nil {
		return nil, err
	}
	if !d.Capabilities().Has(driver.CapReader | driver.CapProxy) {
		return nil, fgerr.New(fgerr.KindValidation, "storage cannot be proxied").WithPath(path)
	}
	return d.Download(ctx, res.Subpath)
}
