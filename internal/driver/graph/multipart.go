package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/pkg/fgerr"
)

// Frontend multipart uses the single-session strategy: one upload session
// whose pre-authenticated uploadUrl doubles as the upload id. The client
// PUTs chunks straight to that URL with Content-Range headers; the session
// finishes automatically on the final chunk.

func (d *Driver) InitMultipart(ctx context.Context, subpath string, req driver.MultipartInitRequest) (*driver.MultipartInitResult, error) {
	session, err := d.createUploadSession(ctx, subpath)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if t, err := time.Parse(time.RFC3339, session.ExpirationDateTime); err == nil {
		expiresAt = t
	}

	return &driver.MultipartInitResult{
		UploadID:    session.UploadURL,
		StoragePath: d.fullPath(subpath),
		PartSize:    req.PartSize,
		PartCount:   partCountFor(req.FileSize, req.PartSize),
		UploadURL:   session.UploadURL,
		ExpiresAt:   expiresAt,
	}, nil
}

// ListParts probes the upload session and derives the completed-part count
// from the first next-expected range by floor division with the agreed
// part size. A client that uploaded misaligned chunks sees its trailing
// partial chunk as incomplete and re-uploads it on resume.
func (d *Driver) ListParts(ctx context.Context, handle driver.UploadHandle) ([]driver.PartInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.UploadID, nil)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "session probe failed", err).WithPath(handle.Subpath)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fgerr.Newf(fgerr.KindUploadSessionNotFound,
			"upload session no longer exists").WithPath(handle.Subpath)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fgerr.Newf(fgerr.KindUpstream, "session probe returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).WithPath(handle.Subpath)
	}

	var session uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fgerr.Wrap(fgerr.KindUpstream, "malformed session status", err)
	}

	bytesUploaded := handle.FileSize
	if len(session.NextExpectedRanges) > 0 {
		first := session.NextExpectedRanges[0]
		if idx := strings.IndexByte(first, '-'); idx > 0 {
			first = first[:idx]
		}
		if n, err := strconv.ParseInt(first, 10, 64); err == nil {
			bytesUploaded = n
		}
	}

	if handle.PartSize <= 0 {
		return nil, fgerr.New(fgerr.KindValidation, "part size missing from upload handle")
	}
	completed := int(bytesUploaded / handle.PartSize)
	parts := make([]driver.PartInfo, 0, completed)
	for i := 1; i <= completed; i++ {
		parts = append(parts, driver.PartInfo{PartNumber: i, Size: handle.PartSize})
	}
	return parts, nil
}

// CompleteMultipart verifies the item the session produced; Graph finishes
// the upload on the final ranged chunk, so there is nothing to assemble.
func (d *Driver) CompleteMultipart(ctx context.Context, handle driver.UploadHandle, _ []driver.CompletedPart) (*driver.UploadResult, error) {
	info, err := d.Stat(ctx, handle.Subpath)
	if err != nil {
		if fgerr.IsKind(err, fgerr.KindNotFound) {
			return nil, fgerr.Newf(fgerr.KindUploadSessionNotFound,
				"upload did not produce an item").WithPath(handle.Subpath)
		}
		return nil, err
	}
	if handle.FileSize > 0 && info.Size != handle.FileSize {
		return nil, fgerr.Newf(fgerr.KindConflict,
			"uploaded size %d does not match declared size %d", info.Size, handle.FileSize).
			WithPath(handle.Subpath)
	}
	return &driver.UploadResult{StoragePath: d.fullPath(handle.Subpath)}, nil
}

func (d *Driver) AbortMultipart(ctx context.Context, handle driver.UploadHandle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, handle.UploadID, nil)
	if err != nil {
		return fgerr.Wrap(fgerr.KindInternal, "request build failed", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fgerr.Wrap(fgerr.KindUpstream, "session cancel failed", err).WithPath(handle.Subpath)
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fgerr.Newf(fgerr.KindUpstream, "session cancel returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).WithPath(handle.Subpath)
	}
}

// RefreshPartURLs hands back the session URL for every requested part; the
// single session URL never varies per part.
func (d *Driver) RefreshPartURLs(_ context.Context, handle driver.UploadHandle, partNumbers []int) ([]driver.PartURL, error) {
	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		urls = append(urls, driver.PartURL{PartNumber: n, URL: handle.UploadID})
	}
	return urls, nil
}

func partCountFor(fileSize, partSize int64) int {
	if partSize <= 0 {
		return 1
	}
	count := fileSize / partSize
	if fileSize%partSize != 0 || count == 0 {
		count++
	}
	return int(count)
}
