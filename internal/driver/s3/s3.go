// Package s3 implements the storage driver for S3-compatible object
// stores. Directories are flattened to zero-byte marker objects with a
// trailing slash so listings can report folders; copy and rename use
// server-side copy.
package s3

import (
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
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/stream"
)

// DriverType is the registry name.
const DriverType = "s3"

const (
	// singlePutThreshold is the largest body uploaded with one PutObject;
	// bigger or unsized bodies go through the managed multipart uploader.
	singlePutThreshold = 16 * 1024 * 1024

	uploaderPartSize    = 16 * 1024 * 1024
	uploaderConcurrency = 4

	defaultPresignTTL = 15 * time.Minute
	batchDeleteChunk  = 1000
)

type secrets struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// Driver talks to one bucket of an S3-compatible store.
type Driver struct {
	client     *awss3.Client
	presign    *awss3.PresignClient
	uploader   *manager.Uploader
	bucket     string
	rootPrefix string
	customHost string
	logger     *slog.Logger
}

// Factory builds the driver. Recognized config keys: bucket (required),
// region, endpoint, root_prefix, custom_host, force_path_style ("true").
// Credentials come from the encrypted secrets blob.
func Factory(ctx context.Context, cfg *model.StorageConfig, env driver.Env) (driver.Driver, error) {
	bucket := cfg.Config["bucket"]
	if bucket == "" {
		return nil, fgerr.New(fgerr.KindValidation, "s3 driver requires a bucket")
	}

	var creds secrets
	if cfg.SecretsCiphertext != "" {
		plain, err := env.Secrets.Open(cfg.SecretsCiphertext)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(plain), &creds); err != nil {
			return nil, fgerr.Wrap(fgerr.KindValidation, "malformed s3 credentials", err)
		}
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Config["region"]),
	}
	if creds.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fgerr.Wrap(fgerr.KindDriverUnsupportedEnv, "failed to load AWS config", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint := cfg.Config["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.Config["force_path_style"] == "true" {
			o.UsePathStyle = true
		}
	})

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rootPrefix := strings.Trim(cfg.Config["root_prefix"], "/")
	if rootPrefix != "" {
		rootPrefix += "/"
	}

	return &Driver{
		client:  client,
		presign: awss3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploaderPartSize
			u.Concurrency = uploaderConcurrency
		}),
		bucket:     bucket,
		rootPrefix: rootPrefix,
		customHost: cfg.Config["custom_host"],
		logger:     logger.With("component", "driver:s3", "bucket", bucket),
	}, nil
}

func (d *Driver) Type() string { return DriverType }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic |
		driver.CapPresigned | driver.CapDirectLink | driver.CapMultipart | driver.CapProxy
}

// key joins root prefix and subpath into an object key.
func (d *Driver) key(subpath string) string {
	return d.rootPrefix + strings.TrimPrefix(subpath, "/")
}

// dirKey is the zero-byte marker key for a directory.
func (d *Driver) dirKey(subpath string) string {
	k := d.key(subpath)
	if k == "" {
		return ""
	}
	return strings.TrimSuffix(k, "/") + "/"
}

func (d *Driver) ListDirectory(ctx context.Context, subpath string) (*driver.ListResult, error) {
	prefix := d.dirKey(subpath)

	result := &driver.ListResult{Items: []driver.FileInfo{}, IsRoot: subpath == ""}
	var continuation *string
	for {
		out, err := d.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, d.translate(err, subpath)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			result.Items = append(result.Items, driver.FileInfo{
				Name:        name,
				Path:        joinSub(subpath, name),
				IsDirectory: true,
			})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue // the directory marker itself
			}
			result.Items = append(result.Items, driver.FileInfo{
				Name:     name,
				Path:     joinSub(subpath, name),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
				ETag:     strings.Trim(aws.ToString(obj.ETag), `"`),
				MIME:     mimeFor(name),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return result, nil
}

func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	head, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subpath)),
	})
	if err == nil {
		return &driver.FileInfo{
			Name:     path.Base(subpath),
			Path:     subpath,
			Size:     aws.ToInt64(head.ContentLength),
			Modified: aws.ToTime(head.LastModified),
			ETag:     strings.Trim(aws.ToString(head.ETag), `"`),
			MIME:     aws.ToString(head.ContentType),
		}, nil
	}
	if !isNotFound(err) {
		return nil, d.translate(err, subpath)
	}

	// No object at the key; the path may still be a directory.
	out, listErr := d.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(d.dirKey(subpath)),
		MaxKeys: aws.Int32(1),
	})
	if listErr != nil {
		return nil, d.translate(listErr, subpath)
	}
	if aws.ToInt32(out.KeyCount) > 0 {
		return &driver.FileInfo{Name: path.Base(subpath), Path: subpath, IsDirectory: true}, nil
	}
	return nil, fgerr.Newf(fgerr.KindNotFound, "no such object").WithPath(subpath)
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
	info, err := d.Stat(ctx, subpath)
	if err != nil {
		return nil, err
	}
	if info.IsDirectory {
		return nil, fgerr.Newf(fgerr.KindValidation, "cannot download a directory").WithPath(subpath)
	}
	key := d.key(subpath)

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, d.translate(err, subpath)
		}
		return out.Body, nil
	}
	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		rangeHeader := fmt.Sprintf("bytes=%d-", start)
		if end >= 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
		}
		out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			return nil, false, d.translate(err, subpath)
		}
		return out.Body, true, nil
	}

	return stream.New(info.Size, info.MIME, info.ETag, info.Modified, openFull, openRange), nil
}

func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.UploadResult, error) {
	key := d.key(subpath)
	contentType := mimeFor(subpath)

	if body.Size >= 0 && body.Size <= singlePutThreshold {
		_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          body.Reader,
			ContentLength: aws.Int64(body.Size),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return nil, d.translate(err, subpath)
		}
		return &driver.UploadResult{StoragePath: key}, nil
	}

	// Large or unsized bodies stream through the managed multipart
	// uploader.
	_, err := d.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        body.Reader,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, d.translate(err, subpath)
	}
	return &driver.UploadResult{StoragePath: key}, nil
}

func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)
	return err
}

func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (bool, error) {
	key := d.dirKey(subpath)
	if _, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return true, nil
	}
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return false, d.translate(err, subpath)
	}
	return false, nil
}

func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	if err := d.serverSideCopy(ctx, oldSubpath, newSubpath); err != nil {
		return nil, err
	}
	if _, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(oldSubpath)),
	}); err != nil {
		return nil, d.translate(err, oldSubpath)
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
	if err := d.serverSideCopy(ctx, srcSubpath, dstSubpath); err != nil {
		if fgerr.IsKind(err, fgerr.KindNotFound) {
			return nil, err
		}
		return &driver.CopyResult{Status: driver.CopyFailed, Source: srcSubpath, Target: dstSubpath,
			Reason: "server-side copy failed"}, err
	}
	return &driver.CopyResult{Status: driver.CopySucceeded, Source: srcSubpath, Target: dstSubpath}, nil
}

func (d *Driver) serverSideCopy(ctx context.Context, srcSubpath, dstSubpath string) error {
	source := url.PathEscape(d.bucket + "/" + d.key(srcSubpath))
	_, err := d.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(dstSubpath)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return d.translate(err, srcSubpath)
	}
	return nil
}

func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	result := &driver.BatchDeleteResult{}
	for start := 0; start < len(subpaths); start += batchDeleteChunk {
		chunk := subpaths[start:min(start+batchDeleteChunk, len(subpaths))]

		ids := make([]s3types.ObjectIdentifier, len(chunk))
		keyToPath := make(map[string]string, len(chunk))
		for i, sp := range chunk {
			key := d.key(sp)
			ids[i] = s3types.ObjectIdentifier{Key: aws.String(key)}
			keyToPath[key] = sp
		}

		out, err := d.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(false)},
		})
		if err != nil {
			return nil, d.translate(err, "")
		}
		result.Successes += len(out.Deleted)
		for _, failed := range out.Errors {
			key := aws.ToString(failed.Key)
			result.Failures = append(result.Failures, driver.BatchDeleteFailure{
				Path:  keyToPath[key],
				Error: aws.ToString(failed.Message),
			})
		}
	}
	return result, nil
}

func (d *Driver) PresignUpload(ctx context.Context, subpath string, opts driver.PresignUploadOptions) (*driver.PresignedUpload, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	key := d.key(subpath)
	req, err := d.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(orOctetStream(opts.MIMEType)),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return nil, d.translate(err, subpath)
	}
	return &driver.PresignedUpload{
		URL:         d.rewriteHost(req.URL),
		Headers:     flattenHeader(req.SignedHeader),
		Method:      req.Method,
		StoragePath: key,
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

func (d *Driver) PresignDownload(ctx context.Context, subpath string, opts driver.PresignDownloadOptions) (*driver.PresignedDownload, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	input := &awss3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subpath)),
	}
	if opts.ForceDownload {
		name := opts.FileName
		if name == "" {
			name = path.Base(subpath)
		}
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", name))
	}
	req, err := d.presign.PresignGetObject(ctx, input, awss3.WithPresignExpires(ttl))
	if err != nil {
		return nil, d.translate(err, subpath)
	}

	linkType := driver.LinkNativeDirect
	signedURL := req.URL
	if d.customHost != "" {
		signedURL = d.rewriteHost(signedURL)
		linkType = driver.LinkCustomHost
	}
	expires := time.Now().Add(ttl)
	return &driver.PresignedDownload{URL: signedURL, Type: linkType, ExpiresAt: &expires}, nil
}

func (d *Driver) InitMultipart(ctx context.Context, subpath string, req driver.MultipartInitRequest) (*driver.MultipartInitResult, error) {
	key := d.key(subpath)
	create, err := d.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(orOctetStream(req.MIMEType)),
	})
	if err != nil {
		return nil, d.translate(err, subpath)
	}

	uploadID := aws.ToString(create.UploadId)
	partCount := partCountFor(req.FileSize, req.PartSize)

	urls, err := d.presignParts(ctx, key, uploadID, seq(1, partCount))
	if err != nil {
		// Keep the provider clean when we cannot hand out URLs.
		_, _ = d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
			Bucket: aws.String(d.bucket), Key: aws.String(key), UploadId: create.UploadId,
		})
		return nil, err
	}

	return &driver.MultipartInitResult{
		UploadID:    uploadID,
		StoragePath: key,
		PartSize:    req.PartSize,
		PartCount:   partCount,
		PartURLs:    urls,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

func (d *Driver) CompleteMultipart(ctx context.Context, handle driver.UploadHandle, parts []driver.CompletedPart) (*driver.UploadResult, error) {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	key := d.key(handle.Subpath)
	_, err := d.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(handle.UploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, d.translate(err, handle.Subpath)
	}
	return &driver.UploadResult{StoragePath: key}, nil
}

func (d *Driver) AbortMultipart(ctx context.Context, handle driver.UploadHandle) error {
	_, err := d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(handle.Subpath)),
		UploadId: aws.String(handle.UploadID),
	})
	if err != nil && !isNotFound(err) {
		return d.translate(err, handle.Subpath)
	}
	return nil
}

func (d *Driver) ListParts(ctx context.Context, handle driver.UploadHandle) ([]driver.PartInfo, error) {
	var out []driver.PartInfo
	var marker *string
	for {
		resp, err := d.client.ListParts(ctx, &awss3.ListPartsInput{
			Bucket:           aws.String(d.bucket),
			Key:              aws.String(d.key(handle.Subpath)),
			UploadId:         aws.String(handle.UploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if isNotFound(err) {
				return nil, fgerr.Newf(fgerr.KindUploadSessionNotFound,
					"multipart upload no longer exists").WithPath(handle.Subpath)
			}
			return nil, d.translate(err, handle.Subpath)
		}
		for _, p := range resp.Parts {
			out = append(out, driver.PartInfo{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				Size:       aws.ToInt64(p.Size),
				ETag:       strings.Trim(aws.ToString(p.ETag), `"`),
			})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		marker = resp.NextPartNumberMarker
	}
	return out, nil
}

func (d *Driver) RefreshPartURLs(ctx context.Context, handle driver.UploadHandle, partNumbers []int) ([]driver.PartURL, error) {
	return d.presignParts(ctx, d.key(handle.Subpath), handle.UploadID, partNumbers)
}

func (d *Driver) presignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		req, err := d.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(n)),
		}, awss3.WithPresignExpires(24*time.Hour))
		if err != nil {
			return nil, d.translate(err, key)
		}
		urls = append(urls, driver.PartURL{PartNumber: n, URL: d.rewriteHost(req.URL)})
	}
	return urls, nil
}

// rewriteHost replaces the canonical endpoint host with the configured
// custom host, preserving path and query.
func (d *Driver) rewriteHost(raw string) string {
	if d.customHost == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	custom, err := url.Parse(d.customHost)
	if err != nil {
		return raw
	}
	u.Scheme = custom.Scheme
	u.Host = custom.Host
	return u.String()
}

func (d *Driver) translate(err error, subpath string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fgerr.Wrap(fgerr.KindCancelled, "operation cancelled", err).WithPath(subpath)
	}
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fgerr.Newf(fgerr.KindNotFound, "no such object").WithPath(subpath)
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fgerr.Newf(fgerr.KindDriverUnsupportedEnv, "bucket %s does not exist", d.bucket)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fgerr.Wrap(fgerr.KindUpstream, "object store request failed", err).
			WithDetail("code", apiErr.ErrorCode()).WithPath(subpath).WithComponent("driver:s3")
	}
	return fgerr.Wrap(fgerr.KindUpstream, "object store unreachable", err).
		WithPath(subpath).WithComponent("driver:s3")
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noSuchUpload *s3types.NoSuchUpload
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchUpload) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchUpload"
	}
	return false
}

func joinSub(parent, name string) string {
	if parent == "" {
		return name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

func mimeFor(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func orOctetStream(mt string) string {
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
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

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
