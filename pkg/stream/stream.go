// Package stream defines the uniform download handle drivers return and the
// range helpers the orchestrator uses when a backend cannot honor Range
// requests itself.
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/filegate/filegate/pkg/fgerr"
)

// SizeUnknown marks a descriptor whose total size could not be determined.
const SizeUnknown int64 = -1

// FullOpener opens the complete content stream.
type FullOpener func(ctx context.Context) (io.ReadCloser, error)

// RangeOpener opens a byte range [start, end]; end < 0 means to the end of
// the content. The honored flag reports whether the backend actually served
// the requested range; some WebDAV servers answer 200 with the full body.
type RangeOpener func(ctx context.Context, start, end int64) (rc io.ReadCloser, honored bool, err error)

// Descriptor is an immutable per-download handle. It reports metadata
// without buffering content; streams are opened lazily.
type Descriptor struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time

	openFull  FullOpener
	openRange RangeOpener
}

// New creates a descriptor. openRange may be nil when the backend has no
// native range support.
func New(size int64, contentType, etag string, lastModified time.Time, openFull FullOpener, openRange RangeOpener) *Descriptor {
	return &Descriptor{
		Size:         size,
		ContentType:  contentType,
		ETag:         etag,
		LastModified: lastModified,
		openFull:     openFull,
		openRange:    openRange,
	}
}

// RangeSupported reports whether the descriptor can attempt native ranges.
func (d *Descriptor) RangeSupported() bool { return d.openRange != nil }

// OpenFull opens the complete stream. The returned closer is idempotent.
func (d *Descriptor) OpenFull(ctx context.Context) (io.ReadCloser, error) {
	rc, err := d.openFull(ctx)
	if err != nil {
		return nil, err
	}
	return newIdempotentCloser(rc), nil
}

// OpenRange opens [start, end] (end inclusive, end < 0 meaning EOF). When
// the backend ignores the range, the full stream is wrapped with a byte
// slicer so the caller always receives exactly the requested bytes; the
// honored result then reports false so status handling can still
// distinguish the two cases upstream.
func (d *Descriptor) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, false, fgerr.Newf(fgerr.KindValidation, "invalid range %d-%d", start, end)
	}

	if d.openRange != nil {
		rc, honored, err := d.openRange(ctx, start, end)
		if err != nil {
			return nil, false, err
		}
		if honored {
			return newIdempotentCloser(rc), true, nil
		}
		// Backend answered with the full body.
		return newIdempotentCloser(Slice(rc, start, end)), false, nil
	}

	rc, err := d.openFull(ctx)
	if err != nil {
		return nil, false, err
	}
	return newIdempotentCloser(Slice(rc, start, end)), false, nil
}

// Slice adapts a full-content stream to the byte range [start, end]
// (end inclusive, end < 0 meaning EOF) by discarding the prefix and
// bounding the remainder. Closing the slice closes the underlying stream.
func Slice(rc io.ReadCloser, start, end int64) io.ReadCloser {
	var r io.Reader = rc
	if start > 0 {
		r = &skipReader{r: r, skip: start}
	}
	if end >= 0 {
		r = io.LimitReader(r, end-start+1)
	}
	return &sliceReadCloser{r: r, c: rc}
}

type sliceReadCloser struct {
	r io.Reader
	c io.Closer
}

func (s *sliceReadCloser) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *sliceReadCloser) Close() error               { return s.c.Close() }

// skipReader discards the first skip bytes before passing reads through.
type skipReader struct {
	r    io.Reader
	skip int64
}

func (s *skipReader) Read(p []byte) (int, error) {
	for s.skip > 0 {
		n := s.skip
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		read, err := s.r.Read(p[:n])
		s.skip -= int64(read)
		if err != nil {
			return 0, err
		}
	}
	return s.r.Read(p)
}

// idempotentCloser makes Close safe to call multiple times, always
// forwarding exactly one Close to the underlying stream.
type idempotentCloser struct {
	io.Reader
	closer   io.Closer
	once     sync.Once
	closeErr error
}

func newIdempotentCloser(rc io.ReadCloser) io.ReadCloser {
	return &idempotentCloser{Reader: rc, closer: rc}
}

func (c *idempotentCloser) Close() error {
	c.once.Do(func() { c.closeErr = c.closer.Close() })
	return c.closeErr
}
