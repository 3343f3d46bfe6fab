package stream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

type trackedCloser struct {
	io.Reader
	closes int
}

func (c *trackedCloser) Close() error {
	c.closes++
	return nil
}

func newTestDescriptor(content string, openRange RangeOpener) (*Descriptor, *trackedCloser) {
	tracked := &trackedCloser{}
	openFull := func(context.Context) (io.ReadCloser, error) {
		tracked.Reader = strings.NewReader(content)
		return tracked, nil
	}
	return New(int64(len(content)), "text/plain", "etag1", time.Now(), openFull, openRange), tracked
}

func TestOpenFull(t *testing.T) {
	desc, _ := newTestDescriptor("hello world", nil)

	rc, err := desc.OpenFull(context.Background())
	if err != nil {
		t.Fatalf("OpenFull failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Errorf("got %q", data)
	}
}

func TestOpenRange_NoNativeSupport_Slices(t *testing.T) {
	desc, _ := newTestDescriptor("hello world", nil)

	rc, honored, err := desc.OpenRange(context.Background(), 6, 10)
	if err != nil {
		t.Fatalf("OpenRange failed: %v", err)
	}
	if honored {
		t.Error("expected honored=false without native range support")
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "world" {
		t.Errorf("got %q, want world", data)
	}
}

func TestOpenRange_DishonoredRange_Slices(t *testing.T) {
	// A backend that answers the range request with the full body, the
	// way some WebDAV servers do.
	openRange := func(_ context.Context, _, _ int64) (io.ReadCloser, bool, error) {
		return io.NopCloser(strings.NewReader("hello world")), false, nil
	}
	desc, _ := newTestDescriptor("hello world", openRange)

	rc, honored, err := desc.OpenRange(context.Background(), 6, 10)
	if err != nil {
		t.Fatalf("OpenRange failed: %v", err)
	}
	if honored {
		t.Error("expected honored=false")
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "world" {
		t.Errorf("got %q, want world", data)
	}
}

func TestOpenRange_SingleByte(t *testing.T) {
	desc, _ := newTestDescriptor("hello world", nil)

	rc, _, err := desc.OpenRange(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("OpenRange failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if len(data) != 1 || data[0] != 'h' {
		t.Errorf("got %q, want exactly one byte 'h'", data)
	}
}

func TestOpenRange_OpenEnded(t *testing.T) {
	desc, _ := newTestDescriptor("hello world", nil)

	rc, _, err := desc.OpenRange(context.Background(), 6, -1)
	if err != nil {
		t.Fatalf("OpenRange failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "world" {
		t.Errorf("got %q, want world", data)
	}
}

func TestOpenRange_Invalid(t *testing.T) {
	desc, _ := newTestDescriptor("hello", nil)

	if _, _, err := desc.OpenRange(context.Background(), -1, 2); err == nil {
		t.Error("expected error for negative start")
	}
	if _, _, err := desc.OpenRange(context.Background(), 3, 2); err == nil {
		t.Error("expected error for end < start")
	}
}

func TestClose_Idempotent(t *testing.T) {
	desc, tracked := newTestDescriptor("data", nil)

	rc, err := desc.OpenFull(context.Background())
	if err != nil {
		t.Fatalf("OpenFull failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := rc.Close(); err != nil {
			t.Fatalf("close %d failed: %v", i, err)
		}
	}
	if tracked.closes != 1 {
		t.Errorf("underlying stream closed %d times, want 1", tracked.closes)
	}
}

func TestSlice_ClosePropagates(t *testing.T) {
	tracked := &trackedCloser{Reader: strings.NewReader("abcdef")}
	sliced := Slice(tracked, 2, 4)
	data, _ := io.ReadAll(sliced)
	if string(data) != "cde" {
		t.Errorf("got %q, want cde", data)
	}
	sliced.Close()
	if tracked.closes != 1 {
		t.Errorf("close not propagated")
	}
}
