package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/secret"
	"github.com/filegate/filegate/pkg/fgerr"
)

// fakeGraph fakes the small Graph API slice the driver touches.
type fakeGraph struct {
	mux          *http.ServeMux
	tokenCalls   atomic.Int64
	rateLimited  atomic.Int64 // remaining 429s to serve before succeeding
	sessionBytes int64
	sessionGone  bool
	fileSize     int64
}

func newFakeGraph() *fakeGraph {
	f := &fakeGraph{mux: http.NewServeMux()}

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1", "expires_in": 3600,
		})
	})

	f.mux.HandleFunc("/v1.0/me/drive/root:/docs/a.txt", func(w http.ResponseWriter, r *http.Request) {
		if f.rateLimited.Load() > 0 {
			f.rateLimited.Add(-1)
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mod := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "item1", "name": "a.txt", "size": 11,
			"lastModifiedDateTime": mod,
			"eTag":                 `"etag-a"`,
			"file":                 map[string]string{"mimeType": "text/plain"},
			"@microsoft.graph.downloadUrl": "http://" + r.Host + "/content/a.txt",
		})
	})

	f.mux.HandleFunc("/content/a.txt", func(w http.ResponseWriter, r *http.Request) {
		body := []byte("hello world")
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[start : end+1])
			return
		}
		w.Write(body)
	})

	f.mux.HandleFunc("/v1.0/me/drive/root:/up.bin:/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"uploadUrl":          "http://" + r.Host + "/session/1",
			"expirationDateTime": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})

	f.mux.HandleFunc("/session/1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if f.sessionGone {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			next := []string{}
			if f.sessionBytes < f.fileSize {
				next = append(next, fmt.Sprintf("%d-%d", f.sessionBytes, f.fileSize-1))
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"uploadUrl":          "http://" + r.Host + "/session/1",
				"nextExpectedRanges": next,
			})
		case http.MethodPut:
			n, _ := io.Copy(io.Discard, r.Body)
			f.sessionBytes += n
			if f.sessionBytes >= f.fileSize {
				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(map[string]interface{}{"id": "done", "size": f.fileSize})
				return
			}
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, "{}")
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	return f
}

func newTestDriver(t *testing.T, f *fakeGraph) *Driver {
	t.Helper()
	ts := httptest.NewServer(f.mux)
	t.Cleanup(ts.Close)

	box, err := secret.NewBox("graph-test")
	require.NoError(t, err)
	sealed, err := box.Seal(`{"client_id":"cid","client_secret":"cs","refresh_token":"rt"}`)
	require.NoError(t, err)

	d, err := Factory(context.Background(), &model.StorageConfig{
		Type: DriverType,
		Config: map[string]string{
			"endpoint":       ts.URL + "/v1.0",
			"token_endpoint": ts.URL + "/token",
		},
		SecretsCiphertext: sealed,
	}, driver.Env{Secrets: box})
	require.NoError(t, err)
	return d.(*Driver)
}

func TestTokenManager_CachesAccessToken(t *testing.T) {
	f := newFakeGraph()
	d := newTestDriver(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.Stat(ctx, "docs/a.txt")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.tokenCalls.Load(), "token should be cached across calls")
}

func TestStat(t *testing.T) {
	f := newFakeGraph()
	d := newTestDriver(t, f)

	info, err := d.Stat(context.Background(), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", info.Name)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "text/plain", info.MIME)
	assert.Equal(t, "etag-a", info.ETag)
	assert.False(t, info.IsDirectory)
}

func TestStat_RetriesOn429(t *testing.T) {
	f := newFakeGraph()
	f.rateLimited.Store(1)
	d := newTestDriver(t, f)

	info, err := d.Stat(context.Background(), "docs/a.txt")
	require.NoError(t, err, "one 429 then success should be retried")
	assert.Equal(t, int64(11), info.Size)
}

func TestDownload_RangeViaDownloadURL(t *testing.T) {
	f := newFakeGraph()
	d := newTestDriver(t, f)
	ctx := context.Background()

	desc, err := d.Download(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), desc.Size)

	rc, honored, err := desc.OpenRange(ctx, 6, 10)
	require.NoError(t, err)
	defer rc.Close()
	assert.True(t, honored)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "world", string(got))
}

func TestMultipart_SingleSessionLifecycle(t *testing.T) {
	f := newFakeGraph()
	f.fileSize = 8 << 20
	d := newTestDriver(t, f)
	ctx := context.Background()

	init, err := d.InitMultipart(ctx, "up.bin", driver.MultipartInitRequest{
		FileName: "up.bin",
		FileSize: 8 << 20,
		PartSize: 5 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, init.PartCount)
	assert.Equal(t, init.UploadURL, init.UploadID, "single-session strategy: uploadUrl doubles as uploadId")

	handle := driver.UploadHandle{
		Subpath: "up.bin", UploadID: init.UploadID, PartSize: 5 << 20, FileSize: 8 << 20,
	}

	// Client uploads part 1 then crashes.
	req, _ := http.NewRequest(http.MethodPut, init.UploadURL, strings.NewReader(strings.Repeat("x", 5<<20)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	parts, err := d.ListParts(ctx, handle)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, int64(5<<20), parts[0].Size)

	// Re-upload part 2 and finish.
	req, _ = http.NewRequest(http.MethodPut, init.UploadURL, strings.NewReader(strings.Repeat("y", 3<<20)))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	urls, err := d.RefreshPartURLs(ctx, handle, []int{2})
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, init.UploadURL, urls[0].URL)
}

func TestListParts_SessionGone(t *testing.T) {
	f := newFakeGraph()
	f.fileSize = 8 << 20
	f.sessionGone = true
	d := newTestDriver(t, f)

	sessionURL := strings.TrimSuffix(d.base, "/v1.0") + "/session/1"
	_, err := d.ListParts(context.Background(), driver.UploadHandle{
		Subpath: "up.bin", UploadID: sessionURL,
		PartSize: 5 << 20, FileSize: 8 << 20,
	})
	require.Error(t, err)
	assert.Equal(t, fgerr.KindUploadSessionNotFound, fgerr.KindOf(err))
}

func TestPartCountFor(t *testing.T) {
	assert.Equal(t, 2, partCountFor(8<<20, 5<<20))
	assert.Equal(t, 1, partCountFor(100, 200))
	assert.Equal(t, 1, partCountFor(200, 200))
	assert.Equal(t, 3, partCountFor(401, 200))
}
