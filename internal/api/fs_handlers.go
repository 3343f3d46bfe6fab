package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/fs"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/pathutil"
	"github.com/filegate/filegate/pkg/stream"
)

// pathTokenHeader carries the per-path password for listings.
const pathTokenHeader = "x-fs-path-token"

func (s *Server) canonicalQueryPath(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		return "", fgerr.New(fgerr.KindValidation, "path query parameter is required")
	}
	return pathutil.Canonicalize(raw)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	listing, err := s.fs.List(r.Context(), principal, path, r.Header.Get(pathTokenHeader))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, listing)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	info, err := s.fs.Stat(r.Context(), principal, path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, info)
}

// byteRange is a parsed single-range request.
type byteRange struct {
	start int64
	end   int64 // inclusive; -1 means to EOF
}

// parseRange handles single-range "bytes=a-b", "bytes=a-", and suffix
// "bytes=-n" forms. Multi-range requests are not honored.
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, nil
	}

	if startStr == "" {
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fgerr.New(fgerr.KindValidation, "malformed Range header")
		}
		if size >= 0 && n >= size {
			return &byteRange{start: 0, end: size - 1}, nil
		}
		if size < 0 {
			return nil, fgerr.New(fgerr.KindValidation, "suffix range on unknown size")
		}
		return &byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fgerr.New(fgerr.KindValidation, "malformed Range header")
	}
	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, fgerr.New(fgerr.KindValidation, "malformed Range header")
		}
	}
	if size >= 0 {
		if start >= size {
			return nil, fgerr.New(fgerr.KindValidation, "range start beyond end of file")
		}
		if end < 0 || end >= size {
			end = size - 1
		}
	}
	return &byteRange{start: start, end: end}, nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	desc, err := s.fs.Download(r.Context(), principal, path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.serveDescriptor(w, r, desc, pathutil.Base(path), r.URL.Query().Get("download") == "1")
}

// serveDescriptor streams descriptor content with Range support. Whether
// the backend honored the range natively or the stream was sliced, the
// client sees a correct 206.
func (s *Server) serveDescriptor(w http.ResponseWriter, r *http.Request, desc *stream.Descriptor, name string, forceDownload bool) {
	w.Header().Set("Accept-Ranges", "bytes")
	if desc.ContentType != "" {
		w.Header().Set("Content-Type", desc.ContentType)
	}
	if desc.ETag != "" {
		w.Header().Set("ETag", `"`+desc.ETag+`"`)
	}
	if !desc.LastModified.IsZero() {
		w.Header().Set("Last-Modified", desc.LastModified.UTC().Format(http.TimeFormat))
	}
	if forceDownload && name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}

	rng, err := parseRange(r.Header.Get("Range"), desc.Size)
	if err != nil {
		if desc.Size >= 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
		}
		s.writeJSON(w, http.StatusRequestedRangeNotSatisfiable, envelope{
			Code: string(fgerr.KindValidation), Message: "unsatisfiable range", Success: false,
		})
		return
	}

	if rng == nil {
		rc, err := desc.OpenFull(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		defer rc.Close()
		if desc.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, rc)
		}
		return
	}

	rc, _, err := desc.OpenRange(r.Context(), rng.start, rng.end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer rc.Close()

	total := "*"
	if desc.Size >= 0 {
		total = strconv.FormatInt(desc.Size, 10)
	}
	end := rng.end
	if end < 0 && desc.Size >= 0 {
		end = desc.Size - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", rng.start, end, total))
	if end >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(end-rng.start+1, 10))
	}
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		io.Copy(w, rc)
	}
}

func (s *Server) handleFileLink(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	ttl := time.Duration(queryInt(r, "expires_in", 0)) * time.Second
	force := r.URL.Query().Get("force_download") == "1" || r.URL.Query().Get("force_download") == "true"

	link, err := s.fs.FileLink(r.Context(), principal, path, ttl, force)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, link)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	size := driver.SizeUnknown
	if r.ContentLength >= 0 {
		size = r.ContentLength
	}
	result, err := s.fs.Upload(r.Context(), principal, path, driver.NewStreamBody(r.Body, size))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		Path string `json:"path"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	path, err := pathutil.Canonicalize(body.Path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	existed, err := s.fs.Mkdir(r.Context(), principal, path)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"alreadyExisted": existed})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	oldPath, err := pathutil.Canonicalize(body.OldPath)
	if err != nil {
		s.respondError(w, err)
		return
	}
	newPath, err := pathutil.Canonicalize(body.NewPath)
	if err != nil {
		s.respondError(w, err)
		return
	}
	result, err := s.fs.Rename(r.Context(), principal, oldPath, newPath)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

func (s *Server) handleBatchRemove(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if len(body.Paths) == 0 {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "paths is required"))
		return
	}
	result, err := s.fs.BatchDelete(r.Context(), principal, body.Paths)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	path, err := s.canonicalQueryPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	items, err := s.fs.Search(r.Context(), principal, path, r.URL.Query().Get("keyword"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"items": items})
}

func (s *Server) handleBatchCopyCommit(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		TargetMountID string          `json:"targetMountId"`
		Files         []fs.CommitFile `json:"files"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if body.TargetMountID == "" || len(body.Files) == 0 {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "targetMountId and files are required"))
		return
	}
	result, err := s.fs.CommitCopied(r.Context(), principal, body.TargetMountID, body.Files)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

// handleProxy serves the signed public gateway at
// /api/p/<virtual-path>?sign=&ts=&exp=.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rawPath := strings.TrimPrefix(r.URL.Path, "/api/p")
	path, err := pathutil.Canonicalize(rawPath)
	if err != nil {
		s.respondError(w, err)
		return
	}

	q := r.URL.Query()
	ts, _ := strconv.ParseInt(q.Get("ts"), 10, 64)
	exp, _ := strconv.ParseInt(q.Get("exp"), 10, 64)

	desc, err := s.fs.OpenProxy(r.Context(), path, q.Get("sign"), ts, exp)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.serveDescriptor(w, r, desc, pathutil.Base(path), q.Get("download") == "1")
}
