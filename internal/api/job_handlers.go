package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/pathutil"
)

// handleBatchCopy either hands the client a presigned copy plan or
// enqueues a copy job.
func (s *Server) handleBatchCopy(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		Items []struct {
			SourcePath string `json:"sourcePath"`
			TargetPath string `json:"targetPath"`
		} `json:"items"`
		SkipExisting   bool `json:"skipExisting"`
		MaxConcurrency int  `json:"maxConcurrency"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if len(body.Items) == 0 {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "items is required"))
		return
	}

	pairs := make([][2]string, 0, len(body.Items))
	items := make([]job.CopyItem, 0, len(body.Items))
	for _, item := range body.Items {
		src, err := pathutil.Canonicalize(item.SourcePath)
		if err != nil {
			s.respondError(w, err)
			return
		}
		dst, err := pathutil.Canonicalize(item.TargetPath)
		if err != nil {
			s.respondError(w, err)
			return
		}
		pairs = append(pairs, [2]string{src, dst})
		items = append(items, job.CopyItem{SourcePath: src, TargetPath: dst})
	}

	plan, err := s.fs.PlanCopy(r.Context(), principal, pairs)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if plan.ClientSide {
		s.respondData(w, plan)
		return
	}

	payload, err := json.Marshal(job.CopyPayload{
		Items: items,
		Options: job.CopyOptions{
			SkipExisting:   body.SkipExisting,
			MaxConcurrency: body.MaxConcurrency,
		},
	})
	if err != nil {
		s.respondError(w, fgerr.Wrap(fgerr.KindInternal, "payload encoding failed", err))
		return
	}
	descriptor, err := s.jobs.Create(r.Context(), job.TaskTypeCopy, payload, principal)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"clientSide": false, "job": descriptor})
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		TaskType string          `json:"taskType"`
		Items    json.RawMessage `json:"items"`
		Options  json.RawMessage `json:"options"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if body.TaskType == "" {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "taskType is required"))
		return
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"items":   orEmptyArray(body.Items),
		"options": orEmptyObject(body.Options),
	})
	if err != nil {
		s.respondError(w, fgerr.Wrap(fgerr.KindInternal, "payload encoding failed", err))
		return
	}

	descriptor, err := s.jobs.Create(r.Context(), body.TaskType, payload, principal)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, descriptor)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	filter := repo.JobFilter{
		TaskType: r.URL.Query().Get("taskType"),
		Status:   model.JobStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	jobs, err := s.jobs.List(r.Context(), principal, filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	descriptor, err := s.jobs.Get(r.Context(), principal, mux.Vars(r)["jobId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, descriptor)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	if err := s.jobs.Cancel(r.Context(), principal, mux.Vars(r)["jobId"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"cancelled": true})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	if err := s.jobs.Delete(r.Context(), principal, mux.Vars(r)["jobId"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"deleted": true})
}

func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		Path     string `json:"path"`
		FileName string `json:"fileName"`
		FileSize int64  `json:"fileSize"`
		PartSize int64  `json:"partSize"`
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
	session, init, err := s.fs.InitMultipart(r.Context(), principal, path, body.FileName, body.FileSize, body.PartSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"session": session, "upload": init})
}

func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		SessionID string                 `json:"sessionId"`
		Parts     []driver.CompletedPart `json:"parts"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	result, err := s.fs.CompleteMultipart(r.Context(), principal, body.SessionID, body.Parts)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, result)
}

func (s *Server) handleMultipartAbort(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.fs.AbortMultipart(r.Context(), principal, body.SessionID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"aborted": true})
}

func (s *Server) handleMultipartParts(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "sessionId is required"))
		return
	}
	parts, err := s.fs.ListSessionParts(r.Context(), principal, sessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"parts": parts})
}

func (s *Server) handleMultipartRefresh(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	var body struct {
		SessionID   string `json:"sessionId"`
		PartNumbers []int  `json:"partNumbers"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	urls, err := s.fs.RefreshPartURLs(r.Context(), principal, body.SessionID, body.PartNumbers)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"urls": urls})
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
