package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/schedule"
	"github.com/filegate/filegate/pkg/fgerr"
)

func (s *Server) handleScheduledTypes(w http.ResponseWriter, _ *http.Request, _ model.Principal) {
	s.respondData(w, map[string]interface{}{"types": s.registry.List()})
}

// scheduledJobView augments the stored record with the derived runtime
// state.
type scheduledJobView struct {
	model.ScheduledJob
	RuntimeState model.RuntimeState `json:"runtimeState"`
}

func (s *Server) handleScheduledList(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	jobs, err := s.store.ScheduledJobs.List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	now := time.Now()
	views := make([]scheduledJobView, len(jobs))
	for i, j := range jobs {
		views[i] = scheduledJobView{ScheduledJob: j, RuntimeState: j.RuntimeStateOf(now)}
	}
	s.respondData(w, map[string]interface{}{"jobs": views})
}

func (s *Server) handleScheduledGet(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	j, err := s.store.ScheduledJobs.Get(r.Context(), mux.Vars(r)["taskId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, scheduledJobView{ScheduledJob: *j, RuntimeState: j.RuntimeStateOf(time.Now())})
}

type scheduledJobRequest struct {
	TaskID         string          `json:"taskId"`
	HandlerID      string          `json:"handlerId"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Enabled        *bool           `json:"enabled"`
	ScheduleType   string          `json:"scheduleType"`
	IntervalSec    int             `json:"intervalSec"`
	CronExpression string          `json:"cronExpression"`
	Config         json.RawMessage `json:"config"`
}

// validate checks the binding against the registry and schedule rules
// before anything is stored; an invalid request mutates nothing.
func (s *Server) validateScheduledRequest(req *scheduledJobRequest, j *model.ScheduledJob) error {
	handler, ok := s.registry.Get(req.HandlerID)
	if !ok {
		return fgerr.Newf(fgerr.KindValidation, "unknown handler %q", req.HandlerID)
	}
	if err := handler.ValidateConfig(req.Config); err != nil {
		return err
	}

	j.HandlerID = req.HandlerID
	j.Name = req.Name
	j.Description = req.Description
	j.ScheduleType = model.ScheduleType(req.ScheduleType)
	j.IntervalSec = req.IntervalSec
	j.CronExpression = req.CronExpression
	j.Config = req.Config
	if req.Enabled != nil {
		j.Enabled = *req.Enabled
	}
	return schedule.ValidateSchedule(j)
}

func (s *Server) handleScheduledCreate(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	var req scheduledJobRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.TaskID == "" {
		s.respondError(w, fgerr.New(fgerr.KindValidation, "taskId is required"))
		return
	}

	j := &model.ScheduledJob{TaskID: req.TaskID, Enabled: true}
	if err := s.validateScheduledRequest(&req, j); err != nil {
		s.respondError(w, err)
		return
	}
	if next, err := schedule.NextFire(j, time.Now()); err == nil {
		j.NextRunAfter = next
	}

	if err := s.store.ScheduledJobs.Create(r.Context(), j); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, j)
}

func (s *Server) handleScheduledUpdate(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	taskID := mux.Vars(r)["taskId"]
	existing, err := s.store.ScheduledJobs.Get(r.Context(), taskID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var req scheduledJobRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	req.TaskID = taskID

	updated := *existing
	if err := s.validateScheduledRequest(&req, &updated); err != nil {
		// Validation failure leaves the stored job untouched.
		s.respondError(w, err)
		return
	}
	if next, err := schedule.NextFire(&updated, time.Now()); err == nil {
		updated.NextRunAfter = next
	}

	if err := s.store.ScheduledJobs.Update(r.Context(), &updated); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, updated)
}

func (s *Server) handleScheduledDelete(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	if err := s.store.ScheduledJobs.Delete(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"deleted": true})
}

func (s *Server) handleScheduledRuns(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	runs, err := s.store.ScheduledRuns.ListByTask(r.Context(), mux.Vars(r)["taskId"], queryInt(r, "limit", 20))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"runs": runs})
}

func (s *Server) handleScheduledTrigger(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	if err := s.dispatcher.TriggerManual(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]bool{"triggered": true})
}

func (s *Server) handleScheduledPreview(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	j, err := s.store.ScheduledJobs.Get(r.Context(), mux.Vars(r)["taskId"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	fires, err := schedule.Preview(j, time.Now(), queryInt(r, "count", 5))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, map[string]interface{}{"fires": fires})
}

func (s *Server) handleScheduledAnalytics(w http.ResponseWriter, r *http.Request, _ model.Principal) {
	analytics, err := s.dispatcher.ComputeAnalytics(r.Context(), queryInt(r, "windowHours", 24))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondData(w, analytics)
}
