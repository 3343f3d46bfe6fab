package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

// NewMemoryStore builds a Store backed entirely by in-process maps.
func NewMemoryStore() *Store {
	return &Store{
		Mounts:         &memMounts{items: make(map[string]model.Mount)},
		StorageConfigs: &memStorageConfigs{items: make(map[string]model.StorageConfig)},
		ACLs:           &memACLs{},
		PathPasswords:  &memPathPasswords{items: make(map[string]model.PathPassword)},
		UploadSessions: &memUploadSessions{items: make(map[string]model.UploadSession)},
		Jobs:           &memJobs{items: make(map[string]model.JobDescriptor)},
		ScheduledJobs:  &memScheduledJobs{items: make(map[string]model.ScheduledJob)},
		ScheduledRuns:  &memScheduledRuns{},
	}
}

type memMounts struct {
	mu    sync.RWMutex
	items map[string]model.Mount
}

func (r *memMounts) List(context.Context) ([]model.Mount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Mount, 0, len(r.items))
	for _, m := range r.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPath < out[j].MountPath })
	return out, nil
}

func (r *memMounts) Get(_ context.Context, id string) (*model.Mount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "mount %s not found", id)
	}
	return &m, nil
}

func (r *memMounts) Create(_ context.Context, m *model.Mount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, exists := r.items[m.ID]; exists {
		return fgerr.Newf(fgerr.KindConflict, "mount %s already exists", m.ID)
	}
	for _, other := range r.items {
		if other.MountPath == m.MountPath {
			return fgerr.Newf(fgerr.KindConflict, "mount path %s already in use", m.MountPath)
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.items[m.ID] = *m
	return nil
}

func (r *memMounts) Update(_ context.Context, m *model.Mount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[m.ID]; !ok {
		return fgerr.Newf(fgerr.KindNotFound, "mount %s not found", m.ID)
	}
	r.items[m.ID] = *m
	return nil
}

func (r *memMounts) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fgerr.Newf(fgerr.KindNotFound, "mount %s not found", id)
	}
	delete(r.items, id)
	return nil
}

func (r *memMounts) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return fgerr.Newf(fgerr.KindNotFound, "mount %s not found", id)
	}
	m.LastUsedAt = at
	r.items[id] = m
	return nil
}

type memStorageConfigs struct {
	mu    sync.RWMutex
	items map[string]model.StorageConfig
}

func (r *memStorageConfigs) Get(_ context.Context, id string) (*model.StorageConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "storage config %s not found", id)
	}
	return &c, nil
}

func (r *memStorageConfigs) List(context.Context) ([]model.StorageConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.StorageConfig, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memStorageConfigs) Create(_ context.Context, c *model.StorageConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := r.items[c.ID]; exists {
		return fgerr.Newf(fgerr.KindConflict, "storage config %s already exists", c.ID)
	}
	if c.IsDefault {
		// Exactly one default per owner.
		for id, other := range r.items {
			if other.OwnerID == c.OwnerID && other.IsDefault {
				other.IsDefault = false
				r.items[id] = other
			}
		}
	}
	r.items[c.ID] = *c
	return nil
}

type memACLs struct {
	mu    sync.RWMutex
	items []model.StorageACL
}

func (r *memACLs) ConfigIDsFor(_ context.Context, subjectType, subjectID string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for _, acl := range r.items {
		if acl.SubjectType == subjectType && acl.SubjectID == subjectID {
			out[acl.StorageConfigID] = true
		}
	}
	return out, nil
}

func (r *memACLs) Grant(_ context.Context, acl model.StorageACL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing == acl {
			return nil
		}
	}
	r.items = append(r.items, acl)
	return nil
}

type memPathPasswords struct {
	mu    sync.RWMutex
	items map[string]model.PathPassword
}

func (r *memPathPasswords) Get(_ context.Context, path string) (*model.PathPassword, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pw, ok := r.items[path]
	if !ok {
		return nil, nil
	}
	return &pw, nil
}

func (r *memPathPasswords) Set(_ context.Context, pw model.PathPassword) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.items[pw.Path]; ok && prev.Token != pw.Token {
		pw.RotatedFrom = prev.Token
	}
	r.items[pw.Path] = pw
	return nil
}

type memUploadSessions struct {
	mu    sync.Mutex
	items map[string]model.UploadSession
}

func (r *memUploadSessions) Create(_ context.Context, s *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := r.items[s.ID]; exists {
		return fgerr.Newf(fgerr.KindConflict, "upload session %s already exists", s.ID)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.items[s.ID] = *s
	return nil
}

func (r *memUploadSessions) Get(_ context.Context, id string) (*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindUploadSessionNotFound, "upload session %s not found", id)
	}
	return &s, nil
}

func (r *memUploadSessions) UpdateActive(_ context.Context, id string, fn func(*model.UploadSession)) (*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindUploadSessionNotFound, "upload session %s not found", id)
	}
	if s.Status != model.UploadActive {
		return nil, fgerr.Newf(fgerr.KindConflict, "upload session %s is %s", id, s.Status)
	}
	fn(&s)
	s.Status = model.UploadActive // progress updates never change status
	s.UpdatedAt = time.Now()
	r.items[id] = s
	return &s, nil
}

func (r *memUploadSessions) Transition(_ context.Context, id string, to model.UploadSessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return fgerr.Newf(fgerr.KindUploadSessionNotFound, "upload session %s not found", id)
	}
	if s.Status != model.UploadActive {
		return fgerr.Newf(fgerr.KindConflict, "upload session %s is %s", id, s.Status)
	}
	if to == model.UploadActive {
		return fgerr.New(fgerr.KindValidation, "cannot transition to active")
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	r.items[id] = s
	return nil
}

// Backdate rewrites a session's updated_at. Only the janitor tests need
// this; a SQL-backed store would seed rows directly.
func (r *memUploadSessions) Backdate(id string, to time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.items[id]; ok {
		s.UpdatedAt = to
		r.items[id] = s
	}
}

func (r *memUploadSessions) CountByStatus(context.Context) (map[model.UploadSessionStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.UploadSessionStatus]int)
	for _, s := range r.items {
		out[s.Status]++
	}
	return out, nil
}

func (r *memUploadSessions) ExpireStale(_ context.Context, now, graceCutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marked := 0
	for id, s := range r.items {
		if s.Status != model.UploadActive {
			continue
		}
		if (!s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)) || s.UpdatedAt.Before(graceCutoff) {
			s.Status = model.UploadExpired
			s.UpdatedAt = now
			r.items[id] = s
			marked++
		}
	}
	return marked, nil
}

func (r *memUploadSessions) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.items {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(r.items, id)
			removed++
		}
	}
	return removed, nil
}

type memJobs struct {
	mu    sync.Mutex
	items map[string]model.JobDescriptor
	order []string
}

func (r *memJobs) Create(_ context.Context, j *model.JobDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := r.items[j.ID]; exists {
		return fgerr.Newf(fgerr.KindConflict, "job %s already exists", j.ID)
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	r.items[j.ID] = *j
	r.order = append(r.order, j.ID)
	return nil
}

func (r *memJobs) Get(_ context.Context, id string) (*model.JobDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "job %s not found", id)
	}
	return &j, nil
}

func (r *memJobs) Update(_ context.Context, id string, fn func(*model.JobDescriptor)) (*model.JobDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.items[id]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "job %s not found", id)
	}
	fn(&j)
	j.UpdatedAt = time.Now()
	r.items[id] = j
	return &j, nil
}

func (r *memJobs) List(_ context.Context, filter JobFilter) ([]model.JobDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.JobDescriptor, 0, len(r.items))
	// Newest first.
	for i := len(r.order) - 1; i >= 0; i-- {
		j, ok := r.items[r.order[i]]
		if !ok {
			continue
		}
		if filter.TaskType != "" && j.TaskType != filter.TaskType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Principal != "" && j.Principal != filter.Principal {
			continue
		}
		out = append(out, j)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.JobDescriptor{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memJobs) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fgerr.Newf(fgerr.KindNotFound, "job %s not found", id)
	}
	delete(r.items, id)
	return nil
}

type memScheduledJobs struct {
	mu    sync.Mutex
	items map[string]model.ScheduledJob
}

func (r *memScheduledJobs) List(context.Context) ([]model.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ScheduledJob, 0, len(r.items))
	for _, j := range r.items {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (r *memScheduledJobs) Get(_ context.Context, taskID string) (*model.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.items[taskID]
	if !ok {
		return nil, fgerr.Newf(fgerr.KindNotFound, "scheduled job %s not found", taskID)
	}
	return &j, nil
}

func (r *memScheduledJobs) Create(_ context.Context, j *model.ScheduledJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.TaskID == "" {
		return fgerr.New(fgerr.KindValidation, "task id is required")
	}
	if _, exists := r.items[j.TaskID]; exists {
		return fgerr.Newf(fgerr.KindConflict, "scheduled job %s already exists", j.TaskID)
	}
	r.items[j.TaskID] = *j
	return nil
}

func (r *memScheduledJobs) Update(_ context.Context, j *model.ScheduledJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[j.TaskID]; !ok {
		return fgerr.Newf(fgerr.KindNotFound, "scheduled job %s not found", j.TaskID)
	}
	r.items[j.TaskID] = *j
	return nil
}

func (r *memScheduledJobs) Delete(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[taskID]; !ok {
		return fgerr.Newf(fgerr.KindNotFound, "scheduled job %s not found", taskID)
	}
	delete(r.items, taskID)
	return nil
}

func (r *memScheduledJobs) ListDue(_ context.Context, now time.Time) ([]model.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ScheduledJob
	for _, j := range r.items {
		if !j.Enabled || j.NextRunAfter == nil || j.NextRunAfter.After(now) {
			continue
		}
		if j.LockUntil != nil && j.LockUntil.After(now) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (r *memScheduledJobs) AcquireLease(_ context.Context, taskID string, observed *time.Time, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.items[taskID]
	if !ok {
		return false, fgerr.Newf(fgerr.KindNotFound, "scheduled job %s not found", taskID)
	}
	if !lockEqual(j.LockUntil, observed) {
		return false, nil
	}
	j.LockUntil = &until
	r.items[taskID] = j
	return true, nil
}

func (r *memScheduledJobs) Finish(_ context.Context, taskID string, fn func(*model.ScheduledJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.items[taskID]
	if !ok {
		return fgerr.Newf(fgerr.KindNotFound, "scheduled job %s not found", taskID)
	}
	fn(&j)
	j.LockUntil = nil
	r.items[taskID] = j
	return nil
}

func lockEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type memScheduledRuns struct {
	mu   sync.Mutex
	runs []model.ScheduledJobRun
}

func (r *memScheduledRuns) Append(_ context.Context, run *model.ScheduledJobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memScheduledRuns) ListByTask(_ context.Context, taskID string, limit int) ([]model.ScheduledJobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ScheduledJobRun
	for i := len(r.runs) - 1; i >= 0; i-- {
		if r.runs[i].TaskID == taskID {
			out = append(out, r.runs[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memScheduledRuns) ListSince(_ context.Context, since time.Time) ([]model.ScheduledJobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ScheduledJobRun
	for _, run := range r.runs {
		if !run.StartedAt.Before(since) {
			out = append(out, run)
		}
	}
	return out, nil
}
