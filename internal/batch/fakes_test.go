package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/rating"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
)

// memStore is an in-memory JobStore with the same status guards as the
// postgres repository.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.BatchJob
	images   map[string][]models.ImageRef
	results  map[string][]models.Rating
	ledger   []models.LedgerEntry
	progress map[string][]int
	statuses map[string][]models.JobStatus
	owners   map[string]string
	retryErr map[string]string
	creates  int
	writes   int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*models.BatchJob),
		images:   make(map[string][]models.ImageRef),
		results:  make(map[string][]models.Rating),
		progress: make(map[string][]int),
		statuses: make(map[string][]models.JobStatus),
		owners:   make(map[string]string),
		retryErr: make(map[string]string),
	}
}

func (m *memStore) setStatus(job *models.BatchJob, status models.JobStatus) {
	job.Status = status
	job.UpdatedAt = time.Now()
	m.statuses[job.ID] = append(m.statuses[job.ID], status)
	m.writes++
}

func (m *memStore) setProcessed(job *models.BatchJob, n int) {
	job.ProcessedImages = n
	m.progress[job.ID] = append(m.progress[job.ID], n)
}

func (m *memStore) put(job models.BatchJob, refs []models.ImageRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[job.ID] = &j
	m.images[job.ID] = refs
	m.statuses[job.ID] = []models.JobStatus{job.Status}
	if job.Status == models.JobStatusRunning {
		m.owners[job.ID] = "seeded"
	}
}

func (m *memStore) snapshot(id string) models.BatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) history(id string) ([]models.JobStatus, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobStatus(nil), m.statuses[id]...), append([]int(nil), m.progress[id]...)
}

func (m *memStore) Create(_ context.Context, job models.BatchJob, images []models.ImageRef) error {
	m.mu.Lock()
	m.creates++
	m.mu.Unlock()
	m.put(job, images)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.BatchJob{}, repository.ErrJobNotFound
	}
	return *job, nil
}

func (m *memStore) Images(_ context.Context, id string) ([]models.ImageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[id], nil
}

func (m *memStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BatchJob
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListStale(_ context.Context, status models.JobStatus, before time.Time, limit int) ([]models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BatchJob
	for _, job := range m.jobs {
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if job.Status == status && ref.Before(before) {
			out = append(out, *job)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkRunning(_ context.Context, id string, owner string) (models.BatchJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.BatchJob{}, false, repository.ErrJobNotFound
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusPaused:
	case models.JobStatusRunning:
		if m.owners[id] != "" {
			return models.BatchJob{}, false, nil
		}
	default:
		return models.BatchJob{}, false, nil
	}
	m.owners[id] = owner
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	m.setStatus(job, models.JobStatusRunning)
	return *job, true, nil
}

func (m *memStore) Release(_ context.Context, id string, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != models.JobStatusRunning || m.owners[id] != owner {
		return false, nil
	}
	delete(m.owners, id)
	m.writes++
	return true, nil
}

func (m *memStore) ListReleased(_ context.Context, limit int) ([]models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BatchJob
	for id, job := range m.jobs {
		if job.Status == models.JobStatusRunning && m.owners[id] == "" {
			out = append(out, *job)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) owner(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[id]
}

func (m *memStore) SetProviderBatchID(_ context.Context, id string, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.ProviderBatchID = &batchID
	m.writes++
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id string, processed int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != models.JobStatusRunning {
		return 0, false, nil
	}
	next := processed
	if next > job.TotalImages {
		next = job.TotalImages
	}
	if next < job.ProcessedImages {
		next = job.ProcessedImages
	}
	m.setProcessed(job, next)
	m.writes++
	return next, true, nil
}

func (m *memStore) RecordRating(_ context.Context, id string, r models.Rating) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != models.JobStatusRunning || job.ProcessedImages >= job.TotalImages {
		return 0, false, nil
	}
	m.results[id] = append(m.results[id], r)
	m.setProcessed(job, job.ProcessedImages+1)
	m.writes++
	return job.ProcessedImages, true, nil
}

func (m *memStore) RatedImageIDs(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.results[id] {
		out = append(out, r.ImageID)
	}
	return out, nil
}

func (m *memStore) Results(_ context.Context, id string) ([]models.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Rating(nil), m.results[id]...), nil
}

func (m *memStore) IncrementRetry(_ context.Context, id string, lastError string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.RetryCount++
	m.retryErr[id] = lastError
	m.writes++
	return job.RetryCount, nil
}

func (m *memStore) Complete(_ context.Context, id string, ratings []models.Rating, credits int64, debit *models.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != models.JobStatusRunning {
		return false, nil
	}
	m.results[id] = append(m.results[id], ratings...)
	m.setProcessed(job, job.TotalImages)
	job.CostInCredits = &credits
	job.ErrorMessage = nil
	delete(m.owners, id)
	now := time.Now()
	job.CompletedAt = &now
	m.setStatus(job, models.JobStatusCompleted)
	if debit != nil {
		m.ledger = append(m.ledger, *debit)
	}
	return true, nil
}

func (m *memStore) Fail(_ context.Context, id string, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.ErrorMessage = &message
	now := time.Now()
	job.CompletedAt = &now
	delete(m.owners, id)
	m.setStatus(job, models.JobStatusFailed)
	return true, nil
}

func (m *memStore) Pause(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status != models.JobStatusRunning {
		return false, nil
	}
	delete(m.owners, id)
	m.setStatus(job, models.JobStatusPaused)
	return true, nil
}

func (m *memStore) debits() []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LedgerEntry(nil), m.ledger...)
}

type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemImages() *memImages {
	return &memImages{objects: make(map[string][]byte)}
}

func (m *memImages) PutImage(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memImages) GetImage(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (m *memImages) ImageURL(_ context.Context, key string) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memImages) PutResults(ctx context.Context, key string, data []byte) error {
	return m.PutImage(ctx, key, data, "application/json")
}

func (m *memImages) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type staticCredits struct {
	balance int64
}

func (c staticCredits) Balance(context.Context, string) (int64, error) {
	return c.balance, nil
}

// MockRater rates every image green/4 unless RateFunc is set.
type MockRater struct {
	mu       sync.Mutex
	calls    int
	RateFunc func(ctx context.Context, req rating.RateRequest) (models.Rating, error)
}

func (m *MockRater) Rate(ctx context.Context, req rating.RateRequest) (models.Rating, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.RateFunc != nil {
		return m.RateFunc(ctx, req)
	}
	return models.Rating{ImageID: req.Image.ID, StarRating: 4, ColorLabel: models.ColorLabelGreen}, nil
}

func (m *MockRater) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockBatcher struct {
	mu         sync.Mutex
	submits    int
	cancels    int
	SubmitFunc func(ctx context.Context, req rating.BatchRequest) (string, error)
	PollFunc   func(ctx context.Context, batchID string, imageIDs []string) (rating.BatchState, error)
	CancelFunc func(ctx context.Context, batchID string) error
}

func (m *MockBatcher) Submit(ctx context.Context, req rating.BatchRequest) (string, error) {
	m.mu.Lock()
	m.submits++
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return "batch-" + req.JobID, nil
}

func (m *MockBatcher) Poll(ctx context.Context, batchID string, imageIDs []string) (rating.BatchState, error) {
	return m.PollFunc(ctx, batchID, imageIDs)
}

func (m *MockBatcher) Cancel(ctx context.Context, batchID string) error {
	m.mu.Lock()
	m.cancels++
	m.mu.Unlock()
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, batchID)
	}
	return nil
}

func (m *MockBatcher) counts() (submits, cancels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits, m.cancels
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []realtime.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env realtime.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPublisher) ofType(t realtime.MessageType) []realtime.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Envelope
	for _, env := range p.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}
