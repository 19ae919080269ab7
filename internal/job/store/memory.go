package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backportd/backportd/internal/job/models"
)

// MemoryStore provides in-memory job storage operations.
type MemoryStore struct {
	jobs  map[string]*models.Job
	logs  map[string][]models.LogEntry
	steps map[string]map[string][]byte
	mu    sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.Job),
		logs:  make(map[string][]models.LogEntry),
		steps: make(map[string]map[string][]byte),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateJob stores a new job.
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

// GetJob retrieves a job by ID.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	out := *job
	return &out, nil
}

// ListJobs returns all jobs, most recently created first.
func (s *MemoryStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out := *job
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListJobsByStatus returns all jobs with the given status, oldest first.
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.Status != status {
			continue
		}
		out := *job
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateJob applies a partial update and returns the updated job.
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, params UpdateJobParams) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if params.Status != nil && *params.Status != job.Status {
		if job.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
		}
		if !job.Status.CanTransitionTo(*params.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *params.Status)
		}
		job.Status = *params.Status
	}
	if params.Error != nil {
		job.Error = *params.Error
	}
	if params.ResultPR != nil {
		pr := *params.ResultPR
		job.ResultPR = &pr
	}
	job.UpdatedAt = time.Now().UTC()

	out := *job
	return &out, nil
}

// AppendLog appends a timestamped entry to the job's trail. Unknown jobs are
// ignored.
func (s *MemoryStore) AppendLog(ctx context.Context, id string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return
	}
	s.logs[id] = append(s.logs[id], models.LogEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
}

// Log returns the job's trail in append order.
func (s *MemoryStore) Log(ctx context.Context, id string) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	entries := make([]models.LogEntry, len(s.logs[id]))
	copy(entries, s.logs[id])
	return entries, nil
}

// MarkStepDone records a completed workflow step for a job.
func (s *MemoryStore) MarkStepDone(ctx context.Context, jobID, stepID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if s.steps[jobID] == nil {
		s.steps[jobID] = make(map[string][]byte)
	}
	stored := make([]byte, len(result))
	copy(stored, result)
	s.steps[jobID][stepID] = stored
	return nil
}

// StepResult returns the recorded result for a step, if any.
func (s *MemoryStore) StepResult(ctx context.Context, jobID, stepID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.steps[jobID][stepID]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(result))
	copy(out, result)
	return out, true, nil
}
