// Package memory provides in-memory store implementations for development and
// testing. They enforce the same atomicity contracts as the Postgres stores.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// JobStore keeps extraction jobs in a mutex-guarded map.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]extraction.Job
	byToken  map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]extraction.Job),
		byToken: make(map[string]string),
	}
}

func tokenKey(userID, token string) string {
	return userID + "\x00" + token
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job extraction.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.IdempotencyToken != "" {
		key := tokenKey(job.UserID, job.IdempotencyToken)
		if _, exists := s.byToken[key]; exists {
			return errors.New("idempotency token already used")
		}
		s.byToken[key] = job.ID
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (extraction.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extraction.Job{}, extraction.ErrJobNotFound
	}
	return job, nil
}

// FindJobByToken resolves a prior submission by idempotency token.
func (s *JobStore) FindJobByToken(_ context.Context, userID, token string) (extraction.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobID, ok := s.byToken[tokenKey(userID, token)]
	if !ok {
		return extraction.Job{}, false, nil
	}
	return s.jobs[jobID], true, nil
}

// Transition applies upd iff the job is still non-terminal. The check and the
// write happen under one lock, mirroring the conditional UPDATE used by the
// Postgres store.
func (s *JobStore) Transition(_ context.Context, jobID string, upd extraction.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, extraction.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = upd.Status
	if upd.Progress > job.Progress {
		job.Progress = upd.Progress
	}
	job.Message = upd.Message
	if upd.RecipeID != "" {
		job.RecipeID = upd.RecipeID
	}
	job.ErrorCode = upd.ErrorCode
	job.ErrorMessage = upd.ErrorMessage
	job.Retryable = upd.Retryable
	if upd.StartedAt != nil && job.StartedAt == nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	s.jobs[jobID] = job
	return true, nil
}
