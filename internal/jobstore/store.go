package jobstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/google/uuid"
)

// Observer is notified after every committed change with a snapshot of the job.
// It is called outside the store lock and must not block for long.
type Observer interface {
	JobChanged(job domain.Job)
}

type ObserverFunc func(job domain.Job)

func (f ObserverFunc) JobChanged(job domain.Job) { f(job) }

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// Store is the in-memory registry of jobs. Every mutation happens under one
// lock, so create, transition and reap are atomic with respect to each other
// and to reads of the same job.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	live     int
	capacity int

	now       func() time.Time
	observers []Observer
}

// New creates a store holding at most capacity live (non-expired) jobs.
// A capacity <= 0 disables the limit.
func New(capacity int, opts ...Option) *Store {
	s := &Store{
		jobs:     make(map[string]*domain.Job),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(p domain.CreateJobParams) (domain.Job, error) {
	if !p.Modality.Valid() {
		return domain.Job{}, domain.InputError("", "unknown modality %q", p.Modality)
	}
	if len(p.Inputs) == 0 {
		return domain.Job{}, domain.InputError("", "job has no inputs")
	}

	s.mu.Lock()
	if s.capacity > 0 && s.live >= s.capacity {
		s.mu.Unlock()
		return domain.Job{}, domain.ErrStoreFull
	}

	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Modality:  p.Modality,
		State:     domain.StateQueued,
		Batch:     p.Batch,
		Inputs:    append([]domain.Input(nil), p.Inputs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	s.live++
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// Job returns a snapshot. Expired jobs are returned as tombstones until purged.
func (s *Store) Job(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Transition applies one edge of the job state machine. Edges outside
// queued -> running -> {succeeded, failed} -> expired are rejected with an
// invalid_transition error and leave the job untouched.
func (s *Store) Transition(id string, to domain.JobState, out domain.Outcome) (domain.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err := checkTransition(job.State, to, out); err != nil {
		s.mu.Unlock()
		return domain.Job{}, err.WithJob(id)
	}

	s.apply(job, to, out, s.now())
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// Reap expires terminal jobs completed more than maxAge ago and releases
// their payload. Queued and running jobs are never reaped. The returned
// snapshots are taken before the payload is released so callers can clean up
// files the jobs referenced.
func (s *Store) Reap(maxAge time.Duration) []domain.Job {
	s.mu.Lock()
	now := s.now()
	var reaped, expired []domain.Job
	for _, job := range s.jobs {
		if job.State != domain.StateSucceeded && job.State != domain.StateFailed {
			continue
		}
		if now.Sub(job.CompletedAt) <= maxAge {
			continue
		}
		reaped = append(reaped, job.Clone())
		s.apply(job, domain.StateExpired, domain.Outcome{}, now)
		expired = append(expired, job.Clone())
	}
	s.mu.Unlock()

	for _, job := range expired {
		s.notify(job)
	}
	return reaped
}

// Purge drops expired tombstones older than maxAge and returns how many were removed.
func (s *Store) Purge(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, job := range s.jobs {
		if job.State == domain.StateExpired && now.Sub(job.UpdatedAt) > maxAge {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of live (non-expired) jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Counts returns the number of stored jobs per state, tombstones included.
func (s *Store) Counts() map[domain.JobState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.JobState]int, 5)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts
}

// must be called with s.mu held
func (s *Store) apply(job *domain.Job, to domain.JobState, out domain.Outcome, now time.Time) {
	job.State = to
	job.UpdatedAt = now

	switch to {
	case domain.StateRunning:
		job.StartedAt = now
	case domain.StateSucceeded:
		job.Result = out.Result
		job.CompletedAt = now
	case domain.StateFailed:
		job.Error = out.Err
		job.CompletedAt = now
	case domain.StateExpired:
		job.Result = nil
		job.Error = nil
		s.live--
	}
}

func (s *Store) notify(job domain.Job) {
	for _, o := range s.observers {
		o.JobChanged(job)
	}
}

func checkTransition(from, to domain.JobState, out domain.Outcome) *domain.Error {
	if !domain.CanTransition(from, to) {
		return domain.NewError(domain.KindInvalidTransition, "",
			fmt.Sprintf("%s -> %s is not allowed", from, to))
	}

	switch to {
	case domain.StateSucceeded:
		if out.Result == nil || out.Err != nil {
			return domain.NewError(domain.KindInvalidTransition, "",
				"succeeded requires a result and no error")
		}
	case domain.StateFailed:
		if out.Err == nil || out.Result != nil {
			return domain.NewError(domain.KindInvalidTransition, "",
				"failed requires an error and no result")
		}
	default:
		if out.Result != nil || out.Err != nil {
			return domain.NewError(domain.KindInvalidTransition, "",
				fmt.Sprintf("%s carries no payload", to))
		}
	}
	return nil
}
