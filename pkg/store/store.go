package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtualfit/pkg/job"
)

// Store is the process-wide table of try-on jobs.
type Store interface {
	// Create inserts a new pending job and returns its id.
	Create(ctx context.Context, in job.Input) (string, error)
	// Get returns a snapshot of the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (job.Job, error)
	// SetStatus moves a job forward and stores the payload in the same write.
	SetStatus(ctx context.Context, id string, status job.Status, upd job.Update) error
}

// Pinger is implemented by stores backed by an external service
type Pinger interface {
	Ping(ctx context.Context) error
}

func newID() string {
	return uuid.New().String()
}

// InMemoryStore keeps jobs in a map guarded by a RWMutex
type InMemoryStore struct {
	jobs  map[string]*job.Job
	mutex sync.RWMutex
	now   func() time.Time
}

// NewInMemoryStore creates an empty in-memory job store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// Create adds a pending job to the in-memory store
func (s *InMemoryStore) Create(ctx context.Context, in job.Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := newID()
	for _, exists := s.jobs[id]; exists; _, exists = s.jobs[id] {
		id = newID()
	}

	now := s.now()
	j := job.Job{
		ID:        id,
		Status:    job.StatusPending,
		Input:     in,
		CreatedAt: now,
		UpdatedAt: now,
	}.Clone()
	s.jobs[id] = &j
	return id, nil
}

// Get retrieves a copy of a job from the in-memory store
func (s *InMemoryStore) Get(ctx context.Context, id string) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j.Clone(), nil
}

// SetStatus applies a status transition in the in-memory store
func (s *InMemoryStore) SetStatus(ctx context.Context, id string, status job.Status, upd job.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	next, err := current.Apply(status, upd, s.now())
	if err != nil {
		return err
	}
	s.jobs[id] = &next
	return nil
}

// Size returns the number of jobs held in memory
func (s *InMemoryStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.jobs)
}
