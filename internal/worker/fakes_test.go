package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/internal/worker/storage"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memoryStore is an in-memory RequestStore with the same guarded update semantics
type memoryStore struct {
	mu        sync.Mutex
	rows      map[int64]*domain.JobRequest
	findCalls int
	findErr   error
	updateErr error
	lastQuery storage.QueryParams
	// afterFind runs with the lock held, after the rows were copied out
	afterFind func(rows map[int64]*domain.JobRequest)
}

func newMemoryStore(reqs ...domain.JobRequest) *memoryStore {
	s := &memoryStore{rows: make(map[int64]*domain.JobRequest)}
	for i := range reqs {
		req := reqs[i]
		s.rows[req.SequenceID] = &req
	}
	return s
}

func (s *memoryStore) Find(_ context.Context, params storage.QueryParams) ([]domain.JobRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findCalls++
	s.lastQuery = params
	if s.findErr != nil {
		return nil, s.findErr
	}

	limit, _ := params[storage.PollingRowLimitParam].(int)
	jobName, filtered := params["job_name"].(string)

	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := []domain.JobRequest{}
	for _, id := range ids {
		row := s.rows[id]
		if row.PollingStatus != domain.PollingStatusInit {
			continue
		}
		if filtered && row.JobName != jobName {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, *row)
	}

	if s.afterFind != nil {
		s.afterFind(s.rows)
	}
	return out, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, req *domain.JobRequest, expected domain.PollingStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return 0, s.updateErr
	}

	row, ok := s.rows[req.SequenceID]
	if !ok || row.PollingStatus != expected {
		return 0, nil
	}

	row.PollingStatus = req.PollingStatus
	row.ExecutionID = req.ExecutionID
	row.UpdatedAt = req.UpdatedAt
	return 1, nil
}

func (s *memoryStore) get(seqID int64) domain.JobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[seqID]
}

func (s *memoryStore) countStatus(status domain.PollingStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.rows {
		if row.PollingStatus == status {
			n++
		}
	}
	return n
}

func (s *memoryStore) finds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCalls
}

type launch struct {
	jobName    string
	parameters string
}

// fakeRunner records launches and delegates to start when set
type fakeRunner struct {
	mu       sync.Mutex
	launches []launch
	nextID   int64
	start    func(ctx context.Context, jobName, jobParameters string) error
}

func (r *fakeRunner) Start(ctx context.Context, jobName, jobParameters string) (int64, error) {
	r.mu.Lock()
	r.launches = append(r.launches, launch{jobName: jobName, parameters: jobParameters})
	r.nextID++
	id := r.nextID
	start := r.start
	r.mu.Unlock()

	if start != nil {
		if err := start(ctx, jobName, jobParameters); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *fakeRunner) recorded() []launch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]launch(nil), r.launches...)
}

type staticRegistry bool

func (r staticRegistry) IsRunning() bool { return bool(r) }

var errBoom = errors.New("boom")
