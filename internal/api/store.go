package api

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxRuns bounds the run store; the oldest summaries are dropped first.
const DefaultMaxRuns = 1024

// RunStore keeps run summaries in memory.
type RunStore struct {
	mu    sync.Mutex
	max   int
	runs  map[string]Run
	order []string
}

func NewRunStore(max int) *RunStore {
	if max <= 0 {
		max = DefaultMaxRuns
	}
	return &RunStore{
		max:  max,
		runs: make(map[string]Run),
	}
}

// Add assigns an id to run and stores it.
func (s *RunStore) Add(run Run) Run {
	run.ID = "run_" + uuid.NewString()
	run.Object = "run"

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	for len(s.runs) > s.max && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
	return run
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

func (s *RunStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return false
	}
	delete(s.runs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *RunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
