package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RunArchive keeps terminal runs after the sequencer is done with them.
type RunArchive interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, int, error)
}

type MemoryArchive struct {
	runs map[string]*Run
	mu   sync.RWMutex
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		runs: make(map[string]*Run),
	}
}

// SaveRun upserts: a run restarted after Reset overwrites its previous
// attempt.
func (s *MemoryArchive) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryArchive) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, ErrRunNotFound.With("run_id", id)
	}
	return run.Clone(), nil
}

func (s *MemoryArchive) ListRuns(ctx context.Context, filter RunFilter) ([]Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Run
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, *r.Clone())
	}
	sortRuns(result)

	total := len(result)

	offset := filter.Offset
	if offset > len(result) {
		offset = len(result)
	}

	end := len(result)
	if filter.Limit > 0 {
		end = offset + filter.Limit
		if end > len(result) {
			end = len(result)
		}
	}

	return result[offset:end], total, nil
}

// sortRuns orders newest first, ties broken by ID.
func sortRuns(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

func generateID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}
