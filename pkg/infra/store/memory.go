package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

// DetectionStore keeps the full detection history behind the bounded feed.
type DetectionStore interface {
	SaveDetection(ctx context.Context, rec feed.Record) error
	RecentDetections(ctx context.Context, limit int) ([]feed.Record, error)
	ListDetections(ctx context.Context, filter DetectionFilter) ([]feed.Record, int, error)
}

type DetectionFilter struct {
	CameraID    string
	Category    feed.Category
	PlateNumber string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

func (f DetectionFilter) match(r feed.Record) bool {
	if f.CameraID != "" && r.CameraID != f.CameraID {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.PlateNumber != "" && r.PlateNumber != f.PlateNumber {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// MemoryStore is the DetectionStore used when storage is disabled.
type MemoryStore struct {
	mu      sync.RWMutex
	records []feed.Record
	ids     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids: make(map[string]struct{}),
	}
}

func (s *MemoryStore) SaveDetection(ctx context.Context, rec feed.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[rec.ID]; exists {
		return feed.ErrDuplicateRecord.With("id", rec.ID)
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) RecentDetections(ctx context.Context, limit int) ([]feed.Record, error) {
	records, _, err := s.ListDetections(ctx, DetectionFilter{Limit: limit})
	return records, err
}

func (s *MemoryStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]feed.Record, int, error) {
	s.mu.RLock()
	var result []feed.Record
	for _, r := range s.records {
		if filter.match(r) {
			result = append(result, r)
		}
	}
	s.mu.RUnlock()

	// stable sort keeps insertion order among equal timestamps, reversed below
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	total := len(result)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < total {
		end = offset + filter.Limit
	}
	return result[offset:end], total, nil
}

var _ DetectionStore = (*MemoryStore)(nil)
