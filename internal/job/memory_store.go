package job

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Request
	order  []int64

	// UniquePaymentID mirrors the optional postgres uniqueness constraint.
	UniquePaymentID bool

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		rows:   make(map[int64]Request),
		now:    time.Now,
	}
}

func (s *MemoryStore) Insert(_ context.Context, r Request) (int64, error) {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UniquePaymentID {
		for _, row := range s.rows {
			if row.PaymentID == r.PaymentID {
				return 0, ErrPaymentReplayed
			}
		}
	}

	r.ID = s.nextID
	s.nextID++
	r.CreatedAt = s.now().UTC()
	s.rows[r.ID] = r
	s.order = append(s.order, r.ID)
	return r.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListOrphaned(_ context.Context, olderThan time.Duration, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	cutoff := s.now().UTC().Add(-olderThan)

	out := make([]Request, 0, limit)
	for _, id := range s.order {
		r := s.rows[id]
		if r.Status != StatusProcessing || r.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id int64, pdfURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusCompleted && r.PDFURL == pdfURL {
		return nil
	}
	if r.Status.Terminal() {
		return ErrInvalidTransition
	}
	r.Status = StatusCompleted
	r.PDFURL = pdfURL
	s.rows[id] = r
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusFailed {
		return nil
	}
	if r.Status.Terminal() {
		return ErrInvalidTransition
	}
	r.Status = StatusFailed
	s.rows[id] = r
	return nil
}

// SetNow overrides the clock. Tests only.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

var _ Store = (*MemoryStore)(nil)
