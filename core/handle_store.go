package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Handle Data Models
// =============================================================================

type HandleStatus string

const (
	HandleStatusPending   HandleStatus = "PENDING"
	HandleStatusRunning   HandleStatus = "RUNNING"
	HandleStatusCompleted HandleStatus = "COMPLETED"
)

// HandleEntry is the pool-side record of one in-flight submission.
type HandleEntry struct {
	Handle      Handle
	TaskID      string
	Variant     string
	Status      HandleStatus
	Outcome     Outcome
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

type HandleFilter struct {
	Status HandleStatus // Empty means all
	Limit  int          // 0 means no limit
}

// =============================================================================
// HandleStore Interface
// =============================================================================

// HandleStore tracks submissions from Submit until the outcome is released.
type HandleStore interface {
	// CreateHandle inserts a new PENDING entry. Returns ErrHandleExists on reuse.
	CreateHandle(ctx context.Context, entry *HandleEntry) error

	// MarkRunning moves a PENDING entry to RUNNING.
	MarkRunning(ctx context.Context, h Handle) error

	// Complete stores the outcome. Completing twice keeps the first outcome.
	Complete(ctx context.Context, h Handle, outcome Outcome) error

	// GetHandle returns a copy of the entry, or ErrUnknownHandle.
	GetHandle(ctx context.Context, h Handle) (*HandleEntry, error)

	// ReleaseHandle forgets the entry.
	ReleaseHandle(ctx context.Context, h Handle) error

	// ListHandles returns entries matching the filter.
	ListHandles(ctx context.Context, filter HandleFilter) ([]*HandleEntry, error)
}

// ErrHandleExists indicates a handle was inserted twice.
var ErrHandleExists = errors.New("handle already exists")

// =============================================================================
// MemoryHandleStore Implementation
// =============================================================================

// MemoryHandleStore is an in-memory HandleStore backed by sync.Map.
type MemoryHandleStore struct {
	data sync.Map // map[Handle]*HandleEntry
	mu   sync.Mutex
}

// NewMemoryHandleStore creates a new in-memory handle store
func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{}
}

func cloneHandleEntry(e *HandleEntry) *HandleEntry {
	c := *e
	c.Outcome.Payload = append([]byte(nil), e.Outcome.Payload...)
	return &c
}

func (s *MemoryHandleStore) CreateHandle(ctx context.Context, entry *HandleEntry) error {
	if entry.Handle.IsZero() {
		return fmt.Errorf("handle cannot be zero")
	}

	now := time.Now()
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = HandleStatusPending
	}

	if _, loaded := s.data.LoadOrStore(entry.Handle, cloneHandleEntry(entry)); loaded {
		return ErrHandleExists
	}
	return nil
}

func (s *MemoryHandleStore) MarkRunning(ctx context.Context, h Handle) error {
	return s.update(h, func(e *HandleEntry) {
		if e.Status == HandleStatusPending {
			e.Status = HandleStatusRunning
		}
	})
}

func (s *MemoryHandleStore) Complete(ctx context.Context, h Handle, outcome Outcome) error {
	return s.update(h, func(e *HandleEntry) {
		if e.Status == HandleStatusCompleted {
			return
		}
		e.Status = HandleStatusCompleted
		e.Outcome = outcome
	})
}

// update swaps in a modified copy so readers never see a half-written entry.
func (s *MemoryHandleStore) update(h Handle, fn func(e *HandleEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data.Load(h)
	if !ok {
		return fmt.Errorf("handle %s: %w", h, ErrUnknownHandle)
	}

	updated := cloneHandleEntry(raw.(*HandleEntry))
	fn(updated)
	updated.UpdatedAt = time.Now()
	s.data.Store(h, updated)
	return nil
}

func (s *MemoryHandleStore) GetHandle(ctx context.Context, h Handle) (*HandleEntry, error) {
	raw, ok := s.data.Load(h)
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", h, ErrUnknownHandle)
	}
	return cloneHandleEntry(raw.(*HandleEntry)), nil
}

func (s *MemoryHandleStore) ReleaseHandle(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.data.LoadAndDelete(h); !loaded {
		return fmt.Errorf("handle %s: %w", h, ErrUnknownHandle)
	}
	return nil
}

func (s *MemoryHandleStore) ListHandles(ctx context.Context, filter HandleFilter) ([]*HandleEntry, error) {
	var entries []*HandleEntry

	s.data.Range(func(key, value any) bool {
		e := value.(*HandleEntry)

		if filter.Status != "" && e.Status != filter.Status {
			return true
		}
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			return false
		}

		entries = append(entries, cloneHandleEntry(e))
		return true
	})

	return entries, nil
}

// Count returns the number of handles not yet released
func (s *MemoryHandleStore) Count() int {
	count := 0
	s.data.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}
