package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInvalidEvent     = errors.New("invalid audit event")
	ErrStoreUnavailable = errors.New("audit store unavailable")
	// ErrSequenceConflict means a concurrent writer committed the sequence
	// number first. The Writer retries it and never returns it.
	ErrSequenceConflict = errors.New("audit sequence conflict")
)

// BuildFunc turns the locked tail into the next entry.
type BuildFunc func(tail Tail) (Entry, error)

// Appender is the only write path into the chain; no update or delete exists.
type Appender interface {
	// AppendNext reads the tail, calls build and inserts its result as one
	// atomic unit. It returns ErrSequenceConflict if the sequence number was
	// taken concurrently.
	AppendNext(ctx context.Context, build BuildFunc) (Entry, error)
}

// Reader exposes committed rows only.
type Reader interface {
	// Scan calls fn for entries with from <= sequence <= to in ascending order.
	Scan(ctx context.Context, from, to int64, fn func(Entry) error) error
	Get(ctx context.Context, sequence int64) (Entry, bool, error)
	GetByLogID(ctx context.Context, logID string) (Entry, bool, error)
	Stats(ctx context.Context) (Stats, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

type Store interface {
	Appender
	Reader
}

// InMemoryStore keeps the chain in process memory. It backs tests and the
// memory driver.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byLogID map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byLogID: make(map[string]int)}
}

func (s *InMemoryStore) AppendNext(ctx context.Context, build BuildFunc) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := Tail{Empty: true}
	if n := len(s.entries); n > 0 {
		last := s.entries[n-1]
		tail = Tail{Sequence: last.Sequence, Hash: last.CurrentHash, Timestamp: last.Timestamp}
	}
	e, err := build(tail)
	if err != nil {
		return Entry{}, err
	}
	if n := len(s.entries); n > 0 && s.entries[n-1].Sequence >= e.Sequence {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrSequenceConflict, e.Sequence)
	}
	if _, dup := s.byLogID[e.LogID]; dup {
		return Entry{}, fmt.Errorf("%w: duplicate log id %s", ErrInvalidEvent, e.LogID)
	}
	s.entries = append(s.entries, cloneEntry(e))
	s.byLogID[e.LogID] = len(s.entries) - 1
	return e, nil
}

func (s *InMemoryStore) Scan(ctx context.Context, from, to int64, fn func(Entry) error) error {
	s.mu.RLock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Sequence >= from })
	batch := make([]Entry, 0)
	for ; i < len(s.entries) && s.entries[i].Sequence <= to; i++ {
		batch = append(batch, cloneEntry(s.entries[i]))
	}
	s.mu.RUnlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sequence int64) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Sequence >= sequence })
	if i < len(s.entries) && s.entries[i].Sequence == sequence {
		return cloneEntry(s.entries[i]), true, nil
	}
	return Entry{}, false, nil
}

func (s *InMemoryStore) GetByLogID(_ context.Context, logID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byLogID[logID]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(s.entries[i]), true, nil
}

func (s *InMemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if n == 0 {
		return Stats{}, nil
	}
	return Stats{Count: int64(n), MinSequence: s.entries[0].Sequence, MaxSequence: s.entries[n-1].Sequence}, nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEntry(s.entries[i]))
	}
	return out, nil
}

func cloneEntry(e Entry) Entry {
	if e.Metadata != nil {
		e.Metadata = append([]byte(nil), e.Metadata...)
	}
	return e
}
