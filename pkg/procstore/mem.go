package procstore

import (
	"sync"
)

// MemStore is an in-memory Store. It survives "restarts" as long as the same
// value is handed to a new executor, and can be told to fail appends.
type MemStore struct {
	mu      sync.Mutex
	records []Record
	seq     uint64
	nextID  uint64
	closed  bool

	failErr   error
	failCount int // -1 fails every append
	failWhen  func(Record) bool
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{}
}

// FailAppends makes the next n appends return err. n < 0 fails all appends
// until cleared with FailAppends(0, nil).
func (s *MemStore) FailAppends(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failErr = err
	s.failWhen = nil
}

// FailAppendsWhen fails every append whose record matches fn with err
func (s *MemStore) FailAppendsWhen(fn func(Record) bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWhen = fn
	s.failErr = err
	s.failCount = 0
}

// Append implements Store
func (s *MemStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.failWhen != nil && s.failWhen(rec) {
		return s.failErr
	}
	if s.failCount != 0 {
		if s.failCount > 0 {
			s.failCount--
		}
		return s.failErr
	}

	s.seq++
	rec.Seq = s.seq
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of every record in sequence order
func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// History returns the records of one procedure in sequence order
func (s *MemStore) History(id uint64) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if rec.ProcedureID == id {
			out = append(out, rec)
		}
	}
	return out
}

// LoadAll implements Store
func (s *MemStore) LoadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return activeByID(latest(s.records)), nil
}

// Compact implements Store
func (s *MemStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	byID := latest(s.records)
	kept := s.records[:0]
	for _, rec := range s.records {
		if l := byID[rec.ProcedureID]; !l.Terminal && l.Seq == rec.Seq {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}

// NextID implements Store
func (s *MemStore) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextID++
	return s.nextID, nil
}

// Stats implements Store
func (s *MemStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := latest(s.records)
	return Stats{
		Records:    len(s.records),
		Procedures: len(byID),
		Active:     len(activeByID(byID)),
		LastSeq:    s.seq,
	}, nil
}

// Close implements Store
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
