package shapelog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
)

type memLog struct {
	events  []shape.Event
	head    offset.Offset
	trim    offset.Offset
	trimmed bool
}

// MemoryStore keeps the full Store contract on in-memory slices. Used
// by tests and ephemeral deployments; nothing survives a restart.
type MemoryStore struct {
	notifier Notifier

	mu     sync.RWMutex
	logs   map[string]*memLog
	gens   map[string]GenerationRecord
	cursor int64
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(notifier Notifier) *MemoryStore {
	return &MemoryStore{
		notifier: notifier,
		logs:     make(map[string]*memLog),
		gens:     make(map[string]GenerationRecord),
	}
}

func (s *MemoryStore) AppendInitial(shapeID string, events []shape.Event) error {
	if err := validateInitial(shapeID, events); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("shape log store is closed")
	}
	if _, exists := s.logs[shapeID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("shape %s already has a log", shapeID)
	}
	s.logs[shapeID] = &memLog{
		events: append([]shape.Event(nil), events...),
		head:   offset.First,
	}
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify(shapeID, offset.First)
	}
	return nil
}

func (s *MemoryStore) Append(shapeID string, events []shape.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("shape log store is closed")
	}
	l, exists := s.logs[shapeID]
	if !exists {
		s.mu.Unlock()
		return &MissingLogError{ShapeID: shapeID}
	}
	if err := validateAppend(shapeID, l.head, events); err != nil {
		s.mu.Unlock()
		return err
	}

	l.events = append(l.events, events...)
	l.head = events[len(events)-1].Offset
	newHead := l.head
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify(shapeID, newHead)
	}
	return nil
}

func (s *MemoryStore) ReadAfter(shapeID string, from offset.Offset, limit int) (*ReadResult, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("shape log store is closed")
	}
	l, exists := s.logs[shapeID]
	if !exists {
		return nil, &MissingLogError{ShapeID: shapeID}
	}
	if l.trimmed && from.Before(l.trim) {
		return nil, &RetentionError{ShapeID: shapeID, Requested: from, Oldest: l.trim}
	}

	start := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Offset.After(from)
	})
	end := start + limit
	if end > len(l.events) {
		end = len(l.events)
	}

	return &ReadResult{
		Events:   l.events[start:end:end],
		Head:     l.head,
		UpToDate: end == len(l.events),
	}, nil
}

func (s *MemoryStore) Head(shapeID string) (offset.Offset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return offset.Offset{}, false, fmt.Errorf("shape log store is closed")
	}
	l, exists := s.logs[shapeID]
	if !exists {
		return offset.Offset{}, false, nil
	}
	return l.head, true, nil
}

func (s *MemoryStore) Shapes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("shape log store is closed")
	}
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Drop(shapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store is closed")
	}
	delete(s.logs, shapeID)
	return nil
}

func (s *MemoryStore) Compact(shapeID string, keepAfter offset.Offset) error {
	if keepAfter.Before(offset.First) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store is closed")
	}
	l, exists := s.logs[shapeID]
	if !exists {
		return &MissingLogError{ShapeID: shapeID}
	}
	if keepAfter.After(l.head) {
		keepAfter = l.head
	}
	if l.trimmed && !keepAfter.After(l.trim) {
		return nil
	}

	start := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Offset.After(keepAfter)
	})
	l.events = append([]shape.Event(nil), l.events[start:]...)
	l.trim = keepAfter
	l.trimmed = true
	return nil
}

func (s *MemoryStore) RetentionCut(shapeID string, keep int) (offset.Offset, bool, error) {
	if keep <= 0 {
		return offset.Offset{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return offset.Offset{}, false, fmt.Errorf("shape log store is closed")
	}
	l, exists := s.logs[shapeID]
	if !exists {
		return offset.Offset{}, false, &MissingLogError{ShapeID: shapeID}
	}
	if len(l.events) <= keep {
		return offset.Offset{}, false, nil
	}
	return l.events[len(l.events)-keep-1].Offset, true, nil
}

func (s *MemoryStore) Cursor() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("shape log store is closed")
	}
	return s.cursor, nil
}

func (s *MemoryStore) AdvanceCursor(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store is closed")
	}
	s.cursor = seq
	return nil
}

func (s *MemoryStore) SaveGeneration(rec GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store is closed")
	}
	s.gens[rec.ShapeID] = rec
	return nil
}

func (s *MemoryStore) Generations() ([]GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("shape log store is closed")
	}
	records := make([]GenerationRecord, 0, len(s.gens))
	for _, rec := range s.gens {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ShapeID < records[j].ShapeID
	})
	return records, nil
}

func (s *MemoryStore) DeleteGeneration(shapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store is closed")
	}
	delete(s.gens, shapeID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("shape log store already closed")
	}
	s.closed = true
	return nil
}
