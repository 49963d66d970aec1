package shapelog

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/encoding"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
)

// Key prefixes for Pebble storage
const (
	prefixEvents  = "l/" // l/{shapeID}/{tx:016x}{op:08x}{idx:08x}
	prefixHead    = "h/" // h/{shapeID} -> 12-byte offset
	prefixTrim    = "t/" // t/{shapeID} -> 12-byte offset
	prefixGen     = "g/" // g/{shapeID} -> msgpack GenerationRecord
	keyFeedCursor = "c/feed"
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Options tune the persistent store.
type Options struct {
	CompressionLevel    int // 0 disables zstd for new writes
	CompressionMinBytes int // values below this stay raw
}

// PebbleStore is the durable Store. Event keys sort by offset, so
// catch-up reads are a single range scan; heads and trim markers are
// mirrored in memory and reloaded on open.
type PebbleStore struct {
	db    *pebble.DB
	path  string
	codec *valueCodec

	notifier Notifier

	mu     sync.RWMutex
	heads  map[string]offset.Offset
	trims  map[string]offset.Offset
	cursor int64

	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens or creates the store at path.
func NewPebbleStore(path string, notifier Notifier, opts Options) (*PebbleStore, error) {
	codec, err := newValueCodec(opts.CompressionLevel, opts.CompressionMinBytes)
	if err != nil {
		return nil, err
	}

	db, err := pebble.Open(path, &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	})
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("failed to open shape log store at %s: %w", path, err)
	}

	s := &PebbleStore{
		db:       db,
		path:     path,
		codec:    codec,
		notifier: notifier,
		heads:    make(map[string]offset.Offset),
		trims:    make(map[string]offset.Offset),
	}

	if err := s.loadState(); err != nil {
		db.Close()
		codec.Close()
		return nil, fmt.Errorf("failed to load shape log state: %w", err)
	}

	return s, nil
}

// loadState reloads heads, trim markers and the feed cursor.
func (s *PebbleStore) loadState() error {
	if err := s.loadOffsets(prefixHead, s.heads); err != nil {
		return err
	}
	if err := s.loadOffsets(prefixTrim, s.trims); err != nil {
		return err
	}

	val, closer, err := s.db.Get([]byte(keyFeedCursor))
	if err == nil {
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid cursor value length: %d", len(val))
		}
		s.cursor = int64(binary.LittleEndian.Uint64(val))
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}

	if len(s.heads) > 0 {
		log.Info().
			Int("shapes", len(s.heads)).
			Int64("cursor", s.cursor).
			Msg("Loaded shape logs")
	}
	return nil
}

func (s *PebbleStore) loadOffsets(prefix string, into map[string]offset.Offset) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		shapeID := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		off, err := decodeOffset(val)
		if err != nil {
			return fmt.Errorf("corrupted marker for shape %s: %w", shapeID, err)
		}
		into[shapeID] = off
	}
	return iter.Error()
}

// AppendInitial writes the snapshot batch and sets head to First.
func (s *PebbleStore) AppendInitial(shapeID string, events []shape.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}
	if err := validateInitial(shapeID, events); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.heads[shapeID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("shape %s already has a log", shapeID)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range events {
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to marshal snapshot row: %w", err)
		}
		key := eventKey(shapeID, offset.First, uint32(i))
		if err := batch.Set(key, s.codec.Encode(val), pebble.Sync); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to write snapshot row: %w", err)
		}
	}
	if err := batch.Set(headKey(shapeID), encodeOffset(offset.First), pebble.Sync); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write head: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to commit snapshot batch: %w", err)
	}

	s.heads[shapeID] = offset.First
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify(shapeID, offset.First)
	}
	return nil
}

// Append extends the log with one batch and advances head.
func (s *PebbleStore) Append(shapeID string, events []shape.Event) error {
	if len(events) == 0 {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}

	s.mu.Lock()
	head, exists := s.heads[shapeID]
	if !exists {
		s.mu.Unlock()
		return &MissingLogError{ShapeID: shapeID}
	}
	if err := validateAppend(shapeID, head, events); err != nil {
		s.mu.Unlock()
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range events {
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		key := eventKey(shapeID, events[i].Offset, 0)
		if err := batch.Set(key, s.codec.Encode(val), pebble.Sync); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	newHead := events[len(events)-1].Offset
	if err := batch.Set(headKey(shapeID), encodeOffset(newHead), pebble.Sync); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write head: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to commit append batch: %w", err)
	}

	s.heads[shapeID] = newHead
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify(shapeID, newHead)
	}
	return nil
}

// ReadAfter scans events with offset > from in offset order.
func (s *PebbleStore) ReadAfter(shapeID string, from offset.Offset, limit int) (*ReadResult, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("shape log store is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	s.mu.RLock()
	head, exists := s.heads[shapeID]
	trim, trimmed := s.trims[shapeID]
	s.mu.RUnlock()

	if !exists {
		return nil, &MissingLogError{ShapeID: shapeID}
	}
	if trimmed && from.Before(trim) {
		return nil, &RetentionError{ShapeID: shapeID, Requested: from, Oldest: trim}
	}

	prefix := eventPrefix(shapeID)
	lower := prefix
	if !from.IsBeforeAll() {
		// Seek strictly past every stored row at the requested offset
		lower = eventKey(shapeID, from, math.MaxUint32)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]shape.Event, 0, limit)
	for iter.SeekGE(lower); iter.Valid() && len(events) < limit; iter.Next() {
		raw, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		val, err := s.codec.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Corrupted shape log value")
			return nil, fmt.Errorf("corrupted event for shape %s: %w", shapeID, err)
		}

		var event shape.Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Corrupted shape log event")
			return nil, fmt.Errorf("corrupted event for shape %s: %w", shapeID, err)
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	upToDate := !iter.Valid()
	if n := len(events); n > 0 && events[n-1].Offset.After(head) {
		// An append landed between the head read and the scan
		head = events[n-1].Offset
	}

	return &ReadResult{Events: events, Head: head, UpToDate: upToDate}, nil
}

// Head reports the last appended offset for a shape.
func (s *PebbleStore) Head(shapeID string) (offset.Offset, bool, error) {
	if s.closed.Load() {
		return offset.Offset{}, false, fmt.Errorf("shape log store is closed")
	}
	s.mu.RLock()
	head, ok := s.heads[shapeID]
	s.mu.RUnlock()
	return head, ok, nil
}

// Shapes lists the ids of all logs, sorted.
func (s *PebbleStore) Shapes() ([]string, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("shape log store is closed")
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.heads))
	for id := range s.heads {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Drop deletes a shape's events and markers.
func (s *PebbleStore) Drop(shapeID string) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := eventPrefix(shapeID)
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if err := batch.Delete(headKey(shapeID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete head: %w", err)
	}
	if err := batch.Delete(trimKey(shapeID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete trim marker: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to drop shape log: %w", err)
	}

	delete(s.heads, shapeID)
	delete(s.trims, shapeID)
	return nil
}

// Compact removes events at offsets <= keepAfter and raises the trim
// marker. keepAfter is clamped to head.
func (s *PebbleStore) Compact(shapeID string, keepAfter offset.Offset) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}
	if keepAfter.Before(offset.First) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, exists := s.heads[shapeID]
	if !exists {
		return &MissingLogError{ShapeID: shapeID}
	}
	if keepAfter.After(head) {
		keepAfter = head
	}
	if trim, ok := s.trims[shapeID]; ok && !keepAfter.After(trim) {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(eventPrefix(shapeID), eventKey(shapeID, keepAfter, math.MaxUint32), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete compacted range: %w", err)
	}
	if err := batch.Set(trimKey(shapeID), encodeOffset(keepAfter), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write trim marker: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit compaction: %w", err)
	}

	s.trims[shapeID] = keepAfter
	log.Debug().Str("shape_id", shapeID).Str("keep_after", keepAfter.String()).Msg("Compacted shape log")
	return nil
}

// RetentionCut walks back keep event keys from the newest and returns
// the offset of the one it lands on.
func (s *PebbleStore) RetentionCut(shapeID string, keep int) (offset.Offset, bool, error) {
	if s.closed.Load() {
		return offset.Offset{}, false, fmt.Errorf("shape log store is closed")
	}
	if keep <= 0 {
		return offset.Offset{}, false, nil
	}

	s.mu.RLock()
	_, exists := s.heads[shapeID]
	s.mu.RUnlock()
	if !exists {
		return offset.Offset{}, false, &MissingLogError{ShapeID: shapeID}
	}

	prefix := eventPrefix(shapeID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return offset.Offset{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return offset.Offset{}, false, iter.Error()
	}
	for i := 0; i < keep; i++ {
		if !iter.Prev() {
			return offset.Offset{}, false, iter.Error()
		}
	}

	cut, err := parseEventKey(iter.Key(), len(prefix))
	if err != nil {
		return offset.Offset{}, false, fmt.Errorf("corrupted event key for shape %s: %w", shapeID, err)
	}
	return cut, true, nil
}

// Cursor returns the persisted feed position.
func (s *PebbleStore) Cursor() (int64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("shape log store is closed")
	}
	s.mu.RLock()
	cursor := s.cursor
	s.mu.RUnlock()
	return cursor, nil
}

// AdvanceCursor durably records the feed position.
func (s *PebbleStore) AdvanceCursor(seq int64) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, uint64(seq))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set([]byte(keyFeedCursor), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	s.cursor = seq
	return nil
}

// SaveGeneration persists a shape id binding.
func (s *PebbleStore) SaveGeneration(rec GenerationRecord) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}
	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal generation record: %w", err)
	}
	if err := s.db.Set(genKey(rec.ShapeID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save generation record: %w", err)
	}
	return nil
}

// Generations lists persisted shape id bindings, ordered by shape id.
func (s *PebbleStore) Generations() ([]GenerationRecord, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("shape log store is closed")
	}

	p := []byte(prefixGen)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []GenerationRecord
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec GenerationRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return nil, fmt.Errorf("corrupted generation record %s: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	return records, iter.Error()
}

// DeleteGeneration removes a persisted shape id binding.
func (s *PebbleStore) DeleteGeneration(shapeID string) error {
	if s.closed.Load() {
		return fmt.Errorf("shape log store is closed")
	}
	if err := s.db.Delete(genKey(shapeID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete generation record: %w", err)
	}
	return nil
}

// Close closes the Pebble database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("shape log store already closed")
	}
	s.codec.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func eventKey(shapeID string, off offset.Offset, idx uint32) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x%08x%08x", prefixEvents, shapeID, uint64(off.Tx), off.Op, idx))
}

func eventPrefix(shapeID string) []byte {
	return []byte(prefixEvents + shapeID + "/")
}

func headKey(shapeID string) []byte {
	return []byte(prefixHead + shapeID)
}

func trimKey(shapeID string) []byte {
	return []byte(prefixTrim + shapeID)
}

func genKey(shapeID string) []byte {
	return []byte(prefixGen + shapeID)
}

// parseEventKey recovers the offset from an event key's hex suffix.
func parseEventKey(key []byte, prefixLen int) (offset.Offset, error) {
	suffix := key[prefixLen:]
	if len(suffix) != 32 {
		return offset.Offset{}, fmt.Errorf("invalid event key length: %d", len(suffix))
	}
	tx, err := strconv.ParseUint(string(suffix[:16]), 16, 64)
	if err != nil {
		return offset.Offset{}, err
	}
	op, err := strconv.ParseUint(string(suffix[16:24]), 16, 32)
	if err != nil {
		return offset.Offset{}, err
	}
	return offset.Offset{Tx: int64(tx), Op: uint32(op)}, nil
}

func encodeOffset(o offset.Offset) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf, uint64(o.Tx))
	binary.LittleEndian.PutUint32(buf[8:], o.Op)
	return buf
}

func decodeOffset(val []byte) (offset.Offset, error) {
	if len(val) != 12 {
		return offset.Offset{}, fmt.Errorf("invalid offset value length: %d", len(val))
	}
	return offset.Offset{
		Tx: int64(binary.LittleEndian.Uint64(val)),
		Op: binary.LittleEndian.Uint32(val[8:]),
	}, nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
