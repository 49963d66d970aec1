// Package lifecycle owns shape generations: creating them on first
// subscribe, routing feed transactions to them, retiring them on
// invalidation and restoring them from the log store at boot.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/snapshot"
	"github.com/maxpert/shapesync/telemetry"
)

// Generation reasons reported to telemetry
const (
	reasonCreated     = "created"
	reasonInvalidated = "invalidated"
	reasonRotated     = "rotated"
	reasonRestored    = "restored"
)

// Generation is one materialized build of a shape: an opaque id bound
// to a resolved definition and the feed sequence its snapshot already
// covers. A shape key has at most one live generation; retiring it and
// subscribing again produces a fresh generation under a new id.
type Generation struct {
	ID        string
	Def       *shape.Definition
	Watermark int64
}

// SnapshotBuilder produces the initial row set for a definition.
type SnapshotBuilder interface {
	Build(ctx context.Context, def *shape.Definition) (*snapshot.Result, error)
}

var _ SnapshotBuilder = (*snapshot.Builder)(nil)

// Options tune generation limits and log retention.
type Options struct {
	MaxShapes    int
	RetainEvents int           // per shape, 0 disables compaction
	CompactEvery time.Duration // interval of the retention pass
	DropGrace    time.Duration // delay before a retired generation's log is deleted
}

// Manager tracks every live shape generation. Subscribes for the same
// key coalesce on a single snapshot build; feed applies and snapshot
// builds are ordered through the apply gate so no committed change can
// fall between a snapshot's read point and the generation becoming
// routable.
type Manager struct {
	registry   *shape.Registry
	store      shapelog.Store
	builder    SnapshotBuilder
	dispatcher *dispatch.Dispatcher
	opts       Options
	relObs     RelationObserver

	// gate write side spans snapshot read through index publish;
	// read side brackets one feed transaction apply
	gate sync.RWMutex

	slots   *xsync.MapOf[string, *future.Future[*Generation]]
	byID    *xsync.MapOf[string, *Generation]
	byTable *xsync.MapOf[string, *xsync.MapOf[string, *Generation]]
}

// RelationObserver is told as relations gain and lose shapes. The feed
// consumer keeps its fast-path routing filter in sync through it. Calls
// are per generation, so observers with set semantics must refcount.
type RelationObserver interface {
	RelationWatched(key string)
	RelationUnwatched(key string)
}

// NewManager wires the generation index over its storage, snapshot and
// wakeup components.
func NewManager(registry *shape.Registry, store shapelog.Store, builder SnapshotBuilder, dispatcher *dispatch.Dispatcher, opts Options) *Manager {
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = time.Minute
	}
	return &Manager{
		registry:   registry,
		store:      store,
		builder:    builder,
		dispatcher: dispatcher,
		opts:       opts,
		slots:      xsync.NewMapOf[string, *future.Future[*Generation]](),
		byID:       xsync.NewMapOf[string, *Generation](),
		byTable:    xsync.NewMapOf[string, *xsync.MapOf[string, *Generation]](),
	}
}

// Subscribe resolves the requested shape and returns the generation
// that serves it. With no shape id and the initial offset it creates
// the generation on first use; concurrent callers share one snapshot
// build. A request bearing a shape id is served only while that id is
// current, otherwise the caller must restart from the beginning.
func (m *Manager) Subscribe(ctx context.Context, table, where string, from offset.Offset, shapeID string) (*Generation, error) {
	def, err := m.registry.Resolve(ctx, table, where)
	if err != nil {
		return nil, err
	}
	key := def.Key()

	if shapeID != "" {
		if gen, ok := m.byID.Load(shapeID); ok && gen.Def.Key() == key {
			return gen, nil
		}
		return nil, &StaleShapeError{ShapeID: shapeID, Key: key}
	}
	if from.After(offset.BeforeAll) {
		// A resumed position is meaningless without the log it came from
		return nil, &StaleShapeError{Key: key}
	}
	return m.getOrCreate(def)
}

func (m *Manager) getOrCreate(def *shape.Definition) (*Generation, error) {
	key := def.Key()
	p := future.NewPromise[*Generation]()
	fut, loaded := m.slots.LoadOrStore(key, p.Future())
	if loaded {
		return fut.Get()
	}

	gen, err := m.prime(def, key)
	if err != nil {
		m.slots.Delete(key)
		p.Set(nil, err)
		return nil, err
	}
	p.Set(gen, nil)
	return gen, nil
}

// prime snapshots the relation and publishes the new generation. It
// holds the gate write side throughout: any transaction committed
// after the snapshot's read point can only be applied once the
// generation is routable, and everything earlier is inside the
// snapshot already.
func (m *Manager) prime(def *shape.Definition, key string) (*Generation, error) {
	if m.opts.MaxShapes > 0 && m.byID.Size() >= m.opts.MaxShapes {
		return nil, &CapacityError{Limit: m.opts.MaxShapes}
	}

	start := time.Now()

	m.gate.Lock()
	defer m.gate.Unlock()

	res, err := m.builder.Build(context.Background(), def)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	events := make([]shape.Event, 0, len(res.Rows))
	for _, row := range res.Rows {
		rowKey, err := def.RowKey(row)
		if err != nil {
			return nil, err
		}
		events = append(events, shape.Event{
			Offset: offset.First,
			Action: shape.ActionInsert,
			Key:    rowKey,
			Value:  row,
		})
	}

	if err := m.store.AppendInitial(id, events); err != nil {
		return nil, err
	}
	if err := m.store.SaveGeneration(shapelog.GenerationRecord{
		ShapeID:   id,
		Schema:    def.Schema,
		Table:     def.Table,
		Where:     whereText(def),
		Watermark: res.Marker,
	}); err != nil {
		if dropErr := m.store.Drop(id); dropErr != nil {
			log.Warn().Err(dropErr).Str("shape_id", id).Msg("Failed to drop log of unsaved generation")
		}
		return nil, err
	}

	gen := &Generation{ID: id, Def: def, Watermark: res.Marker}
	m.publish(gen)

	telemetry.ShapeGenerationsTotal.With(reasonCreated).Inc()
	telemetry.SnapshotDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.SnapshotRows.Observe(float64(len(events)))
	log.Info().
		Str("shape_id", id).
		Str("shape_key", key).
		Int("rows", len(events)).
		Int64("watermark", res.Marker).
		Dur("elapsed", time.Since(start)).
		Msg("Shape generation primed")
	return gen, nil
}

// SetRelationObserver registers the routing observer. Call it before
// Restore or the first Subscribe so no publish is missed.
func (m *Manager) SetRelationObserver(o RelationObserver) {
	m.relObs = o
}

func (m *Manager) publish(gen *Generation) {
	m.byID.Store(gen.ID, gen)
	key := RelationKey(gen.Def.Schema, gen.Def.Table)
	tbl, _ := m.byTable.LoadOrStore(key, xsync.NewMapOf[string, *Generation]())
	tbl.Store(gen.ID, gen)
	if m.relObs != nil {
		m.relObs.RelationWatched(key)
	}
}

// Invalidate retires a generation: waiters are released with a restart
// signal, the durable record is removed and the log is dropped after
// the configured grace. Reports whether gen was still current.
func (m *Manager) Invalidate(gen *Generation) bool {
	return m.retire(gen, reasonInvalidated)
}

// InvalidateTable retires every generation materialized over a
// relation and drops its cached definitions, forcing the next
// subscribe to re-read the schema. Used when the relation's shape of
// data changed under us.
func (m *Manager) InvalidateTable(schema, table string) int {
	m.registry.Invalidate(table)

	tbl, ok := m.byTable.Load(RelationKey(schema, table))
	if !ok {
		return 0
	}
	retired := 0
	tbl.Range(func(_ string, gen *Generation) bool {
		if m.retire(gen, reasonInvalidated) {
			retired++
		}
		return true
	})
	return retired
}

// Rotate replaces a generation whose retained history no longer
// reaches back to the initial offset. The stale generation is retired
// and a fresh one is built; callers landing here concurrently share
// the replacement.
func (m *Manager) Rotate(stale *Generation) (*Generation, error) {
	m.retire(stale, reasonRotated)
	return m.getOrCreate(stale.Def)
}

// retire removes gen from every index exactly once. The byID delete is
// the ownership point: only its winner touches the slot, so a
// replacement generation's slot can never be deleted by a straggler
// retiring its predecessor.
func (m *Manager) retire(gen *Generation, reason string) bool {
	if _, loaded := m.byID.LoadAndDelete(gen.ID); !loaded {
		return false
	}
	m.slots.Delete(gen.Def.Key())
	key := RelationKey(gen.Def.Schema, gen.Def.Table)
	if tbl, ok := m.byTable.Load(key); ok {
		tbl.Delete(gen.ID)
	}
	if m.relObs != nil {
		m.relObs.RelationUnwatched(key)
	}
	m.dispatcher.Invalidate(gen.ID)
	if err := m.store.DeleteGeneration(gen.ID); err != nil {
		log.Warn().Err(err).Str("shape_id", gen.ID).Msg("Failed to delete generation record")
	}
	m.dropLog(gen.ID)

	telemetry.ShapeGenerationsTotal.With(reason).Inc()
	log.Info().
		Str("shape_id", gen.ID).
		Str("shape_key", gen.Def.Key()).
		Str("reason", reason).
		Msg("Shape generation retired")
	return true
}

func (m *Manager) dropLog(shapeID string) {
	drop := func() {
		if err := m.store.Drop(shapeID); err != nil {
			log.Debug().Err(err).Str("shape_id", shapeID).Msg("Shape log drop failed")
		}
	}
	if m.opts.DropGrace > 0 {
		time.AfterFunc(m.opts.DropGrace, drop)
		return
	}
	drop()
}

// BeginApply brackets the start of one feed transaction apply. While a
// snapshot build is in flight it blocks, so no transaction can slip
// between a snapshot's read point and the generation becoming
// routable.
func (m *Manager) BeginApply() {
	m.gate.RLock()
}

// EndApply releases BeginApply.
func (m *Manager) EndApply() {
	m.gate.RUnlock()
}

// ActiveForTable lists the live generations materialized over a
// relation. Callers keep BeginApply held across the lookup and any
// appends that follow from it.
func (m *Manager) ActiveForTable(schema, table string) []*Generation {
	tbl, ok := m.byTable.Load(RelationKey(schema, table))
	if !ok {
		return nil
	}
	gens := make([]*Generation, 0, tbl.Size())
	tbl.Range(func(_ string, gen *Generation) bool {
		gens = append(gens, gen)
		return true
	})
	return gens
}

// ActiveShapes reports the number of live generations.
func (m *Manager) ActiveShapes() int {
	return m.byID.Size()
}

// Restore rebuilds the generation index from the store's durable
// records. Records whose relation no longer resolves are dropped along
// with their logs, as are records without a log and logs without a
// record; an error reaching the upstream aborts the boot instead of
// destroying state.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.Generations()
	if err != nil {
		return err
	}
	logs, err := m.store.Shapes()
	if err != nil {
		return err
	}

	haveLog := make(map[string]bool, len(logs))
	for _, id := range logs {
		haveLog[id] = true
	}

	restored := 0
	seenKey := make(map[string]bool, len(records))
	kept := make(map[string]bool, len(records))
	for _, rec := range records {
		if !haveLog[rec.ShapeID] {
			log.Warn().Str("shape_id", rec.ShapeID).Str("table", rec.Table).Msg("Dropping generation record without a log")
			m.discardRecord(rec.ShapeID, false)
			continue
		}

		def, err := m.registry.Resolve(ctx, rec.Schema+"."+rec.Table, rec.Where)
		if err != nil {
			if !unresolvable(err) {
				return err
			}
			log.Warn().Err(err).Str("shape_id", rec.ShapeID).Str("table", rec.Table).Msg("Dropping generation whose relation no longer resolves")
			m.discardRecord(rec.ShapeID, true)
			continue
		}

		key := def.Key()
		if seenKey[key] {
			log.Warn().Str("shape_id", rec.ShapeID).Str("shape_key", key).Msg("Dropping duplicate generation for shape key")
			m.discardRecord(rec.ShapeID, true)
			continue
		}
		seenKey[key] = true

		gen := &Generation{ID: rec.ShapeID, Def: def, Watermark: rec.Watermark}
		p := future.NewPromise[*Generation]()
		p.Set(gen, nil)
		m.slots.Store(key, p.Future())
		m.publish(gen)
		kept[rec.ShapeID] = true
		restored++
		telemetry.ShapeGenerationsTotal.With(reasonRestored).Inc()
	}

	for _, id := range logs {
		if !kept[id] {
			log.Warn().Str("shape_id", id).Msg("Dropping shape log without a generation record")
			if err := m.store.Drop(id); err != nil {
				log.Warn().Err(err).Str("shape_id", id).Msg("Failed to drop orphaned shape log")
			}
		}
	}

	if restored > 0 {
		log.Info().Int("shapes", restored).Msg("Restored shape generations")
	}
	return nil
}

func (m *Manager) discardRecord(shapeID string, dropLog bool) {
	if err := m.store.DeleteGeneration(shapeID); err != nil {
		log.Warn().Err(err).Str("shape_id", shapeID).Msg("Failed to delete generation record")
	}
	if dropLog {
		if err := m.store.Drop(shapeID); err != nil {
			log.Warn().Err(err).Str("shape_id", shapeID).Msg("Failed to drop shape log")
		}
	}
}

// Run drives the periodic retention pass until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.RetainEvents <= 0 {
		return nil
	}

	ticker := time.NewTicker(m.opts.CompactEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.compactAll()
		}
	}
}

// compactAll trims every live log down to the retention budget,
// clamped so no registered waiter's position falls off the log.
func (m *Manager) compactAll() {
	m.byID.Range(func(id string, _ *Generation) bool {
		cut, ok, err := m.store.RetentionCut(id, m.opts.RetainEvents)
		if err != nil {
			var missing *shapelog.MissingLogError
			if !errors.As(err, &missing) {
				log.Warn().Err(err).Str("shape_id", id).Msg("Retention scan failed")
			}
			return true
		}
		if !ok {
			return true
		}
		if floor, waiting := m.dispatcher.WaiterFloor(id); waiting && cut.After(floor) {
			cut = floor
		}
		if err := m.store.Compact(id, cut); err != nil {
			log.Warn().Err(err).Str("shape_id", id).Msg("Shape log compaction failed")
			return true
		}
		telemetry.LogCompactionsTotal.Inc()
		log.Debug().Str("shape_id", id).Str("cut", cut.String()).Msg("Retention pass trimmed shape log")
		return true
	})
}

func whereText(def *shape.Definition) string {
	if def.Filter == nil {
		return ""
	}
	return def.Filter.String()
}

// RelationKey normalizes a schema-qualified table name into the form
// the routing index and relation observers key on.
func RelationKey(schema, table string) string {
	return strings.ToLower(schema + "." + table)
}

// unresolvable reports whether a resolve failure is a property of the
// request rather than of the moment, so a restored record carrying it
// can never become valid again.
func unresolvable(err error) bool {
	var notFound *shape.TableNotFoundError
	var blocked *shape.BlockedTableError
	var filter *shape.FilterError
	var noKey *shape.NoKeyError
	return errors.As(err, &notFound) || errors.As(err, &blocked) ||
		errors.As(err, &filter) || errors.As(err, &noKey)
}
