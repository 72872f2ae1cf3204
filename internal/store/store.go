package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
)

// ErrCorrupt marks a stored record that cannot be decoded.
var ErrCorrupt = errors.New("corrupt storage record")

// claimMarker is the value stored in the claim index. The key carries all
// the information; a non-empty value keeps every driver's presence check
// unambiguous.
var claimMarker = []byte{1}

// Store provides durable storage for event logs and their projections on
// top of a Driver.
type Store struct {
	driver Driver
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report unexpected records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an open driver.
func New(d Driver, opts ...Option) *Store {
	s := &Store{driver: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the named driver ("sqlite", "bolt" or "memory") at path.
func Open(driver, path string, opts ...Option) (*Store, error) {
	d, err := openDriver(driver, path)
	if err != nil {
		return nil, err
	}
	return New(d, opts...), nil
}

// OpenMemory returns a Store on a fresh in-memory driver.
func OpenMemory(opts ...Option) *Store {
	return New(NewMemory(), opts...)
}

// Close closes the underlying driver.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Driver returns the underlying driver.
func (s *Store) Driver() Driver {
	return s.driver
}

// Batch accumulates writes that Commit applies atomically.
type Batch struct {
	ops []Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of pending operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// PutEvent stores a signed event at its own coordinates. Writing the same
// bytes again is a no-op.
func (b *Batch) PutEvent(p model.Pointer, e *model.SignedEvent) {
	rec := &Record{Event: e}
	b.ops = append(b.ops, Op{Keyspace: KeyspaceEvents, Key: eventKey(p), Value: rec.marshal()})
}

// PutTombstone replaces whatever is stored at target with a pointer to the
// event that deleted it.
func (b *Batch) PutTombstone(target, mutation model.Pointer) {
	rec := &Record{MutationPointer: &mutation}
	b.ops = append(b.ops, Op{Keyspace: KeyspaceEvents, Key: eventKey(target), Value: rec.marshal()})
}

// PutProcessState stores the summary of one process.
func (b *Batch) PutProcessState(system model.PublicKey, process model.Process, ps *ProcessState) {
	b.ops = append(b.ops, Op{Keyspace: KeyspaceProcessStates, Key: processKey(system, process), Value: ps.marshal()})
}

// PutSystemState stores an encoded system projection.
func (b *Batch) PutSystemState(system model.PublicKey, encoded []byte) {
	b.ops = append(b.ops, Op{Keyspace: KeyspaceSystemStates, Key: systemKey(system), Value: encoded})
}

// PutIndexClaim adds a claim event to the per-system claim index.
func (b *Batch) PutIndexClaim(p model.Pointer) {
	b.ops = append(b.ops, Op{Keyspace: KeyspaceIndexClaims, Key: eventKey(p), Value: claimMarker})
}

// DeleteIndexClaim removes a claim event from the index.
func (b *Batch) DeleteIndexClaim(p model.Pointer) {
	b.ops = append(b.ops, Op{Keyspace: KeyspaceIndexClaims, Key: eventKey(p), Delete: true})
}

// SetProcessSecret stores the local identity.
func (b *Batch) SetProcessSecret(secret *ProcessSecret) {
	b.ops = append(b.ops, Op{Keyspace: KeyspaceMeta, Key: metaProcessSecret, Value: secret.marshal()})
}

// Commit applies every operation in b atomically.
func (s *Store) Commit(ctx context.Context, b *Batch) error {
	if len(b.ops) == 0 {
		return nil
	}
	if err := s.driver.Commit(ctx, b.ops); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// GetProcessSecret returns the stored local identity, or nil if none has
// been created.
func (s *Store) GetProcessSecret(ctx context.Context) (*ProcessSecret, error) {
	raw, ok, err := s.driver.Get(ctx, KeyspaceMeta, metaProcessSecret)
	if err != nil {
		return nil, fmt.Errorf("get process secret: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return unmarshalProcessSecret(raw)
}

// GetProcessState returns the summary of one process. An unknown process
// yields an empty state, never an error.
func (s *Store) GetProcessState(ctx context.Context, system model.PublicKey, process model.Process) (*ProcessState, error) {
	raw, ok, err := s.driver.Get(ctx, KeyspaceProcessStates, processKey(system, process))
	if err != nil {
		return nil, fmt.Errorf("get process state: %w", err)
	}
	if !ok {
		return &ProcessState{}, nil
	}
	return unmarshalProcessState(raw)
}

// LoadSystemState returns the encoded projection of system, or nil if
// nothing has been stored for it.
func (s *Store) LoadSystemState(ctx context.Context, system model.PublicKey) ([]byte, error) {
	raw, ok, err := s.driver.Get(ctx, KeyspaceSystemStates, systemKey(system))
	if err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return raw, nil
}

// ListProcesses returns every process of system with a stored summary, in
// key order.
func (s *Store) ListProcesses(ctx context.Context, system model.PublicKey) ([]model.Process, error) {
	prefix := systemKey(system)
	entries, err := s.driver.Scan(ctx, KeyspaceProcessStates, prefix, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]model.Process, 0, len(entries))
	for _, e := range entries {
		p, err := parseProcessKey(len(prefix), e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListSystems returns every system with a stored projection.
func (s *Store) ListSystems(ctx context.Context) ([]model.PublicKey, error) {
	entries, err := s.driver.Scan(ctx, KeyspaceSystemStates, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	out := make([]model.PublicKey, 0, len(entries))
	for _, e := range entries {
		k, err := parseSystemKey(e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// GetRecord returns the raw record at p without following tombstones, or
// nil when nothing is stored there.
func (s *Store) GetRecord(ctx context.Context, p model.Pointer) (*Record, error) {
	raw, ok, err := s.driver.Get(ctx, KeyspaceEvents, eventKey(p))
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return unmarshalRecord(raw)
}

// GetSignedEvent returns the event stored at p. A tombstone is followed
// exactly once, yielding the deleting event. A missing or corrupt record,
// a dangling tombstone, or a tombstone pointing at another tombstone all
// report absent (nil, nil); the latter cases are logged.
func (s *Store) GetSignedEvent(ctx context.Context, p model.Pointer) (*model.SignedEvent, error) {
	rec, err := s.GetRecord(ctx, p)
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn("unexpected storage record", "pointer", p.String(), "error", err)
		return nil, nil
	}
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.IsTombstone() {
		return rec.Event, nil
	}

	target, err := s.GetRecord(ctx, *rec.MutationPointer)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("unexpected storage record", "pointer", rec.MutationPointer.String(), "error", err)
		return nil, nil
	case err != nil:
		return nil, err
	case target == nil:
		s.logger.Warn("tombstone target missing", "pointer", p.String(), "mutation", rec.MutationPointer.String())
		return nil, nil
	case target.IsTombstone():
		s.logger.Warn("tombstone chain longer than one hop", "pointer", p.String(), "mutation", rec.MutationPointer.String())
		return nil, nil
	}
	return target.Event, nil
}

// ScanEvents returns up to limit records of one process with logical
// clock >= from, in clock order, keyed by their pointer.
func (s *Store) ScanEvents(ctx context.Context, system model.PublicKey, process model.Process, from uint64, limit int) ([]model.Pointer, []*Record, error) {
	prefix := processKey(system, process)
	var after []byte
	if from > 0 {
		after = eventKey(model.Pointer{System: system, Process: process, LogicalClock: from - 1})
	}
	entries, err := s.driver.Scan(ctx, KeyspaceEvents, prefix, after, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("scan events: %w", err)
	}

	pointers := make([]model.Pointer, 0, len(entries))
	records := make([]*Record, 0, len(entries))
	for _, e := range entries {
		p, err := parseEventKey(e.Key)
		if err != nil {
			return nil, nil, err
		}
		rec, err := unmarshalRecord(e.Value)
		if err != nil {
			s.logger.Warn("unexpected storage record", "pointer", p.String(), "error", err)
			continue
		}
		pointers = append(pointers, p)
		records = append(records, rec)
	}
	return pointers, records, nil
}

// ScanSystemEvents returns up to limit records of every process of system
// in event key order, starting strictly after cursor, plus the cursor for
// the next page. Tombstones are returned as they are stored.
func (s *Store) ScanSystemEvents(ctx context.Context, system model.PublicKey, cursor []byte, limit int) ([]model.Pointer, []*Record, []byte, error) {
	entries, err := s.driver.Scan(ctx, KeyspaceEvents, systemKey(system), cursor, limit)
	if err != nil {
		return nil, nil, cursor, fmt.Errorf("scan system events: %w", err)
	}

	next := cursor
	pointers := make([]model.Pointer, 0, len(entries))
	records := make([]*Record, 0, len(entries))
	for _, e := range entries {
		next = e.Key
		p, err := parseEventKey(e.Key)
		if err != nil {
			s.logger.Warn("unexpected event key", "error", err)
			continue
		}
		rec, err := unmarshalRecord(e.Value)
		if err != nil {
			s.logger.Warn("unexpected storage record", "pointer", p.String(), "error", err)
			continue
		}
		pointers = append(pointers, p)
		records = append(records, rec)
	}
	return pointers, records, next, nil
}

// QueryClaimIndex returns up to limit claim events of system whose index
// key sorts after cursor, plus the cursor to pass for the next page. A nil
// cursor starts from the beginning. The returned cursor equals the input
// when the page is empty.
func (s *Store) QueryClaimIndex(ctx context.Context, system model.PublicKey, limit int, cursor []byte) ([]*model.SignedEvent, []byte, error) {
	entries, err := s.driver.Scan(ctx, KeyspaceIndexClaims, systemKey(system), cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("query claim index: %w", err)
	}

	next := cursor
	var events []*model.SignedEvent
	for _, e := range entries {
		next = e.Key
		p, err := parseEventKey(e.Key)
		if err != nil {
			s.logger.Warn("unexpected claim index key", "error", err)
			continue
		}
		ev, err := s.GetSignedEvent(ctx, p)
		if err != nil {
			return nil, cursor, fmt.Errorf("query claim index: %w", err)
		}
		if ev == nil {
			continue
		}
		events = append(events, ev)
	}
	return events, next, nil
}

// ProcessRanges pairs a process with the logical clocks held for it.
type ProcessRanges struct {
	Process model.Process
	Ranges  rangeset.Set
}

// RangesForSystem returns the RangeSet of every known process of system, in
// process order.
func (s *Store) RangesForSystem(ctx context.Context, system model.PublicKey) ([]ProcessRanges, error) {
	processes, err := s.ListProcesses(ctx, system)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessRanges, 0, len(processes))
	for _, p := range processes {
		ps, err := s.GetProcessState(ctx, system, p)
		if err != nil {
			return nil, fmt.Errorf("ranges for system: %w", err)
		}
		out = append(out, ProcessRanges{Process: p, Ranges: ps.Ranges})
	}
	return out, nil
}

// EventsForRanges returns the events stored at the given clocks of one
// process, following tombstones, skipping clocks that are absent and
// deduplicating when several tombstones resolve to the same deleting event.
// At most limit events are returned when limit > 0.
func (s *Store) EventsForRanges(ctx context.Context, system model.PublicKey, process model.Process, ranges rangeset.Set, limit int) ([]*model.SignedEvent, error) {
	ps, err := s.GetProcessState(ctx, system, process)
	if err != nil {
		return nil, fmt.Errorf("events for ranges: %w", err)
	}
	// Only walk clocks that are actually held, so a huge requested range
	// costs no more than the local log.
	held := ranges.Difference(ranges.Difference(ps.Ranges))

	var (
		out  []*model.SignedEvent
		seen = make(map[string]bool)
	)
	held.Values(func(clock uint64) bool {
		var ev *model.SignedEvent
		ev, err = s.GetSignedEvent(ctx, model.Pointer{System: system, Process: process, LogicalClock: clock})
		if err != nil {
			return false
		}
		if ev == nil || seen[string(ev.Event)] {
			return true
		}
		seen[string(ev.Event)] = true
		out = append(out, ev)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("events for ranges: %w", err)
	}
	return out, nil
}
