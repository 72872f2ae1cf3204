// Package process owns the local identity and is the only writer of its
// log.
//
// A Handle appends signed events for its own process, ingests events from
// peers through the same code path, and notifies listeners synchronously
// once each event's batch has been committed. All writes through one
// Handle are serialized, so logical clocks of the local process are dense
// and start at 0.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/state"
	"github.com/roach88/polycentric/internal/store"
)

var (
	// ErrNoIdentity is returned by Load when the store holds no process
	// secret.
	ErrNoIdentity = errors.New("no identity in store")

	// ErrIdentityExists is returned by Create when the store already holds
	// a process secret.
	ErrIdentityExists = errors.New("identity already exists in store")

	// ErrUndeletable is returned by Delete for a delete event. A delete
	// stays in the log so the coordinate it tombstoned can still be served.
	ErrUndeletable = errors.New("delete events cannot be deleted")
)

// Clock supplies the wall time used for LWW timestamps.
type Clock interface {
	NowMillis() uint64
}

type systemClock struct{}

func (systemClock) NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// Applied describes an event that has just been committed.
type Applied struct {
	Signed *model.SignedEvent
	Event  *model.Event

	// State is the system projection after the event. Listeners must not
	// modify it.
	State *state.SystemState

	// StateChanged reports whether the projection differs from before.
	StateChanged bool

	// Deleted is the tombstoned target when Event is a delete.
	Deleted *model.Pointer
}

// Listener observes committed events. EventApplied runs on the writer's
// goroutine after the handle's lock has been released and before the
// append or ingest call returns.
type Listener interface {
	EventApplied(ctx context.Context, a *Applied)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, a *Applied)

func (f ListenerFunc) EventApplied(ctx context.Context, a *Applied) { f(ctx, a) }

// Handle is the local identity bound to a store.
type Handle struct {
	mu     sync.Mutex
	store  *store.Store
	secret store.ProcessSecret
	system model.PublicKey
	clock  Clock
	logger *slog.Logger

	listenersMu sync.RWMutex
	listeners   []registeredListener
	nextID      int
}

type registeredListener struct {
	id int
	l  Listener
}

// Option configures a Handle.
type Option func(*Handle)

// WithClock overrides the wall clock used for LWW timestamps.
func WithClock(c Clock) Option {
	return func(h *Handle) { h.clock = c }
}

// WithLogger sets the handle's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

// WithListener registers a listener at construction time.
func WithListener(l Listener) Option {
	return func(h *Handle) { h.addListener(l) }
}

func newHandle(st *store.Store, secret store.ProcessSecret, opts ...Option) (*Handle, error) {
	system, err := secret.System.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("process handle: %w", err)
	}
	h := &Handle{
		store:  st,
		secret: secret,
		system: system,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Create generates a new identity, persists it and returns its handle.
func Create(ctx context.Context, st *store.Store, opts ...Option) (*Handle, error) {
	key, err := model.GeneratePrivateKey(nil)
	if err != nil {
		return nil, err
	}
	return CreateFromKey(ctx, st, key, opts...)
}

// CreateFromKey persists an identity for an existing system key with a
// fresh process. This is how a second device joins a system.
func CreateFromKey(ctx context.Context, st *store.Store, key model.PrivateKey, opts ...Option) (*Handle, error) {
	existing, err := st.GetProcessSecret(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrIdentityExists
	}

	secret := store.ProcessSecret{System: key, Process: model.NewProcess()}
	h, err := newHandle(st, secret, opts...)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	b.SetProcessSecret(&secret)
	if err := st.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("create process handle: %w", err)
	}
	h.logger.Info("created identity", "system", h.system.String(), "process", secret.Process.String())
	return h, nil
}

// Load opens the identity persisted in st.
func Load(ctx context.Context, st *store.Store, opts ...Option) (*Handle, error) {
	secret, err := st.GetProcessSecret(ctx)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, ErrNoIdentity
	}
	return newHandle(st, *secret, opts...)
}

// System returns the local system key.
func (h *Handle) System() model.PublicKey { return h.system }

// Process returns the local process.
func (h *Handle) Process() model.Process { return h.secret.Process }

// PrivateKey returns the signing key of the local system.
func (h *Handle) PrivateKey() model.PrivateKey { return h.secret.System }

// Store returns the backing store.
func (h *Handle) Store() *store.Store { return h.store }

// Logger returns the handle's logger.
func (h *Handle) Logger() *slog.Logger { return h.logger }

func (h *Handle) addListener(l Listener) int {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners = append(h.listeners, registeredListener{id: id, l: l})
	return id
}

// AddListener registers l and returns a function that removes it.
func (h *Handle) AddListener(l Listener) (remove func()) {
	id := h.addListener(l)
	return func() {
		h.listenersMu.Lock()
		defer h.listenersMu.Unlock()
		h.listeners = slices.DeleteFunc(h.listeners, func(r registeredListener) bool { return r.id == id })
	}
}

func (h *Handle) notify(ctx context.Context, a *Applied) {
	h.listenersMu.RLock()
	snapshot := slices.Clone(h.listeners)
	h.listenersMu.RUnlock()

	for _, r := range snapshot {
		r.l.EventApplied(ctx, a)
	}
}

// LoadSystemState returns the current projection of system.
func (h *Handle) LoadSystemState(ctx context.Context, system model.PublicKey) (*state.SystemState, error) {
	return state.Load(ctx, h.store, system)
}

// Ranges returns the RangeSet of every known process of system.
func (h *Handle) Ranges(ctx context.Context, system model.PublicKey) ([]store.ProcessRanges, error) {
	return h.store.RangesForSystem(ctx, system)
}

// GetSignedEvent returns the event at p, following a tombstone once.
func (h *Handle) GetSignedEvent(ctx context.Context, p model.Pointer) (*model.SignedEvent, error) {
	return h.store.GetSignedEvent(ctx, p)
}
