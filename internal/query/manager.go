// Package query turns the local store into live, cancellable views.
//
// A Manager listens to a process.Handle and re-delivers the value of each
// watched CRDT key whenever an append or ingest changes it. Index queries
// page through history on demand and stream live additions and deletions.
//
// # Cancellation
//
// Every query is bound to a context. Cancelling that context, or calling the
// returned unregister function, stops delivery: no callback starts after
// either has happened, including callbacks carrying the result of an
// asynchronous load that was already in flight. A callback that is already
// running is allowed to finish. Callbacks may unregister themselves.
//
// Callbacks run on the goroutine that committed the event. They must not
// append to the same handle synchronously; hand such work to another
// goroutine.
package query

import (
	"context"
	"log/slog"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/state"
)

type crdtKey struct {
	system  string
	ct      model.ContentType
	subject string
}

type indexKey struct {
	system string
	ct     model.ContentType
}

// Manager dispatches committed events of a Handle to registered queries.
type Manager struct {
	h      *process.Handle
	logger *slog.Logger
	crdt   *Registry[crdtKey, *state.SystemState]
	index  *Registry[indexKey, *process.Applied]
	remove func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. The handle's logger is used by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager attaches a Manager to h. Close detaches it.
func NewManager(h *process.Handle, opts ...Option) *Manager {
	m := &Manager{
		h:      h,
		logger: h.Logger(),
		crdt:   NewRegistry[crdtKey, *state.SystemState](),
		index:  NewRegistry[indexKey, *process.Applied](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.remove = h.AddListener(m)
	return m
}

// Close stops the manager from receiving events. Registered queries stay
// registered but are never called again.
func (m *Manager) Close() {
	m.remove()
}

// EventApplied implements process.Listener.
func (m *Manager) EventApplied(_ context.Context, a *process.Applied) {
	system := a.Event.System.String()

	if a.StateChanged {
		if a.Deleted != nil {
			// A rebuild can change any register of the system.
			for _, k := range m.crdt.Keys(func(k crdtKey) bool { return k.system == system }) {
				m.crdt.Dispatch(k, a.State)
			}
		} else {
			m.crdt.Dispatch(crdtKey{system: system, ct: a.Event.ContentType, subject: string(state.SubjectOf(a.Event))}, a.State)
		}
	}

	if a.Deleted != nil {
		// Every index of the system may list the target, including the
		// index over the delete's own content type.
		for _, k := range m.index.Keys(func(k indexKey) bool { return k.system == system }) {
			m.index.Dispatch(k, a)
		}
		return
	}
	m.index.Dispatch(indexKey{system: system, ct: a.Event.ContentType}, a)
}

// Registered returns the number of live registrations, for tests and
// diagnostics.
func (m *Manager) Registered() int {
	return m.crdt.Len() + m.index.Len()
}
