package query

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/state"
)

// CRDTValue is the current value of one LWW register. Found is false when
// the register has never been written.
type CRDTValue struct {
	Value   []byte
	Version state.Version
	Found   bool
}

func (v CRDTValue) equal(o CRDTValue) bool {
	return v.Found == o.Found && v.Version == o.Version && bytes.Equal(v.Value, o.Value)
}

// watcher delivers a value derived from the system state whenever it
// differs from the last delivered one.
type watcher[V any] struct {
	ctx     context.Context
	extract func(*state.SystemState) V
	equal   func(a, b V) bool
	cb      func(V)

	mu        sync.Mutex
	last      V
	delivered bool
}

func (w *watcher[V]) update(s *state.SystemState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updateLocked(s)
}

func (w *watcher[V]) updateLocked(s *state.SystemState) {
	if w.ctx.Err() != nil {
		return
	}
	v := w.extract(s)
	if w.delivered && w.equal(w.last, v) {
		return
	}
	w.last, w.delivered = v, true
	w.cb(v)
}

// watch registers a watcher under key and delivers the current value before
// returning. The initial delivery holds the watcher's lock so a concurrent
// dispatch cannot be overtaken by the older initial value.
func watch[V any](ctx context.Context, m *Manager, system model.PublicKey, key crdtKey, extract func(*state.SystemState) V, equal func(a, b V) bool, cb func(V)) (unregister func()) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher[V]{ctx: ctx, extract: extract, equal: equal, cb: cb}

	w.mu.Lock()
	defer w.mu.Unlock()
	tok := m.crdt.Register(key, w.update)
	context.AfterFunc(ctx, func() { m.crdt.Unregister(tok) })
	unregister = func() {
		cancel()
		m.crdt.Unregister(tok)
	}

	s, err := m.h.LoadSystemState(ctx, system)
	if err != nil {
		m.logger.Warn("query initial load failed", "system", key.system, "content_type", key.ct.String(), "error", err)
		return unregister
	}
	w.updateLocked(s)
	return unregister
}

// QueryCRDT watches the register ct of system. cb receives the current
// value immediately and again after every change.
func (m *Manager) QueryCRDT(ctx context.Context, system model.PublicKey, ct model.ContentType, cb func(CRDTValue)) (unregister func()) {
	key := crdtKey{system: system.String(), ct: ct}
	return watch(ctx, m, system, key, func(s *state.SystemState) CRDTValue {
		it, ok := s.Item(ct)
		return CRDTValue{Value: it.Value, Version: it.Version, Found: ok}
	}, CRDTValue.equal, cb)
}

// QueryOpinion watches system's opinion on subject.
func (m *Manager) QueryOpinion(ctx context.Context, system model.PublicKey, subject model.Reference, cb func(model.Opinion)) (unregister func()) {
	key := crdtKey{system: system.String(), ct: model.ContentTypeOpinion, subject: string(subject.Key())}
	return watch(ctx, m, system, key, func(s *state.SystemState) model.Opinion {
		return s.Opinion(subject)
	}, func(a, b model.Opinion) bool { return a == b }, cb)
}

// QuerySet watches the members of the LWW element set ct of system.
func (m *Manager) QuerySet(ctx context.Context, system model.PublicKey, ct model.ContentType, cb func([][]byte)) (unregister func()) {
	key := crdtKey{system: system.String(), ct: ct}
	return watch(ctx, m, system, key, func(s *state.SystemState) [][]byte {
		return s.SetMembers(ct)
	}, func(a, b [][]byte) bool { return slices.EqualFunc(a, b, bytes.Equal) }, cb)
}
