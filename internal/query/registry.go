package query

import (
	"slices"
	"sync"
)

// Token identifies one registration in a Registry.
type Token uint64

type registration[V any] struct {
	token Token
	fn    func(V)
}

// Registry maps keys to callbacks. Dispatch calls the callbacks registered
// for a key in registration order over a snapshot taken under the lock, so
// callbacks may register or unregister freely.
//
// Thread-safety: All methods are safe for concurrent use.
type Registry[K comparable, V any] struct {
	mu     sync.RWMutex
	next   Token
	byKey  map[K][]registration[V]
	tokens map[Token]K
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		byKey:  make(map[K][]registration[V]),
		tokens: make(map[Token]K),
	}
}

// Register adds fn under key.
func (r *Registry[K, V]) Register(key K, fn func(V)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	tok := r.next
	r.byKey[key] = append(r.byKey[key], registration[V]{token: tok, fn: fn})
	r.tokens[tok] = key
	return tok
}

// Unregister removes the callback for tok. Unknown tokens are ignored.
func (r *Registry[K, V]) Unregister(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.tokens[tok]
	if !ok {
		return
	}
	delete(r.tokens, tok)
	regs := slices.DeleteFunc(r.byKey[key], func(reg registration[V]) bool { return reg.token == tok })
	if len(regs) == 0 {
		delete(r.byKey, key)
		return
	}
	r.byKey[key] = regs
}

// Dispatch calls every callback registered under key with v and returns
// how many were called.
func (r *Registry[K, V]) Dispatch(key K, v V) int {
	r.mu.RLock()
	snapshot := slices.Clone(r.byKey[key])
	r.mu.RUnlock()

	for _, reg := range snapshot {
		reg.fn(v)
	}
	return len(snapshot)
}

// Keys returns the keys that have at least one callback and satisfy keep.
// A nil keep returns every key.
func (r *Registry[K, V]) Keys(keep func(K) bool) []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]K, 0, len(r.byKey))
	for k := range r.byKey {
		if keep == nil || keep(k) {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of registrations.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
