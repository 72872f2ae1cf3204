package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

const memoryDegree = 32

type memoryItem struct {
	key   []byte
	value []byte
}

func (a memoryItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(memoryItem).key) < 0
}

// Memory is an in-process Driver holding one B-tree per keyspace. It is
// used by tests, the scenario harness and ephemeral replicas.
type Memory struct {
	mu    sync.RWMutex
	trees map[Keyspace]*btree.BTree
}

// NewMemory returns an empty in-memory driver.
func NewMemory() *Memory {
	m := &Memory{trees: make(map[Keyspace]*btree.BTree, len(Keyspaces))}
	for _, ks := range Keyspaces {
		m.trees[ks] = btree.New(memoryDegree)
	}
	return m
}

// Close implements Driver. The data is dropped with the driver.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) tree(ks Keyspace) (*btree.BTree, error) {
	t, ok := m.trees[ks]
	if !ok {
		return nil, fmt.Errorf("unknown keyspace %q", ks)
	}
	return t, nil
}

// Get implements Driver.
func (m *Memory) Get(ctx context.Context, ks Keyspace, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tree(ks)
	if err != nil {
		return nil, false, err
	}
	item := t.Get(memoryItem{key: key})
	if item == nil {
		return nil, false, nil
	}
	return bytes.Clone(item.(memoryItem).value), true, nil
}

// Scan implements Driver.
func (m *Memory) Scan(ctx context.Context, ks Keyspace, prefix, after []byte, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tree(ks)
	if err != nil {
		return nil, err
	}

	start, exclusive := scanStart(prefix, after)
	var entries []Entry
	t.AscendGreaterOrEqual(memoryItem{key: start}, func(i btree.Item) bool {
		item := i.(memoryItem)
		if exclusive && bytes.Equal(item.key, start) {
			return true
		}
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		entries = append(entries, Entry{Key: bytes.Clone(item.key), Value: bytes.Clone(item.value)})
		return limit <= 0 || len(entries) < limit
	})
	return entries, nil
}

// Commit implements Driver. Keyspaces are validated before any op is
// applied so a bad batch leaves the trees untouched.
func (m *Memory) Commit(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		if _, err := m.tree(op.Keyspace); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	for _, op := range ops {
		t := m.trees[op.Keyspace]
		if op.Delete {
			t.Delete(memoryItem{key: op.Key})
			continue
		}
		t.ReplaceOrInsert(memoryItem{key: bytes.Clone(op.Key), value: bytes.Clone(op.Value)})
	}
	return nil
}
