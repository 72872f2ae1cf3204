package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
)

// Keyspace names one of the independent ordered maps a driver holds.
type Keyspace string

const (
	KeyspaceSystemStates  Keyspace = "system_states"
	KeyspaceProcessStates Keyspace = "process_states"
	KeyspaceEvents        Keyspace = "events"
	KeyspaceIndexClaims   Keyspace = "index_claims"
	KeyspaceMeta          Keyspace = "meta"
)

// Keyspaces lists every keyspace a driver must provide.
var Keyspaces = []Keyspace{
	KeyspaceSystemStates,
	KeyspaceProcessStates,
	KeyspaceEvents,
	KeyspaceIndexClaims,
	KeyspaceMeta,
}

// Op is a single write inside a batch. A nil Value with Delete set removes
// the key.
type Op struct {
	Keyspace Keyspace
	Key      []byte
	Value    []byte
	Delete   bool
}

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Driver is an ordered byte-keyed store with atomic multi-key commits.
//
// Keys compare bytewise. Implementations must make a committed batch
// visible to subsequent reads as a whole, never partially, and must return
// slices the caller may retain.
type Driver interface {
	// Get returns the value for key, or ok=false when absent.
	Get(ctx context.Context, ks Keyspace, key []byte) (value []byte, ok bool, err error)

	// Scan returns up to limit entries whose key starts with prefix and
	// sorts strictly after `after`, in ascending key order. A nil after
	// starts at the beginning of the prefix; limit <= 0 means no limit.
	Scan(ctx context.Context, ks Keyspace, prefix, after []byte, limit int) ([]Entry, error)

	// Commit applies ops atomically.
	Commit(ctx context.Context, ops []Op) error

	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

type driverOpener func(path string) (Driver, error)

var drivers = map[string]driverOpener{
	DriverSQLite: func(path string) (Driver, error) { return OpenSQLite(path) },
	DriverBolt:   func(path string) (Driver, error) { return OpenBolt(path) },
	DriverMemory: func(string) (Driver, error) { return NewMemory(), nil },
}

// DriverNames returns the registered driver names in sorted order.
func DriverNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func openDriver(name, path string) (Driver, error) {
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (want one of %v)", name, DriverNames())
	}
	return open(path)
}

func knownKeyspace(ks Keyspace) bool {
	for _, k := range Keyspaces {
		if k == ks {
			return true
		}
	}
	return false
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// scanStart returns the first key a scan may return, and whether keys equal
// to it must be skipped.
func scanStart(prefix, after []byte) (start []byte, exclusive bool) {
	if after != nil && bytes.Compare(after, prefix) >= 0 {
		return after, true
	}
	return prefix, false
}
