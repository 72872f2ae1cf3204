// Package synchronization replicates event logs between a local handle and
// remote servers.
//
// Each round compares RangeSets. PullMissing asks a server for the events
// it holds that the local store lacks and ingests them; PushMissing sends
// the server what it lacks. Rounds are bounded by a page size, so callers
// loop until neither direction reports progress.
package synchronization

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
)

// Transport reaches a server identified by an opaque address.
type Transport interface {
	// Ranges returns the RangeSet held by server for every process of
	// system.
	Ranges(ctx context.Context, server string, system model.PublicKey) ([]store.ProcessRanges, error)

	// Events returns the events server holds at the given clocks of one
	// process. Tombstoned clocks yield the deleting event.
	Events(ctx context.Context, server string, system model.PublicKey, process model.Process, ranges rangeset.Set) ([]*model.SignedEvent, error)

	// PostEvents hands events to server for ingestion.
	PostEvents(ctx context.Context, server string, events []*model.SignedEvent) error
}

// SearchResult is one page of search results.
type SearchResult struct {
	Pointers []model.Pointer
	Cursor   []byte
}

// Searcher runs full-text search on a server. An empty cursor starts from
// the first result; a nil result cursor means there are no more pages.
type Searcher interface {
	Search(ctx context.Context, server, term string, cursor []byte) (*SearchResult, error)
}

// TransportError reports a failed call to a server. It is recoverable:
// the round can be retried later.
type TransportError struct {
	Op     string
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transportError(op, server string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Server: server, Err: err}
}
