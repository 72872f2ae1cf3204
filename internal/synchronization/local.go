package synchronization

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
)

// LocalTransport serves named handles in-process. It implements Transport
// and Searcher, and is used by tests, the scenario harness and programs
// that embed several replicas.
type LocalTransport struct {
	mu      sync.RWMutex
	servers map[string]*process.Handle
}

// NewLocalTransport returns a transport with no servers.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{servers: make(map[string]*process.Handle)}
}

// Add registers h under name, replacing any previous handle.
func (l *LocalTransport) Add(name string, h *process.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers[name] = h
}

// Remove unregisters name. Later calls to it fail like an unreachable
// server would.
func (l *LocalTransport) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.servers, name)
}

func (l *LocalTransport) server(name string) (*process.Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return h, nil
}

// Ranges implements Transport.
func (l *LocalTransport) Ranges(ctx context.Context, server string, system model.PublicKey) ([]store.ProcessRanges, error) {
	h, err := l.server(server)
	if err != nil {
		return nil, err
	}
	return h.Ranges(ctx, system)
}

// Events implements Transport.
func (l *LocalTransport) Events(ctx context.Context, server string, system model.PublicKey, process model.Process, ranges rangeset.Set) ([]*model.SignedEvent, error) {
	h, err := l.server(server)
	if err != nil {
		return nil, err
	}
	return h.Store().EventsForRanges(ctx, system, process, ranges, 0)
}

// PostEvents implements Transport. Events the server rejects are dropped,
// as a remote server would.
func (l *LocalTransport) PostEvents(ctx context.Context, server string, events []*model.SignedEvent) error {
	h, err := l.server(server)
	if err != nil {
		return err
	}
	for _, se := range events {
		_, err := h.Ingest(ctx, se)
		if errors.Is(err, model.ErrMalformedEvent) || errors.Is(err, model.ErrInvalidSignature) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

const localSearchPageSize = 16

// Search implements Searcher over the posts stored on server.
func (l *LocalTransport) Search(ctx context.Context, server, term string, cursor []byte) (*SearchResult, error) {
	h, err := l.server(server)
	if err != nil {
		return nil, err
	}
	return SearchPosts(ctx, h.Store(), term, cursor, localSearchPageSize)
}

// SearchPosts is a case-insensitive substring search over every post held
// by st, returning up to pageSize pointers. The cursor encodes the number
// of matches already returned.
func SearchPosts(ctx context.Context, st *store.Store, term string, cursor []byte, pageSize int) (*SearchResult, error) {
	var skip uint64
	if len(cursor) == 8 {
		skip = binary.BigEndian.Uint64(cursor)
	}

	matches, err := matchPosts(ctx, st, strings.ToLower(term))
	if err != nil {
		return nil, err
	}
	if skip >= uint64(len(matches)) {
		return &SearchResult{}, nil
	}
	end := min(skip+uint64(pageSize), uint64(len(matches)))
	res := &SearchResult{Pointers: matches[skip:end]}
	if end < uint64(len(matches)) {
		res.Cursor = binary.BigEndian.AppendUint64(nil, end)
	}
	return res, nil
}

func matchPosts(ctx context.Context, st *store.Store, term string) ([]model.Pointer, error) {
	systems, err := st.ListSystems(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Pointer
	for _, system := range systems {
		var cursor []byte
		for {
			pointers, records, next, err := st.ScanSystemEvents(ctx, system, cursor, 256)
			if err != nil {
				return nil, err
			}
			for i, rec := range records {
				if rec.IsTombstone() {
					continue
				}
				e, err := model.UnmarshalEvent(rec.Event.Event)
				if err != nil || e.ContentType != model.ContentTypePost {
					continue
				}
				post, err := model.UnmarshalPost(e.Content)
				if err != nil {
					continue
				}
				if strings.Contains(strings.ToLower(post.Content), term) {
					out = append(out, pointers[i])
				}
			}
			if string(next) == string(cursor) {
				break
			}
			cursor = next
		}
	}
	return out, nil
}
