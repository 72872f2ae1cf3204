package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

// IndexBatch is one delivery of an index query.
type IndexBatch struct {
	Add    []*model.SignedEvent
	Remove []model.Pointer
}

// IndexQuery lists the events of one content type of a system. History is
// loaded page by page with Advance; events appended or ingested while the
// query is open arrive as they commit. Each event is delivered at most once
// and a delivered event that is later deleted is delivered in Remove.
type IndexQuery struct {
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	token  Token
	system model.PublicKey
	ct     model.ContentType
	cb     func(IndexBatch)

	mu        sync.Mutex
	cursor    []byte
	exhausted bool
	seen      map[string]bool
}

// QueryIndex opens an index query. No history is delivered until Advance is
// called.
func (m *Manager) QueryIndex(ctx context.Context, system model.PublicKey, ct model.ContentType, cb func(IndexBatch)) *IndexQuery {
	ctx, cancel := context.WithCancel(ctx)
	q := &IndexQuery{
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		system: system,
		ct:     ct,
		cb:     cb,
		seen:   make(map[string]bool),
	}
	q.token = m.index.Register(indexKey{system: system.String(), ct: ct}, q.live)
	context.AfterFunc(ctx, func() { m.index.Unregister(q.token) })
	return q
}

// Close stops the query.
func (q *IndexQuery) Close() {
	q.cancel()
	q.m.index.Unregister(q.token)
}

// Exhausted reports whether Advance has reached the end of the stored
// history.
func (q *IndexQuery) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exhausted
}

func (q *IndexQuery) live(a *process.Applied) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil {
		return
	}

	var batch IndexBatch
	if a.Deleted != nil {
		id := a.Deleted.String()
		if q.seen[id] {
			delete(q.seen, id)
			batch.Remove = []model.Pointer{*a.Deleted}
		}
	}
	// A delete event is itself listed by a query over deletes.
	if id := a.Event.Pointer().String(); a.Event.ContentType == q.ct && !q.seen[id] {
		q.seen[id] = true
		batch.Add = []*model.SignedEvent{a.Signed}
	}
	if len(batch.Add) > 0 || len(batch.Remove) > 0 {
		q.cb(batch)
	}
}

// Advance delivers up to pageSize more stored events and returns how many
// were delivered. Events already delivered live are skipped, so a page may
// deliver fewer than it read.
func (q *IndexQuery) Advance(ctx context.Context, pageSize int) (int, error) {
	if pageSize <= 0 {
		return 0, fmt.Errorf("advance index query: page size %d", pageSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ctx.Err(); err != nil {
		return 0, err
	}
	if q.exhausted {
		return 0, nil
	}

	events, next, err := q.page(ctx, pageSize)
	if err != nil {
		return 0, fmt.Errorf("advance index query: %w", err)
	}
	if len(next) == 0 || string(next) == string(q.cursor) {
		q.exhausted = true
	}
	q.cursor = next

	var batch IndexBatch
	for _, se := range events {
		e, err := se.Decode()
		if err != nil {
			q.m.logger.Warn("unexpected stored event", "error", err)
			continue
		}
		id := e.Pointer().String()
		if q.seen[id] {
			continue
		}
		q.seen[id] = true
		batch.Add = append(batch.Add, se)
	}
	// The caller may have cancelled while the page was loading.
	if len(batch.Add) > 0 && q.ctx.Err() == nil {
		q.cb(batch)
	}
	return len(batch.Add), nil
}

// page reads the next page. Claims have a dedicated index; other content
// types are found by scanning the system's events.
func (q *IndexQuery) page(ctx context.Context, pageSize int) ([]*model.SignedEvent, []byte, error) {
	st := q.m.h.Store()
	if q.ct == model.ContentTypeClaim {
		return st.QueryClaimIndex(ctx, q.system, pageSize, q.cursor)
	}

	_, records, next, err := st.ScanSystemEvents(ctx, q.system, q.cursor, pageSize)
	if err != nil {
		return nil, q.cursor, err
	}
	var out []*model.SignedEvent
	for _, rec := range records {
		if rec.IsTombstone() {
			continue
		}
		e, err := model.UnmarshalEvent(rec.Event.Event)
		if err != nil || e.ContentType != q.ct {
			continue
		}
		out = append(out, rec.Event)
	}
	return out, next, nil
}
