package process

import (
	"context"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/state"
	"github.com/roach88/polycentric/internal/store"
)

// AppendOptions carries the optional CRDT and reference parts of an event.
type AppendOptions struct {
	LWWElement    *model.LWWElement
	LWWElementSet *model.LWWElementSet
	References    []model.Reference
}

// Append signs and commits a new event at the next logical clock of the
// local process. Listeners have seen the event by the time Append returns.
func (h *Handle) Append(ctx context.Context, ct model.ContentType, content []byte, opts AppendOptions) (model.Pointer, error) {
	h.mu.Lock()
	ps, err := h.store.GetProcessState(ctx, h.system, h.secret.Process)
	if err != nil {
		h.mu.Unlock()
		return model.Pointer{}, fmt.Errorf("append: %w", err)
	}

	e := &model.Event{
		System:        h.system,
		Process:       h.secret.Process,
		LogicalClock:  ps.LogicalClock,
		ContentType:   ct,
		Content:       content,
		LWWElement:    opts.LWWElement,
		LWWElementSet: opts.LWWElementSet,
		References:    opts.References,
		Indices:       ps.EventIndices(),
	}
	signed, err := model.SignEvent(h.secret.System, e)
	if err != nil {
		h.mu.Unlock()
		return model.Pointer{}, fmt.Errorf("append: %w", err)
	}

	applied, err := h.apply(ctx, signed, e)
	h.mu.Unlock()
	if err != nil {
		return model.Pointer{}, fmt.Errorf("append: %w", err)
	}
	if applied == nil {
		// The clock came from our own process state, so it cannot already
		// be present unless the store was modified underneath us.
		return model.Pointer{}, fmt.Errorf("append: clock %d already present", e.LogicalClock)
	}

	h.logger.Debug("appended event", "pointer", e.Pointer().String(), "content_type", ct.String())
	h.notify(ctx, applied)
	return e.Pointer(), nil
}

// AppendContent appends an event with no CRDT element or references.
func (h *Handle) AppendContent(ctx context.Context, ct model.ContentType, content []byte) (model.Pointer, error) {
	return h.Append(ctx, ct, content, AppendOptions{})
}

// Ingest verifies and stores an event received from a peer. It reports
// false without error when the event is already present (or was deleted
// before it arrived). Gaps in the sender's clocks are accepted.
func (h *Handle) Ingest(ctx context.Context, signed *model.SignedEvent) (bool, error) {
	e, err := signed.Decode()
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	applied, err := h.apply(ctx, signed, e)
	h.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("ingest %s: %w", e.Pointer(), err)
	}
	if applied == nil {
		return false, nil
	}

	h.logger.Debug("ingested event", "pointer", e.Pointer().String(), "content_type", e.ContentType.String())
	h.notify(ctx, applied)
	return true, nil
}

// apply writes one verified event and everything derived from it in a
// single batch. It must be called with h.mu held. A nil result means the
// event was already present.
func (h *Handle) apply(ctx context.Context, signed *model.SignedEvent, e *model.Event) (*Applied, error) {
	ptr := e.Pointer()

	ps, err := h.store.GetProcessState(ctx, e.System, e.Process)
	if err != nil {
		return nil, err
	}
	if ps.Ranges.Contains(e.LogicalClock) {
		return nil, nil
	}

	b := store.NewBatch()
	b.PutEvent(ptr, signed)
	ps.Observe(e.LogicalClock, e.ContentType)

	applied := &Applied{Signed: signed, Event: e}

	switch e.ContentType {
	case model.ContentTypeDelete:
		if err := h.applyDelete(ctx, b, e, ps, applied); err != nil {
			return nil, err
		}
	case model.ContentTypeClaim:
		b.PutIndexClaim(ptr)
	}

	b.PutProcessState(e.System, e.Process, ps)

	if applied.State == nil {
		st, err := state.Load(ctx, h.store, e.System)
		if err != nil {
			return nil, err
		}
		applied.StateChanged = st.Merge(e)
		applied.State = st
	}
	if applied.StateChanged {
		applied.State.Save(b, e.System)
	}

	if err := h.store.Commit(ctx, b); err != nil {
		return nil, err
	}
	return applied, nil
}

// applyDelete tombstones the target of a delete event. When the target
// contributed to the projection, the projection is rebuilt without it so
// that every replica ends up with the same state whether or not it ever
// held the deleted event.
func (h *Handle) applyDelete(ctx context.Context, b *store.Batch, e *model.Event, ps *store.ProcessState, applied *Applied) error {
	d, err := model.UnmarshalDelete(e.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	target := model.Pointer{System: e.System, Process: d.Process, LogicalClock: d.LogicalClock}
	if target.Equal(e.Pointer()) {
		return fmt.Errorf("%w: event deletes itself", model.ErrMalformedEvent)
	}

	rec, err := h.store.GetRecord(ctx, target)
	if err != nil {
		return err
	}
	if rec != nil && rec.IsTombstone() {
		// Already deleted; the first tombstone stays authoritative.
		applied.Deleted = &target
		return nil
	}
	if d.ContentType == model.ContentTypeDelete || isDeleteRecord(rec) {
		// The event is kept but tombstones nothing.
		h.logger.Warn("ignoring delete of a delete event", "pointer", e.Pointer().String(), "target", target.String())
		return nil
	}
	applied.Deleted = &target

	b.PutTombstone(target, e.Pointer())
	b.DeleteIndexClaim(target)

	// The target coordinate now counts as held, so sync never asks for it.
	if d.Process == e.Process {
		ps.Observe(d.LogicalClock, 0)
	} else {
		tps, err := h.store.GetProcessState(ctx, e.System, d.Process)
		if err != nil {
			return err
		}
		tps.Observe(d.LogicalClock, 0)
		b.PutProcessState(e.System, d.Process, tps)
	}

	if rec == nil {
		return nil
	}
	victim, err := model.UnmarshalEvent(rec.Event.Event)
	if err != nil || (victim.LWWElement == nil && victim.LWWElementSet == nil) {
		return nil
	}

	rebuilt, err := state.Rebuild(ctx, h.store, e.System, []model.Pointer{target}, e)
	if err != nil {
		return err
	}
	applied.State = rebuilt
	applied.StateChanged = true
	return nil
}

func isDeleteRecord(rec *store.Record) bool {
	if rec == nil || rec.IsTombstone() {
		return false
	}
	e, err := model.UnmarshalEvent(rec.Event.Event)
	return err == nil && e.ContentType == model.ContentTypeDelete
}

// Delete removes the event at p from the local view and from every replica
// that syncs the resulting delete event. Deleting an already deleted event
// returns the existing delete event's pointer. Delete events themselves
// cannot be deleted.
func (h *Handle) Delete(ctx context.Context, p model.Pointer) (model.Pointer, error) {
	if !p.System.Equal(h.system) {
		return model.Pointer{}, fmt.Errorf("delete %s: event belongs to another system", p)
	}

	rec, err := h.store.GetRecord(ctx, p)
	if err != nil {
		return model.Pointer{}, fmt.Errorf("delete %s: %w", p, err)
	}
	if rec != nil && rec.IsTombstone() {
		return *rec.MutationPointer, nil
	}

	d := model.Delete{Process: p.Process, LogicalClock: p.LogicalClock}
	if rec != nil {
		if victim, err := model.UnmarshalEvent(rec.Event.Event); err == nil {
			d.ContentType = victim.ContentType
		}
	}
	if d.ContentType == model.ContentTypeDelete {
		return model.Pointer{}, fmt.Errorf("delete %s: %w", p, ErrUndeletable)
	}
	return h.AppendContent(ctx, model.ContentTypeDelete, d.Marshal())
}
