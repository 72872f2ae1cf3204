package synchronization

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
)

// DefaultPageSize bounds the number of events moved by one round.
const DefaultPageSize = 128

type options struct {
	pageSize int
}

// Option configures a synchronization round.
type Option func(*options)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func roundID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func rangesByProcess(prs []store.ProcessRanges) map[model.Process]rangeset.Set {
	out := make(map[model.Process]rangeset.Set, len(prs))
	for _, pr := range prs {
		out[pr.Process] = pr.Ranges
	}
	return out
}

// PullMissing fetches up to one page of events that server holds for
// system and the local store lacks, and ingests them. It reports whether
// any event was ingested. Events that fail validation are logged and
// skipped; transport failures end the round with a *TransportError.
func PullMissing(ctx context.Context, h *process.Handle, t Transport, server string, system model.PublicKey, opts ...Option) (progress bool, err error) {
	o := newOptions(opts)
	logger := h.Logger().With("round", roundID(), "direction", "pull", "server", server, "system", system.String())
	start := time.Now()
	defer func() {
		roundsTotal.WithLabelValues("pull", roundResult(progress, err)).Inc()
		roundDuration.WithLabelValues("pull").Observe(time.Since(start).Seconds())
	}()

	remote, err := t.Ranges(ctx, server, system)
	if err != nil {
		return false, transportError("get ranges", server, err)
	}
	local, err := h.Ranges(ctx, system)
	if err != nil {
		return false, err
	}
	have := rangesByProcess(local)

	budget := uint64(o.pageSize)
	ingested := 0
	for _, pr := range remote {
		if budget == 0 {
			break
		}
		missing := pr.Ranges.Difference(have[pr.Process])
		if missing.IsEmpty() {
			continue
		}
		page := missing.Take(budget)
		budget -= page.Len()

		events, err := t.Events(ctx, server, system, pr.Process, page)
		if err != nil {
			return ingested > 0, transportError("get events", server, err)
		}
		for _, se := range events {
			ok, err := h.Ingest(ctx, se)
			switch {
			case errors.Is(err, model.ErrMalformedEvent):
				eventsDiscardedTotal.WithLabelValues("malformed").Inc()
				logger.Warn("discarding malformed event", "error", err)
			case errors.Is(err, model.ErrInvalidSignature):
				eventsDiscardedTotal.WithLabelValues("signature").Inc()
				logger.Warn("discarding event with invalid signature", "error", err)
			case err != nil:
				return ingested > 0, err
			case ok:
				ingested++
				eventsPulledTotal.Inc()
			}
		}
	}

	if ingested > 0 {
		logger.Debug("pulled events", "count", ingested)
	}
	return ingested > 0, nil
}

// PushMissing sends server up to one page of events of system that the
// local store holds and server lacks. It reports whether any event was
// sent.
func PushMissing(ctx context.Context, h *process.Handle, t Transport, server string, system model.PublicKey, opts ...Option) (progress bool, err error) {
	o := newOptions(opts)
	logger := h.Logger().With("round", roundID(), "direction", "push", "server", server, "system", system.String())
	start := time.Now()
	defer func() {
		roundsTotal.WithLabelValues("push", roundResult(progress, err)).Inc()
		roundDuration.WithLabelValues("push").Observe(time.Since(start).Seconds())
	}()

	remote, err := t.Ranges(ctx, server, system)
	if err != nil {
		return false, transportError("get ranges", server, err)
	}
	theirs := rangesByProcess(remote)
	local, err := h.Ranges(ctx, system)
	if err != nil {
		return false, err
	}

	var batch []*model.SignedEvent
	for _, pr := range local {
		room := o.pageSize - len(batch)
		if room <= 0 {
			break
		}
		missing := pr.Ranges.Difference(theirs[pr.Process])
		if missing.IsEmpty() {
			continue
		}
		events, err := h.Store().EventsForRanges(ctx, system, pr.Process, missing, room)
		if err != nil {
			return false, err
		}
		batch = append(batch, events...)
	}
	if len(batch) == 0 {
		return false, nil
	}

	if err := t.PostEvents(ctx, server, batch); err != nil {
		return false, transportError("post events", server, err)
	}
	eventsPushedTotal.Add(float64(len(batch)))
	logger.Debug("pushed events", "count", len(batch))
	return true, nil
}
