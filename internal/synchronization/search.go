package synchronization

import (
	"context"
	"errors"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/rangeset"
)

// IngestSearch runs one page of a search on server, fetches every result
// event and ingests it. It returns the cursor for the next page and the
// number of events newly ingested. Results that fail validation are
// skipped.
func IngestSearch(ctx context.Context, h *process.Handle, t Transport, s Searcher, server, term string, cursor []byte) ([]byte, int, error) {
	res, err := s.Search(ctx, server, term, cursor)
	if err != nil {
		return cursor, 0, transportError("search", server, err)
	}

	ingested := 0
	for _, p := range res.Pointers {
		events, err := t.Events(ctx, server, p.System, p.Process, rangeset.Of(p.LogicalClock))
		if err != nil {
			return res.Cursor, ingested, transportError("get events", server, err)
		}
		for _, se := range events {
			ok, err := h.Ingest(ctx, se)
			if errors.Is(err, model.ErrMalformedEvent) || errors.Is(err, model.ErrInvalidSignature) {
				eventsDiscardedTotal.WithLabelValues("search").Inc()
				h.Logger().Warn("discarding search result", "pointer", p.String(), "error", err)
				continue
			}
			if err != nil {
				return res.Cursor, ingested, err
			}
			if ok {
				ingested++
			}
		}
	}
	return res.Cursor, ingested, nil
}
