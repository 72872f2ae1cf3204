package synchronization

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

// maxFullSyncRounds stops FullSync against a server that accepts pushes but
// never reports holding them.
const maxFullSyncRounds = 1024

// BackfillServers pushes one page of system's events to every server in
// the handle's own server set, concurrently. It reports whether any server
// received events. The first error cancels the remaining pushes.
func BackfillServers(ctx context.Context, h *process.Handle, t Transport, system model.PublicKey, opts ...Option) (bool, error) {
	own, err := h.LoadSystemState(ctx, h.System())
	if err != nil {
		return false, err
	}

	var progress atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	for _, server := range own.Servers() {
		g.Go(func() error {
			ok, err := PushMissing(ctx, h, t, server, system, opts...)
			if ok {
				progress.Store(true)
			}
			return err
		})
	}
	err = g.Wait()
	return progress.Load(), err
}

// BackfillClient pulls one page of system's events from server.
func BackfillClient(ctx context.Context, h *process.Handle, t Transport, system model.PublicKey, server string, opts ...Option) (bool, error) {
	return PullMissing(ctx, h, t, server, system, opts...)
}

// FullSync pushes to and pulls from each server until a whole pass makes
// no progress, and returns the number of passes run.
func FullSync(ctx context.Context, h *process.Handle, t Transport, system model.PublicKey, servers []string, opts ...Option) (int, error) {
	for round := 1; round <= maxFullSyncRounds; round++ {
		progress := false
		for _, server := range servers {
			pushed, err := PushMissing(ctx, h, t, server, system, opts...)
			if err != nil {
				return round, err
			}
			pulled, err := PullMissing(ctx, h, t, server, system, opts...)
			if err != nil {
				return round, err
			}
			progress = progress || pushed || pulled
		}
		if !progress {
			return round, nil
		}
	}
	h.Logger().Warn("full sync did not converge", "system", system.String(), "rounds", maxFullSyncRounds)
	return maxFullSyncRounds, nil
}
