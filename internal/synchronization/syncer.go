package synchronization

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

// Syncer periodically synchronizes the local identity and the systems it
// follows with a set of servers.
type Syncer struct {
	h          *process.Handle
	t          Transport
	servers    []string
	interval   time.Duration
	maxElapsed time.Duration
	opts       []Option
	logger     *slog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithServers adds servers to the ones listed in the identity's own server
// set.
func WithServers(servers ...string) SyncerOption {
	return func(s *Syncer) { s.servers = append(s.servers, servers...) }
}

// WithInterval sets the pause between passes.
func WithInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

// WithMaxElapsed bounds how long one server is retried after transport
// errors before the pass moves on.
func WithMaxElapsed(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.maxElapsed = d }
}

// WithRoundOptions passes options to every round.
func WithRoundOptions(opts ...Option) SyncerOption {
	return func(s *Syncer) { s.opts = append(s.opts, opts...) }
}

// WithSyncLogger sets the syncer's logger. The handle's logger is used by
// default.
func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer returns a Syncer for h over t.
func NewSyncer(h *process.Handle, t Transport, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		h:          h,
		t:          t,
		interval:   30 * time.Second,
		maxElapsed: 2 * time.Minute,
		logger:     h.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run syncs once, then once per interval, until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// targets returns the servers and systems of one pass: the configured
// servers plus the identity's server set, and the identity plus every
// system it follows.
func (s *Syncer) targets(ctx context.Context) ([]string, []model.PublicKey, error) {
	own, err := s.h.LoadSystemState(ctx, s.h.System())
	if err != nil {
		return nil, nil, err
	}
	servers := slices.Concat(s.servers, own.Servers())
	slices.Sort(servers)
	servers = slices.Compact(servers)

	systems := append([]model.PublicKey{s.h.System()}, own.Following()...)
	return servers, systems, nil
}

// SyncOnce runs FullSync for every target system against every target
// server. Transport errors are retried with exponential backoff; a server
// that keeps failing is skipped for this pass. Any other error ends the
// pass.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	servers, systems, err := s.targets(ctx)
	if err != nil {
		return err
	}

	for _, server := range servers {
		for _, system := range systems {
			if err := s.syncWithRetry(ctx, server, system); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Syncer) syncWithRetry(ctx context.Context, server string, system model.PublicKey) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.maxElapsed

	var fatal error
	op := func() error {
		_, err := FullSync(ctx, s.h, s.t, system, []string{server}, s.opts...)
		if err != nil && !IsTransportError(err) {
			// Not retryable; stop the backoff loop and report it.
			fatal = err
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("sync failed, retrying", "server", server, "system", system.String(), "error", err, "wait", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if fatal != nil {
		return fatal
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("giving up on server for this pass", "server", server, "system", system.String(), "error", err)
	}
	return nil
}
