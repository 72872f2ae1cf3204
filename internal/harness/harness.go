package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/synchronization"
	"github.com/roach88/polycentric/internal/testutil"
)

const defaultReplicaClock = 1000

type replica struct {
	Replica
	handle *process.Handle
	clock  *testutil.DeterministicClock
}

// Harness holds the replicas of one scenario run.
type Harness struct {
	scenario  *Scenario
	replicas  map[string]*replica
	systems   map[string]model.PublicKey
	order     []string // identities in order of first appearance
	labels    map[string]model.Pointer
	transport *synchronization.LocalTransport
	logger    *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes replica and sync logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario on fresh in-memory replicas and evaluates its
// assertions. An error means the scenario could not be executed; failed
// assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		replicas:  make(map[string]*replica),
		systems:   make(map[string]model.PublicKey),
		labels:    make(map[string]model.Pointer),
		transport: synchronization.NewLocalTransport(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create replicas: %w", err)
	}

	result := NewResult()
	for i := range scenario.Steps {
		if err := h.execute(ctx, &scenario.Steps[i]); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Steps++
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}

	snapshot, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot replicas: %w", err)
	}
	result.Snapshot = snapshot
	return result, nil
}

func (h *Harness) setup(ctx context.Context) error {
	keys := make(map[string]model.PrivateKey)
	for _, r := range h.scenario.Replicas {
		id := r.identity()
		key, ok := keys[id]
		if !ok {
			seed := byte(len(h.order) + 1)
			var err error
			key, err = model.PrivateKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
			if err != nil {
				return err
			}
			pub, err := key.PublicKey()
			if err != nil {
				return err
			}
			keys[id] = key
			h.systems[id] = pub
			h.order = append(h.order, id)
		}

		start := r.Clock
		if start == 0 {
			start = defaultReplicaClock
		}
		clock := testutil.NewDeterministicClock(start)
		st := store.OpenMemory(store.WithLogger(h.logger))
		handle, err := process.CreateFromKey(ctx, st, key,
			process.WithClock(clock),
			process.WithLogger(h.logger.With("replica", r.Name)))
		if err != nil {
			st.Close()
			return fmt.Errorf("replica %s: %w", r.Name, err)
		}
		h.replicas[r.Name] = &replica{Replica: r, handle: handle, clock: clock}
		h.transport.Add(r.Name, handle)
	}
	return nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.handle.Store().Close()
	}
}

func (h *Harness) execute(ctx context.Context, step *Step) error {
	r := h.replicas[step.Replica]
	if step.At != nil {
		r.clock.Set(*step.At)
	}

	var (
		p   model.Pointer
		err error
	)
	switch {
	case step.SetUsername != nil:
		p, err = r.handle.SetUsername(ctx, *step.SetUsername)
	case step.SetDescription != nil:
		p, err = r.handle.SetDescription(ctx, *step.SetDescription)
	case step.Post != nil:
		p, err = r.handle.Post(ctx, *step.Post)
	case step.Claim != nil:
		t, _ := model.ParseClaimType(step.Claim.Type)
		p, err = r.handle.Claim(ctx, model.Claim{
			ClaimType: t,
			Fields:    []model.ClaimField{{Key: 1, Value: step.Claim.Identifier}},
		})
	case step.Follow != "":
		p, err = r.handle.Follow(ctx, h.systems[step.Follow])
	case step.Unfollow != "":
		p, err = r.handle.Unfollow(ctx, h.systems[step.Unfollow])
	case step.AddServer != "":
		p, err = r.handle.AddServer(ctx, step.AddServer)
	case step.RemoveServer != "":
		p, err = r.handle.RemoveServer(ctx, step.RemoveServer)
	case step.Opinion != nil:
		o, _ := model.ParseOpinion(step.Opinion.Value)
		p, err = r.handle.Opinion(ctx, model.PointerReference(h.labels[step.Opinion.Event]), o)
	case step.Delete != "":
		p, err = r.handle.Delete(ctx, h.labels[step.Delete])
	case step.Sync != nil:
		return h.sync(ctx, r, step.Sync)
	case step.Deliver != nil:
		return h.deliver(ctx, r, step.Deliver)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", step.actions()[0], r.Name, err)
	}

	h.logger.Debug("step applied", "replica", r.Name, "action", step.actions()[0], "pointer", p.String())
	if step.As != "" {
		h.labels[step.As] = p
	}
	return nil
}

func (h *Harness) sync(ctx context.Context, r *replica, s *SyncStep) error {
	identity := s.System
	if identity == "" {
		identity = r.identity()
	}
	rounds, err := synchronization.FullSync(ctx, r.handle, h.transport, h.systems[identity], []string{s.With})
	if err != nil {
		return fmt.Errorf("sync %s with %s: %w", r.Name, s.With, err)
	}
	h.logger.Debug("synced", "replica", r.Name, "with", s.With, "system", identity, "rounds", rounds)
	return nil
}

func (h *Harness) deliver(ctx context.Context, r *replica, d *DeliverStep) error {
	p := h.labels[d.Event]
	se, err := r.handle.GetSignedEvent(ctx, p)
	if err != nil {
		return err
	}
	if se == nil {
		return fmt.Errorf("deliver %s: %s does not hold the event", d.Event, r.Name)
	}
	if _, err := h.replicas[d.To].handle.Ingest(ctx, se); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", d.Event, d.To, err)
	}
	return nil
}
