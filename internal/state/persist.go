package state

import (
	"context"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/store"
)

const rebuildPageSize = 256

// Load reads the stored projection of system. A system with nothing stored
// yields the empty state.
func Load(ctx context.Context, st *store.Store, system model.PublicKey) (*SystemState, error) {
	raw, err := st.LoadSystemState(ctx, system)
	if err != nil {
		return nil, err
	}
	s, err := Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	}
	return s, nil
}

// Save queues s for storage in b.
func (s *SystemState) Save(b *store.Batch, system model.PublicKey) {
	b.PutSystemState(system, s.Marshal())
}

// Rebuild recomputes the projection of system by replaying every stored,
// non-tombstoned event. Events at the pointers in skip are left out and the
// extra events are folded in, which lets a caller rebuild the state a
// pending batch will produce before committing it.
func Rebuild(ctx context.Context, st *store.Store, system model.PublicKey, skip []model.Pointer, extra ...*model.Event) (*SystemState, error) {
	s := &SystemState{}

	processes, err := st.ListProcesses(ctx, system)
	if err != nil {
		return nil, fmt.Errorf("rebuild system state: %w", err)
	}

	skipped := func(p model.Pointer) bool {
		for _, sp := range skip {
			if sp.Equal(p) {
				return true
			}
		}
		return false
	}

	for _, process := range processes {
		var from uint64
		for {
			pointers, records, err := st.ScanEvents(ctx, system, process, from, rebuildPageSize)
			if err != nil {
				return nil, fmt.Errorf("rebuild system state: %w", err)
			}
			for i, rec := range records {
				if rec.IsTombstone() || skipped(pointers[i]) {
					continue
				}
				e, err := model.UnmarshalEvent(rec.Event.Event)
				if err != nil {
					continue
				}
				s.Merge(e)
			}
			if len(pointers) < rebuildPageSize {
				break
			}
			from = pointers[len(pointers)-1].LogicalClock + 1
		}
	}

	for _, e := range extra {
		s.Merge(e)
	}
	return s, nil
}
