package store

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/wire"
)

// ProcessState summarizes one process as seen by this replica.
type ProcessState struct {
	// LogicalClock is the first clock not covered by the contiguous run of
	// stored clocks starting at 0. For the local process this is the next
	// clock to assign.
	LogicalClock uint64

	// Ranges holds every logical clock present locally, including
	// tombstoned ones.
	Ranges rangeset.Set

	// Indices maps each content type to the latest logical clock of that
	// type in this process.
	Indices map[model.ContentType]uint64
}

// Observe records that clock is present locally and advances LogicalClock
// over the contiguous prefix.
func (ps *ProcessState) Observe(clock uint64, contentType model.ContentType) bool {
	if !ps.Ranges.Insert(clock) {
		return false
	}
	ps.LogicalClock = ps.Ranges.ContiguousFrom(0)
	if contentType != 0 {
		if ps.Indices == nil {
			ps.Indices = make(map[model.ContentType]uint64)
		}
		if cur, ok := ps.Indices[contentType]; !ok || clock > cur {
			ps.Indices[contentType] = clock
		}
	}
	return true
}

// EventIndices returns Indices in the ordered form carried by events.
func (ps *ProcessState) EventIndices() []model.Index {
	types := slices.Sorted(maps.Keys(ps.Indices))
	out := make([]model.Index, 0, len(types))
	for _, ct := range types {
		out = append(out, model.Index{IndexType: ct, LogicalClock: ps.Indices[ct]})
	}
	return out
}

func (ps *ProcessState) marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, ps.LogicalClock)
	b = wire.AppendBytes(b, 2, ps.Ranges.Marshal())
	for _, idx := range ps.EventIndices() {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(idx.IndexType))
		m = wire.AppendUint(m, 2, idx.LogicalClock)
		b = wire.AppendMessage(b, 3, m)
	}
	return b
}

func unmarshalProcessState(b []byte) (*ProcessState, error) {
	ps := &ProcessState{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			ps.LogicalClock = v
			return err
		case 2:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			ps.Ranges, err = rangeset.Unmarshal(raw)
			return err
		case 3:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			var ct, clock uint64
			err = wire.Walk(raw, func(f wire.Field) error {
				switch f.Num {
				case 1:
					ct, err = f.Uint()
				case 2:
					clock, err = f.Uint()
				}
				return err
			})
			if err != nil {
				return err
			}
			if ps.Indices == nil {
				ps.Indices = make(map[model.ContentType]uint64)
			}
			ps.Indices[model.ContentType(ct)] = clock
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: process state: %v", ErrCorrupt, err)
	}
	return ps, nil
}

// Record is what the events keyspace holds at one coordinate: either the
// signed event itself or a tombstone naming the event that deleted it.
type Record struct {
	Event           *model.SignedEvent
	MutationPointer *model.Pointer
}

// IsTombstone reports whether r replaces a deleted event.
func (r *Record) IsTombstone() bool {
	return r.MutationPointer != nil
}

func (r *Record) marshal() []byte {
	var b []byte
	if r.Event != nil {
		b = wire.AppendMessage(b, 1, r.Event.Marshal())
	}
	if r.MutationPointer != nil {
		b = wire.AppendMessage(b, 2, r.MutationPointer.Marshal())
	}
	return b
}

func unmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	err := wire.Walk(b, func(f wire.Field) error {
		raw, err := f.Raw()
		if err != nil {
			return err
		}
		switch f.Num {
		case 1:
			r.Event, err = model.UnmarshalSignedEvent(raw)
		case 2:
			var p model.Pointer
			p, err = model.UnmarshalPointer(raw)
			r.MutationPointer = &p
		}
		return err
	})
	if err == nil && (r.Event == nil) == (r.MutationPointer == nil) {
		err = fmt.Errorf("record must hold exactly one of event or tombstone")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: event record: %v", ErrCorrupt, err)
	}
	return r, nil
}

// ProcessSecret is the local identity: the system's private key and the
// process this replica appends to.
type ProcessSecret struct {
	System  model.PrivateKey
	Process model.Process
}

func (s *ProcessSecret) marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, uint64(s.System.KeyType))
	b = wire.AppendBytes(b, 2, s.System.Key)
	b = wire.AppendBytes(b, 3, s.Process[:])
	return b
}

func unmarshalProcessSecret(b []byte) (*ProcessSecret, error) {
	s := &ProcessSecret{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			s.System.KeyType = model.KeyType(v)
			return err
		case 2:
			raw, err := f.Raw()
			s.System.Key = bytes.Clone(raw)
			return err
		case 3:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			s.Process, err = model.ProcessFromBytes(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: process secret: %v", ErrCorrupt, err)
	}
	return s, nil
}
