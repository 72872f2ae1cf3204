package state

import (
	"bytes"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/wire"
)

// Marshal returns the canonical encoding of s. Because s keeps its slices
// sorted, equal states always encode to equal bytes.
func (s *SystemState) Marshal() []byte {
	var b []byte
	for _, it := range s.Items {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(it.ContentType))
		m = wire.AppendBytes(m, 2, it.Subject)
		m = wire.AppendBytes(m, 3, it.Value)
		m = wire.AppendMessage(m, 4, it.Version.marshal())
		b = wire.AppendMessage(b, 1, m)
	}
	for _, it := range s.SetItems {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(it.ContentType))
		m = wire.AppendBytes(m, 2, it.Value)
		m = wire.AppendUint(m, 3, uint64(it.Operation))
		m = wire.AppendMessage(m, 4, it.Version.marshal())
		b = wire.AppendMessage(b, 2, m)
	}
	for _, p := range s.Processes {
		b = wire.AppendBytes(b, 3, p[:])
	}
	return b
}

func (v Version) marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, v.UnixMilliseconds)
	b = wire.AppendBytes(b, 2, v.Process[:])
	b = wire.AppendUint(b, 3, v.LogicalClock)
	return b
}

func unmarshalVersion(b []byte) (Version, error) {
	var v Version
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			x, err := f.Uint()
			v.UnixMilliseconds = x
			return err
		case 2:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			v.Process, err = model.ProcessFromBytes(raw)
			return err
		case 3:
			x, err := f.Uint()
			v.LogicalClock = x
			return err
		}
		return nil
	})
	return v, err
}

// Unmarshal decodes a state produced by Marshal. An empty input is the
// empty state.
func Unmarshal(b []byte) (*SystemState, error) {
	s := &SystemState{}
	err := wire.Walk(b, func(f wire.Field) error {
		raw, err := f.Raw()
		if err != nil {
			return err
		}
		switch f.Num {
		case 1:
			var it Item
			err = wire.Walk(raw, func(f wire.Field) error {
				switch f.Num {
				case 1:
					v, err := f.Uint()
					it.ContentType = model.ContentType(v)
					return err
				case 2:
					raw, err := f.Raw()
					it.Subject = bytes.Clone(raw)
					return err
				case 3:
					raw, err := f.Raw()
					it.Value = bytes.Clone(raw)
					return err
				case 4:
					raw, err := f.Raw()
					if err != nil {
						return err
					}
					it.Version, err = unmarshalVersion(raw)
					return err
				}
				return nil
			})
			s.Items = append(s.Items, it)
		case 2:
			var it SetItem
			err = wire.Walk(raw, func(f wire.Field) error {
				switch f.Num {
				case 1:
					v, err := f.Uint()
					it.ContentType = model.ContentType(v)
					return err
				case 2:
					raw, err := f.Raw()
					it.Value = bytes.Clone(raw)
					return err
				case 3:
					v, err := f.Uint()
					it.Operation = model.SetOperation(v)
					return err
				case 4:
					raw, err := f.Raw()
					if err != nil {
						return err
					}
					it.Version, err = unmarshalVersion(raw)
					return err
				}
				return nil
			})
			s.SetItems = append(s.SetItems, it)
		case 3:
			var p model.Process
			p, err = model.ProcessFromBytes(raw)
			s.Processes = append(s.Processes, p)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode system state: %w", err)
	}
	return s, nil
}
