package model

import (
	"bytes"
	"fmt"

	"github.com/roach88/polycentric/internal/wire"
)

// Field numbers of the event wire format. They match the protocol's
// protobuf schema so that events stay exchangeable with other clients.
const (
	fieldEventSystem        = 1
	fieldEventProcess       = 2
	fieldEventLogicalClock  = 3
	fieldEventContentType   = 4
	fieldEventContent       = 5
	fieldEventLWWElement    = 7
	fieldEventReferences    = 8
	fieldEventIndices       = 9
	fieldEventLWWElementSet = 10
)

// Marshal returns the wire form of k.
func (k PublicKey) Marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, uint64(k.KeyType))
	b = wire.AppendBytes(b, 2, k.Key)
	return b
}

// UnmarshalPublicKey decodes the wire form of a system key.
func UnmarshalPublicKey(b []byte) (PublicKey, error) {
	var k PublicKey
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			k.KeyType = KeyType(v)
			return err
		case 2:
			v, err := f.Raw()
			k.Key = bytes.Clone(v)
			return err
		}
		return nil
	})
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: system: %v", ErrMalformedEvent, err)
	}
	if err := k.validate(); err != nil {
		return PublicKey{}, err
	}
	return k, nil
}

// Marshal returns the wire form of p.
func (p Pointer) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, 1, p.System.Marshal())
	b = wire.AppendBytes(b, 2, p.Process[:])
	b = wire.AppendUint(b, 3, p.LogicalClock)
	return b
}

// UnmarshalPointer decodes the wire form of a pointer.
func UnmarshalPointer(b []byte) (Pointer, error) {
	var p Pointer
	var sawProcess bool
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			p.System, err = UnmarshalPublicKey(raw)
			return err
		case 2:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			sawProcess = true
			p.Process, err = ProcessFromBytes(raw)
			return err
		case 3:
			v, err := f.Uint()
			p.LogicalClock = v
			return err
		}
		return nil
	})
	if err != nil {
		return Pointer{}, fmt.Errorf("%w: pointer: %v", ErrMalformedEvent, err)
	}
	if !sawProcess {
		return Pointer{}, fmt.Errorf("%w: pointer without process", ErrMalformedEvent)
	}
	if err := p.System.validate(); err != nil {
		return Pointer{}, err
	}
	return p, nil
}

// Marshal returns the canonical encoding of e. Signatures are computed over
// these bytes, so the encoding must never depend on anything but the field
// values.
func (e *Event) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, fieldEventSystem, e.System.Marshal())
	b = wire.AppendBytes(b, fieldEventProcess, e.Process[:])
	b = wire.AppendUint(b, fieldEventLogicalClock, e.LogicalClock)
	b = wire.AppendUint(b, fieldEventContentType, uint64(e.ContentType))
	b = wire.AppendBytes(b, fieldEventContent, e.Content)
	if e.LWWElement != nil {
		var m []byte
		m = wire.AppendBytes(m, 1, e.LWWElement.Value)
		m = wire.AppendUint(m, 2, e.LWWElement.UnixMilliseconds)
		b = wire.AppendMessage(b, fieldEventLWWElement, m)
	}
	for _, r := range e.References {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(r.ReferenceType))
		m = wire.AppendBytes(m, 2, r.Reference)
		b = wire.AppendMessage(b, fieldEventReferences, m)
	}
	for _, idx := range e.Indices {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(idx.IndexType))
		m = wire.AppendUint(m, 2, idx.LogicalClock)
		b = wire.AppendMessage(b, fieldEventIndices, m)
	}
	if e.LWWElementSet != nil {
		var m []byte
		m = wire.AppendUint(m, 1, uint64(e.LWWElementSet.Operation))
		m = wire.AppendBytes(m, 2, e.LWWElementSet.Value)
		m = wire.AppendUint(m, 3, e.LWWElementSet.UnixMilliseconds)
		b = wire.AppendMessage(b, fieldEventLWWElementSet, m)
	}
	return b
}

// UnmarshalEvent decodes canonical event bytes. Byte slices in the result
// never alias b.
func UnmarshalEvent(b []byte) (*Event, error) {
	e := &Event{}
	var sawSystem, sawProcess bool

	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldEventSystem:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			sawSystem = true
			e.System, err = UnmarshalPublicKey(raw)
			return err
		case fieldEventProcess:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			sawProcess = true
			e.Process, err = ProcessFromBytes(raw)
			return err
		case fieldEventLogicalClock:
			v, err := f.Uint()
			e.LogicalClock = v
			return err
		case fieldEventContentType:
			v, err := f.Uint()
			e.ContentType = ContentType(v)
			return err
		case fieldEventContent:
			raw, err := f.Raw()
			e.Content = bytes.Clone(raw)
			return err
		case fieldEventLWWElement:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			e.LWWElement, err = unmarshalLWWElement(raw)
			return err
		case fieldEventReferences:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			r, err := unmarshalReference(raw)
			if err != nil {
				return err
			}
			e.References = append(e.References, r)
		case fieldEventIndices:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			idx, err := unmarshalIndex(raw)
			if err != nil {
				return err
			}
			e.Indices = append(e.Indices, idx)
		case fieldEventLWWElementSet:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			e.LWWElementSet, err = unmarshalLWWElementSet(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !sawSystem {
		return nil, fmt.Errorf("%w: missing system", ErrMalformedEvent)
	}
	if !sawProcess {
		return nil, fmt.Errorf("%w: missing process", ErrMalformedEvent)
	}
	return e, nil
}

func unmarshalLWWElement(b []byte) (*LWWElement, error) {
	el := &LWWElement{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			raw, err := f.Raw()
			el.Value = bytes.Clone(raw)
			return err
		case 2:
			v, err := f.Uint()
			el.UnixMilliseconds = v
			return err
		}
		return nil
	})
	return el, err
}

func unmarshalLWWElementSet(b []byte) (*LWWElementSet, error) {
	el := &LWWElementSet{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			el.Operation = SetOperation(v)
			return err
		case 2:
			raw, err := f.Raw()
			el.Value = bytes.Clone(raw)
			return err
		case 3:
			v, err := f.Uint()
			el.UnixMilliseconds = v
			return err
		}
		return nil
	})
	if err == nil && el.Operation > SetOperationRemove {
		err = fmt.Errorf("unknown set operation %d", el.Operation)
	}
	return el, err
}

func unmarshalReference(b []byte) (Reference, error) {
	var r Reference
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			r.ReferenceType = ReferenceType(v)
			return err
		case 2:
			raw, err := f.Raw()
			r.Reference = bytes.Clone(raw)
			return err
		}
		return nil
	})
	return r, err
}

func unmarshalIndex(b []byte) (Index, error) {
	var idx Index
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			idx.IndexType = ContentType(v)
			return err
		case 2:
			v, err := f.Uint()
			idx.LogicalClock = v
			return err
		}
		return nil
	})
	return idx, err
}

// Marshal returns the wire form of s.
func (s *SignedEvent) Marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, s.Signature)
	b = wire.AppendBytes(b, 2, s.Event)
	return b
}

// UnmarshalSignedEvent decodes the wire form of a signed event without
// verifying it. Call Decode to verify.
func UnmarshalSignedEvent(b []byte) (*SignedEvent, error) {
	s := &SignedEvent{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			raw, err := f.Raw()
			s.Signature = bytes.Clone(raw)
			return err
		case 2:
			raw, err := f.Raw()
			s.Event = bytes.Clone(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: signed event: %v", ErrMalformedEvent, err)
	}
	return s, nil
}
