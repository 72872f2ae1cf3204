// Package state folds events into the per-system CRDT projection.
//
// A SystemState holds last-writer-wins registers, last-writer-wins element
// sets and the set of known processes. Merge is commutative, associative
// and idempotent: folding any permutation of the same events yields a state
// whose canonical encoding is byte-identical.
//
// # Ordering
//
// Writes are ordered by (unixMillis, process, logicalClock), comparing the
// process bytewise. A write replaces the stored one only when it is strictly
// greater, so re-applying the stored write is a no-op.
package state

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/roach88/polycentric/internal/model"
)

// Version is the position of a write in the LWW total order.
type Version struct {
	UnixMilliseconds uint64
	Process          model.Process
	LogicalClock     uint64
}

// Compare orders versions by time, then process bytes, then clock.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.UnixMilliseconds, o.UnixMilliseconds); c != 0 {
		return c
	}
	if c := v.Process.Compare(o.Process); c != 0 {
		return c
	}
	return cmp.Compare(v.LogicalClock, o.LogicalClock)
}

// Item is the current value of one LWW register. Subject is empty for
// profile registers and identifies the referenced subject for
// subject-scoped content types such as opinions.
type Item struct {
	ContentType model.ContentType
	Subject     []byte
	Value       []byte
	Version     Version
}

// SetItem is the current add/remove state of one member of an LWW set.
type SetItem struct {
	ContentType model.ContentType
	Value       []byte
	Operation   model.SetOperation
	Version     Version
}

// SystemState is the projection of every event of one system.
//
// Invariant: Items is sorted by (ContentType, Subject), SetItems by
// (ContentType, Value) and Processes bytewise, with no duplicate keys.
type SystemState struct {
	Items     []Item
	SetItems  []SetItem
	Processes []model.Process
}

// SubjectScoped reports whether registers of ct are keyed by the event's
// first reference in addition to the content type.
func SubjectScoped(ct model.ContentType) bool {
	return ct == model.ContentTypeOpinion
}

// SubjectOf returns the register subject of e.
func SubjectOf(e *model.Event) []byte {
	if !SubjectScoped(e.ContentType) || len(e.References) == 0 {
		return nil
	}
	return e.References[0].Key()
}

type itemKey struct {
	ct      model.ContentType
	subject []byte
}

func compareItem(it Item, k itemKey) int {
	if c := cmp.Compare(it.ContentType, k.ct); c != 0 {
		return c
	}
	return bytes.Compare(it.Subject, k.subject)
}

type setKey struct {
	ct    model.ContentType
	value []byte
}

func compareSetItem(it SetItem, k setKey) int {
	if c := cmp.Compare(it.ContentType, k.ct); c != 0 {
		return c
	}
	return bytes.Compare(it.Value, k.value)
}

// Merge folds e into s and reports whether s changed.
//
// A delete event also contributes the process of its target, so replicas
// that only ever saw the delete agree with replicas that held the target.
func (s *SystemState) Merge(e *model.Event) bool {
	changed := s.addProcess(e.Process)

	if e.ContentType == model.ContentTypeDelete {
		if d, err := model.UnmarshalDelete(e.Content); err == nil && s.addProcess(d.Process) {
			changed = true
		}
	}

	if el := e.LWWElement; el != nil {
		v := Version{UnixMilliseconds: el.UnixMilliseconds, Process: e.Process, LogicalClock: e.LogicalClock}
		if s.mergeItem(e.ContentType, SubjectOf(e), el.Value, v) {
			changed = true
		}
	}

	if el := e.LWWElementSet; el != nil {
		v := Version{UnixMilliseconds: el.UnixMilliseconds, Process: e.Process, LogicalClock: e.LogicalClock}
		if s.mergeSetItem(e.ContentType, el.Value, el.Operation, v) {
			changed = true
		}
	}

	return changed
}

func (s *SystemState) addProcess(p model.Process) bool {
	i, found := slices.BinarySearchFunc(s.Processes, p, model.Process.Compare)
	if found {
		return false
	}
	s.Processes = slices.Insert(s.Processes, i, p)
	return true
}

func (s *SystemState) mergeItem(ct model.ContentType, subject, value []byte, v Version) bool {
	i, found := slices.BinarySearchFunc(s.Items, itemKey{ct, subject}, compareItem)
	if found {
		if v.Compare(s.Items[i].Version) <= 0 {
			return false
		}
		s.Items[i].Value = bytes.Clone(value)
		s.Items[i].Version = v
		return true
	}
	s.Items = slices.Insert(s.Items, i, Item{
		ContentType: ct,
		Subject:     bytes.Clone(subject),
		Value:       bytes.Clone(value),
		Version:     v,
	})
	return true
}

func (s *SystemState) mergeSetItem(ct model.ContentType, value []byte, op model.SetOperation, v Version) bool {
	i, found := slices.BinarySearchFunc(s.SetItems, setKey{ct, value}, compareSetItem)
	if found {
		if v.Compare(s.SetItems[i].Version) <= 0 {
			return false
		}
		s.SetItems[i].Operation = op
		s.SetItems[i].Version = v
		return true
	}
	s.SetItems = slices.Insert(s.SetItems, i, SetItem{
		ContentType: ct,
		Value:       bytes.Clone(value),
		Operation:   op,
		Version:     v,
	})
	return true
}

// Item returns the register for ct with an empty subject.
func (s *SystemState) Item(ct model.ContentType) (Item, bool) {
	return s.SubjectItem(ct, nil)
}

// SubjectItem returns the register for (ct, subject).
func (s *SystemState) SubjectItem(ct model.ContentType, subject []byte) (Item, bool) {
	i, found := slices.BinarySearchFunc(s.Items, itemKey{ct, subject}, compareItem)
	if !found {
		return Item{}, false
	}
	return s.Items[i], true
}

// SetMembers returns the values of ct whose latest operation is an add, in
// value order.
func (s *SystemState) SetMembers(ct model.ContentType) [][]byte {
	var out [][]byte
	for _, it := range s.SetItems {
		if it.ContentType == ct && it.Operation == model.SetOperationAdd {
			out = append(out, it.Value)
		}
	}
	return out
}

func (s *SystemState) text(ct model.ContentType) string {
	it, ok := s.Item(ct)
	if !ok {
		return ""
	}
	return string(it.Value)
}

// Username returns the current username, or "" if never set.
func (s *SystemState) Username() string { return s.text(model.ContentTypeUsername) }

// Description returns the current description, or "" if never set.
func (s *SystemState) Description() string { return s.text(model.ContentTypeDescription) }

func (s *SystemState) pointer(ct model.ContentType) (model.Pointer, bool) {
	it, ok := s.Item(ct)
	if !ok {
		return model.Pointer{}, false
	}
	p, err := model.UnmarshalPointer(it.Value)
	if err != nil {
		return model.Pointer{}, false
	}
	return p, true
}

// Avatar returns the pointer to the avatar blob manifest.
func (s *SystemState) Avatar() (model.Pointer, bool) { return s.pointer(model.ContentTypeAvatar) }

// Banner returns the pointer to the banner blob manifest.
func (s *SystemState) Banner() (model.Pointer, bool) { return s.pointer(model.ContentTypeBanner) }

// Servers returns the server URLs currently in the server set.
func (s *SystemState) Servers() []string {
	members := s.SetMembers(model.ContentTypeServer)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = string(m)
	}
	return out
}

// Following returns the systems currently followed.
func (s *SystemState) Following() []model.PublicKey {
	var out []model.PublicKey
	for _, m := range s.SetMembers(model.ContentTypeFollow) {
		k, err := model.UnmarshalPublicKey(m)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Opinion returns the current opinion on subject, or OpinionNeutral when
// none has been expressed.
func (s *SystemState) Opinion(subject model.Reference) model.Opinion {
	it, ok := s.SubjectItem(model.ContentTypeOpinion, subject.Key())
	if !ok || len(it.Value) != 1 {
		return model.OpinionNeutral
	}
	return model.Opinion(it.Value[0])
}

// HasProcess reports whether p has contributed an event.
func (s *SystemState) HasProcess(p model.Process) bool {
	_, found := slices.BinarySearchFunc(s.Processes, p, model.Process.Compare)
	return found
}

// Clone returns a deep copy of s.
func (s *SystemState) Clone() *SystemState {
	out := &SystemState{
		Items:     make([]Item, len(s.Items)),
		SetItems:  make([]SetItem, len(s.SetItems)),
		Processes: slices.Clone(s.Processes),
	}
	for i, it := range s.Items {
		it.Subject = bytes.Clone(it.Subject)
		it.Value = bytes.Clone(it.Value)
		out.Items[i] = it
	}
	for i, it := range s.SetItems {
		it.Value = bytes.Clone(it.Value)
		out.SetItems[i] = it
	}
	return out
}
