package testutil

import (
	"bytes"
	"testing"

	"github.com/roach88/polycentric/internal/model"
)

// Key returns a fixed ed25519 identity derived from seed. The same seed
// always yields the same system, which keeps golden snapshots stable.
func Key(t testing.TB, seed byte) model.PrivateKey {
	t.Helper()
	k, err := model.PrivateKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("seeded key: %v", err)
	}
	return k
}

// System returns the public key of Key(t, seed).
func System(t testing.TB, seed byte) model.PublicKey {
	t.Helper()
	pub, err := Key(t, seed).PublicKey()
	if err != nil {
		t.Fatalf("seeded system: %v", err)
	}
	return pub
}

// Process returns a fixed process identifier whose bytes are all n.
func Process(n byte) model.Process {
	var p model.Process
	for i := range p {
		p[i] = n
	}
	return p
}

// EventOptions sets the optional parts of an event built by SignedEvent.
type EventOptions struct {
	ContentType   model.ContentType
	Content       []byte
	LWWElement    *model.LWWElement
	LWWElementSet *model.LWWElementSet
	References    []model.Reference
}

// SignedEvent builds and signs an event at (key's system, process, clock).
// ContentType defaults to Post.
func SignedEvent(t testing.TB, key model.PrivateKey, process model.Process, clock uint64, opts EventOptions) (*model.SignedEvent, *model.Event) {
	t.Helper()
	system, err := key.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	ct := opts.ContentType
	if ct == 0 {
		ct = model.ContentTypePost
	}
	e := &model.Event{
		System:        system,
		Process:       process,
		LogicalClock:  clock,
		ContentType:   ct,
		Content:       opts.Content,
		LWWElement:    opts.LWWElement,
		LWWElementSet: opts.LWWElementSet,
		References:    opts.References,
	}
	se, err := model.SignEvent(key, e)
	if err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return se, e
}
