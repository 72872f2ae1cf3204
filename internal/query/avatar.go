package query

import (
	"context"
	"sync"

	"github.com/roach88/polycentric/internal/blob"
	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/state"
)

// AvatarResult is one delivery of QueryAvatar. Found is false when the
// system has no avatar. Err is set when the blob could not be loaded;
// blob.ErrIncomplete means its sections have not all arrived yet, and the
// load is retried as sections are ingested.
type AvatarResult struct {
	Manifest model.Pointer
	Found    bool
	Blob     *blob.Blob
	Err      error
}

type avatarLoader struct {
	m   *Manager
	ctx context.Context
	cb  func(AvatarResult)

	mu         sync.Mutex
	manifest   model.Pointer
	found      bool
	loaded     bool
	cancelLoad context.CancelFunc
}

// QueryAvatar watches the avatar of system and loads its blob in the
// background. A new avatar value cancels the load of the previous one, and
// results of a cancelled load are never delivered.
func (m *Manager) QueryAvatar(ctx context.Context, system model.PublicKey, cb func(AvatarResult)) (unregister func()) {
	ctx, cancel := context.WithCancel(ctx)
	l := &avatarLoader{m: m, ctx: ctx, cb: cb}

	// Sections of a pending blob arrive as ordinary events.
	tok := m.index.Register(indexKey{system: system.String(), ct: model.ContentTypeBlobSection}, l.sectionArrived)
	context.AfterFunc(ctx, func() { m.index.Unregister(tok) })

	stop := watch(ctx, m, system, crdtKey{system: system.String(), ct: model.ContentTypeAvatar},
		func(s *state.SystemState) CRDTValue {
			it, ok := s.Item(model.ContentTypeAvatar)
			return CRDTValue{Value: it.Value, Version: it.Version, Found: ok}
		}, CRDTValue.equal, l.avatarChanged)

	return func() {
		stop()
		cancel()
		m.index.Unregister(tok)
	}
}

func (l *avatarLoader) avatarChanged(v CRDTValue) {
	if !v.Found {
		l.start(model.Pointer{}, false)
		return
	}
	p, err := model.UnmarshalPointer(v.Value)
	if err != nil {
		l.deliver(l.ctx, AvatarResult{Err: err})
		return
	}
	l.start(p, true)
}

func (l *avatarLoader) sectionArrived(a *process.Applied) {
	l.mu.Lock()
	retry := l.found && !l.loaded && a.Event.Process == l.manifest.Process
	manifest := l.manifest
	l.mu.Unlock()
	if retry {
		l.start(manifest, true)
	}
}

// start cancels any running load and begins loading manifest.
func (l *avatarLoader) start(manifest model.Pointer, found bool) {
	l.mu.Lock()
	if l.cancelLoad != nil {
		l.cancelLoad()
	}
	l.manifest, l.found, l.loaded = manifest, found, false
	if !found {
		l.cancelLoad = nil
		l.mu.Unlock()
		l.deliver(l.ctx, AvatarResult{})
		return
	}
	child, cancel := context.WithCancel(l.ctx)
	l.cancelLoad = cancel
	l.mu.Unlock()

	go func() {
		b, err := blob.Load(child, l.m.h.Store(), manifest)
		l.mu.Lock()
		defer l.mu.Unlock()
		if child.Err() != nil {
			return
		}
		l.loaded = err == nil
		l.cb(AvatarResult{Manifest: manifest, Found: true, Blob: b, Err: err})
	}()
}

// deliver calls the callback unless ctx has been cancelled. Deliveries are
// serialized by l.mu.
func (l *avatarLoader) deliver(ctx context.Context, r AvatarResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	l.cb(r)
}
