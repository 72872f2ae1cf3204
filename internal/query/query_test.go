package query

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/polycentric/internal/blob"
	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/testutil"
)

func newHandle(t *testing.T, seed byte) *process.Handle {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.OpenMemory(store.WithLogger(logger))
	t.Cleanup(func() { st.Close() })
	h, err := process.CreateFromKey(context.Background(), st, testutil.Key(t, seed),
		process.WithClock(testutil.NewDeterministicClock(1000)),
		process.WithLogger(logger))
	require.NoError(t, err)
	return h
}

func TestRegistry_DispatchInOrder(t *testing.T) {
	r := NewRegistry[string, int]()
	var got []string

	a := r.Register("k", func(v int) { got = append(got, "a") })
	r.Register("k", func(v int) { got = append(got, "b") })
	r.Register("other", func(v int) { got = append(got, "other") })

	assert.Equal(t, 2, r.Dispatch("k", 1))
	assert.Equal(t, []string{"a", "b"}, got)

	r.Unregister(a)
	r.Unregister(a)
	got = nil
	assert.Equal(t, 1, r.Dispatch("k", 1))
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"k", "other"}, r.Keys(nil))
}

func TestRegistry_CallbackMayUnregister(t *testing.T) {
	r := NewRegistry[string, int]()
	calls := 0
	var tok Token
	tok = r.Register("k", func(int) {
		calls++
		r.Unregister(tok)
	})

	r.Dispatch("k", 1)
	r.Dispatch("k", 2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())
}

func TestQueryCRDT_ImmediateThenChanges(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	var got []CRDTValue
	unregister := m.QueryCRDT(ctx, h.System(), model.ContentTypeUsername, func(v CRDTValue) {
		got = append(got, v)
	})
	require.Len(t, got, 1)
	assert.False(t, got[0].Found)

	_, err := h.SetUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = h.Post(ctx, "unrelated")
	require.NoError(t, err)
	_, err = h.SetDescription(ctx, "unrelated register")
	require.NoError(t, err)
	_, err = h.SetUsername(ctx, "bob")
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "alice", string(got[1].Value))
	assert.Equal(t, "bob", string(got[2].Value))

	unregister()
	_, err = h.SetUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 0, m.Registered())
}

func TestQueryCRDT_ContextCancelStopsDelivery(t *testing.T) {
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	m.QueryCRDT(ctx, h.System(), model.ContentTypeUsername, func(CRDTValue) { calls++ })
	cancel()

	_, err := h.SetUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestQueryCRDT_RedeliversAfterDelete(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	_, err := h.SetUsername(ctx, "alice")
	require.NoError(t, err)
	bob, err := h.SetUsername(ctx, "bob")
	require.NoError(t, err)

	var names []string
	unregister := m.QueryCRDT(ctx, h.System(), model.ContentTypeUsername, func(v CRDTValue) {
		names = append(names, string(v.Value))
	})
	defer unregister()

	_, err = h.Delete(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, names)
}

func TestQueryCRDT_RemoteSystem(t *testing.T) {
	ctx := context.Background()
	local := newHandle(t, 1)
	remote := newHandle(t, 2)
	m := NewManager(local)
	defer m.Close()

	var names []string
	unregister := m.QueryCRDT(ctx, remote.System(), model.ContentTypeUsername, func(v CRDTValue) {
		names = append(names, string(v.Value))
	})
	defer unregister()

	p, err := remote.SetUsername(ctx, "remote")
	require.NoError(t, err)
	se, err := remote.GetSignedEvent(ctx, p)
	require.NoError(t, err)
	_, err = local.Ingest(ctx, se)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "remote"}, names)
}

func TestQueryOpinion(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	post, err := h.Post(ctx, "subject")
	require.NoError(t, err)
	other, err := h.Post(ctx, "other subject")
	require.NoError(t, err)

	var got []model.Opinion
	unregister := m.QueryOpinion(ctx, h.System(), model.PointerReference(post), func(o model.Opinion) {
		got = append(got, o)
	})
	defer unregister()

	_, err = h.Opinion(ctx, model.PointerReference(post), model.OpinionLike)
	require.NoError(t, err)
	_, err = h.Opinion(ctx, model.PointerReference(other), model.OpinionDislike)
	require.NoError(t, err)
	_, err = h.Opinion(ctx, model.PointerReference(post), model.OpinionNeutral)
	require.NoError(t, err)

	assert.Equal(t, []model.Opinion{model.OpinionNeutral, model.OpinionLike, model.OpinionNeutral}, got)
}

func TestQuerySet(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	var got [][]string
	unregister := m.QuerySet(ctx, h.System(), model.ContentTypeServer, func(members [][]byte) {
		var s []string
		for _, b := range members {
			s = append(s, string(b))
		}
		got = append(got, s)
	})
	defer unregister()

	_, err := h.AddServer(ctx, "https://a.example")
	require.NoError(t, err)
	_, err = h.RemoveServer(ctx, "https://a.example")
	require.NoError(t, err)

	assert.Equal(t, [][]string{nil, {"https://a.example"}, nil}, got)
}

func TestQueryIndex_AdvanceAndLive(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	var claims []model.Pointer
	for _, name := range []string{"a", "b", "c"} {
		p, err := h.Claim(ctx, model.ClaimGitHub(name))
		require.NoError(t, err)
		claims = append(claims, p)
	}

	var added, removed []model.Pointer
	q := m.QueryIndex(ctx, h.System(), model.ContentTypeClaim, func(b IndexBatch) {
		for _, se := range b.Add {
			e, err := se.Decode()
			require.NoError(t, err)
			added = append(added, e.Pointer())
		}
		removed = append(removed, b.Remove...)
	})
	defer q.Close()

	n, err := q.Advance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live, err := h.Claim(ctx, model.ClaimTwitter("live"))
	require.NoError(t, err)
	assert.Len(t, added, 3)

	// The next page holds the last historic claim and the live one, which
	// is not delivered twice.
	n, err = q.Advance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.Advance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, q.Exhausted())
	assert.Len(t, added, 4)
	assert.True(t, added[2].Equal(live))

	_, err = h.Delete(ctx, claims[0])
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.True(t, removed[0].Equal(claims[0]))

	q.Close()
	_, err = h.Claim(ctx, model.ClaimGeneric("after close"))
	require.NoError(t, err)
	assert.Len(t, added, 4)
	_, err = q.Advance(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryIndex_LiveDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	var added []model.Pointer
	q := m.QueryIndex(ctx, h.System(), model.ContentTypeDelete, func(b IndexBatch) {
		for _, se := range b.Add {
			e, err := se.Decode()
			require.NoError(t, err)
			added = append(added, e.Pointer())
		}
		assert.Empty(t, b.Remove)
	})
	defer q.Close()

	post, err := h.Post(ctx, "gone soon")
	require.NoError(t, err)
	assert.Empty(t, added)

	del, err := h.Delete(ctx, post)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.True(t, added[0].Equal(del))

	// History holds the same delete, which is not delivered twice.
	n, err := q.Advance(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueryIndex_ScansOtherContentTypes(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	_, err := h.Post(ctx, "one")
	require.NoError(t, err)
	_, err = h.SetUsername(ctx, "noise")
	require.NoError(t, err)
	deleted, err := h.Post(ctx, "two")
	require.NoError(t, err)
	_, err = h.Delete(ctx, deleted)
	require.NoError(t, err)

	var posts []string
	q := m.QueryIndex(ctx, h.System(), model.ContentTypePost, func(b IndexBatch) {
		for _, se := range b.Add {
			e, err := se.Decode()
			require.NoError(t, err)
			post, err := model.UnmarshalPost(e.Content)
			require.NoError(t, err)
			posts = append(posts, post.Content)
		}
	})
	defer q.Close()

	for !q.Exhausted() {
		_, err := q.Advance(ctx, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"one"}, posts)
}

func TestQueryIndex_RejectsBadPageSize(t *testing.T) {
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	q := m.QueryIndex(context.Background(), h.System(), model.ContentTypePost, func(IndexBatch) {})
	defer q.Close()
	_, err := q.Advance(context.Background(), 0)
	assert.Error(t, err)
}

func nextAvatar(t *testing.T, ch <-chan AvatarResult) AvatarResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for avatar")
		return AvatarResult{}
	}
}

func TestQueryAvatar_LoadsAndFollowsChanges(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	results := make(chan AvatarResult, 8)
	unregister := m.QueryAvatar(ctx, h.System(), func(r AvatarResult) { results <- r })
	defer unregister()

	assert.False(t, nextAvatar(t, results).Found)

	first, err := h.PublishBlob(ctx, "image/png", []byte("first"))
	require.NoError(t, err)
	_, err = h.SetAvatar(ctx, first)
	require.NoError(t, err)

	r := nextAvatar(t, results)
	require.NoError(t, r.Err)
	assert.True(t, r.Manifest.Equal(first))
	assert.Equal(t, []byte("first"), r.Blob.Data)
}

func TestQueryAvatar_RetriesIncompleteBlob(t *testing.T) {
	ctx := context.Background()
	author := newHandle(t, 1)
	replica := newHandle(t, 2)
	m := NewManager(replica)
	defer m.Close()

	manifest, err := blob.Publish(ctx, author, "image/png", []byte("abcdef"), 3)
	require.NoError(t, err)
	set, err := author.SetAvatar(ctx, manifest)
	require.NoError(t, err)

	results := make(chan AvatarResult, 8)
	unregister := m.QueryAvatar(ctx, author.System(), func(r AvatarResult) { results <- r })
	defer unregister()
	assert.False(t, nextAvatar(t, results).Found)

	copyEvent := func(p model.Pointer) {
		se, err := author.GetSignedEvent(ctx, p)
		require.NoError(t, err)
		_, err = replica.Ingest(ctx, se)
		require.NoError(t, err)
	}
	at := func(clock uint64) model.Pointer {
		return model.Pointer{System: manifest.System, Process: manifest.Process, LogicalClock: clock}
	}

	copyEvent(set)
	r := nextAvatar(t, results)
	assert.ErrorIs(t, r.Err, blob.ErrIncomplete)

	copyEvent(at(0))
	copyEvent(at(1))
	copyEvent(at(2))

	require.Eventually(t, func() bool {
		select {
		case r := <-results:
			return r.Err == nil && r.Blob != nil && string(r.Blob.Data) == "abcdef"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueryAvatar_NoDeliveryAfterUnregister(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, 1)
	m := NewManager(h)
	defer m.Close()

	results := make(chan AvatarResult, 8)
	unregister := m.QueryAvatar(ctx, h.System(), func(r AvatarResult) { results <- r })
	nextAvatar(t, results)
	unregister()

	meta, err := h.PublishBlob(ctx, "image/png", []byte("late"))
	require.NoError(t, err)
	_, err = h.SetAvatar(ctx, meta)
	require.NoError(t, err)

	select {
	case r := <-results:
		t.Fatalf("unexpected delivery after unregister: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
