package blob_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/polycentric/internal/blob"
	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/testutil"
)

func newHandle(t *testing.T) *process.Handle {
	t.Helper()
	st := store.OpenMemory()
	t.Cleanup(func() { st.Close() })
	h, err := process.CreateFromKey(context.Background(), st, testutil.Key(t, 1),
		process.WithClock(testutil.NewDeterministicClock(1)))
	require.NoError(t, err)
	return h
}

func TestPublishAndLoad_MultipleSections(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	data := bytes.Repeat([]byte("0123456789"), 10)

	meta, err := blob.Publish(ctx, h, "text/plain", data, 32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.LogicalClock)

	ranges, err := h.Ranges(ctx, h.System())
	require.NoError(t, err)
	assert.Equal(t, "[0-4]", ranges[0].Ranges.String(), "manifest plus four sections")

	b, err := blob.Load(ctx, h.Store(), meta)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", b.Mime)
	assert.Equal(t, data, b.Data)
}

func TestPublish_Empty(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)

	meta, err := blob.Publish(ctx, h, "application/octet-stream", nil, 0)
	require.NoError(t, err)

	b, err := blob.Load(ctx, h.Store(), meta)
	require.NoError(t, err)
	assert.Empty(t, b.Data)
}

func TestLoad_IncompleteOnReplica(t *testing.T) {
	ctx := context.Background()
	author := newHandle(t)
	meta, err := blob.Publish(ctx, author, "text/plain", []byte("abcdef"), 2)
	require.NoError(t, err)

	st := store.OpenMemory()
	defer st.Close()
	replica, err := process.CreateFromKey(ctx, st, testutil.Key(t, 2))
	require.NoError(t, err)

	_, err = blob.Load(ctx, replica.Store(), meta)
	assert.ErrorIs(t, err, blob.ErrIncomplete)

	// Manifest and the first section only.
	for clock := uint64(0); clock < 2; clock++ {
		se, err := author.GetSignedEvent(ctx, model.Pointer{System: meta.System, Process: meta.Process, LogicalClock: clock})
		require.NoError(t, err)
		_, err = replica.Ingest(ctx, se)
		require.NoError(t, err)
	}
	_, err = blob.Load(ctx, replica.Store(), meta)
	assert.ErrorIs(t, err, blob.ErrIncomplete)

	se, err := author.GetSignedEvent(ctx, model.Pointer{System: meta.System, Process: meta.Process, LogicalClock: 3})
	require.NoError(t, err)
	_, err = replica.Ingest(ctx, se)
	require.NoError(t, err)
	_, err = blob.Load(ctx, replica.Store(), meta)
	assert.ErrorIs(t, err, blob.ErrIncomplete, "gap at clock 2")
}

func TestLoad_NotAManifest(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	post, err := h.Post(ctx, "plain post")
	require.NoError(t, err)

	_, err = blob.Load(ctx, h.Store(), post)
	require.Error(t, err)
	assert.NotErrorIs(t, err, blob.ErrIncomplete)
}
