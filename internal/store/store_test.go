package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/testutil"
)

// forEachDriver runs fn against a fresh store on every driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, name := range DriverNames() {
		t.Run(name, func(t *testing.T) {
			s, err := Open(name, filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func putEvent(t *testing.T, s *Store, se *model.SignedEvent, e *model.Event) {
	t.Helper()
	b := NewBatch()
	b.PutEvent(e.Pointer(), se)
	require.NoError(t, s.Commit(context.Background(), b))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("cassandra", "")
	assert.Error(t, err)
}

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpenSQLite_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)

	_, err = s.DB().Exec("DROP TABLE meta")
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM meta").Scan(&count))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	for _, name := range []string{DriverSQLite, DriverBolt} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			key := testutil.Key(t, 1)
			se, e := testutil.SignedEvent(t, key, testutil.Process(1), 0, testutil.EventOptions{})

			s, err := Open(name, path)
			require.NoError(t, err)
			putEvent(t, s, se, e)
			require.NoError(t, s.Close())

			s, err = Open(name, path)
			require.NoError(t, err)
			defer s.Close()

			got, err := s.GetSignedEvent(context.Background(), e.Pointer())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, se.Event, got.Event)
		})
	}
}

func TestStore_DefaultsForUnknownKeys(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		system := testutil.System(t, 1)

		ps, err := s.GetProcessState(ctx, system, testutil.Process(9))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), ps.LogicalClock)
		assert.True(t, ps.Ranges.IsEmpty())

		raw, err := s.LoadSystemState(ctx, system)
		require.NoError(t, err)
		assert.Nil(t, raw)

		ev, err := s.GetSignedEvent(ctx, model.Pointer{System: system, Process: testutil.Process(9), LogicalClock: 4})
		require.NoError(t, err)
		assert.Nil(t, ev)

		secret, err := s.GetProcessSecret(ctx)
		require.NoError(t, err)
		assert.Nil(t, secret)
	})
}

func TestStore_BatchIsAtomicAndReadable(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		key := testutil.Key(t, 1)
		proc := testutil.Process(1)
		se, e := testutil.SignedEvent(t, key, proc, 0, testutil.EventOptions{ContentType: model.ContentTypeClaim})

		ps := &ProcessState{}
		ps.Observe(0, model.ContentTypeClaim)

		b := NewBatch()
		b.PutEvent(e.Pointer(), se)
		b.PutProcessState(e.System, proc, ps)
		b.PutSystemState(e.System, []byte("state"))
		b.PutIndexClaim(e.Pointer())
		require.Equal(t, 4, b.Len())
		require.NoError(t, s.Commit(ctx, b))

		gotPS, err := s.GetProcessState(ctx, e.System, proc)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), gotPS.LogicalClock)
		assert.True(t, gotPS.Ranges.Equal(rangeset.Of(0)))
		assert.Equal(t, map[model.ContentType]uint64{model.ContentTypeClaim: 0}, gotPS.Indices)

		raw, err := s.LoadSystemState(ctx, e.System)
		require.NoError(t, err)
		assert.Equal(t, []byte("state"), raw)

		procs, err := s.ListProcesses(ctx, e.System)
		require.NoError(t, err)
		assert.Equal(t, []model.Process{proc}, procs)

		systems, err := s.ListSystems(ctx)
		require.NoError(t, err)
		require.Len(t, systems, 1)
		assert.True(t, systems[0].Equal(e.System))
	})
}

func TestStore_FailedBatchAppliesNothing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		key := testutil.Key(t, 1)
		se, e := testutil.SignedEvent(t, key, testutil.Process(1), 0, testutil.EventOptions{})

		b := NewBatch()
		b.PutEvent(e.Pointer(), se)
		b.ops = append(b.ops, Op{Keyspace: "bogus", Key: []byte("k"), Value: []byte("v")})
		require.Error(t, s.Commit(ctx, b))

		got, err := s.GetSignedEvent(ctx, e.Pointer())
		require.NoError(t, err)
		assert.Nil(t, got, "partial batch must not be visible")
	})
}

func TestStore_PutEventIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		key := testutil.Key(t, 1)
		se, e := testutil.SignedEvent(t, key, testutil.Process(1), 0, testutil.EventOptions{})

		putEvent(t, s, se, e)
		putEvent(t, s, se, e)

		pointers, records, err := s.ScanEvents(context.Background(), e.System, e.Process, 0, 0)
		require.NoError(t, err)
		require.Len(t, pointers, 1)
		assert.Equal(t, se.Event, records[0].Event.Event)
	})
}

func TestStore_TombstoneResolvesOneHop(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		key := testutil.Key(t, 1)
		proc := testutil.Process(1)
		orig, origEv := testutil.SignedEvent(t, key, proc, 0, testutil.EventOptions{Content: []byte("secret")})
		del, delEv := testutil.SignedEvent(t, key, proc, 1, testutil.EventOptions{ContentType: model.ContentTypeDelete})

		putEvent(t, s, orig, origEv)
		b := NewBatch()
		b.PutEvent(delEv.Pointer(), del)
		b.PutTombstone(origEv.Pointer(), delEv.Pointer())
		require.NoError(t, s.Commit(ctx, b))

		got, err := s.GetSignedEvent(ctx, origEv.Pointer())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, del.Event, got.Event, "deleted pointer resolves to the deleting event")

		rec, err := s.GetRecord(ctx, origEv.Pointer())
		require.NoError(t, err)
		assert.True(t, rec.IsTombstone())

		// Tombstoning twice leaves the same observable state.
		require.NoError(t, s.Commit(ctx, b))
		again, err := s.GetSignedEvent(ctx, origEv.Pointer())
		require.NoError(t, err)
		assert.Equal(t, got.Event, again.Event)
	})
}

func TestStore_TombstoneChainsReportAbsent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		system := testutil.System(t, 1)
		at := func(c uint64) model.Pointer {
			return model.Pointer{System: system, Process: testutil.Process(1), LogicalClock: c}
		}

		b := NewBatch()
		b.PutTombstone(at(0), at(1))
		b.PutTombstone(at(1), at(2))
		b.PutTombstone(at(5), at(6))
		require.NoError(t, s.Commit(ctx, b))

		got, err := s.GetSignedEvent(ctx, at(0))
		require.NoError(t, err)
		assert.Nil(t, got, "two-hop chain")

		got, err = s.GetSignedEvent(ctx, at(5))
		require.NoError(t, err)
		assert.Nil(t, got, "dangling tombstone")
	})
}

func TestStore_CorruptRecordReportsAbsent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := model.Pointer{System: testutil.System(t, 1), Process: testutil.Process(1)}
		err := s.Driver().Commit(ctx, []Op{{Keyspace: KeyspaceEvents, Key: eventKey(p), Value: []byte{0xff, 0xff}}})
		require.NoError(t, err)

		got, err := s.GetSignedEvent(ctx, p)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_ScanEventsFrom(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		key := testutil.Key(t, 1)
		proc := testutil.Process(1)
		for c := uint64(0); c < 5; c++ {
			se, e := testutil.SignedEvent(t, key, proc, c, testutil.EventOptions{})
			putEvent(t, s, se, e)
		}
		// Another process of the same system must not leak into the scan.
		other, otherEv := testutil.SignedEvent(t, key, testutil.Process(2), 0, testutil.EventOptions{})
		putEvent(t, s, other, otherEv)

		pointers, _, err := s.ScanEvents(context.Background(), otherEv.System, proc, 2, 2)
		require.NoError(t, err)
		require.Len(t, pointers, 2)
		assert.Equal(t, uint64(2), pointers[0].LogicalClock)
		assert.Equal(t, uint64(3), pointers[1].LogicalClock)
	})
}

func TestStore_QueryClaimIndexPaginates(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		key := testutil.Key(t, 1)
		otherKey := testutil.Key(t, 2)

		b := NewBatch()
		for c := uint64(0); c < 5; c++ {
			se, e := testutil.SignedEvent(t, key, testutil.Process(1), c, testutil.EventOptions{ContentType: model.ContentTypeClaim})
			b.PutEvent(e.Pointer(), se)
			b.PutIndexClaim(e.Pointer())
		}
		se, e := testutil.SignedEvent(t, otherKey, testutil.Process(1), 0, testutil.EventOptions{ContentType: model.ContentTypeClaim})
		b.PutEvent(e.Pointer(), se)
		b.PutIndexClaim(e.Pointer())
		require.NoError(t, s.Commit(ctx, b))

		system := testutil.System(t, 1)
		var (
			cursor []byte
			seen   int
			pages  int
		)
		for {
			events, next, err := s.QueryClaimIndex(ctx, system, 2, cursor)
			require.NoError(t, err)
			if len(events) == 0 {
				assert.Equal(t, cursor, next, "empty page keeps the cursor")
				break
			}
			for _, ev := range events {
				decoded, err := ev.Decode()
				require.NoError(t, err)
				assert.True(t, decoded.System.Equal(system))
			}
			seen += len(events)
			cursor = next
			pages++
		}
		assert.Equal(t, 5, seen)
		assert.Equal(t, 3, pages)

		// Removing a claim takes it out of the index.
		first := model.Pointer{System: system, Process: testutil.Process(1), LogicalClock: 0}
		b = NewBatch()
		b.DeleteIndexClaim(first)
		require.NoError(t, s.Commit(ctx, b))
		events, _, err := s.QueryClaimIndex(ctx, system, 10, nil)
		require.NoError(t, err)
		assert.Len(t, events, 4)
	})
}

func TestStore_ProcessSecret(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		secret := &ProcessSecret{System: testutil.Key(t, 3), Process: testutil.Process(3)}

		b := NewBatch()
		b.SetProcessSecret(secret)
		require.NoError(t, s.Commit(ctx, b))

		got, err := s.GetProcessSecret(ctx)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	})
}

func TestEventKey_RoundTrip(t *testing.T) {
	p := model.Pointer{System: testutil.System(t, 1), Process: testutil.Process(4), LogicalClock: 1 << 33}
	got, err := parseEventKey(eventKey(p))
	require.NoError(t, err)
	assert.True(t, got.Equal(p))

	_, err = parseEventKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEventKey_OrdersByClock(t *testing.T) {
	system := testutil.System(t, 1)
	lo := eventKey(model.Pointer{System: system, Process: testutil.Process(1), LogicalClock: 255})
	hi := eventKey(model.Pointer{System: system, Process: testutil.Process(1), LogicalClock: 256})
	assert.Less(t, string(lo), string(hi))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{1, 3}, prefixEnd([]byte{1, 2}))
	assert.Equal(t, []byte{2}, prefixEnd([]byte{1, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
	assert.Nil(t, prefixEnd(nil))
}
