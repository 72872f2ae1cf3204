package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtStart(t *testing.T) {
	clock := NewDeterministicClock(1000)
	assert.Equal(t, uint64(1000), clock.Current())
}

func TestDeterministicClock_AdvancesPerReading(t *testing.T) {
	clock := NewDeterministicClock(1000)

	assert.Equal(t, uint64(1000), clock.NowMillis())
	assert.Equal(t, uint64(1001), clock.NowMillis())
	assert.Equal(t, uint64(1002), clock.Current())
}

func TestDeterministicClock_SetAndFreeze(t *testing.T) {
	clock := NewDeterministicClock(0)
	clock.Set(5000)
	clock.SetStep(0)

	assert.Equal(t, uint64(5000), clock.NowMillis())
	assert.Equal(t, uint64(5000), clock.NowMillis())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock(10)
	clock.NowMillis()
	clock.NowMillis()
	clock.Reset()
	assert.Equal(t, uint64(10), clock.NowMillis())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(1)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]uint64, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]uint64, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = clock.NowMillis()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := range results {
		for _, v := range results[i] {
			require.False(t, seen[v], "duplicate reading %d", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}

func TestKey_Deterministic(t *testing.T) {
	a := Key(t, 7)
	b := Key(t, 7)
	assert.Equal(t, a, b)
	assert.Equal(t, System(t, 7), System(t, 7))
	assert.NotEqual(t, System(t, 7), System(t, 8))
}

func TestSignedEvent_Verifies(t *testing.T) {
	key := Key(t, 1)
	se, e := SignedEvent(t, key, Process(1), 3, EventOptions{Content: []byte("hi")})
	decoded, err := se.Decode()
	require.NoError(t, err)
	assert.Equal(t, e.Pointer(), decoded.Pointer())
}
