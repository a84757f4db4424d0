package keystate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSeedAndCandidates(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Seed("g1", []string{"k1", "k2", "k3"}))

	keys, err := s.GetCandidateKeys("g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, keys)
}

func TestRecordFailureBlocksAtThreshold(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Seed("g1", []string{"k1"}))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordFailure("k1", "g1", false, 3, time.Minute))
	}
	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)
	assert.Equal(t, uint32(2), st.ConsecutiveFailures)

	require.NoError(t, s.RecordFailure("k1", "g1", false, 3, time.Minute))
	st, err = s.GetKeyState("k1")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.Equal(t, uint32(3), st.ConsecutiveFailures)
	assert.False(t, st.BlockedUntil.IsZero())
}

func TestRecordFailureTerminalBlocksImmediatelyWithNoDeadline(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordFailure("k1", "g1", true, 3, time.Minute))

	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.True(t, st.BlockedUntil.IsZero(), "terminal block has no expiry")
	assert.False(t, st.IsAvailable(time.Now().Add(24*time.Hour)))
}

func TestTemporaryBlockExpires(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordFailure("k1", "g1", false, 1, 10*time.Millisecond))

	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.False(t, st.IsAvailable(time.Now()))
	assert.True(t, st.IsAvailable(time.Now().Add(time.Hour)))
}

func TestRecordSuccessResetsFailuresNotBlock(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordFailure("k1", "g1", true, 1, time.Minute))
	require.NoError(t, s.RecordSuccess("k1", "g1"))

	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), st.ConsecutiveFailures)
	assert.True(t, st.IsBlocked, "success does not clear an explicit block")
}

func TestUnblockResetsEverything(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordFailure("k1", "g1", true, 1, time.Minute))
	require.NoError(t, s.Unblock("k1"))

	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)
	assert.Equal(t, uint32(0), st.ConsecutiveFailures)
}

// TestConcurrentRotationIsDistinct exercises the rotation counter under
// concurrent load and asserts every goroutine observed a distinct index,
// matching the teacher's pattern of joining N worker goroutines on a
// shared fixture via sync.WaitGroup.
func TestConcurrentRotationIsDistinct(t *testing.T) {
	s := NewMemoryStore()
	const n = 200

	var wg sync.WaitGroup
	mu := sync.Mutex{}
	seen := make(map[uint64]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := s.NextRotationIndex("g1")
			require.NoError(t, err)
			mu.Lock()
			seen[idx] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every concurrent caller must observe a distinct rotation index")
}

func TestConcurrentFailuresAreCounted(t *testing.T) {
	s := NewMemoryStore()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RecordFailure("k1", "g1", false, uint32(n+1), time.Minute)
		}()
	}
	wg.Wait()

	st, err := s.GetKeyState("k1")
	require.NoError(t, err)
	assert.Equal(t, uint32(n), st.ConsecutiveFailures)
}
