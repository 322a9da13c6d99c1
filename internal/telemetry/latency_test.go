package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAndSnapshot(t *testing.T) {
	r := NewRecorder()
	for i := 1; i <= 100; i++ {
		r.Observe("validate", time.Duration(i)*time.Millisecond)
	}

	s, ok := r.Operation("validate")
	require.True(t, ok)
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, float64(100*time.Millisecond/time.Microsecond), s.MaxMicros)
	assert.Greater(t, s.P99Micros, s.P95Micros)
	assert.Greater(t, s.P95Micros, s.P50Micros)
	assert.InDelta(t, 50_000, s.P50Micros, 2_000)
}

func TestSnapshotSortedByOperation(t *testing.T) {
	r := NewRecorder()
	r.Observe("locate", time.Millisecond)
	r.Observe("apply-trade", time.Millisecond)
	r.Observe("validate", time.Millisecond)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "apply-trade", snap[0].Operation)
	assert.Equal(t, "locate", snap[1].Operation)
	assert.Equal(t, "validate", snap[2].Operation)
}

func TestWindowRollsOldSamplesOff(t *testing.T) {
	r := NewRecorder()
	// A slow outlier far outside the window no longer moves the percentiles,
	// though the max is retained for the day.
	r.Observe("flush", time.Second)
	for i := 0; i < windowSize; i++ {
		r.Observe("flush", time.Millisecond)
	}

	s, ok := r.Operation("flush")
	require.True(t, ok)
	assert.Equal(t, uint64(windowSize+1), s.Count)
	assert.InDelta(t, 1_000, s.P99Micros, 1)
	assert.Equal(t, float64(1_000_000), s.MaxMicros)
}

func TestTrack(t *testing.T) {
	r := NewRecorder()
	done := r.Track("roll")
	time.Sleep(2 * time.Millisecond)
	done()

	s, ok := r.Operation("roll")
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.Count)
	assert.GreaterOrEqual(t, s.MaxMicros, float64(2_000))
}
