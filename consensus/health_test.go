package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthTracker_unknownAuthorityIsHealthy(t *testing.T) {
	tracker := NewHealthTracker(0.5, 3)
	require.True(t, tracker.Healthy("auth-1"))
	perf := tracker.Performance("auth-1")
	require.EqualValues(t, 1, perf.Score)
}

func TestHealthTracker_floorAppliesAfterMinSamples(t *testing.T) {
	tracker := NewHealthTracker(0.5, 3)

	tracker.ReportMissed("auth-1")
	tracker.ReportMissed("auth-1")
	// below the floor but not enough observations yet
	require.True(t, tracker.Healthy("auth-1"))

	tracker.ReportMissed("auth-1")
	require.False(t, tracker.Healthy("auth-1"))
	require.EqualValues(t, 0, tracker.Performance("auth-1").Score)
}

func TestHealthTracker_recovery(t *testing.T) {
	tracker := NewHealthTracker(0.5, 2)
	tracker.ReportMissed("auth-1")
	tracker.ReportMissed("auth-1")
	require.False(t, tracker.Healthy("auth-1"))

	tracker.ReportProposed("auth-1", 100*time.Millisecond)
	tracker.ReportProposed("auth-1", 100*time.Millisecond)
	// 2 of 4 succeeded, back at the floor
	require.True(t, tracker.Healthy("auth-1"))
	require.EqualValues(t, 0.5, tracker.Performance("auth-1").Score)
}

func TestHealthTracker_performanceCounters(t *testing.T) {
	tracker := NewHealthTracker(0.5, 3)
	tracker.ReportProposed("auth-1", 200*time.Millisecond)
	tracker.ReportMissed("auth-1")
	tracker.ReportProposed("auth-1", 400*time.Millisecond)

	perf := tracker.Performance("auth-1")
	require.EqualValues(t, 2, perf.BlocksProposed)
	require.EqualValues(t, 1, perf.BlocksMissed)
	// first sample seeds the average, the second moves it by alpha
	require.InDelta(t, 0.24, perf.AverageResponse.Seconds(), 0.001)
	require.InDelta(t, 2.0/3.0, perf.Score, 0.001)
}

func TestHealthTracker_latencySamplesAreClamped(t *testing.T) {
	tracker := NewHealthTracker(0.5, 3)
	tracker.ReportProposed("auth-1", time.Hour)
	require.Equal(t, defaultLatencyCeiling, tracker.Performance("auth-1").AverageResponse)

	tracker.ReportProposed("auth-2", -time.Second)
	require.Equal(t, time.Duration(0), tracker.Performance("auth-2").AverageResponse)
}

func TestHealthTracker_aliveSignalDoesNotChangeScore(t *testing.T) {
	tracker := NewHealthTracker(0.5, 1)
	tracker.ReportMissed("auth-1")
	require.False(t, tracker.Healthy("auth-1"))

	tracker.ReportAlive("auth-1")
	require.False(t, tracker.Healthy("auth-1"))
	require.EqualValues(t, 1, tracker.Performance("auth-1").BlocksMissed)
}
