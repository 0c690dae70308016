package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckLoopDetectsRepeatedSignature(t *testing.T) {
	cfg := LoopConfig{WindowSize: 5, RepeatedThreshold: 3}
	sigs := []string{"a", "b", "a", "a", "c"}

	trip := CheckLoop(cfg, sigs)
	require.NotNil(t, trip)
	require.Equal(t, TripLoop, trip.Kind)
	require.Equal(t, "a", trip.Trip.DetectedCommand)
}

func TestCheckLoopNoRepeatReturnsNil(t *testing.T) {
	cfg := LoopConfig{WindowSize: 5, RepeatedThreshold: 3}
	trip := CheckLoop(cfg, []string{"a", "b", "c"})
	require.Nil(t, trip)
}

func TestCheckLoopOnlyConsidersTrailingWindow(t *testing.T) {
	cfg := LoopConfig{WindowSize: 2, RepeatedThreshold: 2}
	// "a" repeats 3x overall but only once within the trailing window of 2.
	trip := CheckLoop(cfg, []string{"a", "a", "a", "b", "c"})
	require.Nil(t, trip)
}
