package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineSymmetric(t *testing.T) {
	pairs := [][4]float64{
		{12.9716, 77.5946, 12.9720, 77.5950},
		{0, 0, 0, 180},
		{-33.8688, 151.2093, 51.5074, -0.1278},
	}
	for _, p := range pairs {
		ab := HaversineMeters(p[0], p[1], p[2], p[3])
		ba := HaversineMeters(p[2], p[3], p[0], p[1])
		assert.InDelta(t, ab, ba, 1e-6)
	}
}

func TestHaversineZeroAtIdentity(t *testing.T) {
	assert.Zero(t, HaversineMeters(12.9716, 77.5946, 12.9716, 77.5946))
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bangalore city center to Mysore, roughly 126 km.
	d := HaversineMeters(12.9716, 77.5946, 12.2958, 76.6394)
	assert.InDelta(t, 126000, d, 3000)
}

func TestWithinGeofenceRoundsBeforeCompare(t *testing.T) {
	// ~0.0004 degrees of latitude is ~44.5m; rounding decides the boundary.
	inside, dist := WithinGeofence(12.9716, 77.5946, 12.9720, 77.5946, 45)
	assert.True(t, inside)
	assert.Equal(t, 44, dist)

	inside, dist = WithinGeofence(12.9716, 77.5946, 12.9720, 77.5946, 43)
	assert.False(t, inside)
	assert.Equal(t, 44, dist)
}

func TestWithinGeofenceAtCenter(t *testing.T) {
	inside, dist := WithinGeofence(12.9716, 77.5946, 12.9716, 77.5946, 50)
	assert.True(t, inside)
	assert.Zero(t, dist)
}

func TestSuspiciousAccuracy(t *testing.T) {
	assert.True(t, SuspiciousAccuracy(0.5))
	assert.True(t, SuspiciousAccuracy(0.99))
	assert.False(t, SuspiciousAccuracy(1))
	assert.False(t, SuspiciousAccuracy(5))
}
