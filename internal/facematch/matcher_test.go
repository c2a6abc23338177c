package facematch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceZeroAtIdentity(t *testing.T) {
	e := []float32{0.5, -0.25, 0.75}
	assert.Zero(t, Distance(e, e))
}

func TestDistanceEuclidean(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{3, 4, 0}
	assert.InDelta(t, 5.0, Distance(a, b), 1e-9)
}

func TestDistanceSymmetric(t *testing.T) {
	a := []float32{0.1, 0.9, -0.3}
	b := []float32{-0.2, 0.4, 0.6}
	assert.Equal(t, Distance(a, b), Distance(b, a))
}
