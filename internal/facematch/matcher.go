// Package facematch wraps the face-embedding capability behind a small
// contract: extract an embedding from a frame, measure distance between two
// embeddings. The verification flow owns the accept threshold, not this
// package.
package facematch

import (
	"context"
	"math"
)

// Frame is a captured camera image, encoded (JPEG/PNG) as the device
// produced it.
type Frame []byte

// Matcher extracts face embeddings from frames.
type Matcher interface {
	// Detect returns the embedding of the single face in the frame, or
	// found=false when no face is visible.
	Detect(ctx context.Context, frame Frame) (embedding []float32, found bool, err error)
}

// Distance returns the euclidean distance between two embeddings. Lower
// means more similar.
func Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Static is a Matcher test double returning a fixed embedding.
type Static struct {
	Embedding []float32
	Found     bool
	Err       error
}

// Detect returns the canned result.
func (s Static) Detect(context.Context, Frame) ([]float32, bool, error) {
	return s.Embedding, s.Found, s.Err
}
