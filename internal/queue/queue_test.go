package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	events, err := q.Consume(ctx)
	require.NoError(t, err)

	sent := ScanEvent{SessionID: "s1", USN: "1RV20CS001", Outcome: "SUCCESS", Mode: "GEOFENCE", At: time.Now().UTC()}
	require.NoError(t, q.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.SessionID, got.SessionID)
		assert.Equal(t, sent.Outcome, got.Outcome)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestInMemoryPublishHonorsContext(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, ScanEvent{SessionID: "s1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
