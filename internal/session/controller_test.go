package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/backend"
)

func testConfig() Config {
	return Config{
		RotationPeriod: 40 * time.Millisecond,
		Countdown:      time.Second,
		Tick:           10 * time.Millisecond,
	}
}

func slotInput(slot string) backend.CreateSessionInput {
	return backend.CreateSessionInput{
		SlotID:      slot,
		FacultyID:   "FAC01",
		SubjectCode: "CS301",
		SubjectName: "Operating Systems",
		Room:        "LH-204",
		Lat:         12.9716,
		Lng:         77.5946,
	}
}

func TestStartOrResumeReusesLiveHandle(t *testing.T) {
	store := backend.NewMemory()
	ctl := NewController(store, testConfig())
	defer ctl.Shutdown()

	a, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)
	b, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRotationReplacesToken(t *testing.T) {
	store := backend.NewMemory()
	ctl := NewController(store, testConfig())
	defer ctl.Shutdown()

	live, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)
	t0 := live.Token()

	require.Eventually(t, func() bool {
		return live.Token() != t0
	}, time.Second, 10*time.Millisecond, "token should rotate")

	// The stale token no longer resolves on the backend.
	res, err := store.MarkAttendance(context.Background(), backend.MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha",
		SessionID: live.Session().SessionID, Token: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.CodeInvalidToken, res.Code)
}

func TestCountdownFreezesTokenAndEndsSession(t *testing.T) {
	store := backend.NewMemory(backend.WithScanWindow(100 * time.Millisecond))
	cfg := testConfig()
	cfg.Countdown = 100 * time.Millisecond
	ctl := NewController(store, cfg)
	defer ctl.Shutdown()

	live, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)

	select {
	case <-live.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after countdown")
	}

	frozen := live.Token()
	assert.Zero(t, live.Remaining())

	// No further rotation after expiry.
	time.Sleep(3 * cfg.RotationPeriod)
	assert.Equal(t, frozen, live.Token())

	// The backend no longer lists the session as active.
	sessions, err := store.ActiveSessions(context.Background(), backend.Filter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEndIsIdempotent(t *testing.T) {
	store := backend.NewMemory()
	ctl := NewController(store, testConfig())
	defer ctl.Shutdown()

	live, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)

	require.NoError(t, live.End(context.Background()))
	require.NoError(t, live.End(context.Background()))
}

func TestStopDoesNotEndBackendSession(t *testing.T) {
	store := backend.NewMemory()
	ctl := NewController(store, testConfig())

	live, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)
	live.Stop()

	// The view closed but the session is still scannable; resuming picks the
	// same backend session back up.
	sessions, err := store.ActiveSessions(context.Background(), backend.Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	resumed, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)
	assert.Equal(t, sessions[0].SessionID, resumed.Session().SessionID)
	ctl.Shutdown()
}

func TestUpdatesCarryTokenAndCountdown(t *testing.T) {
	store := backend.NewMemory()
	ctl := NewController(store, testConfig())
	defer ctl.Shutdown()

	live, err := ctl.StartOrResume(context.Background(), slotInput("slot-1"))
	require.NoError(t, err)

	select {
	case u := <-live.Updates():
		assert.Equal(t, live.Session().SessionID, u.SessionID)
		assert.NotEmpty(t, u.Token)
		assert.Positive(t, u.Remaining)
	case <-time.After(time.Second):
		t.Fatal("no update emitted")
	}
}
