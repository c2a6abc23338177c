package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Memory, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := NewMemory(WithClock(func() time.Time { return now }))
	return store, &now
}

func createTestSession(t *testing.T, store *Memory) Session {
	t.Helper()
	s, err := store.CreateSession(context.Background(), CreateSessionInput{
		SlotID:      "slot-1",
		FacultyID:   "FAC01",
		SubjectCode: "CS301",
		SubjectName: "Operating Systems",
		Room:        "LH-204",
		Section:     "A",
		Lat:         12.9716,
		Lng:         77.5946,
	})
	require.NoError(t, err)
	return s
}

func TestCreateSessionIdempotentPerSlot(t *testing.T) {
	store, _ := newTestStore(t)
	first := createTestSession(t, store)
	second, err := store.CreateSession(context.Background(), CreateSessionInput{
		SlotID: "slot-1", FacultyID: "FAC01", SubjectCode: "CS301",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Token, second.Token)
}

func TestRotateTokenReplacesToken(t *testing.T) {
	store, _ := newTestStore(t)
	s := createTestSession(t, store)
	ctx := context.Background()

	t1, err := store.RotateToken(ctx, s.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, t1)

	// The pre-rotation token no longer marks attendance.
	res, err := store.MarkAttendance(ctx, MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeInvalidToken, res.Code)
}

func TestRotateTokenFrozenAfterWindow(t *testing.T) {
	store, now := newTestStore(t)
	s := createTestSession(t, store)
	*now = now.Add(11 * time.Minute)

	_, err := store.RotateToken(context.Background(), s.SessionID)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMarkAttendanceAfterWindowExpires(t *testing.T) {
	store, now := newTestStore(t)
	s := createTestSession(t, store)
	*now = now.Add(11 * time.Minute)

	res, err := store.MarkAttendance(context.Background(), MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, CodeSessionExpired, res.Code)
}

func TestMarkAttendanceDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	s := createTestSession(t, store)
	ctx := context.Background()
	req := MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
	}

	first, err := store.MarkAttendance(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "Operating Systems", first.SubjectName)

	second, err := store.MarkAttendance(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, CodeDuplicate, second.Code)
}

func TestMarkAttendanceGeofence(t *testing.T) {
	store, _ := newTestStore(t)
	s := createTestSession(t, store)
	ctx := context.Background()

	// Same coordinate as the room: inside.
	lat, lng := 12.9716, 77.5946
	res, err := store.MarkAttendance(ctx, MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
		GPSLat: &lat, GPSLng: &lng,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// ~1km away: rejected with the measured distance.
	farLat, farLng := 12.9806, 77.5946
	res, err = store.MarkAttendance(ctx, MarkRequest{
		USN: "1RV20CS002", StudentName: "Ravi", SessionID: s.SessionID, Token: s.Token,
		GPSLat: &farLat, GPSLng: &farLng,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeGPSFail, res.Code)
	assert.Greater(t, res.Distance, 50)
}

func TestEndSessionIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	s := createTestSession(t, store)
	ctx := context.Background()

	require.NoError(t, store.EndSession(ctx, s.SessionID))
	require.NoError(t, store.EndSession(ctx, s.SessionID))

	sessions, err := store.ActiveSessions(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// A scan against the ended session is refused as expired.
	res, err := store.MarkAttendance(ctx, MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, CodeSessionExpired, res.Code)
}

func TestFaceDescriptorRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.FaceDescriptor(ctx, "1RV20CS001")
	assert.ErrorIs(t, err, ErrNoFaceData)

	desc := []float32{0.12, -0.4, 0.88}
	require.NoError(t, store.RegisterFace(ctx, "1RV20CS001", desc))
	got, err := store.FaceDescriptor(ctx, "1RV20CS001")
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func TestStudentStatsAndHistory(t *testing.T) {
	store, _ := newTestStore(t)
	s := createTestSession(t, store)
	ctx := context.Background()

	_, err := store.MarkAttendance(ctx, MarkRequest{
		USN: "1RV20CS001", StudentName: "Asha", SessionID: s.SessionID, Token: s.Token,
	})
	require.NoError(t, err)

	stats, err := store.StudentStats(ctx, "1RV20CS001")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "CS301", stats[0].SubjectCode)
	assert.Equal(t, 1, stats[0].AttendedClasses)
	assert.Equal(t, float64(100), stats[0].Percentage)

	history, err := store.StudentHistory(ctx, "1RV20CS001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "PRESENT", history[0].Status)
}

func TestMarkAttendanceValidatesPayload(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.MarkAttendance(context.Background(), MarkRequest{USN: "1RV20CS001"})
	assert.Error(t, err)
}
