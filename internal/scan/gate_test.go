package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/backend"
	"qrattend/internal/facematch"
	"qrattend/internal/qrclient"
)

// fakeSource repeatedly yields one frame and records whether it was closed.
type fakeSource struct {
	frame  []byte
	closed atomic.Bool
}

func (s *fakeSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeCamera hands out fakeSources and records every open.
type fakeCamera struct {
	mu      sync.Mutex
	frame   []byte
	opens   []Facing
	sources []*fakeSource
}

func (c *fakeCamera) Open(_ context.Context, facing Facing) (FrameSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := &fakeSource{frame: c.frame}
	c.opens = append(c.opens, facing)
	c.sources = append(c.sources, src)
	return src, nil
}

func (c *fakeCamera) openCount(facing Facing) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.opens {
		if f == facing {
			n++
		}
	}
	return n
}

func (c *fakeCamera) allClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sources {
		if !s.closed.Load() {
			return false
		}
	}
	return true
}

// fakeLocator returns a scripted fix or error.
type fakeLocator struct {
	fix Fix
	err error
}

func (l *fakeLocator) Current(context.Context) (Fix, error) {
	if l.err != nil {
		return Fix{}, l.err
	}
	return l.fix, nil
}

func testGateConfig() Config {
	cfg := DefaultConfig()
	cfg.QRInterval = 5 * time.Millisecond
	cfg.FaceInterval = 5 * time.Millisecond
	return cfg
}

// skip-mode decoder treats frame bytes as payload text
func testDecoder() QRDecoder { return qrclient.New("", true) }

func startSession(t *testing.T, store *backend.Memory) backend.Session {
	t.Helper()
	s, err := store.CreateSession(context.Background(), backend.CreateSessionInput{
		SlotID:      "slot-1",
		FacultyID:   "FAC01",
		SubjectCode: "CS301",
		SubjectName: "Operating Systems",
		Room:        "LH-204",
		Lat:         12.9716,
		Lng:         77.5946,
	})
	require.NoError(t, err)
	return s
}

func geofenceGate(store *backend.Memory, cam *fakeCamera, loc *fakeLocator) *Gate {
	strategy := &GeofenceStrategy{Locator: loc, Timeout: time.Second, StrictAccuracy: true}
	return NewGate(store, cam, testDecoder(), strategy, "1RV20CS001", "Asha", testGateConfig())
}

func TestRunRequiresPermissionGrant(t *testing.T) {
	store := backend.NewMemory()
	cam := &fakeCamera{}
	g := geofenceGate(store, cam, &fakeLocator{})

	_, err := g.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotGranted)
	assert.Zero(t, cam.openCount(FacingBack), "no camera use before consent")
	assert.Equal(t, StateAwaitingPermission, g.State())
}

func TestGeofenceScanSucceedsAtRoomCoordinate(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	cam := &fakeCamera{frame: []byte(s.Token)}
	loc := &fakeLocator{fix: Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 5}}
	g := geofenceGate(store, cam, loc)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "Operating Systems", res.SubjectName)
	assert.Equal(t, StateResult, g.State())
	assert.True(t, cam.allClosed(), "camera stream must be released")
}

func TestNoActiveSessionIsTimeout(t *testing.T) {
	store := backend.NewMemory()
	cam := &fakeCamera{frame: []byte("TOKEN_anything")}
	g := geofenceGate(store, cam, &fakeLocator{fix: Fix{Accuracy: 5}})
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailTimeout, res.Outcome)
}

func TestStaleTokenIsInvalidQR(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	stale := s.Token
	_, err := store.RotateToken(context.Background(), s.SessionID)
	require.NoError(t, err)

	cam := &fakeCamera{frame: []byte(stale)}
	g := geofenceGate(store, cam, &fakeLocator{fix: Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 5}})
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailInvalidQR, res.Outcome)
}

func TestEndedSessionIsTimeout(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	require.NoError(t, store.EndSession(context.Background(), s.SessionID))

	cam := &fakeCamera{frame: []byte(s.Token)}
	g := geofenceGate(store, cam, &fakeLocator{fix: Fix{Accuracy: 5}})
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailTimeout, res.Outcome)
}

func TestDuplicateScan(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	loc := &fakeLocator{fix: Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 5}}

	first := geofenceGate(store, &fakeCamera{frame: []byte(s.Token)}, loc)
	first.Grant()
	res, err := first.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)

	second := geofenceGate(store, &fakeCamera{frame: []byte(s.Token)}, loc)
	second.Grant()
	res, err = second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailDuplicate, res.Outcome)
}

func TestOutOfRangeFixFailsGPSWithDistance(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	cam := &fakeCamera{frame: []byte(s.Token)}
	loc := &fakeLocator{fix: Fix{Lat: 12.9806, Lng: 77.5946, Accuracy: 8}}
	g := geofenceGate(store, cam, loc)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailGPS, res.Outcome)
	assert.Greater(t, res.Distance, 50)
}

func TestSuspiciousAccuracyHardRejected(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	cam := &fakeCamera{frame: []byte(s.Token)}
	loc := &fakeLocator{fix: Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 0.3}}
	g := geofenceGate(store, cam, loc)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailGPS, res.Outcome)

	// Nothing was written.
	logs, err := store.AttendanceLogs(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestLocationErrorIsRetryableWithoutRescanning(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	cam := &fakeCamera{frame: []byte(s.Token)}
	loc := &fakeLocator{err: NewDeviceError(CausePermissionDenied, "location permission denied")}
	g := geofenceGate(store, cam, loc)
	g.Grant()

	_, err := g.Run(context.Background())
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, CausePermissionDenied, devErr.Cause)
	assert.NotEqual(t, StateResult, g.State(), "device error is not terminal")

	// User fixes permissions and retries; the QR payload is already known so
	// the back camera is not reopened.
	opensBefore := cam.openCount(FacingBack)
	loc.err = nil
	loc.fix = Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 5}
	res, err := g.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, opensBefore, cam.openCount(FacingBack))
}

func TestCancelMidAcquisitionReleasesCamera(t *testing.T) {
	store := backend.NewMemory()
	cam := &fakeCamera{frame: nil} // no decodable frame, loop runs until cancel
	g := geofenceGate(store, cam, &fakeLocator{})
	g.Grant()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cam.allClosed(), "no live camera track may survive cancellation")
}

func TestSecondSubmissionBlocked(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	cam := &fakeCamera{frame: []byte(s.Token)}
	loc := &fakeLocator{fix: Fix{Lat: 12.9716, Lng: 77.5946, Accuracy: 5}}
	g := geofenceGate(store, cam, loc)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Success, res.Outcome)

	// A double-tap driving the same attempt again must not produce a second
	// write racing the first.
	_, err = g.Resume(context.Background())
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
}

func faceGate(store *backend.Memory, qrCam, faceCam *fakeCamera, matcher facematch.Matcher, feedback func(string)) *Gate {
	strategy := &FaceMatchStrategy{
		Backend:   store,
		Camera:    faceCam,
		Matcher:   matcher,
		Interval:  5 * time.Millisecond,
		Threshold: 0.6,
		Feedback:  feedback,
	}
	return NewGate(store, qrCam, testDecoder(), strategy, "1RV20CS001", "Asha", testGateConfig())
}

func TestFaceModeWithoutEnrollmentSkipsCamera(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	qrCam := &fakeCamera{frame: []byte(s.Token)}
	faceCam := &fakeCamera{}
	g := faceGate(store, qrCam, faceCam, facematch.Static{}, nil)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FailNoFaceData, res.Outcome)
	assert.Zero(t, faceCam.openCount(FacingFront), "face camera must not open without enrollment")
}

func TestFaceMatchBelowThresholdAccepts(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	require.NoError(t, store.RegisterFace(context.Background(), "1RV20CS001", []float32{0, 0, 0}))

	qrCam := &fakeCamera{frame: []byte(s.Token)}
	faceCam := &fakeCamera{frame: []byte("frame")}
	matcher := facematch.Static{Embedding: []float32{0.59, 0, 0}, Found: true}
	g := faceGate(store, qrCam, faceCam, matcher, nil)
	g.Grant()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "Operating Systems", res.SubjectName)
	assert.InDelta(t, 0.59, g.Attempt().FaceDistance, 1e-9)
	assert.Equal(t, 1, faceCam.openCount(FacingFront))
	assert.True(t, faceCam.allClosed())
}

func TestFaceMatchAtThresholdKeepsSampling(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	require.NoError(t, store.RegisterFace(context.Background(), "1RV20CS001", []float32{0, 0, 0}))

	var feedback []string
	var mu sync.Mutex
	qrCam := &fakeCamera{frame: []byte(s.Token)}
	faceCam := &fakeCamera{frame: []byte("frame")}
	// Exactly the threshold: strictly-below means this must not accept.
	matcher := facematch.Static{Embedding: []float32{0.6, 0, 0}, Found: true}
	g := faceGate(store, qrCam, faceCam, matcher, func(s string) {
		mu.Lock()
		feedback = append(feedback, s)
		mu.Unlock()
	})
	g.Grant()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := g.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, feedback, "mismatch feedback must be surfaced while sampling")
	assert.Contains(t, feedback[0], "60%")
}

func TestFaceMatchAboveThresholdKeepsSampling(t *testing.T) {
	store := backend.NewMemory()
	s := startSession(t, store)
	require.NoError(t, store.RegisterFace(context.Background(), "1RV20CS001", []float32{0, 0, 0}))

	qrCam := &fakeCamera{frame: []byte(s.Token)}
	faceCam := &fakeCamera{frame: []byte("frame")}
	matcher := facematch.Static{Embedding: []float32{0.61, 0, 0}, Found: true}
	g := faceGate(store, qrCam, faceCam, matcher, nil)
	g.Grant()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := g.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, faceCam.allClosed(), "face stream released on teardown")

	// No write happened while verification never passed.
	logs, err := store.AttendanceLogs(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
