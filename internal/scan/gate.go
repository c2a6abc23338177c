// Package scan implements the student side of the attendance protocol: a
// state machine that sequences QR acquisition, session resolution,
// presence verification and the attendance write, ending in exactly one
// terminal outcome.
package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"qrattend/internal/backend"
	"qrattend/internal/metrics"
)

// State is the gate's position in the flow.
type State int32

const (
	StateAwaitingPermission State = iota
	StateAcquiringQR
	StateResolvingSession
	StateVerifying
	StateSubmitting
	StateResult
)

func (s State) String() string {
	switch s {
	case StateAwaitingPermission:
		return "AWAITING_PERMISSION"
	case StateAcquiringQR:
		return "ACQUIRING_QR"
	case StateResolvingSession:
		return "RESOLVING_SESSION"
	case StateVerifying:
		return "VERIFYING"
	case StateSubmitting:
		return "SUBMITTING"
	case StateResult:
		return "RESULT"
	default:
		return "UNKNOWN"
	}
}

// Outcome tags the terminal result of a scan attempt.
type Outcome string

const (
	Success        Outcome = "SUCCESS"
	FailTimeout    Outcome = "FAIL_TIMEOUT"
	FailInvalidQR  Outcome = "FAIL_INVALID_QR"
	FailDuplicate  Outcome = "FAIL_DUPLICATE"
	FailGPS        Outcome = "FAIL_GPS"
	FailNoFaceData Outcome = "FAIL_NO_FACE_DATA"
	FailError      Outcome = "FAIL_ERROR"
)

// Result is the terminal state of one scan attempt, carrying what the UI
// needs to render it.
type Result struct {
	Outcome     Outcome
	Message     string
	SubjectName string
	Distance    int
}

// Attempt is the ephemeral, student-local state of one scan flow.
type Attempt struct {
	USN         string
	StudentName string

	Payload string          // decoded QR payload
	Session backend.Session // resolved once the payload matches a live session

	Fix             *Fix // GPS evidence (geofence mode)
	PreviewDistance int  // display-only distance to the room
	FaceDistance    float64
}

// ErrNotGranted is returned when the flow is driven before the user consents
// to sensor access.
var ErrNotGranted = errors.New("camera/location permission not granted")

// ErrSubmissionInFlight guards against a second submit racing an outstanding
// one for the same attempt.
var ErrSubmissionInFlight = errors.New("submission already in flight")

// Config carries the gate's tunables.
type Config struct {
	QRInterval      time.Duration // QR frame sampling cadence
	FaceInterval    time.Duration // face sampling cadence
	FaceThreshold   float64       // accept strictly below
	LocationTimeout time.Duration // single-fix bound
	StrictAccuracy  bool          // hard-reject implausible GPS accuracy
}

// DefaultConfig matches the shipped protocol constants.
func DefaultConfig() Config {
	return Config{
		QRInterval:      250 * time.Millisecond,
		FaceInterval:    500 * time.Millisecond,
		FaceThreshold:   0.6,
		LocationTimeout: 15 * time.Second,
		StrictAccuracy:  true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QRInterval <= 0 {
		c.QRInterval = d.QRInterval
	}
	if c.FaceInterval <= 0 {
		c.FaceInterval = d.FaceInterval
	}
	if c.FaceThreshold <= 0 {
		c.FaceThreshold = d.FaceThreshold
	}
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = d.LocationTimeout
	}
	return c
}

// Gate drives one student scan attempt through the flow.
type Gate struct {
	be       backend.Backend
	camera   Camera
	qr       QRDecoder
	strategy VerificationStrategy
	cfg      Config

	state   atomic.Int32
	granted atomic.Bool

	mu      sync.Mutex
	attempt Attempt

	submitting atomic.Bool
	submitted  atomic.Bool
}

// NewGate builds a gate for one attempt by the given student.
func NewGate(be backend.Backend, camera Camera, qr QRDecoder, strategy VerificationStrategy, usn, name string, cfg Config) *Gate {
	g := &Gate{
		be:       be,
		camera:   camera,
		qr:       qr,
		strategy: strategy,
		cfg:      cfg.withDefaults(),
	}
	g.attempt.USN = usn
	g.attempt.StudentName = name
	return g
}

// State reports the gate's current position.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// Attempt returns a snapshot of the attempt state.
func (g *Gate) Attempt() Attempt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempt
}

// Grant records the user's consent to camera/location access. No sensor is
// touched before this.
func (g *Gate) Grant() {
	if g.granted.CompareAndSwap(false, true) {
		g.state.CompareAndSwap(int32(StateAwaitingPermission), int32(StateAcquiringQR))
	}
}

// Run drives the whole flow from QR acquisition to a terminal result.
//
// A returned *DeviceError means the flow is paused, not terminal: the QR
// payload and session survive, and Resume retries verification without
// re-acquiring the code. Any other error is ctx teardown.
func (g *Gate) Run(ctx context.Context) (Result, error) {
	if !g.granted.Load() {
		return Result{}, ErrNotGranted
	}
	payload, err := g.acquireQR(ctx)
	if err != nil {
		return Result{}, err
	}
	return g.RunWithPayload(ctx, payload)
}

// RunWithPayload enters the flow at session resolution with an already
// decoded payload (single uploaded image path).
func (g *Gate) RunWithPayload(ctx context.Context, payload string) (Result, error) {
	g.mu.Lock()
	g.attempt.Payload = payload
	g.mu.Unlock()

	if res, ok, err := g.resolveSession(ctx); err != nil {
		return Result{}, err
	} else if !ok {
		return g.finish(res), nil
	}
	return g.Resume(ctx)
}

// Resume re-enters the flow at verification, keeping the resolved session.
// Used for the first pass and for user-driven retries after a device error.
func (g *Gate) Resume(ctx context.Context) (Result, error) {
	g.state.Store(int32(StateVerifying))

	g.mu.Lock()
	att := g.attempt
	g.mu.Unlock()

	err := g.strategy.Verify(ctx, &att)
	switch {
	case err == nil:
		g.mu.Lock()
		g.attempt = att
		g.mu.Unlock()
	case errors.Is(err, backend.ErrNoFaceData):
		return g.finish(Result{
			Outcome: FailNoFaceData,
			Message: "You have not registered your Face ID yet.",
		}), nil
	case errors.Is(err, errSuspiciousFix):
		return g.finish(Result{
			Outcome: FailGPS,
			Message: "Reported GPS accuracy is implausible. Disable mock locations and retry.",
		}), nil
	default:
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			// Retryable: state stays put, the QR payload is already known.
			return Result{}, devErr
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return g.finish(Result{Outcome: FailError, Message: err.Error()}), nil
	}

	return g.submit(ctx)
}

func (g *Gate) acquireQR(ctx context.Context) (string, error) {
	g.state.Store(int32(StateAcquiringQR))

	src, err := g.camera.Open(ctx, FacingBack)
	if err != nil {
		return "", NewDeviceError(CausePermissionDenied, "camera access denied")
	}
	defer src.Close()

	ticker := time.NewTicker(g.cfg.QRInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		payload, found, err := g.qr.Decode(ctx, frame)
		if err != nil || !found {
			continue
		}
		// First successful decode wins; sampling stops here.
		return payload, nil
	}
}

// resolveSession matches the payload against the live sessions. ok=false
// means the returned result is terminal.
func (g *Gate) resolveSession(ctx context.Context) (Result, bool, error) {
	g.state.Store(int32(StateResolvingSession))

	sessions, err := g.be.ActiveSessions(ctx, backend.Filter{})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, false, ctx.Err()
		}
		return Result{Outcome: FailError, Message: err.Error()}, false, nil
	}
	if len(sessions) == 0 {
		return Result{
			Outcome: FailTimeout,
			Message: "No active session found.",
		}, false, nil
	}

	g.mu.Lock()
	payload := g.attempt.Payload
	g.mu.Unlock()

	for _, s := range sessions {
		if s.Token == payload {
			g.mu.Lock()
			g.attempt.Session = s
			g.mu.Unlock()
			return Result{}, true, nil
		}
	}
	return Result{
		Outcome: FailInvalidQR,
		Message: "QR code has expired or is invalid.",
	}, false, nil
}

// submit performs the attendance write, at most once per attempt.
func (g *Gate) submit(ctx context.Context) (Result, error) {
	if !g.submitting.CompareAndSwap(false, true) {
		return Result{}, ErrSubmissionInFlight
	}
	defer g.submitting.Store(false)
	if g.submitted.Load() {
		return Result{}, ErrSubmissionInFlight
	}
	g.state.Store(int32(StateSubmitting))

	g.mu.Lock()
	att := g.attempt
	g.mu.Unlock()

	req := backend.MarkRequest{
		USN:         att.USN,
		StudentName: att.StudentName,
		SessionID:   att.Session.SessionID,
		Token:       att.Payload,
	}
	if g.strategy.Mode() == ModeGeofence && att.Fix != nil {
		req.GPSLat = &att.Fix.Lat
		req.GPSLng = &att.Fix.Lng
		req.Accuracy = &att.Fix.Accuracy
	}

	res, err := g.be.MarkAttendance(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return g.finish(Result{Outcome: FailError, Message: err.Error()}), nil
	}
	g.submitted.Store(true)

	return g.finish(mapMarkResult(res, att)), nil
}

func mapMarkResult(res backend.MarkResult, att Attempt) Result {
	if res.Success {
		subject := res.SubjectName
		if subject == "" {
			subject = att.Session.SubjectName
		}
		return Result{
			Outcome:     Success,
			Message:     "Attendance marked.",
			SubjectName: subject,
		}
	}
	switch res.Code {
	case backend.CodeDuplicate:
		return Result{Outcome: FailDuplicate, Message: "Attendance already recorded for this session."}
	case backend.CodeGPSFail:
		return Result{Outcome: FailGPS, Message: "You are outside the classroom geofence.", Distance: res.Distance}
	case backend.CodeInvalidToken:
		return Result{Outcome: FailInvalidQR, Message: "QR code has expired or is invalid."}
	case backend.CodeSessionExpired:
		return Result{Outcome: FailTimeout, Message: "The session has ended."}
	default:
		msg := res.Error
		if msg == "" {
			msg = "Failed to mark attendance."
		}
		return Result{Outcome: FailError, Message: msg}
	}
}

func (g *Gate) finish(res Result) Result {
	g.state.Store(int32(StateResult))
	metrics.ScansTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res
}
