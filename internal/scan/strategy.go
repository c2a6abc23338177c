package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"qrattend/internal/backend"
	"qrattend/internal/facematch"
	"qrattend/internal/geo"
)

// Strategy names.
const (
	ModeGeofence = "GEOFENCE"
	ModeFace     = "FACE"
)

// errSuspiciousFix rejects a fix whose reported accuracy is implausibly
// good.
var errSuspiciousFix = errors.New("reported GPS accuracy implausible")

// VerificationStrategy corroborates physical presence before the attendance
// write. Exactly one strategy runs per scan attempt.
type VerificationStrategy interface {
	Mode() string
	// Verify attaches evidence to the attempt or fails. A *DeviceError is
	// retryable; anything else ends the attempt.
	Verify(ctx context.Context, att *Attempt) error
}

// GeofenceStrategy verifies by GPS. The client only previews the distance;
// the backend's geofence verdict is authoritative.
type GeofenceStrategy struct {
	Locator Locator
	// Timeout bounds the single fix request.
	Timeout time.Duration
	// StrictAccuracy hard-rejects fixes flagged by geo.SuspiciousAccuracy.
	StrictAccuracy bool
}

// Mode returns GEOFENCE.
func (s *GeofenceStrategy) Mode() string { return ModeGeofence }

// Verify requests one fresh high-accuracy fix and attaches it as evidence.
func (s *GeofenceStrategy) Verify(ctx context.Context, att *Attempt) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := s.Locator.Current(fixCtx)
	if err != nil {
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return devErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return NewDeviceError(CauseTimeout, "location request timed out")
		}
		return NewDeviceError(CausePositionUnavailable, err.Error())
	}

	if s.StrictAccuracy && geo.SuspiciousAccuracy(fix.Accuracy) {
		return errSuspiciousFix
	}

	att.Fix = &fix
	if att.Session.Lat != 0 || att.Session.Lng != 0 {
		// Preview only; the submit response carries the real verdict.
		att.PreviewDistance = int(math.Round(geo.HaversineMeters(fix.Lat, fix.Lng, att.Session.Lat, att.Session.Lng)))
	}
	return nil
}

// FaceMatchStrategy verifies by comparing live face embeddings against the
// student's enrolled descriptor. The match is a client-side precondition;
// the backend still runs its own token and duplicate checks on submit.
type FaceMatchStrategy struct {
	Backend backend.Backend
	Camera  Camera
	Matcher facematch.Matcher
	// Interval is the live sampling cadence.
	Interval time.Duration
	// Threshold accepts distances strictly below it.
	Threshold float64
	// Feedback, when set, receives live status lines while sampling.
	Feedback func(status string)
}

// Mode returns FACE.
func (s *FaceMatchStrategy) Mode() string { return ModeFace }

// Verify fetches the enrolled descriptor, then samples the front camera
// until a frame's embedding lands strictly under the threshold. It never
// times out on its own; the caller's ctx bounds it.
func (s *FaceMatchStrategy) Verify(ctx context.Context, att *Attempt) error {
	descriptor, err := s.Backend.FaceDescriptor(ctx, att.USN)
	if err != nil {
		// Covers the unenrolled case before any camera use.
		return err
	}

	src, err := s.Camera.Open(ctx, FacingFront)
	if err != nil {
		return NewDeviceError(CausePermissionDenied, "camera access denied")
	}
	defer src.Close()

	interval := s.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 0.6
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		embedding, found, err := s.Matcher.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if !found {
			s.feedback("Looking for face...")
			continue
		}
		distance := facematch.Distance(descriptor, embedding)
		if distance < threshold {
			att.FaceDistance = distance
			return nil
		}
		s.feedback(fmt.Sprintf("Face mismatch (%d%%). Get closer.", int(math.Round(distance*100))))
	}
}

func (s *FaceMatchStrategy) feedback(status string) {
	if s.Feedback != nil {
		s.Feedback(status)
	}
}
