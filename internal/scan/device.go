package scan

import (
	"context"
	"fmt"
)

// Facing selects which device camera to open.
type Facing string

const (
	// FacingBack is used for QR capture.
	FacingBack Facing = "environment"
	// FacingFront is used for face verification.
	FacingFront Facing = "user"
)

// FrameSource delivers camera frames. Close must stop the underlying stream;
// the gate closes every source it opens on every exit path.
type FrameSource interface {
	// Next blocks until a frame is available or ctx is done.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Camera opens frame streams. Nothing is opened before the user grants
// permission.
type Camera interface {
	Open(ctx context.Context, facing Facing) (FrameSource, error)
}

// QRDecoder extracts the embedded string from a frame, if one is present.
type QRDecoder interface {
	Decode(ctx context.Context, frame []byte) (string, bool, error)
}

// Fix is a single geolocation reading.
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64
}

// Locator produces one fresh high-accuracy fix; cached positions are not
// acceptable evidence.
type Locator interface {
	Current(ctx context.Context) (Fix, error)
}

// Device failure causes surfaced to the user with a retry affordance.
const (
	CausePermissionDenied    = "PERMISSION_DENIED"
	CausePositionUnavailable = "POSITION_UNAVAILABLE"
	CauseTimeout             = "TIMEOUT"
)

// DeviceError is a camera or location failure. It is not a terminal scan
// outcome: the flow keeps its place and the user retries the failed step.
type DeviceError struct {
	Cause   string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cause, e.Message)
}

// NewDeviceError builds a classified device failure.
func NewDeviceError(cause, message string) *DeviceError {
	return &DeviceError{Cause: cause, Message: message}
}
