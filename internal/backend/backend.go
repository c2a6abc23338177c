package backend

import (
	"context"
	"errors"
	"time"
)

// Session statuses.
const (
	StatusOngoing = "ONGOING"
	StatusEnded   = "ENDED"
)

// Result codes returned by MarkAttendance when the write is refused.
const (
	CodeDuplicate      = "DUPLICATE"
	CodeGPSFail        = "GPS_FAIL"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeSessionExpired = "SESSION_EXPIRED"
)

// ErrNoFaceData is returned by FaceDescriptor when the student has not
// enrolled a face profile.
var ErrNoFaceData = errors.New("no face data registered")

// ErrSessionNotFound is returned for operations against an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned when rotation is requested for a session whose
// scanning window is over (ended or countdown exhausted).
var ErrSessionClosed = errors.New("session closed")

// Session is one live attendance window for a scheduled class.
type Session struct {
	SessionID   string    `json:"sessionId"`
	SlotID      string    `json:"slotId"`
	FacultyID   string    `json:"facultyId"`
	SubjectCode string    `json:"subjectCode"`
	SubjectName string    `json:"subjectName"`
	Room        string    `json:"room"`
	Section     string    `json:"section"`
	Token       string    `json:"token"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Status      string    `json:"status"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
}

// Ongoing reports whether the session still accepts scans as of now.
func (s Session) Ongoing(now time.Time) bool {
	return s.Status == StatusOngoing && (s.EndTime.IsZero() || now.Before(s.EndTime))
}

// ScanLog is one recorded scan shown on the faculty session view.
type ScanLog struct {
	USN         string    `json:"usn"`
	StudentName string    `json:"studentName"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

// CreateSessionInput carries everything needed to open a session for a
// timetable slot.
type CreateSessionInput struct {
	SlotID      string  `json:"slotId" validate:"required"`
	FacultyID   string  `json:"facultyId" validate:"required"`
	SubjectCode string  `json:"subjectCode" validate:"required"`
	SubjectName string  `json:"subjectName"`
	Room        string  `json:"room"`
	Section     string  `json:"section"`
	EndTime     string  `json:"endTime"`
	Lat         float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// MarkRequest is the attendance-write payload. GPS fields are only set in
// geofence mode.
type MarkRequest struct {
	USN         string   `json:"usn" validate:"required"`
	StudentName string   `json:"studentName" validate:"required"`
	SessionID   string   `json:"sessionId" validate:"required"`
	Token       string   `json:"token" validate:"required"`
	GPSLat      *float64 `json:"gpsLat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	GPSLng      *float64 `json:"gpsLng,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Accuracy    *float64 `json:"gpsAccuracy,omitempty"`
}

// MarkResult is the authoritative outcome of an attendance write.
type MarkResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	Distance    int    `json:"distance,omitempty"`
	SubjectName string `json:"subjectName,omitempty"`
}

// SubjectStat summarizes a student's attendance for one subject.
type SubjectStat struct {
	SubjectCode     string  `json:"subjectCode"`
	SubjectName     string  `json:"subjectName"`
	TotalClasses    int     `json:"totalClasses"`
	AttendedClasses int     `json:"attendedClasses"`
	Percentage      float64 `json:"percentage"`
}

// HistoryEntry is one row of a student's attendance history.
type HistoryEntry struct {
	SubjectCode string    `json:"subjectCode"`
	SubjectName string    `json:"subjectName"`
	Date        time.Time `json:"date"`
	Status      string    `json:"status"`
}

// Filter narrows an active-session lookup.
type Filter struct {
	FacultyID string
	SessionID string
}

// Backend is the remote data store consumed by the verification core. It is
// the source of truth for duplicate, token, expiry and geofence decisions;
// clients never substitute local checks for its responses.
type Backend interface {
	ActiveSessions(ctx context.Context, f Filter) ([]Session, error)
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	RotateToken(ctx context.Context, sessionID string) (string, error)
	EndSession(ctx context.Context, sessionID string) error
	MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error)
	FaceDescriptor(ctx context.Context, usn string) ([]float32, error)
	RegisterFace(ctx context.Context, usn string, descriptor []float32) error
	AttendanceLogs(ctx context.Context, sessionID string) ([]ScanLog, error)
	StudentStats(ctx context.Context, usn string) ([]SubjectStat, error)
	StudentHistory(ctx context.Context, usn string) ([]HistoryEntry, error)
}
