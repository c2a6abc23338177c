package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
)

// Memory is a map-backed Backend for development and tests. It enforces the
// same authoritative rules as the Postgres store: scan-window cutoff, token
// equality, geofence when coordinates are present, and (usn, session)
// uniqueness.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	marks      map[string]map[string]ScanLog // session id -> usn -> log
	faces      map[string][]float32
	scanWindow time.Duration
	radius     float64
	now        func() time.Time
}

// MemoryOption tweaks a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithScanWindow overrides the scanning-window length.
func WithScanWindow(d time.Duration) MemoryOption {
	return func(m *Memory) { m.scanWindow = d }
}

// WithGeofenceRadius overrides the allowed radius in meters.
func WithGeofenceRadius(r float64) MemoryOption {
	return func(m *Memory) { m.radius = r }
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions:   make(map[string]*Session),
		marks:      make(map[string]map[string]ScanLog),
		faces:      make(map[string][]float32),
		scanWindow: 10 * time.Minute,
		radius:     50,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveSessions returns sessions still inside their scanning window.
func (m *Memory) ActiveSessions(_ context.Context, f Filter) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Session
	for _, s := range m.sessions {
		if !s.Ongoing(now) {
			continue
		}
		if f.FacultyID != "" && s.FacultyID != f.FacultyID {
			continue
		}
		if f.SessionID != "" && s.SessionID != f.SessionID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// CreateSession opens a session for a slot, reusing an ongoing one if the
// slot already has it.
func (m *Memory) CreateSession(_ context.Context, in CreateSessionInput) (Session, error) {
	if err := validate.Struct(in); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range m.sessions {
		if s.SlotID == in.SlotID && s.Ongoing(now) {
			return *s, nil
		}
	}
	end := now.Add(m.scanWindow)
	if in.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, in.EndTime); err == nil && t.Before(end) {
			end = t
		}
	}
	s := &Session{
		SessionID:   uuid.NewString(),
		SlotID:      in.SlotID,
		FacultyID:   in.FacultyID,
		SubjectCode: in.SubjectCode,
		SubjectName: in.SubjectName,
		Room:        in.Room,
		Section:     in.Section,
		Token:       NewToken(),
		StartTime:   now,
		EndTime:     end,
		Status:      StatusOngoing,
		Lat:         in.Lat,
		Lng:         in.Lng,
	}
	m.sessions[s.SessionID] = s
	m.marks[s.SessionID] = make(map[string]ScanLog)
	return *s, nil
}

// RotateToken replaces the session's current token. Rotation is refused once
// the scanning window is over, freezing the last token.
func (m *Memory) RotateToken(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if !s.Ongoing(m.now()) {
		return "", ErrSessionClosed
	}
	s.Token = NewToken()
	return s.Token, nil
}

// EndSession marks the session ended. Idempotent.
func (m *Memory) EndSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = StatusEnded
	return nil
}

// MarkAttendance applies the authoritative decision chain: session window,
// token equality, geofence, then duplicate.
func (m *Memory) MarkAttendance(_ context.Context, req MarkRequest) (MarkResult, error) {
	if err := validate.Struct(req); err != nil {
		return MarkResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[req.SessionID]
	if !ok {
		return MarkResult{Error: "session not found", Code: CodeSessionExpired}, nil
	}
	if !s.Ongoing(m.now()) {
		return MarkResult{Error: "session has ended", Code: CodeSessionExpired}, nil
	}
	if s.Token != req.Token {
		return MarkResult{Error: "token expired or invalid", Code: CodeInvalidToken}, nil
	}
	if req.GPSLat != nil && req.GPSLng != nil && (s.Lat != 0 || s.Lng != 0) {
		inside, dist := geo.WithinGeofence(*req.GPSLat, *req.GPSLng, s.Lat, s.Lng, m.radius)
		if !inside {
			return MarkResult{Error: "outside classroom geofence", Code: CodeGPSFail, Distance: dist}, nil
		}
	}
	if _, dup := m.marks[req.SessionID][req.USN]; dup {
		return MarkResult{Error: "attendance already recorded", Code: CodeDuplicate}, nil
	}
	m.marks[req.SessionID][req.USN] = ScanLog{
		USN:         req.USN,
		StudentName: req.StudentName,
		Timestamp:   m.now(),
		Status:      "PRESENT",
	}
	return MarkResult{Success: true, SubjectName: s.SubjectName}, nil
}

// FaceDescriptor returns the enrolled embedding for a student.
func (m *Memory) FaceDescriptor(_ context.Context, usn string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.faces[usn]
	if !ok {
		return nil, ErrNoFaceData
	}
	out := make([]float32, len(d))
	copy(out, d)
	return out, nil
}

// RegisterFace stores (or replaces) a student's embedding.
func (m *Memory) RegisterFace(_ context.Context, usn string, descriptor []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := make([]float32, len(descriptor))
	copy(d, descriptor)
	m.faces[usn] = d
	return nil
}

// AttendanceLogs lists recorded scans for a session, oldest first.
func (m *Memory) AttendanceLogs(_ context.Context, sessionID string) ([]ScanLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marks, ok := m.marks[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]ScanLog, 0, len(marks))
	for _, l := range marks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// StudentStats aggregates per-subject attendance for a student.
func (m *Memory) StudentStats(_ context.Context, usn string) ([]SubjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type agg struct {
		name     string
		total    int
		attended int
	}
	bySubject := make(map[string]*agg)
	for id, s := range m.sessions {
		a, ok := bySubject[s.SubjectCode]
		if !ok {
			a = &agg{name: s.SubjectName}
			bySubject[s.SubjectCode] = a
		}
		a.total++
		if _, present := m.marks[id][usn]; present {
			a.attended++
		}
	}
	codes := make([]string, 0, len(bySubject))
	for code := range bySubject {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([]SubjectStat, 0, len(codes))
	for _, code := range codes {
		a := bySubject[code]
		pct := 0.0
		if a.total > 0 {
			pct = float64(a.attended) / float64(a.total) * 100
		}
		out = append(out, SubjectStat{
			SubjectCode:     code,
			SubjectName:     a.name,
			TotalClasses:    a.total,
			AttendedClasses: a.attended,
			Percentage:      pct,
		})
	}
	return out, nil
}

// StudentHistory lists a student's recorded scans across sessions, newest
// first.
func (m *Memory) StudentHistory(_ context.Context, usn string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for id, s := range m.sessions {
		if l, ok := m.marks[id][usn]; ok {
			out = append(out, HistoryEntry{
				SubjectCode: s.SubjectCode,
				SubjectName: s.SubjectName,
				Date:        l.Timestamp,
				Status:      l.Status,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
