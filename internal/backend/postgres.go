package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
)

// Postgres is the authoritative Backend. Duplicate, token, expiry and
// geofence decisions are enforced here, never in clients.
type Postgres struct {
	db         *sql.DB
	scanWindow time.Duration
	radius     float64
}

var _ Backend = (*Postgres)(nil)

// NewPostgres wraps an open connection and ensures the schema exists.
func NewPostgres(db *sql.DB, scanWindow time.Duration, geofenceRadius float64) (*Postgres, error) {
	if scanWindow <= 0 {
		scanWindow = 10 * time.Minute
	}
	if geofenceRadius <= 0 {
		geofenceRadius = 50
	}
	p := &Postgres{db: db, scanWindow: scanWindow, radius: geofenceRadius}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id   TEXT PRIMARY KEY,
		slot_id      TEXT NOT NULL,
		faculty_id   TEXT NOT NULL,
		subject_code TEXT NOT NULL,
		subject_name TEXT NOT NULL DEFAULT '',
		room         TEXT NOT NULL DEFAULT '',
		section      TEXT NOT NULL DEFAULT '',
		token        TEXT NOT NULL,
		start_time   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time     TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL DEFAULT 'ONGOING',
		lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
		lng          DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_slot    ON sessions(slot_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_faculty ON sessions(faculty_id);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions(session_id),
		usn          TEXT NOT NULL,
		student_name TEXT NOT NULL DEFAULT '',
		marked_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status       TEXT NOT NULL DEFAULT 'PRESENT',
		UNIQUE (session_id, usn)
	);

	CREATE TABLE IF NOT EXISTS face_profiles (
		usn         TEXT PRIMARY KEY,
		descriptor  REAL[] NOT NULL,
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS scan_audit (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		usn         TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		distance_m  INTEGER,
		accuracy_m  DOUBLE PRECISION,
		suspicious  BOOLEAN NOT NULL DEFAULT FALSE,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := p.db.Exec(schema)
	return err
}

const sessionColumns = `session_id, slot_id, faculty_id, subject_code, subject_name, room, section, token, start_time, end_time, status, lat, lng`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.SessionID, &s.SlotID, &s.FacultyID, &s.SubjectCode, &s.SubjectName,
		&s.Room, &s.Section, &s.Token, &s.StartTime, &s.EndTime, &s.Status, &s.Lat, &s.Lng)
	return s, err
}

// ActiveSessions lists sessions still inside their scanning window.
func (p *Postgres) ActiveSessions(ctx context.Context, f Filter) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'ONGOING' AND end_time > NOW()`
	args := []any{}
	if f.FacultyID != "" {
		args = append(args, f.FacultyID)
		query += ` AND faculty_id = $1`
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		if len(args) == 2 {
			query += ` AND session_id = $2`
		} else {
			query += ` AND session_id = $1`
		}
	}
	query += ` ORDER BY start_time`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSession opens a session for a timetable slot, reusing an ongoing one
// bound to the same slot.
func (p *Postgres) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	if err := validate.Struct(in); err != nil {
		return Session{}, err
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE slot_id = $1 AND status = 'ONGOING' AND end_time > NOW()
		ORDER BY start_time DESC LIMIT 1
	`, in.SlotID)
	if existing, err := scanSession(row); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}

	now := time.Now().UTC()
	end := now.Add(p.scanWindow)
	if in.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, in.EndTime); err == nil && t.Before(end) {
			end = t
		}
	}
	s := Session{
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
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, s.SessionID, s.SlotID, s.FacultyID, s.SubjectCode, s.SubjectName, s.Room, s.Section,
		s.Token, s.StartTime, s.EndTime, s.Status, s.Lat, s.Lng)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// RotateToken replaces the current token. Sessions past their window keep
// their last token frozen; the update predicate enforces the cutoff.
func (p *Postgres) RotateToken(ctx context.Context, sessionID string) (string, error) {
	token := NewToken()
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET token = $2
		WHERE session_id = $1 AND status = 'ONGOING' AND end_time > NOW()
	`, sessionID, token)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err == nil && !exists {
			return "", ErrSessionNotFound
		}
		return "", ErrSessionClosed
	}
	return token, nil
}

// EndSession marks the session ended. Idempotent.
func (p *Postgres) EndSession(ctx context.Context, sessionID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'ENDED' WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkAttendance applies the decision chain: session window, token equality,
// geofence (when both sides carry coordinates), then duplicate via the
// unique (session_id, usn) constraint.
func (p *Postgres) MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error) {
	if err := validate.Struct(req); err != nil {
		return MarkResult{}, err
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, req.SessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MarkResult{Error: "session not found", Code: CodeSessionExpired}, nil
	}
	if err != nil {
		return MarkResult{}, err
	}
	if !s.Ongoing(time.Now()) {
		return MarkResult{Error: "session has ended", Code: CodeSessionExpired}, nil
	}
	if s.Token != req.Token {
		return MarkResult{Error: "token expired or invalid", Code: CodeInvalidToken}, nil
	}
	if req.GPSLat != nil && req.GPSLng != nil && (s.Lat != 0 || s.Lng != 0) {
		inside, dist := geo.WithinGeofence(*req.GPSLat, *req.GPSLng, s.Lat, s.Lng, p.radius)
		if !inside {
			return MarkResult{Error: "outside classroom geofence", Code: CodeGPSFail, Distance: dist}, nil
		}
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, usn, student_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, usn) DO NOTHING
	`, uuid.NewString(), req.SessionID, req.USN, req.StudentName)
	if err != nil {
		return MarkResult{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return MarkResult{Error: "attendance already recorded", Code: CodeDuplicate}, nil
	}
	return MarkResult{Success: true, SubjectName: s.SubjectName}, nil
}

// FaceDescriptor returns the enrolled embedding for a student.
func (p *Postgres) FaceDescriptor(ctx context.Context, usn string) ([]float32, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT unnest(descriptor) FROM face_profiles WHERE usn = $1`, usn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float32
	for rows.Next() {
		var v float32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoFaceData
	}
	return out, nil
}

// RegisterFace stores (or replaces) a student's embedding.
func (p *Postgres) RegisterFace(ctx context.Context, usn string, descriptor []float32) error {
	// Build a Postgres array literal; parameterized arrays need pgx native
	// mode and the rest of the repo sticks to database/sql.
	arr := make([]any, 0, len(descriptor))
	placeholders := ""
	for i, v := range descriptor {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "$" + itoa(i+2)
		arr = append(arr, v)
	}
	args := append([]any{usn}, arr...)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO face_profiles (usn, descriptor)
		VALUES ($1, ARRAY[`+placeholders+`]::REAL[])
		ON CONFLICT (usn) DO UPDATE SET descriptor = EXCLUDED.descriptor, enrolled_at = NOW()
	`, args...)
	return err
}

// AttendanceLogs lists recorded scans for a session, oldest first.
func (p *Postgres) AttendanceLogs(ctx context.Context, sessionID string) ([]ScanLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT usn, student_name, marked_at, status
		FROM attendance_records WHERE session_id = $1
		ORDER BY marked_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanLog
	for rows.Next() {
		var l ScanLog
		if err := rows.Scan(&l.USN, &l.StudentName, &l.Timestamp, &l.Status); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StudentStats aggregates per-subject attendance for a student.
func (p *Postgres) StudentStats(ctx context.Context, usn string) ([]SubjectStat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.subject_code,
		       MAX(s.subject_name),
		       COUNT(*),
		       COUNT(r.id)
		FROM sessions s
		LEFT JOIN attendance_records r
		       ON r.session_id = s.session_id AND r.usn = $1
		GROUP BY s.subject_code
		ORDER BY s.subject_code
	`, usn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubjectStat
	for rows.Next() {
		var st SubjectStat
		if err := rows.Scan(&st.SubjectCode, &st.SubjectName, &st.TotalClasses, &st.AttendedClasses); err != nil {
			return nil, err
		}
		if st.TotalClasses > 0 {
			st.Percentage = float64(st.AttendedClasses) / float64(st.TotalClasses) * 100
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StudentHistory lists a student's recorded scans, newest first.
func (p *Postgres) StudentHistory(ctx context.Context, usn string) ([]HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.subject_code, s.subject_name, r.marked_at, r.status
		FROM attendance_records r
		JOIN sessions s ON s.session_id = r.session_id
		WHERE r.usn = $1
		ORDER BY r.marked_at DESC
	`, usn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.SubjectCode, &h.SubjectName, &h.Date, &h.Status); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InsertAudit records one scan-audit row; used by the worker.
func (p *Postgres) InsertAudit(ctx context.Context, sessionID, usn, outcome string, distance *int, accuracy *float64, suspicious bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scan_audit (id, session_id, usn, outcome, distance_m, accuracy_m, suspicious)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, uuid.NewString(), sessionID, usn, outcome, distance, accuracy, suspicious)
	return err
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }
