package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to a remote attendance backend over its action-style API:
// reads are GET with an `action` query parameter, writes are POST with the
// action embedded in the JSON body. Every response carries a boolean
// `success` plus either the payload or an `error` string.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

var _ Backend = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the given backend URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error"`
	Sessions    []Session         `json:"sessions"`
	Session     *sessionRef       `json:"session"`
	Token       string            `json:"token"`
	Code        string            `json:"code"`
	Distance    int               `json:"distance"`
	SubjectName string            `json:"subjectName"`
	Descriptor  map[string]float32 `json:"descriptor"`
	Logs        []ScanLog         `json:"logs"`
	Stats       []SubjectStat     `json:"stats"`
	History     []HistoryEntry    `json:"history"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

func (c *HTTPClient) get(ctx context.Context, action string, params map[string]string) (*envelope, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("action", action)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, action)
}

func (c *HTTPClient) post(ctx context.Context, action string, body map[string]any) (*envelope, error) {
	payload := map[string]any{"action": action}
	for k, v := range body {
		payload[k] = v
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, action)
}

func (c *HTTPClient) do(req *http.Request, action string) (*envelope, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend %s: %s: %s", action, resp.Status, string(body))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("backend %s: decode: %w", action, err)
	}
	return &env, nil
}

// ActiveSessions lists live sessions, optionally filtered.
func (c *HTTPClient) ActiveSessions(ctx context.Context, f Filter) ([]Session, error) {
	params := map[string]string{}
	if f.FacultyID != "" {
		params["facultyId"] = f.FacultyID
	}
	if f.SessionID != "" {
		params["sessionId"] = f.SessionID
	}
	env, err := c.get(ctx, "getActiveSession", params)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("getActiveSession: %s", env.Error)
	}
	return env.Sessions, nil
}

// CreateSession opens (or reuses) a session for a timetable slot.
func (c *HTTPClient) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	env, err := c.post(ctx, "createSession", map[string]any{
		"slotId":      in.SlotID,
		"facultyId":   in.FacultyID,
		"subjectCode": in.SubjectCode,
		"subjectName": in.SubjectName,
		"room":        in.Room,
		"section":     in.Section,
		"endTime":     in.EndTime,
		"lat":         in.Lat,
		"lng":         in.Lng,
	})
	if err != nil {
		return Session{}, err
	}
	if !env.Success || env.Session == nil {
		return Session{}, fmt.Errorf("createSession: %s", env.Error)
	}
	// The create response only returns the id and token; fetch the full
	// session so callers get subject and room metadata too.
	sessions, err := c.ActiveSessions(ctx, Filter{SessionID: env.Session.SessionID})
	if err != nil || len(sessions) == 0 {
		return Session{
			SessionID: env.Session.SessionID,
			Token:     env.Session.Token,
			Status:    StatusOngoing,
		}, nil
	}
	return sessions[0], nil
}

// RotateToken asks the backend for a fresh token.
func (c *HTTPClient) RotateToken(ctx context.Context, sessionID string) (string, error) {
	env, err := c.post(ctx, "rotateToken", map[string]any{"sessionId": sessionID})
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("rotateToken: %s", env.Error)
	}
	return env.Token, nil
}

// EndSession closes a session.
func (c *HTTPClient) EndSession(ctx context.Context, sessionID string) error {
	env, err := c.post(ctx, "endSession", map[string]any{"sessionId": sessionID})
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("endSession: %s", env.Error)
	}
	return nil
}

// MarkAttendance submits the attendance write and returns the backend's
// authoritative verdict. Non-success verdicts are results, not errors.
func (c *HTTPClient) MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error) {
	body := map[string]any{
		"usn":         req.USN,
		"studentName": req.StudentName,
		"sessionId":   req.SessionID,
		"token":       req.Token,
	}
	if req.GPSLat != nil {
		body["gpsLat"] = *req.GPSLat
	}
	if req.GPSLng != nil {
		body["gpsLng"] = *req.GPSLng
	}
	if req.Accuracy != nil {
		body["gpsAccuracy"] = *req.Accuracy
	}
	env, err := c.post(ctx, "markAttendance", body)
	if err != nil {
		return MarkResult{}, err
	}
	return MarkResult{
		Success:     env.Success,
		Error:       env.Error,
		Code:        env.Code,
		Distance:    env.Distance,
		SubjectName: env.SubjectName,
	}, nil
}

// FaceDescriptor fetches a student's stored embedding.
func (c *HTTPClient) FaceDescriptor(ctx context.Context, usn string) ([]float32, error) {
	env, err := c.get(ctx, "getFaceData", map[string]string{"usn": usn})
	if err != nil {
		return nil, err
	}
	if !env.Success || len(env.Descriptor) == 0 {
		return nil, ErrNoFaceData
	}
	// The descriptor arrives as an index-keyed object; rebuild the vector in
	// positional order.
	out := make([]float32, len(env.Descriptor))
	for k, v := range env.Descriptor {
		var i int
		if _, err := fmt.Sscanf(k, "%d", &i); err != nil || i < 0 || i >= len(out) {
			return nil, fmt.Errorf("getFaceData: bad descriptor index %q", k)
		}
		out[i] = v
	}
	return out, nil
}

// RegisterFace stores a student's embedding.
func (c *HTTPClient) RegisterFace(ctx context.Context, usn string, descriptor []float32) error {
	env, err := c.post(ctx, "registerFace", map[string]any{"usn": usn, "descriptor": descriptor})
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("registerFace: %s", env.Error)
	}
	return nil
}

// AttendanceLogs lists recorded scans for a session.
func (c *HTTPClient) AttendanceLogs(ctx context.Context, sessionID string) ([]ScanLog, error) {
	env, err := c.get(ctx, "getAttendanceLogs", map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("getAttendanceLogs: %s", env.Error)
	}
	return env.Logs, nil
}

// StudentStats returns per-subject attendance aggregates.
func (c *HTTPClient) StudentStats(ctx context.Context, usn string) ([]SubjectStat, error) {
	env, err := c.get(ctx, "getStudentStats", map[string]string{"usn": usn})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("getStudentStats: %s", env.Error)
	}
	return env.Stats, nil
}

// StudentHistory returns a student's attendance history.
func (c *HTTPClient) StudentHistory(ctx context.Context, usn string) ([]HistoryEntry, error) {
	env, err := c.get(ctx, "getStudentHistory", map[string]string{"usn": usn})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("getStudentHistory: %s", env.Error)
	}
	return env.History, nil
}
