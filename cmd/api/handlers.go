package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"qrattend/internal/auth"
	"qrattend/internal/backend"
	"qrattend/internal/config"
	"qrattend/internal/facematch"
	"qrattend/internal/qrclient"
	"qrattend/internal/queue"
	"qrattend/internal/scan"
	"qrattend/internal/session"
	"qrattend/internal/ws"
)

// apiServer holds the wiring shared by all handlers.
type apiServer struct {
	cfg        config.App
	be         backend.Backend
	queue      queue.Queue
	controller *session.Controller
	hub        *ws.Hub
	face       *facematch.Client
	qr         *qrclient.Client

	// one update-forwarding goroutine per live session handle
	forwarding sync.Map
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ---- auth ----

func (a *apiServer) handleLogin(c *gin.Context) {
	var req struct {
		ID   string `json:"id" binding:"required"`
		Role string `json:"role" binding:"required"`
		Name string `json:"name" binding:"required"`
		USN  string `json:"usn"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != auth.RoleFaculty && req.Role != auth.RoleStudent && req.Role != auth.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if req.Role == auth.RoleStudent && req.USN == "" {
		req.USN = req.ID
	}

	tokens, err := auth.Issue(auth.Identity{ID: req.ID, Role: req.Role, Name: req.Name, USN: req.USN},
		a.cfg.JWTIssuer, a.cfg.JWTSigningKey, a.cfg.AccessTTL, a.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---- faculty session view ----

func (a *apiServer) handleStartSession(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	var req backend.CreateSessionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FacultyID == "" {
		req.FacultyID = claims.Subject
	}

	live, err := a.controller.StartOrResume(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	a.forwardUpdates(live)

	s := live.Session()
	c.JSON(http.StatusOK, gin.H{
		"session":   s,
		"remaining": int(live.Remaining().Seconds()),
	})
}

// forwardUpdates relays countdown/token ticks from the session handle to the
// websocket hub, once per handle.
func (a *apiServer) forwardUpdates(live *session.Live) {
	id := live.Session().SessionID
	if prev, loaded := a.forwarding.Swap(id, live); loaded && prev == live {
		return
	}
	go func() {
		for u := range live.Updates() {
			if u.Closed {
				a.hub.BroadcastClosed(u.SessionID)
				continue
			}
			a.hub.BroadcastToken(u.SessionID, u.Token, int(u.Remaining.Seconds()))
		}
	}()
}

func (a *apiServer) handleEndSession(c *gin.Context) {
	id := c.Param("id")
	if live, ok := a.controller.Get(id); ok {
		if err := live.End(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	} else if err := a.be.EndSession(c.Request.Context(), id); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, backend.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	a.hub.BroadcastClosed(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *apiServer) handleSessionLogs(c *gin.Context) {
	logs, err := a.be.AttendanceLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, backend.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "present": len(logs)})
}

func (a *apiServer) handleSessionLive(c *gin.Context) {
	id := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	a.hub.Add(id, conn)
	// Reader loop only detects close; the hub does all writing.
	go func() {
		defer a.hub.Remove(id, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ---- student scan flow ----

type scanRequest struct {
	Payload  string   `json:"payload"`
	ImageB64 string   `json:"image_b64"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy *float64 `json:"accuracy"`
	FrameB64 string   `json:"frame_b64"`
}

func (a *apiServer) handleScan(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := req.Payload
	if payload == "" {
		// Single uploaded image path.
		frame, err := base64.StdEncoding.DecodeString(req.ImageB64)
		if err != nil || len(frame) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide payload or image_b64"})
			return
		}
		decoded, found, err := a.qr.Decode(c.Request.Context(), frame)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusOK, gin.H{
				"success": false,
				"outcome": string(scan.FailInvalidQR),
				"message": "No QR code found in the image.",
			})
			return
		}
		payload = decoded
	}

	var feedback string
	var feedbackMu sync.Mutex
	strategy, devErr := a.buildStrategy(req, func(s string) {
		feedbackMu.Lock()
		feedback = s
		feedbackMu.Unlock()
	})
	if devErr != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success":   false,
			"retryable": true,
			"cause":     devErr.Cause,
			"message":   devErr.Message,
		})
		return
	}

	gateCfg := scan.Config{
		QRInterval:      a.cfg.QRInterval,
		FaceInterval:    a.cfg.FaceInterval,
		FaceThreshold:   a.cfg.FaceThreshold,
		LocationTimeout: a.cfg.LocationTimeout,
		StrictAccuracy:  a.cfg.StrictAccuracy,
	}
	gate := scan.NewGate(a.be, nil, a.qr, strategy, claims.USN, claims.Name, gateCfg)
	gate.Grant()

	// Face sampling over a single uploaded frame cannot converge; bound it
	// and report the mismatch for a client-driven retry with a new frame.
	ctx := c.Request.Context()
	if strategy.Mode() == scan.ModeFace {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}

	res, err := gate.RunWithPayload(ctx, payload)
	if err != nil {
		var dev *scan.DeviceError
		switch {
		case errors.As(err, &dev):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"success":   false,
				"retryable": true,
				"cause":     dev.Cause,
				"message":   dev.Message,
			})
		case errors.Is(err, context.DeadlineExceeded):
			feedbackMu.Lock()
			status := feedback
			feedbackMu.Unlock()
			if status == "" {
				status = "Looking for face..."
			}
			c.JSON(http.StatusOK, gin.H{
				"success":   false,
				"retryable": true,
				"outcome":   "FACE_MISMATCH",
				"message":   status,
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	a.publishScanEvent(claims.USN, gate.Attempt(), strategy.Mode(), res)

	if res.Outcome == scan.Success {
		a.hub.BroadcastScan(gate.Attempt().Session.SessionID, backend.ScanLog{
			USN:         claims.USN,
			StudentName: claims.Name,
			Timestamp:   time.Now().UTC(),
			Status:      "PRESENT",
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     res.Outcome == scan.Success,
		"outcome":     string(res.Outcome),
		"message":     res.Message,
		"subjectName": res.SubjectName,
		"distance":    res.Distance,
	})
}

// buildStrategy assembles the configured verification strategy around the
// evidence the device sent with this request.
func (a *apiServer) buildStrategy(req scanRequest, feedback func(string)) (scan.VerificationStrategy, *scan.DeviceError) {
	if a.cfg.VerifyMode == scan.ModeFace {
		frame, err := base64.StdEncoding.DecodeString(req.FrameB64)
		if err != nil || len(frame) == 0 {
			return nil, scan.NewDeviceError(scan.CausePermissionDenied, "face frame missing")
		}
		return &scan.FaceMatchStrategy{
			Backend:   a.be,
			Camera:    singleFrameCamera{frame: frame},
			Matcher:   a.face,
			Interval:  a.cfg.FaceInterval,
			Threshold: a.cfg.FaceThreshold,
			Feedback:  feedback,
		}, nil
	}

	if req.Lat == nil || req.Lng == nil {
		return nil, scan.NewDeviceError(scan.CausePositionUnavailable, "location fix missing")
	}
	accuracy := 0.0
	if req.Accuracy != nil {
		accuracy = *req.Accuracy
	}
	return &scan.GeofenceStrategy{
		Locator:        staticLocator{fix: scan.Fix{Lat: *req.Lat, Lng: *req.Lng, Accuracy: accuracy}},
		Timeout:        a.cfg.LocationTimeout,
		StrictAccuracy: a.cfg.StrictAccuracy,
	}, nil
}

func (a *apiServer) publishScanEvent(usn string, att scan.Attempt, mode string, res scan.Result) {
	evt := queue.ScanEvent{
		SessionID: att.Session.SessionID,
		USN:       usn,
		Outcome:   string(res.Outcome),
		Mode:      mode,
		At:        time.Now().UTC(),
	}
	if res.Distance > 0 {
		d := res.Distance
		evt.Distance = &d
	}
	if att.Fix != nil {
		acc := att.Fix.Accuracy
		evt.Accuracy = &acc
		evt.Suspicious = acc < 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.queue.Publish(ctx, evt); err != nil {
		log.Printf("scan event publish failed: %v", err)
	}
}

func (a *apiServer) handleRegisterFace(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	var req struct {
		Descriptor []float32 `json:"descriptor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.be.RegisterFace(c.Request.Context(), claims.USN, req.Descriptor); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *apiServer) handleStudentStats(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	stats, err := a.be.StudentStats(c.Request.Context(), claims.USN)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	overall := 0.0
	if len(stats) > 0 {
		for _, s := range stats {
			overall += s.Percentage
		}
		overall /= float64(len(stats))
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "overall": overall})
}

func (a *apiServer) handleStudentHistory(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	history, err := a.be.StudentHistory(c.Request.Context(), claims.USN)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ---- device adapters ----

// staticLocator hands back the fix the device already took; timing and
// accuracy policy ran on the device.
type staticLocator struct {
	fix scan.Fix
}

func (l staticLocator) Current(context.Context) (scan.Fix, error) { return l.fix, nil }

// singleFrameCamera serves one uploaded frame repeatedly.
type singleFrameCamera struct {
	frame []byte
}

func (c singleFrameCamera) Open(context.Context, scan.Facing) (scan.FrameSource, error) {
	return &singleFrameSource{frame: c.frame}, nil
}

type singleFrameSource struct {
	frame []byte
}

func (s *singleFrameSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.frame, nil
}

func (s *singleFrameSource) Close() error { return nil }

// ---- action protocol ----

func (a *apiServer) handleActionGet(c *gin.Context) {
	ctx := c.Request.Context()
	switch c.Query("action") {
	case "getActiveSession":
		sessions, err := a.be.ActiveSessions(ctx, backend.Filter{
			FacultyID: c.Query("facultyId"),
			SessionID: c.Query("sessionId"),
		})
		if err != nil {
			actionError(c, err)
			return
		}
		if sessions == nil {
			sessions = []backend.Session{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions})

	case "getFaceData":
		descriptor, err := a.be.FaceDescriptor(ctx, c.Query("usn"))
		if err != nil {
			if errors.Is(err, backend.ErrNoFaceData) {
				c.JSON(http.StatusOK, gin.H{"success": false, "error": "no face data registered"})
				return
			}
			actionError(c, err)
			return
		}
		// Index-keyed object, the shape browser clients persist descriptors in.
		obj := make(map[string]float32, len(descriptor))
		for i, v := range descriptor {
			obj[fmt.Sprintf("%d", i)] = v
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "descriptor": obj})

	case "getAttendanceLogs":
		logs, err := a.be.AttendanceLogs(ctx, c.Query("sessionId"))
		if err != nil {
			actionError(c, err)
			return
		}
		if logs == nil {
			logs = []backend.ScanLog{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})

	case "getStudentStats":
		stats, err := a.be.StudentStats(ctx, c.Query("usn"))
		if err != nil {
			actionError(c, err)
			return
		}
		overall := 0.0
		if len(stats) > 0 {
			for _, s := range stats {
				overall += s.Percentage
			}
			overall /= float64(len(stats))
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats, "overall": overall})

	case "getStudentHistory":
		history, err := a.be.StudentHistory(ctx, c.Query("usn"))
		if err != nil {
			actionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "history": history})

	default:
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "unknown action"})
	}
}

func (a *apiServer) handleActionPost(c *gin.Context) {
	var body struct {
		Action string `json:"action"`
		backend.CreateSessionInput
		SessionID   string    `json:"sessionId"`
		USN         string    `json:"usn"`
		StudentName string    `json:"studentName"`
		Token       string    `json:"token"`
		GPSLat      *float64  `json:"gpsLat"`
		GPSLng      *float64  `json:"gpsLng"`
		Accuracy    *float64  `json:"gpsAccuracy"`
		Descriptor  []float32 `json:"descriptor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	switch body.Action {
	case "createSession":
		s, err := a.be.CreateSession(ctx, body.CreateSessionInput)
		if err != nil {
			actionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": gin.H{
			"sessionId": s.SessionID,
			"token":     s.Token,
		}})

	case "rotateToken":
		token, err := a.be.RotateToken(ctx, body.SessionID)
		if err != nil {
			actionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "token": token})

	case "endSession":
		if err := a.be.EndSession(ctx, body.SessionID); err != nil {
			actionError(c, err)
			return
		}
		a.hub.BroadcastClosed(body.SessionID)
		c.JSON(http.StatusOK, gin.H{"success": true})

	case "markAttendance":
		res, err := a.be.MarkAttendance(ctx, backend.MarkRequest{
			USN:         body.USN,
			StudentName: body.StudentName,
			SessionID:   body.SessionID,
			Token:       body.Token,
			GPSLat:      body.GPSLat,
			GPSLng:      body.GPSLng,
			Accuracy:    body.Accuracy,
		})
		if err != nil {
			actionError(c, err)
			return
		}
		if res.Success {
			a.hub.BroadcastScan(body.SessionID, backend.ScanLog{
				USN:         body.USN,
				StudentName: body.StudentName,
				Timestamp:   time.Now().UTC(),
				Status:      "PRESENT",
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"success":     res.Success,
			"error":       res.Error,
			"code":        res.Code,
			"distance":    res.Distance,
			"subjectName": res.SubjectName,
		})

	case "registerFace":
		if err := a.be.RegisterFace(ctx, body.USN, body.Descriptor); err != nil {
			actionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	default:
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "unknown action"})
	}
}

// actionError renders a failure in the action envelope; protocol-level
// errors still travel as success=false rather than HTTP statuses.
func actionError(c *gin.Context, err error) {
	c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
}
