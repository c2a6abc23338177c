// Package session runs the faculty side of the attendance protocol: one
// Live handle per open session view, owning the countdown and token-rotation
// timers and releasing both through a single teardown.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"qrattend/internal/backend"
	"qrattend/internal/metrics"
)

// Config carries the controller timings. All intervals are injectable so
// tests can compress them.
type Config struct {
	RotationPeriod time.Duration // token rotation cadence
	Countdown      time.Duration // scanning window from activation
	Tick           time.Duration // countdown granularity
}

// DefaultConfig matches the production protocol: 30s rotation inside a 600s
// window, ticking once a second.
func DefaultConfig() Config {
	return Config{
		RotationPeriod: 30 * time.Second,
		Countdown:      600 * time.Second,
		Tick:           time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = d.RotationPeriod
	}
	if c.Countdown <= 0 {
		c.Countdown = d.Countdown
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	return c
}

// Update is one tick of session state for the faculty view.
type Update struct {
	SessionID string
	Token     string
	Remaining time.Duration
	Closed    bool
}

// Controller owns the live sessions of this process.
type Controller struct {
	be  backend.Backend
	cfg Config

	mu   sync.Mutex
	live map[string]*Live
}

// NewController creates a controller over the given backend.
func NewController(be backend.Backend, cfg Config) *Controller {
	return &Controller{
		be:   be,
		cfg:  cfg.withDefaults(),
		live: make(map[string]*Live),
	}
}

// StartOrResume activates a session for a timetable slot. The backend create
// is idempotent per slot, and an already-running Live handle for the same
// session is reused rather than duplicated.
func (c *Controller) StartOrResume(ctx context.Context, in backend.CreateSessionInput) (*Live, error) {
	s, err := c.be.CreateSession(ctx, in)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.live[s.SessionID]; ok && !l.closed() {
		return l, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &Live{
		session: s,
		be:      c.be,
		cfg:     c.cfg,
		cancel:  cancel,
		updates: make(chan Update, 16),
		done:    make(chan struct{}),
	}
	deadline := time.Now().Add(c.cfg.Countdown)
	if !s.EndTime.IsZero() && s.EndTime.Before(deadline) {
		deadline = s.EndTime
	}
	l.deadline = deadline
	c.live[s.SessionID] = l
	metrics.SessionsStarted.Inc()
	go l.run(runCtx)
	return l, nil
}

// Get returns the live handle for a session id, if this process runs it.
func (c *Controller) Get(sessionID string) (*Live, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.live[sessionID]
	return l, ok
}

// Shutdown tears down every live handle.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	handles := make([]*Live, 0, len(c.live))
	for _, l := range c.live {
		handles = append(handles, l)
	}
	c.mu.Unlock()
	for _, l := range handles {
		l.Stop()
	}
}

// Live is one running session: a rotation ticker and a countdown ticker,
// both cancelled together by Stop.
type Live struct {
	session backend.Session
	be      backend.Backend
	cfg     Config
	cancel  context.CancelFunc
	updates chan Update
	done    chan struct{}

	mu       sync.Mutex
	token    string
	deadline time.Time
	ended    bool
}

// Session returns the session this handle runs.
func (l *Live) Session() backend.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.session
	if l.token != "" {
		s.Token = l.token
	}
	return s
}

// Token returns the current token, which may be frozen after expiry.
func (l *Live) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return l.token
	}
	return l.session.Token
}

// Remaining returns how much of the scanning window is left.
func (l *Live) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := time.Until(l.deadline)
	if rem < 0 {
		return 0
	}
	return rem
}

// Updates streams token and countdown changes. Slow consumers miss ticks
// rather than blocking the timers.
func (l *Live) Updates() <-chan Update {
	return l.updates
}

// Done is closed once the handle's loop has exited.
func (l *Live) Done() <-chan struct{} {
	return l.done
}

// Stop tears down both timers without ending the session on the backend; a
// faculty navigating away can reopen the view and resume.
func (l *Live) Stop() {
	l.cancel()
	<-l.done
}

// End closes the session on the backend and tears the handle down.
// Idempotent.
func (l *Live) End(ctx context.Context) error {
	l.mu.Lock()
	alreadyEnded := l.ended
	l.ended = true
	l.mu.Unlock()
	if !alreadyEnded {
		if err := l.be.EndSession(ctx, l.session.SessionID); err != nil {
			l.mu.Lock()
			l.ended = false
			l.mu.Unlock()
			return err
		}
		metrics.SessionsEnded.Inc()
	}
	l.Stop()
	return nil
}

func (l *Live) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Live) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.updates)

	countdown := time.NewTicker(l.cfg.Tick)
	defer countdown.Stop()
	rotate := time.NewTicker(l.cfg.RotationPeriod)
	defer rotate.Stop()

	l.emit(Update{SessionID: l.session.SessionID, Token: l.Token(), Remaining: l.Remaining()})

	for {
		select {
		case <-ctx.Done():
			return

		case <-countdown.C:
			rem := l.Remaining()
			if rem > 0 {
				l.emit(Update{SessionID: l.session.SessionID, Token: l.Token(), Remaining: rem})
				continue
			}
			// Window over: the token stays frozen and the session is closed
			// on the backend. A failed close is retried on the next tick.
			if l.endExpired(ctx) {
				l.emit(Update{SessionID: l.session.SessionID, Token: l.Token(), Remaining: 0, Closed: true})
				return
			}

		case <-rotate.C:
			if l.Remaining() <= 0 {
				// Never rotate past the countdown; late scans must see the
				// frozen token and be rejected by the backend.
				continue
			}
			token, err := l.be.RotateToken(ctx, l.session.SessionID)
			if err != nil {
				// Not fatal to the view; the last token may go stale until
				// the next tick retries.
				log.Printf("session %s: token rotation failed: %v", l.session.SessionID, err)
				metrics.RotationsTotal.WithLabelValues("error").Inc()
				continue
			}
			metrics.RotationsTotal.WithLabelValues("ok").Inc()
			l.mu.Lock()
			l.token = token
			l.mu.Unlock()
			l.emit(Update{SessionID: l.session.SessionID, Token: token, Remaining: l.Remaining()})
		}
	}
}

func (l *Live) endExpired(ctx context.Context) bool {
	l.mu.Lock()
	alreadyEnded := l.ended
	l.mu.Unlock()
	if alreadyEnded {
		return true
	}
	if err := l.be.EndSession(ctx, l.session.SessionID); err != nil {
		log.Printf("session %s: close after countdown failed: %v", l.session.SessionID, err)
		return false
	}
	l.mu.Lock()
	l.ended = true
	l.mu.Unlock()
	metrics.SessionsEnded.Inc()
	return true
}

func (l *Live) emit(u Update) {
	select {
	case l.updates <- u:
	default:
	}
}
