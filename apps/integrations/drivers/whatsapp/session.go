package whatsapp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
)

var (
	// ErrInvalidTransition is returned when a signal does not apply to the current state
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotConnected is returned for sends on a slot that is not ready
	ErrNotConnected = errors.New("whatsapp session is not connected")
)

// Signals move a session between states
const (
	SignalConnect     = "connect"
	SignalQR          = "qr"
	SignalReady       = "ready"
	SignalAuthFailure = "auth_failure"
	SignalDisconnect  = "disconnected"
	SignalTimeout     = "timeout"
)

// transitions lists the states each signal is accepted in and where it leads
var transitions = map[string]struct {
	from []string
	to   string
}{
	SignalConnect:     {from: []string{models.SessionStateDisconnected}, to: models.SessionStateInitializing},
	SignalQR:          {from: []string{models.SessionStateInitializing, models.SessionStateAwaitingScan}, to: models.SessionStateAwaitingScan},
	SignalReady:       {from: []string{models.SessionStateInitializing, models.SessionStateAwaitingScan}, to: models.SessionStateReady},
	SignalAuthFailure: {from: []string{models.SessionStateInitializing, models.SessionStateAwaitingScan, models.SessionStateReady}, to: models.SessionStateDisconnected},
	SignalDisconnect:  {from: []string{models.SessionStateInitializing, models.SessionStateAwaitingScan, models.SessionStateReady}, to: models.SessionStateDisconnected},
	SignalTimeout:     {from: []string{models.SessionStateInitializing, models.SessionStateAwaitingScan}, to: models.SessionStateDisconnected},
}

// lifecycleEvents maps signals to the client event they produce
var lifecycleEvents = map[string]string{
	SignalQR:          events.TypeQR,
	SignalReady:       events.TypeReady,
	SignalAuthFailure: events.TypeAuthFailure,
	SignalDisconnect:  events.TypeDisconnected,
	SignalTimeout:     events.TypeDisconnected,
}

// Session is the connection state machine of one (tenant, slot)
type Session struct {
	mu          sync.Mutex
	tenantID    uint
	slot        string
	state       string
	qr          string
	phoneNumber string
	lastError   string
	// attempt invalidates connect timers of earlier attempts
	attempt      uint64
	pendingSince time.Time
}

func newSession(tenantID uint, slot string) *Session {
	return &Session{tenantID: tenantID, slot: slot, state: models.SessionStateDisconnected}
}

// apply runs a transition. The returned status is a snapshot taken under
// the lock.
func (s *Session) apply(signal, detail string) (drivers.SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := transitions[signal]
	if !ok {
		return s.statusLocked(), fmt.Errorf("%w: unknown signal %q", ErrInvalidTransition, signal)
	}
	if !contains(t.from, s.state) {
		return s.statusLocked(), fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, signal, s.state)
	}

	s.state = t.to
	switch signal {
	case SignalConnect:
		s.attempt++
		s.pendingSince = time.Now()
		s.qr = ""
		s.lastError = ""
	case SignalQR:
		s.qr = detail
	case SignalReady:
		s.qr = ""
		s.phoneNumber = detail
		s.lastError = ""
	case SignalAuthFailure, SignalDisconnect:
		s.qr = ""
		s.lastError = detail
	case SignalTimeout:
		s.qr = ""
		s.lastError = "connection attempt timed out"
	}
	return s.statusLocked(), nil
}

// Status returns a snapshot of the session
func (s *Session) Status() drivers.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// renew starts a new connect window and returns its attempt number
func (s *Session) renew() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.pendingSince = time.Now()
	return s.attempt
}

// pendingFor reports how long the session has waited for ready
func (s *Session) pendingFor(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SessionStateInitializing && s.state != models.SessionStateAwaitingScan {
		return 0, false
	}
	return now.Sub(s.pendingSince), true
}

func (s *Session) currentAttempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Session) statusLocked() drivers.SessionStatus {
	return drivers.SessionStatus{
		Slot:        s.slot,
		State:       s.state,
		Connected:   s.state == models.SessionStateReady,
		PhoneNumber: s.phoneNumber,
		QR:          s.qr,
		LastError:   s.lastError,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
