// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Connect calls and hand out controlled sessions. Use
// Session to script upstream events and inspect which methods the session
// multiplexer invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	d := &mock.Dialer{Session: sess}
//	sess.EventsCh <- realtime.Event{Type: realtime.EventTranscriptDelta, Text: "hi"}
package mock

import (
	"context"
	"sync"

	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Session = (*Session)(nil)

// ConnectCall records a single invocation of Dialer.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg realtime.SessionConfig
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Session is returned by Connect. If nil, Connect returns a new default
	// Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name returns NameValue or "mock".
func (d *Dialer) Name() string {
	if d.NameValue == "" {
		return "mock"
	}
	return d.NameValue
}

// Connect records the call and returns Session, ConnectErr.
func (d *Dialer) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectCalls = append(d.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (d *Dialer) Calls() []ConnectCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConnectCall, len(d.ConnectCalls))
	copy(out, d.ConnectCalls)
	return out
}

// Session is a mock implementation of realtime.Session. Script upstream
// events by sending on EventsCh and close it to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events.
	EventsCh chan realtime.Event

	// UpdateErr, AppendErr, CommitErr, and ClearErr are returned by the
	// corresponding methods when non-nil.
	UpdateErr error
	AppendErr error
	CommitErr error
	ClearErr  error

	// ErrVal is returned by Err.
	ErrVal error

	// Recorded calls, in order per method.
	UpdateCalls []realtime.SessionConfig
	AppendCalls []string
	CommitCount int
	ClearCount  int
	CloseCount  int

	closed bool
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// UpdateSession records the config and returns UpdateErr.
func (s *Session) UpdateSession(cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.UpdateCalls = append(s.UpdateCalls, cfg)
	return s.UpdateErr
}

// AppendAudio records the chunk and returns AppendErr.
func (s *Session) AppendAudio(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.AppendCalls = append(s.AppendCalls, b64)
	return s.AppendErr
}

// CommitAudio records the call and returns CommitErr.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.CommitCount++
	return s.CommitErr
}

// ClearAudio records the call and returns ClearErr.
func (s *Session) ClearAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.ClearCount++
	return s.ClearErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close marks the session closed and closes EventsCh on the first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.EventsCh)
	return nil
}

// Appended returns a copy of the recorded audio chunks.
func (s *Session) Appended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.AppendCalls))
	copy(out, s.AppendCalls)
	return out
}

// Updates returns a copy of the recorded session config updates.
func (s *Session) Updates() []realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.SessionConfig, len(s.UpdateCalls))
	copy(out, s.UpdateCalls)
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
